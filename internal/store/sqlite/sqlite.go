// Package sqlite keeps an append-only audit log of produced verdicts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/linkguard/linkguard/internal/store"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			verdict_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			kind TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			label TEXT NOT NULL,
			risk TEXT,
			score REAL NOT NULL,
			failures INTEGER NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_kind_ts ON verdicts(kind, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_host ON verdicts(host);`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_label ON verdicts(label);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// AppendVerdict stores rec, assigning an id and timestamp when missing.
func (s *Store) AppendVerdict(ctx context.Context, rec store.Record) error {
	if rec.Kind == "" {
		return fmt.Errorf("verdict missing kind")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verdicts(
			verdict_id, ts_unix_ns, kind, url, host, label, risk, score, failures, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?);`,
		rec.ID,
		rec.Timestamp.UTC().UnixNano(),
		rec.Kind,
		rec.URL,
		rec.Host,
		rec.Label,
		nullable(rec.Risk),
		rec.Score,
		rec.Failures,
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

// QueryVerdicts returns audited verdicts, newest first unless q.Asc is set.
func (s *Store) QueryVerdicts(ctx context.Context, q store.Query) ([]store.Record, error) {
	where := []string{"1=1"}
	var args []any

	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.HostLike != "" {
		where = append(where, "host LIKE ?")
		args = append(args, q.HostLike)
	}
	if q.Label != "" {
		where = append(where, "label = ?")
		args = append(args, q.Label)
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT verdict_id, ts_unix_ns, kind, url, host, label, risk, score, failures, payload_json
		 FROM verdicts WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			rec     store.Record
			tsNs    int64
			risk    sql.NullString
			payload string
		)
		if err := rows.Scan(&rec.ID, &tsNs, &rec.Kind, &rec.URL, &rec.Host, &rec.Label, &risk, &rec.Score, &rec.Failures, &payload); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		rec.Timestamp = time.Unix(0, tsNs).UTC()
		rec.Risk = risk.String
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query verdicts rows: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
