package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkguard/linkguard/internal/client"
	"github.com/linkguard/linkguard/internal/store"
	"github.com/linkguard/linkguard/internal/store/sqlite"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verdict audit log commands",
	}
	cmd.AddCommand(newAuditSearchCmd())
	cmd.AddCommand(newAuditTailCmd())
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		dbPath   string
		kind     string
		hostLike string
		label    string
		since    string
		limit    int
		asc      bool
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audited verdicts",
		Long: `Search audited verdicts, either through a running server or directly in
a SQLite audit database.

Examples:
  # Malicious predictions of the last day, from the server
  linkguard audit search --kind predict --label Malicious --since 24h

  # Directly from the database file
  linkguard audit search --db data/verdicts.db --host-like '%.cn'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if dbPath == "" {
				q := url.Values{}
				setIf(q, "kind", kind)
				setIf(q, "host_like", hostLike)
				setIf(q, "label", label)
				setIf(q, "since", since)
				if limit > 0 {
					q.Set("limit", strconv.Itoa(limit))
				}
				if asc {
					q.Set("order", "asc")
				}
				cfg := getClientConfig(cmd)
				recs, err := client.New(cfg.serverAddr, cfg.apiKey).SearchVerdicts(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(cmd, recs)
			}

			q := store.Query{Kind: kind, HostLike: hostLike, Label: label, Limit: limit, Asc: asc}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				t := time.Now().UTC().Add(-d)
				q.Since = &t
			}
			st, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()
			recs, err := st.QueryVerdicts(ctx, q)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []store.Record{}
			}
			return printJSON(cmd, recs)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Read this SQLite audit database instead of the server")
	cmd.Flags().StringVar(&kind, "kind", "", "predict|download")
	cmd.Flags().StringVar(&hostLike, "host-like", "", "SQL LIKE pattern on the host")
	cmd.Flags().StringVar(&label, "label", "", "Exact label (Safe, Malicious, downloadable, not_downloadable)")
	cmd.Flags().StringVar(&since, "since", "", "Only verdicts newer than this duration ago (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results (server default 200)")
	cmd.Flags().BoolVar(&asc, "asc", false, "Oldest first")
	return cmd
}

var errTailDone = errors.New("tail limit reached")

func newAuditTailCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow verdicts live as the server audits them",
		Long: `Follow verdicts live as the server audits them, one JSON object per line.
The server must have audit.stream.enabled set.

Examples:
  linkguard audit tail --kind download
  linkguard audit tail --max 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			switch kind {
			case "", store.KindPredict, store.KindDownload:
			default:
				return fmt.Errorf("--kind must be predict or download, got %q", kind)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			cfg := getClientConfig(cmd)
			err := client.New(cfg.serverAddr, cfg.apiKey).StreamVerdicts(ctx, kind, func(rec store.Record) error {
				if err := enc.Encode(rec); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					return errTailDone
				}
				return nil
			})
			if errors.Is(err, errTailDone) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "predict|download")
	cmd.Flags().IntVar(&limit, "max", 0, "Exit after this many verdicts (0 follows forever)")
	return cmd
}

func setIf(q url.Values, k, v string) {
	if v != "" {
		q.Set(k, v)
	}
}
