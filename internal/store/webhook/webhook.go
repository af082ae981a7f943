// Package webhook posts batches of audited verdicts to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/linkguard/linkguard/internal/store"
)

type Config struct {
	URL           string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	Headers       map[string]string
}

// Store buffers verdicts and posts them as a JSON array once BatchSize is
// reached or FlushInterval has passed since the last post.
type Store struct {
	url           string
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration
	headers       map[string]string

	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	buf       []store.Record
	lastFlush time.Time
	closed    bool
}

func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	s := &Store{
		url:           cfg.URL,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		timeout:       cfg.Timeout,
		headers:       headers,
		client:        &http.Client{Timeout: cfg.Timeout},
		now:           time.Now,
	}
	s.lastFlush = s.now()
	return s, nil
}

func (s *Store) AppendVerdict(ctx context.Context, rec store.Record) error {
	var batch []store.Record

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, rec)
	now := s.now()
	if len(s.buf) >= s.batchSize || now.Sub(s.lastFlush) >= s.flushInterval {
		batch = s.buf
		s.buf = nil
		s.lastFlush = now
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.post(ctx, batch)
}

// Close posts whatever is still buffered.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.post(ctx, batch)
}

func (s *Store) post(ctx context.Context, batch []store.Record) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post verdict batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
