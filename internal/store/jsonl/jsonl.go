// Package jsonl appends audited verdicts to a size-rotated JSON-lines file.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/linkguard/linkguard/internal/store"
)

type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

// New opens path for appending. The file is rotated to path.1 .. path.N once
// it reaches maxSizeMB.
func New(path string, maxSizeMB int, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return newStore(path, int64(maxSizeMB)*1024*1024, maxBackups)
}

func newStore(path string, maxBytes int64, maxBackups int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir verdict log dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, maxBytes: maxBytes, maxBackups: maxBackups, file: f}, nil
}

func (s *Store) AppendVerdict(_ context.Context, rec store.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) rotateIfNeededLocked() error {
	if s.file == nil {
		return fmt.Errorf("jsonl store closed")
	}
	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat jsonl: %w", err)
	}
	if st.Size() < s.maxBytes {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}
	s.file = nil

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", s.path, i+1))
		}
	}
	_ = os.Rename(s.path, s.path+".1")

	f, err := openAppend(s.path)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}
	return f, nil
}
