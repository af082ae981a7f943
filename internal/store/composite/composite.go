// Package composite fans audited verdicts out to several sinks.
package composite

import (
	"context"
	"fmt"

	"github.com/linkguard/linkguard/internal/store"
)

// Store writes every verdict to primary and then to each of others. Queries
// are answered by primary alone.
type Store struct {
	primary store.VerdictSink
	others  []store.VerdictSink
}

func New(primary store.VerdictSink, others ...store.VerdictSink) *Store {
	return &Store{primary: primary, others: others}
}

// AppendVerdict tries every sink and returns the first error.
func (s *Store) AppendVerdict(ctx context.Context, rec store.Record) error {
	var firstErr error
	if err := s.primary.AppendVerdict(ctx, rec); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.AppendVerdict(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryVerdicts(ctx context.Context, q store.Query) ([]store.Record, error) {
	qs, ok := s.primary.(store.VerdictQuerier)
	if !ok {
		return nil, fmt.Errorf("primary verdict store does not support queries")
	}
	return qs.QueryVerdicts(ctx, q)
}

func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
