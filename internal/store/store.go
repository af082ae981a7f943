// Package store defines the verdict audit record and the sinks that persist it.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Verdict kinds.
const (
	KindPredict  = "predict"
	KindDownload = "download"
)

// Record is one audited verdict.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	URL       string          `json:"url"`
	Host      string          `json:"host"`
	Label     string          `json:"label"`
	Risk      string          `json:"risk,omitempty"`
	Score     float64         `json:"score"`
	Failures  int             `json:"failures"`
	Payload   json.RawMessage `json:"payload"`
}

// Query filters QueryVerdicts.
type Query struct {
	Kind     string
	HostLike string
	Label    string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
	Asc      bool
}

type VerdictSink interface {
	AppendVerdict(ctx context.Context, rec Record) error
	Close() error
}

type VerdictQuerier interface {
	QueryVerdicts(ctx context.Context, q Query) ([]Record, error)
}
