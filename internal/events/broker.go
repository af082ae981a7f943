// Package events broadcasts audited verdicts to live subscribers.
package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/linkguard/linkguard/internal/store"
)

const defaultBuffer = 64

type subscriber struct {
	ch   chan store.Record
	kind string
}

// Broker is a store.VerdictSink that fans records out to subscribers. A
// subscriber that falls behind loses records rather than slowing the
// pipeline.
type Broker struct {
	buf    int
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[<-chan store.Record]*subscriber
	closed  bool
	dropped atomic.Int64
}

// NewBroker returns a Broker whose subscriber channels hold buf records.
func NewBroker(buf int, logger *slog.Logger) *Broker {
	if buf <= 0 {
		buf = defaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		buf:    buf,
		logger: logger,
		subs:   make(map[<-chan store.Record]*subscriber),
	}
}

// Subscribe returns a channel of records of the given kind, or of every kind
// when kind is empty. The channel is closed by Unsubscribe or Close.
func (b *Broker) Subscribe(kind string) <-chan store.Record {
	s := &subscriber{ch: make(chan store.Record, b.buf), kind: kind}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs[s.ch] = s
	return s.ch
}

func (b *Broker) Unsubscribe(ch <-chan store.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(s.ch)
	}
}

// AppendVerdict publishes rec. It never fails.
func (b *Broker) AppendVerdict(_ context.Context, rec store.Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.kind != "" && s.kind != rec.Kind {
			continue
		}
		select {
		case s.ch <- rec:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("verdict stream subscriber too slow; dropped record", "kind", rec.Kind, "total_dropped", count)
			}
		}
	}
	return nil
}

// Close ends every subscription. Later subscribers get a closed channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch, s := range b.subs {
		delete(b.subs, ch)
		close(s.ch)
	}
	return nil
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedCount returns how many records were dropped for slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
