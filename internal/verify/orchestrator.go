package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSettleDelay  = 10 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultMaxRetries   = 3
)

// RetryPolicy bounds the polling of a single backend. A backend is fetched
// once after SettleDelay and then retried at most MaxRetries times,
// PollInterval apart, while it reports ErrNotReady.
type RetryPolicy struct {
	SettleDelay  time.Duration
	PollInterval time.Duration
	MaxRetries   int
}

// DefaultRetryPolicy returns the 10s settle / 5s interval / 3 retries policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		SettleDelay:  DefaultSettleDelay,
		PollInterval: DefaultPollInterval,
		MaxRetries:   DefaultMaxRetries,
	}
}

// WorstCase is the longest time one backend spends waiting, excluding the
// network calls themselves.
func (p RetryPolicy) WorstCase() time.Duration {
	return p.SettleDelay + time.Duration(p.MaxRetries)*p.PollInterval
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Policy RetryPolicy
	// Clock defaults to the wall clock.
	Clock  Clock
	Logger *slog.Logger
}

// Orchestrator runs every backend of a request concurrently and waits for
// all of them to reach a terminal state.
type Orchestrator struct {
	policy RetryPolicy
	clock  Clock
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	policy := cfg.Policy
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Orchestrator{policy: policy, clock: clock, logger: logger}
}

// Policy returns the retry policy in use.
func (o *Orchestrator) Policy() RetryPolicy { return o.policy }

// Verify submits url to every backend and returns one terminal report per
// backend, in the order given. Failures are recorded in the reports; Verify
// itself never fails. Backends still pending when ctx is done are reported as
// failed.
func (o *Orchestrator) Verify(ctx context.Context, url string, backends ...Backend) []ScanReport {
	reports := make([]ScanReport, len(backends))
	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			reports[i] = o.run(ctx, url, b)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (o *Orchestrator) run(ctx context.Context, url string, b Backend) ScanReport {
	req := ScanRequest{
		ID:          uuid.New(),
		URL:         url,
		Backend:     b.Name(),
		SubmittedAt: o.clock.Now(),
	}
	rep := ScanReport{Backend: b.Name(), Kind: b.Kind(), RequestID: req.ID}
	log := o.logger.With("backend", req.Backend, "request_id", req.ID.String())

	if err := ctx.Err(); err != nil {
		return o.fail(log, StateNotSubmitted, rep, FailureCanceled, fmt.Errorf("%s: not submitted: %w", req.Backend, err))
	}

	id, err := b.Submit(ctx, url)
	if err != nil {
		kind := FailureSubmission
		if ctx.Err() != nil {
			kind = FailureCanceled
		}
		return o.fail(log, StateNotSubmitted, rep, kind, &SubmissionError{Backend: req.Backend, Err: err})
	}
	rep.AnalysisID = id
	log.Debug("backend state", "from", StateNotSubmitted, "to", StateSubmitted, "analysis_id", id)

	settle := o.policy.SettleDelay
	if im, ok := b.(Immediate); ok && im.Immediate() {
		settle = 0
	}
	if err := o.wait(ctx, settle); err != nil {
		return o.fail(log, StateSubmitted, rep, FailureCanceled, fmt.Errorf("%s: abandoned before polling: %w", req.Backend, err))
	}
	log.Debug("backend state", "from", StateSubmitted, "to", StatePolling)

	for attempt := 1; ; attempt++ {
		rep.Attempts = attempt
		got, err := b.Fetch(ctx, id)
		if err == nil && got == nil {
			err = &ParseError{Backend: req.Backend, Err: errors.New("empty report")}
		}
		if err == nil {
			return o.complete(log, rep, got)
		}

		if errors.Is(err, ErrNotReady) {
			if attempt > o.policy.MaxRetries {
				return o.fail(log, StatePolling, rep, FailurePollTimeout, &PollTimeoutError{Backend: req.Backend, Attempts: attempt})
			}
			log.Debug("report not ready", "attempt", attempt)
			if werr := o.wait(ctx, o.policy.PollInterval); werr != nil {
				return o.fail(log, StatePolling, rep, FailureCanceled, fmt.Errorf("%s: abandoned while polling: %w", req.Backend, werr))
			}
			continue
		}

		var pe *ParseError
		switch {
		case ctx.Err() != nil:
			return o.fail(log, StatePolling, rep, FailureCanceled, fmt.Errorf("%s: abandoned while polling: %w", req.Backend, err))
		case errors.As(err, &pe):
			return o.fail(log, StatePolling, rep, FailureParse, err)
		default:
			return o.fail(log, StatePolling, rep, FailureFetch, err)
		}
	}
}

func (o *Orchestrator) complete(log *slog.Logger, rep ScanReport, got *ScanReport) ScanReport {
	out := *got
	out.Backend = rep.Backend
	out.Kind = rep.Kind
	out.RequestID = rep.RequestID
	out.Attempts = rep.Attempts
	if out.AnalysisID == "" {
		out.AnalysisID = rep.AnalysisID
	}
	out.Status = StatusCompleted
	out.Failure = ""
	out.Error = ""
	log.Debug("backend state", "from", StatePolling, "to", StateCompleted, "attempts", out.Attempts)
	return out
}

func (o *Orchestrator) fail(log *slog.Logger, from State, rep ScanReport, kind FailureKind, err error) ScanReport {
	rep.Status = StatusError
	rep.Failure = kind
	rep.Error = err.Error()
	log.Debug("backend state", "from", from, "to", StateFailed, "failure", kind)
	log.Warn("backend verification failed", "failure", kind, "error", err)
	return rep
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.clock.After(d):
		return nil
	}
}
