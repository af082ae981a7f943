// Package verify submits URLs to asynchronous scanning backends and polls
// them for reports under a bounded retry policy.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes multi-engine vendor scanners from detonation sandboxes.
type Kind string

const (
	KindVendor  Kind = "vendor"
	KindSandbox Kind = "sandbox"
)

// Status is the terminal status of a ScanReport.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// State is a step of the per-backend state machine.
type State string

const (
	StateNotSubmitted State = "not_submitted"
	StateSubmitted    State = "submitted"
	StatePolling      State = "polling"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// FailureKind classifies why a backend failed.
type FailureKind string

const (
	FailureSubmission  FailureKind = "submission"
	FailurePollTimeout FailureKind = "poll_timeout"
	FailureParse       FailureKind = "parse"
	FailureFetch       FailureKind = "fetch"
	FailureCanceled    FailureKind = "canceled"
)

// Stats holds vendor vote counts.
type Stats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
	Timeout    int `json:"timeout"`
}

// ScanRequest records a submission to one backend.
type ScanRequest struct {
	ID          uuid.UUID `json:"id"`
	URL         string    `json:"url"`
	Backend     string    `json:"backend"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ScanReport is the normalized result of one backend.
type ScanReport struct {
	Backend    string      `json:"backend"`
	Kind       Kind        `json:"kind"`
	Status     Status      `json:"status"`
	Stats      Stats       `json:"stats"`
	AnalysisID string      `json:"analysis_id,omitempty"`
	RequestID  uuid.UUID   `json:"request_id"`
	Attempts   int         `json:"attempts"`
	Failure    FailureKind `json:"failure,omitempty"`
	Error      string      `json:"error,omitempty"`

	// Sandbox-only fields.
	ThreatScore    *int   `json:"threat_score,omitempty"`
	SandboxVerdict string `json:"sandbox_verdict,omitempty"`
}

// Failed reports whether the backend did not produce a report.
func (r ScanReport) Failed() bool {
	return r.Status != StatusCompleted
}

// ErrNotReady is returned by Backend.Fetch while the analysis is still running.
var ErrNotReady = errors.New("analysis not ready")

// SubmissionError reports a failed submission. Submissions are never retried.
type SubmissionError struct {
	Backend string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Backend, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollTimeoutError reports a report that was still not ready after every
// allowed attempt.
type PollTimeoutError struct {
	Backend  string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("%s: report not ready after %d attempts", e.Backend, e.Attempts)
}

// ParseError reports a backend response that could not be decoded.
type ParseError struct {
	Backend string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Backend, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Backend is an asynchronous scanning service.
type Backend interface {
	Name() string
	Kind() Kind
	// Submit starts an analysis and returns its identifier.
	Submit(ctx context.Context, url string) (string, error)
	// Fetch returns the report for id, or ErrNotReady.
	Fetch(ctx context.Context, id string) (*ScanReport, error)
}

// Immediate is implemented by backends whose report is ready as soon as
// Submit returns. The settle delay is skipped for them.
type Immediate interface {
	Immediate() bool
}
