package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/linkguard/linkguard/internal/features"
	"github.com/linkguard/linkguard/internal/risk"
)

const auditWriteTimeout = 2 * time.Second

// FailureCounter is notified when an audit write fails.
type FailureCounter interface {
	IncAuditFailure()
}

// Auditor turns every verdict into a Record and appends it to sink. Write
// errors are logged and counted; they never reach the caller.
type Auditor struct {
	sink     VerdictSink
	logger   *slog.Logger
	failures FailureCounter
	now      func() time.Time
}

// NewAuditor returns an Auditor. logger and failures may be nil.
func NewAuditor(sink VerdictSink, logger *slog.Logger, failures FailureCounter) *Auditor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Auditor{sink: sink, logger: logger, failures: failures, now: time.Now}
}

func (a *Auditor) ObservePrediction(ctx context.Context, v *risk.Verdict) {
	if v == nil {
		return
	}
	a.write(ctx, Record{
		Kind:     KindPredict,
		URL:      v.URL,
		Host:     hostOf(v.URL),
		Label:    string(v.Prediction),
		Risk:     string(v.RiskLabel),
		Score:    v.MaliciousProbability,
		Failures: len(v.Errors),
	}, v)
}

func (a *Auditor) ObserveDownload(ctx context.Context, v *risk.DownloadVerdict) {
	if v == nil {
		return
	}
	label := "not_downloadable"
	if v.IsDownloadable {
		label = "downloadable"
	}
	var score float64
	if v.ThreatScore != nil {
		score = float64(*v.ThreatScore)
	}
	a.write(ctx, Record{
		Kind:     KindDownload,
		URL:      v.URL,
		Host:     hostOf(v.URL),
		Label:    label,
		Risk:     string(v.RiskLevel),
		Score:    score,
		Failures: len(v.Errors),
	}, v)
}

func (a *Auditor) write(ctx context.Context, rec Record, verdict any) {
	payload, err := json.Marshal(verdict)
	if err != nil {
		a.fail("marshal verdict", err)
		return
	}
	rec.ID = uuid.NewString()
	rec.Timestamp = a.now().UTC()
	rec.Payload = payload

	// The request may already be past its deadline; the audit write is not.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := a.sink.AppendVerdict(ctx, rec); err != nil {
		a.fail("append verdict", err)
	}
}

func (a *Auditor) fail(op string, err error) {
	a.logger.Warn("audit write failed", "op", op, "error", err)
	if a.failures != nil {
		a.failures.IncAuditFailure()
	}
}

func hostOf(u string) string {
	return features.Domain(features.Normalize(u))
}
