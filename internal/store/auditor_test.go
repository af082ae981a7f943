package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/linkguard/internal/download"
	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/verify"
)

type memSink struct {
	recs    []Record
	ctxErrs []error
	err     error
}

func (m *memSink) AppendVerdict(ctx context.Context, rec Record) error {
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	return nil
}

func (m *memSink) Close() error { return nil }

type countingFailures struct{ n int }

func (c *countingFailures) IncAuditFailure() { c.n++ }

func TestAuditor_WritesVerdicts(t *testing.T) {
	sink := &memSink{}
	failures := &countingFailures{}
	a := NewAuditor(sink, nil, failures)
	fixed := time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	// A canceled request context must not prevent the audit write.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a.ObservePrediction(ctx, &risk.Verdict{
		URL:                  "http://www.stock888.cn/",
		MaliciousProbability: 0.8,
		Prediction:           risk.LabelMalicious,
		RiskLabel:            risk.RiskMalicious,
		Errors:               []string{"sandbox: submission failed"},
	})
	threat := 100
	a.ObserveDownload(context.Background(), &risk.DownloadVerdict{
		URL:            "http://122.114.193.75/demon.x64.exe.dll",
		IsDownloadable: true,
		Analysis:       download.Analysis{FileType: "dll"},
		RiskLevel:      risk.LevelHigh,
		ThreatScore:    &threat,
		Backends: []risk.BackendResult{
			{ScanReport: verify.ScanReport{Backend: "sandbox", Status: verify.StatusCompleted}},
		},
	})
	a.ObservePrediction(context.Background(), nil)
	a.ObserveDownload(context.Background(), nil)

	assert.Equal(t, 0, failures.n)
	require.Len(t, sink.recs, 2)
	require.Len(t, sink.ctxErrs, 1)
	require.NoError(t, sink.ctxErrs[0], "write context must be live during the append")

	p := sink.recs[0]
	assert.NotEmpty(t, p.ID)
	assert.True(t, fixed.Equal(p.Timestamp))
	assert.Equal(t, KindPredict, p.Kind)
	assert.Equal(t, "stock888.cn", p.Host)
	assert.Equal(t, "Malicious", p.Label)
	assert.Equal(t, "malicious", p.Risk)
	assert.Equal(t, 1, p.Failures)

	d := sink.recs[1]
	assert.NotEqual(t, p.ID, d.ID)
	assert.Equal(t, KindDownload, d.Kind)
	assert.Equal(t, "122.114.193.75", d.Host)
	assert.Equal(t, "downloadable", d.Label)
	assert.Equal(t, "high_risk", d.Risk)
	assert.InDelta(t, 100, d.Score, 1e-9)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(d.Payload, &payload))
	assert.Equal(t, "high_risk", payload["riskLevel"])
}

func TestAuditor_NotDownloadableLabel(t *testing.T) {
	sink := &memSink{}
	NewAuditor(sink, nil, nil).ObserveDownload(context.Background(), &risk.DownloadVerdict{URL: "https://example.org/"})
	require.Len(t, sink.recs, 1)
	assert.Equal(t, "not_downloadable", sink.recs[0].Label)
	assert.Zero(t, sink.recs[0].Score)
}

func TestAuditor_CountsFailures(t *testing.T) {
	failures := &countingFailures{}
	sink := &memSink{err: errors.New("closed")}
	NewAuditor(sink, nil, failures).ObservePrediction(context.Background(), &risk.Verdict{URL: "u", Prediction: risk.LabelSafe})
	assert.Equal(t, 1, failures.n)
}
