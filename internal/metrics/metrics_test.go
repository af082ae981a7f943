package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/verify"
	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, c *Collector, opts HandlerOptions) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler(opts).ServeHTTP(rec, req)
	assert.Equal(t, "text/plain; version=0.0.4; charset=utf-8", rec.Header().Get("Content-Type"))
	return rec.Body.String()
}

func TestHandlerExportsCountersAndEscapes(t *testing.T) {
	c := New()
	c.IncPrediction("Malicious", "malicious")
	c.IncPrediction("Malicious", "suspicious")
	c.IncPrediction("Safe", "safe")
	c.IncDownload("high_risk")
	c.IncDownload("")
	c.IncBackend("virustotal", "completed")
	c.IncBackend("sandbox", "poll_timeout")
	c.IncRequestError("bar\n\"x\"")
	c.IncAuditFailure()

	body := scrape(t, c, HandlerOptions{ModelVersion: "2.0.3"})

	for _, want := range []string{
		"linkguard_up 1",
		`linkguard_model_info{version="2.0.3"} 1`,
		"linkguard_predictions_total 3",
		`linkguard_predictions_by_label_total{prediction="Malicious"} 2`,
		`linkguard_predictions_by_label_total{prediction="Safe"} 1`,
		`linkguard_predictions_by_risk_total{risk="suspicious"} 1`,
		"linkguard_download_checks_total 2",
		`linkguard_download_checks_by_level_total{level="high_risk"} 1`,
		`linkguard_download_checks_by_level_total{level="not_downloadable"} 1`,
		`linkguard_backend_outcomes_total{backend="sandbox",outcome="poll_timeout"} 1`,
		`linkguard_backend_outcomes_total{backend="virustotal",outcome="completed"} 1`,
		`linkguard_request_errors_total{kind="bar\n\"x\""} 1`,
		"linkguard_audit_write_failures_total 1",
	} {
		assert.Contains(t, body, want)
	}
}

func TestHandlerOmitsEmptyFamilies(t *testing.T) {
	body := scrape(t, New(), HandlerOptions{})
	assert.Contains(t, body, "linkguard_predictions_total 0")
	assert.NotContains(t, body, "linkguard_model_info")
	assert.NotContains(t, body, "linkguard_backend_outcomes_total")
	assert.NotContains(t, body, "linkguard_predictions_by_label_total")
}

func TestObserveVerdicts(t *testing.T) {
	c := New()
	c.ObservePrediction(context.Background(), &risk.Verdict{
		Prediction: risk.LabelMalicious,
		RiskLabel:  risk.RiskMalicious,
		Backends: []risk.BackendResult{
			{ScanReport: verify.ScanReport{Backend: "virustotal", Status: verify.StatusCompleted}},
			{ScanReport: verify.ScanReport{Backend: "sandbox", Status: verify.StatusError, Failure: verify.FailureSubmission}},
		},
	})
	c.ObserveDownload(context.Background(), &risk.DownloadVerdict{RiskLevel: risk.LevelMedium})
	c.ObservePrediction(context.Background(), nil)

	body := scrape(t, c, HandlerOptions{})
	assert.Contains(t, body, "linkguard_predictions_total 1")
	assert.Contains(t, body, `linkguard_backend_outcomes_total{backend="sandbox",outcome="submission"} 1`)
	assert.Contains(t, body, `linkguard_backend_outcomes_total{backend="virustotal",outcome="completed"} 1`)
	assert.Contains(t, body, `linkguard_download_checks_by_level_total{level="medium_risk"} 1`)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.IncPrediction("Safe", "safe")
		c.IncDownload("low_risk")
		c.IncBackend("vt", "completed")
		c.IncRequestError("input")
		c.IncAuditFailure()
		c.ObservePrediction(context.Background(), &risk.Verdict{})
	})
}

func TestConcurrentIncrements(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncBackend("virustotal", "completed")
		}()
	}
	wg.Wait()
	assert.Contains(t, scrape(t, c, HandlerOptions{}), `outcome="completed"} 50`)
}

func TestSnapshotKeysReturnsSorted(t *testing.T) {
	var m sync.Map
	m.Store("b", 1)
	m.Store("a", 1)
	m.Store("c", 1)

	assert.Equal(t, "a,b,c", strings.Join(snapshotKeys(&m), ","))
}
