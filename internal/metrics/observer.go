package metrics

import (
	"context"

	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/verify"
)

// ObservePrediction records a prediction verdict and its backend outcomes.
func (c *Collector) ObservePrediction(_ context.Context, v *risk.Verdict) {
	if c == nil || v == nil {
		return
	}
	c.IncPrediction(string(v.Prediction), string(v.RiskLabel))
	c.observeBackends(v.Backends)
}

// ObserveDownload records a download verdict and its backend outcomes.
func (c *Collector) ObserveDownload(_ context.Context, v *risk.DownloadVerdict) {
	if c == nil || v == nil {
		return
	}
	c.IncDownload(string(v.RiskLevel))
	c.observeBackends(v.Backends)
}

func (c *Collector) observeBackends(results []risk.BackendResult) {
	for _, b := range results {
		outcome := string(verify.StatusCompleted)
		if b.Failed() {
			outcome = string(b.Failure)
		}
		c.IncBackend(b.Backend, outcome)
	}
}
