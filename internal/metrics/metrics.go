package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	predictionsTotal atomic.Uint64
	byPrediction     sync.Map // string -> *atomic.Uint64
	byRisk           sync.Map

	downloadsTotal atomic.Uint64
	byLevel        sync.Map

	backendOutcomes sync.Map // "backend|outcome" -> *atomic.Uint64
	requestErrors   sync.Map

	auditFailures atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncPrediction(prediction, riskLabel string) {
	if c == nil {
		return
	}
	c.predictionsTotal.Add(1)
	inc(&c.byPrediction, prediction)
	inc(&c.byRisk, riskLabel)
}

func (c *Collector) IncDownload(level string) {
	if c == nil {
		return
	}
	c.downloadsTotal.Add(1)
	if level == "" {
		level = "not_downloadable"
	}
	inc(&c.byLevel, level)
}

// IncBackend counts a terminal backend outcome: "completed" or a failure kind.
func (c *Collector) IncBackend(backend, outcome string) {
	if c == nil {
		return
	}
	inc(&c.backendOutcomes, backend+"|"+outcome)
}

// IncRequestError counts requests rejected with an error of the given kind.
func (c *Collector) IncRequestError(kind string) {
	if c == nil {
		return
	}
	inc(&c.requestErrors, kind)
}

func (c *Collector) IncAuditFailure() {
	if c == nil {
		return
	}
	c.auditFailures.Add(1)
}

func inc(m *sync.Map, key string) {
	if key == "" {
		key = "unknown"
	}
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

type HandlerOptions struct {
	// ModelVersion is exported as an info metric when set.
	ModelVersion string
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP linkguard_up Whether the linkguard server is running.\n")
		fmt.Fprint(w, "# TYPE linkguard_up gauge\n")
		fmt.Fprint(w, "linkguard_up 1\n")

		fmt.Fprint(w, "# HELP linkguard_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE linkguard_uptime_seconds gauge\n")
		fmt.Fprintf(w, "linkguard_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		if opts.ModelVersion != "" {
			fmt.Fprint(w, "# HELP linkguard_model_info Loaded classifier model.\n")
			fmt.Fprint(w, "# TYPE linkguard_model_info gauge\n")
			fmt.Fprintf(w, "linkguard_model_info{version=\"%s\"} 1\n", escapeLabelValue(opts.ModelVersion))
		}

		fmt.Fprint(w, "# HELP linkguard_predictions_total Total URLs scored.\n")
		fmt.Fprint(w, "# TYPE linkguard_predictions_total counter\n")
		fmt.Fprintf(w, "linkguard_predictions_total %d\n", c.predictionsTotal.Load())

		writeLabeled(w, &c.byPrediction, "linkguard_predictions_by_label_total", "URLs scored by classifier label.", "prediction")
		writeLabeled(w, &c.byRisk, "linkguard_predictions_by_risk_total", "URLs scored by overall risk label.", "risk")

		fmt.Fprint(w, "# HELP linkguard_download_checks_total Total download checks.\n")
		fmt.Fprint(w, "# TYPE linkguard_download_checks_total counter\n")
		fmt.Fprintf(w, "linkguard_download_checks_total %d\n", c.downloadsTotal.Load())

		writeLabeled(w, &c.byLevel, "linkguard_download_checks_by_level_total", "Download checks by risk level.", "level")
		writeLabeled(w, &c.requestErrors, "linkguard_request_errors_total", "Requests rejected by error kind.", "kind")

		keys := snapshotKeys(&c.backendOutcomes)
		if len(keys) > 0 {
			fmt.Fprint(w, "# HELP linkguard_backend_outcomes_total Backend verifications by terminal outcome.\n")
			fmt.Fprint(w, "# TYPE linkguard_backend_outcomes_total counter\n")
			for _, k := range keys {
				backend, outcome, _ := strings.Cut(k, "|")
				fmt.Fprintf(w, "linkguard_backend_outcomes_total{backend=\"%s\",outcome=\"%s\"} %d\n",
					escapeLabelValue(backend), escapeLabelValue(outcome), load(&c.backendOutcomes, k))
			}
		}

		fmt.Fprint(w, "# HELP linkguard_audit_write_failures_total Verdicts that could not be written to the audit log.\n")
		fmt.Fprint(w, "# TYPE linkguard_audit_write_failures_total counter\n")
		fmt.Fprintf(w, "linkguard_audit_write_failures_total %d\n", c.auditFailures.Load())
	})
}

func writeLabeled(w io.Writer, m *sync.Map, name, help, label string) {
	keys := snapshotKeys(m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, escapeLabelValue(k), load(m, k))
	}
}

func load(m *sync.Map, key string) uint64 {
	ptr, _ := m.Load(key)
	if ptr == nil {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
