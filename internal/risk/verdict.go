package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/linkguard/linkguard/internal/classifier"
	"github.com/linkguard/linkguard/internal/download"
	"github.com/linkguard/linkguard/internal/verify"
)

// BackendResult is a backend report together with its labels.
type BackendResult struct {
	verify.ScanReport
	Label Label `json:"label"`
	Level Level `json:"level"`
}

// FeedMatch records a blocklist feed that lists the URL's host or one of its
// parent domains. It annotates a verdict without changing its labels.
type FeedMatch struct {
	Feed   string `json:"feed"`
	Domain string `json:"domain"`
}

// Registration is the WHOIS creation date of the domain serving a URL. Like
// FeedMatch it never changes a verdict's labels.
type Registration struct {
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	AgeDays   int       `json:"age_days"`
	// Young is set when the domain is newer than the configured minimum age.
	Young bool `json:"young"`
}

// Verdict is the outcome of a URL prediction.
type Verdict struct {
	URL                  string          `json:"url"`
	MaliciousProbability float64         `json:"malicious_probability"`
	BenignProbability    float64         `json:"not_malicious_probability"`
	Threshold            float64         `json:"threshold"`
	IsMalicious          bool            `json:"is_malicious"`
	Prediction           Label           `json:"prediction"`
	Verification         Label           `json:"verification"`
	RiskLabel            RiskLabel       `json:"risk_label"`
	Backends             []BackendResult `json:"backends"`
	ThreatFeed           *FeedMatch      `json:"threat_feed,omitempty"`
	Registration         *Registration   `json:"registration,omitempty"`
	Errors               []string        `json:"errors,omitempty"`
}

// Backend returns the result for the named backend.
func (v *Verdict) Backend(name string) (BackendResult, bool) {
	return findBackend(v.Backends, name)
}

// DownloadVerdict is the outcome of a download check.
type DownloadVerdict struct {
	URL            string            `json:"url"`
	IsDownloadable bool              `json:"isDownloadable"`
	Analysis       download.Analysis `json:"analysis"`
	// RiskLevel is empty when the URL is not downloadable.
	RiskLevel      Level           `json:"riskLevel,omitempty"`
	Backends       []BackendResult `json:"backends"`
	ThreatScore    *int            `json:"fsScore,omitempty"`
	SandboxVerdict string          `json:"fsVerdict,omitempty"`
	ThreatFeed     *FeedMatch      `json:"threatFeed,omitempty"`
	Registration   *Registration   `json:"registration,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
}

// Backend returns the result for the named backend.
func (v *DownloadVerdict) Backend(name string) (BackendResult, bool) {
	return findBackend(v.Backends, name)
}

// Flags reports whether score is at or above threshold.
func Flags(score classifier.Score, threshold float64) bool {
	return score.Malicious >= threshold
}

// Evaluate builds the verdict for a URL. When the score is below threshold
// the reports are ignored and verification is "Not checked".
func Evaluate(url string, score classifier.Score, threshold float64, reports []verify.ScanReport) Verdict {
	v := Verdict{
		URL:                  url,
		MaliciousProbability: score.Malicious,
		BenignProbability:    score.Benign,
		Threshold:            threshold,
		IsMalicious:          Flags(score, threshold),
		Backends:             []BackendResult{},
	}

	if !v.IsMalicious {
		v.Prediction = LabelSafe
		v.Verification = LabelNotChecked
		v.RiskLabel = RiskSafe
		return v
	}

	v.Prediction = LabelMalicious
	v.Backends, v.Errors = labelReports(reports)

	labels := make([]Label, len(v.Backends))
	for i, b := range v.Backends {
		labels[i] = b.Label
	}
	v.Verification = MaxLabel(labels...)

	switch v.Verification {
	case LabelNotChecked, LabelSafe:
		v.RiskLabel = RiskSuspicious
	default:
		v.RiskLabel = RiskMalicious
	}
	return v
}

// EvaluateDownload builds the verdict for a download check. Non-downloadable
// URLs carry no risk level and ignore the reports.
func EvaluateDownload(a download.Analysis, reports []verify.ScanReport) DownloadVerdict {
	v := DownloadVerdict{
		URL:            a.URL,
		IsDownloadable: a.IsDownloadable,
		Analysis:       a,
		Backends:       []BackendResult{},
	}
	if !a.IsDownloadable {
		if a.Error != "" {
			v.Errors = []string{"download probe: " + a.Error}
		}
		return v
	}

	v.Backends, v.Errors = labelReports(reports)

	levels := make([]Level, len(v.Backends))
	for i, b := range v.Backends {
		levels[i] = b.Level
		if b.Kind == verify.KindSandbox && !b.Failed() && v.ThreatScore == nil && v.SandboxVerdict == "" {
			v.ThreatScore = b.ThreatScore
			v.SandboxVerdict = b.SandboxVerdict
		}
	}
	v.RiskLevel = MaxLevel(levels...)
	return v
}

func labelReports(reports []verify.ScanReport) ([]BackendResult, []string) {
	out := make([]BackendResult, len(reports))
	var errs []string
	for i, r := range reports {
		out[i] = BackendResult{
			ScanReport: r,
			Label:      ReportLabel(r),
			Level:      ReportLevel(r),
		}
		if r.Failed() {
			msg := r.Error
			if msg == "" {
				msg = "verification failed"
			}
			if !strings.HasPrefix(msg, r.Backend+":") {
				msg = fmt.Sprintf("%s: %s", r.Backend, msg)
			}
			errs = append(errs, msg)
		}
	}
	return out, errs
}

func findBackend(results []BackendResult, name string) (BackendResult, bool) {
	for _, r := range results {
		if r.Backend == name {
			return r, true
		}
	}
	return BackendResult{}, false
}
