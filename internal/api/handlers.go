package api

import (
	"errors"
	"math"
	"net/http"

	"github.com/linkguard/linkguard/internal/classifier"
	"github.com/linkguard/linkguard/internal/download"
	"github.com/linkguard/linkguard/internal/pipeline"
	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/verify"
	"github.com/linkguard/linkguard/internal/verify/backend"
)

type urlRequest struct {
	URL string `json:"url"`
}

// predictResponse is the verdict plus the flat virustotal fields read by the
// browser extension.
type predictResponse struct {
	risk.Verdict
	VirusTotal      risk.Label   `json:"virustotal"`
	VirusTotalStats verify.Stats `json:"virustotal_stats"`
	VirusTotalError *string      `json:"virustotal_error"`
}

type vtResult struct {
	Status     verify.Status `json:"status"`
	Malicious  int           `json:"malicious"`
	Suspicious int           `json:"suspicious"`
	Harmless   int           `json:"harmless"`
	Undetected int           `json:"undetected"`
	Message    string        `json:"message,omitempty"`
}

type fsResult struct {
	Status      verify.Status `json:"status"`
	ThreatScore *int          `json:"threat_score,omitempty"`
	Verdict     string        `json:"verdict,omitempty"`
	Message     string        `json:"message,omitempty"`
}

type downloadResponse struct {
	download.Analysis
	RiskLevel    risk.Level           `json:"riskLevel,omitempty"`
	VTResult     *vtResult            `json:"vtResult,omitempty"`
	FSResult     *fsResult            `json:"fsResult,omitempty"`
	FSScore      *int                 `json:"fsScore,omitempty"`
	FSVerdict    string               `json:"fsVerdict,omitempty"`
	Backends     []risk.BackendResult `json:"backends"`
	ThreatFeed   *risk.FeedMatch      `json:"threatFeed,omitempty"`
	Registration *risk.Registration   `json:"registration,omitempty"`
	Errors       []string             `json:"errors,omitempty"`
}

func (a *App) predict(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !a.decodeJSON(w, r, &req, "invalid json") {
		return
	}
	v, err := a.svc.Predict(r.Context(), req.URL)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPredictResponse(v))
}

func (a *App) checkDownloadable(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !a.decodeJSON(w, r, &req, "invalid json") {
		return
	}
	v, err := a.svc.CheckDownload(r.Context(), req.URL)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDownloadResponse(v))
}

func (a *App) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var inErr *pipeline.InputError
	var modelErr *classifier.ModelError
	switch {
	case errors.As(err, &inErr):
		a.metrics.IncRequestError("input")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": inErr.Error()})
	case errors.As(err, &modelErr):
		a.metrics.IncRequestError("model")
		a.logger.Error("model error", "request_id", RequestIDFrom(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "model error"})
	default:
		a.metrics.IncRequestError("internal")
		a.logger.Error("request failed", "request_id", RequestIDFrom(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func newPredictResponse(v *risk.Verdict) predictResponse {
	out := predictResponse{Verdict: *v, VirusTotal: v.Verification}
	out.MaliciousProbability = round4(v.MaliciousProbability)
	out.BenignProbability = round4(v.BenignProbability)
	if b, ok := v.Backend(backend.NameVirusTotal); ok {
		out.VirusTotal = b.Label
		out.VirusTotalStats = b.Stats
		if b.Error != "" {
			msg := b.Error
			out.VirusTotalError = &msg
		}
	}
	return out
}

func newDownloadResponse(v *risk.DownloadVerdict) downloadResponse {
	out := downloadResponse{
		Analysis:     v.Analysis,
		RiskLevel:    v.RiskLevel,
		FSScore:      v.ThreatScore,
		FSVerdict:    v.SandboxVerdict,
		Backends:     v.Backends,
		ThreatFeed:   v.ThreatFeed,
		Registration: v.Registration,
		Errors:       v.Errors,
	}
	for _, b := range v.Backends {
		switch b.Kind {
		case verify.KindVendor:
			if out.VTResult == nil {
				out.VTResult = &vtResult{
					Status:     b.Status,
					Malicious:  b.Stats.Malicious,
					Suspicious: b.Stats.Suspicious,
					Harmless:   b.Stats.Harmless,
					Undetected: b.Stats.Undetected,
					Message:    b.Error,
				}
			}
		case verify.KindSandbox:
			if out.FSResult == nil {
				out.FSResult = &fsResult{
					Status:      b.Status,
					ThreatScore: b.ThreatScore,
					Verdict:     b.SandboxVerdict,
					Message:     b.Error,
				}
			}
		}
	}
	return out
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
