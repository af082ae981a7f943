// Package api serves the prediction and download-check endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/linkguard/linkguard/internal/auth"
	"github.com/linkguard/linkguard/internal/config"
	"github.com/linkguard/linkguard/internal/metrics"
	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/store"
)

// Service is the verdict pipeline behind the API.
type Service interface {
	Predict(ctx context.Context, url string) (*risk.Verdict, error)
	CheckDownload(ctx context.Context, url string) (*risk.DownloadVerdict, error)
}

// VerdictQuerier reads the audit log.
type VerdictQuerier interface {
	QueryVerdicts(ctx context.Context, q store.Query) ([]store.Record, error)
}

// Deps are the collaborators of an App. Only Service is required.
type Deps struct {
	Service    Service
	APIKeyAuth *auth.APIKeyAuth
	Metrics    *metrics.Collector
	// ModelVersion is exported on the metrics endpoint.
	ModelVersion string
	Verdicts     VerdictQuerier
	Stream       VerdictStream
	Logger       *slog.Logger
}

type App struct {
	cfg *config.Config
	svc Service

	apiKeyAuth *auth.APIKeyAuth
	metrics    *metrics.Collector
	modelVer   string
	verdicts   VerdictQuerier
	stream     VerdictStream
	logger     *slog.Logger

	maxBody int64
	limiter *clientLimiter
}

func NewApp(cfg *config.Config, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxBody, err := config.ParseByteSize(cfg.Server.HTTP.MaxRequestSize)
	if err != nil || maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &App{
		cfg:        cfg,
		svc:        deps.Service,
		apiKeyAuth: deps.APIKeyAuth,
		metrics:    deps.Metrics,
		modelVer:   deps.ModelVersion,
		verdicts:   deps.Verdicts,
		stream:     deps.Stream,
		logger:     logger,
		maxBody:    maxBody,
		limiter:    newClientLimiter(cfg.Server.HTTP.RateLimit.RequestsPerSecond, cfg.Server.HTTP.RateLimit.Burst),
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get(a.cfg.Health.ReadinessPath, a.ready)
	if a.cfg.Metrics.Enabled && a.metrics != nil {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, a.metrics.Handler(metrics.HandlerOptions{ModelVersion: a.modelVer}))
	}

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)
		r.Use(a.rateLimit)
		r.Use(a.limitBody)

		r.Post("/predict", a.predict)
		r.Post("/checkDownloadable", a.checkDownloadable)

		if a.verdicts != nil {
			r.Get("/api/v1/verdicts", a.searchVerdicts)
		}
		if a.stream != nil {
			r.Get("/api/v1/verdicts/stream", a.streamVerdicts)
		}
	})

	return r
}

func (a *App) ready(w http.ResponseWriter, r *http.Request) {
	if a.svc == nil {
		writeText(w, http.StatusServiceUnavailable, "not ready\n")
		return
	}
	writeText(w, http.StatusOK, "ready\n")
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if strings.EqualFold(a.cfg.Auth.Type, "none") || a.cfg.Auth.Type == "" {
		return next
	}
	if strings.EqualFold(a.cfg.Auth.Type, "api_key") {
		if a.apiKeyAuth == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "api key auth enabled but keys not loaded",
				})
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := a.apiKeyAuth.ClientForKey(r.Header.Get(a.apiKeyAuth.HeaderName()))
			if !ok {
				a.metrics.IncRequestError("unauthorized")
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIDKey{}, client)))
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
	})
}

func (a *App) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
