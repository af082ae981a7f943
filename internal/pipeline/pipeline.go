// Package pipeline scores a single URL end to end: feature extraction,
// classification, optional verification and aggregation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/linkguard/linkguard/internal/classifier"
	"github.com/linkguard/linkguard/internal/download"
	"github.com/linkguard/linkguard/internal/features"
	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/verify"
)

const (
	// MaxURLLength is the longest accepted URL, in characters.
	MaxURLLength = 2048

	DefaultDeadline = 60 * time.Second
)

// InputError reports a URL rejected before feature extraction.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "invalid url: " + e.Reason
}

// Analyzer probes a URL for download indicators.
type Analyzer interface {
	Analyze(ctx context.Context, url string) download.Analysis
}

// Observer is notified of every verdict the service produces. Observers must
// not block.
type Observer interface {
	ObservePrediction(ctx context.Context, v *risk.Verdict)
	ObserveDownload(ctx context.Context, v *risk.DownloadVerdict)
}

// FeedChecker looks a host up in local blocklist feeds.
type FeedChecker interface {
	Check(host string) (risk.FeedMatch, bool)
}

// RegistrationLookup resolves when a host's domain was registered. A nil
// registration with a nil error means the host has none (IP literals).
type RegistrationLookup interface {
	Lookup(ctx context.Context, host string) (*risk.Registration, error)
}

// Config holds the collaborators and settings of a Service.
type Config struct {
	Scorer       classifier.Scorer
	Orchestrator *verify.Orchestrator
	Analyzer     Analyzer

	// Threshold defaults to risk.DefaultThreshold when nil. Zero flags every
	// URL for verification.
	Threshold *float64
	// Deadline bounds a whole request, including verification.
	Deadline time.Duration

	URLBackends      []verify.Backend
	DownloadBackends []verify.Backend

	// Feeds, when set, annotates verdicts with blocklist matches.
	Feeds FeedChecker

	// Registrations, when set, annotates verdicts with the domain's
	// registration date.
	Registrations RegistrationLookup

	Observers []Observer
	Logger    *slog.Logger
}

// Service runs the predict and download flows. It holds no per-request state
// and is safe for concurrent use.
type Service struct {
	scorer           classifier.Scorer
	orch             *verify.Orchestrator
	analyzer         Analyzer
	threshold        float64
	deadline         time.Duration
	urlBackends      []verify.Backend
	downloadBackends []verify.Backend
	feeds            FeedChecker
	registrations    RegistrationLookup
	observers        []Observer
	logger           *slog.Logger
}

// New creates a Service. Scorer is required.
func New(cfg Config) (*Service, error) {
	if cfg.Scorer == nil {
		return nil, errors.New("pipeline: scorer is required")
	}
	threshold := risk.DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("pipeline: threshold %v out of [0,1]", threshold)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	orch := cfg.Orchestrator
	if orch == nil {
		orch = verify.NewOrchestrator(verify.OrchestratorConfig{Policy: verify.DefaultRetryPolicy(), Logger: logger})
	}
	analyzer := cfg.Analyzer
	if analyzer == nil {
		analyzer = download.NewAnalyzer(download.Config{}, logger)
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if worst := orch.Policy().WorstCase(); worst >= deadline {
		logger.Warn("pipeline deadline is shorter than the polling worst case; slow backends will be abandoned",
			"deadline", deadline, "worst_case", worst)
	}

	return &Service{
		scorer:           cfg.Scorer,
		orch:             orch,
		analyzer:         analyzer,
		threshold:        threshold,
		deadline:         deadline,
		urlBackends:      cfg.URLBackends,
		downloadBackends: cfg.DownloadBackends,
		feeds:            cfg.Feeds,
		registrations:    cfg.Registrations,
		observers:        cfg.Observers,
		logger:           logger,
	}, nil
}

// Threshold returns the decision threshold in use.
func (s *Service) Threshold() float64 { return s.threshold }

// Predict scores rawURL and, when the classifier flags it, verifies it with
// the URL backends. Only InputError and classifier.ModelError are returned;
// backend failures are recorded in the verdict.
func (s *Service) Predict(ctx context.Context, rawURL string) (*risk.Verdict, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()
	registration := s.lookupRegistration(ctx, u)

	sc, err := s.score(u)
	if err != nil {
		s.logger.Error("scoring failed", "host", hostOf(u), "error", err)
		return nil, err
	}

	var reports []verify.ScanReport
	if risk.Flags(sc, s.threshold) && len(s.urlBackends) > 0 {
		reports = s.orch.Verify(ctx, u, s.urlBackends...)
	}

	v := risk.Evaluate(u, sc, s.threshold, reports)
	v.ThreatFeed = s.checkFeeds(u)
	v.Registration = registration()
	s.logger.Info("url scored",
		"host", hostOf(u),
		"probability", sc.Malicious,
		"prediction", v.Prediction,
		"verification", v.Verification,
		"risk", v.RiskLabel,
	)
	for _, o := range s.observers {
		o.ObservePrediction(ctx, &v)
	}
	return &v, nil
}

// CheckDownload probes rawURL and, when it serves a download, verifies it
// with the download backends.
func (s *Service) CheckDownload(ctx context.Context, rawURL string) (*risk.DownloadVerdict, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()
	registration := s.lookupRegistration(ctx, u)

	a := s.analyzer.Analyze(ctx, u)

	var reports []verify.ScanReport
	if a.IsDownloadable && len(s.downloadBackends) > 0 {
		reports = s.orch.Verify(ctx, u, s.downloadBackends...)
	}

	v := risk.EvaluateDownload(a, reports)
	v.ThreatFeed = s.checkFeeds(u)
	v.Registration = registration()
	s.logger.Info("download checked",
		"host", hostOf(u),
		"downloadable", v.IsDownloadable,
		"risk_level", v.RiskLevel,
		"file_type", a.FileType,
	)
	for _, o := range s.observers {
		o.ObserveDownload(ctx, &v)
	}
	return &v, nil
}

func (s *Service) score(u string) (classifier.Score, error) {
	sc, err := s.scorer.Score(features.Extract(u))
	if err != nil {
		var me *classifier.ModelError
		if !errors.As(err, &me) {
			err = &classifier.ModelError{Op: "score", Err: err}
		}
		return classifier.Score{}, err
	}
	return sc, nil
}

// ValidateURL trims rawURL and rejects input that cannot be scored.
func ValidateURL(rawURL string) (string, error) {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return "", &InputError{Reason: "no URL provided"}
	}
	if !utf8.ValidString(u) {
		return "", &InputError{Reason: "url is not valid UTF-8"}
	}
	if utf8.RuneCountInString(u) > MaxURLLength {
		return "", &InputError{Reason: fmt.Sprintf("url longer than %d characters", MaxURLLength)}
	}
	for _, r := range u {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", &InputError{Reason: "url contains whitespace or control characters"}
		}
	}
	if features.Normalize(u) == "" {
		return "", &InputError{Reason: "url has no host or path"}
	}
	return u, nil
}

func (s *Service) checkFeeds(u string) *risk.FeedMatch {
	if s.feeds == nil {
		return nil
	}
	host := hostname(u)
	if host == "" {
		return nil
	}
	m, ok := s.feeds.Check(host)
	if !ok {
		return nil
	}
	s.logger.Info("host listed by threat feed", "host", hostOf(u), "feed", m.Feed, "domain", m.Domain)
	return &m
}

// lookupRegistration starts the registration lookup in the background. The
// returned func waits for it; lookup errors leave the annotation empty.
func (s *Service) lookupRegistration(ctx context.Context, u string) func() *risk.Registration {
	host := hostname(u)
	if s.registrations == nil || host == "" {
		return func() *risk.Registration { return nil }
	}
	ch := make(chan *risk.Registration, 1)
	go func() {
		reg, err := s.registrations.Lookup(ctx, host)
		if err != nil {
			s.logger.Debug("registration lookup failed", "host", hostOf(u), "error", err)
			reg = nil
		}
		ch <- reg
	}()
	return func() *risk.Registration {
		select {
		case reg := <-ch:
			return reg
		case <-ctx.Done():
			return nil
		}
	}
}

// hostname is the URL host without port, or "" when u does not parse.
func hostname(u string) string {
	raw := u
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// hostOf returns the domain of u for logging; full URLs are not logged.
func hostOf(u string) string {
	return features.Domain(features.Normalize(u))
}
