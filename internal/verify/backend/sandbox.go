package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linkguard/linkguard/internal/verify"
)

const (
	defaultSandboxBaseURL       = "https://www.hybrid-analysis.com"
	defaultSandboxTimeout       = 30 * time.Second
	defaultSandboxEnvironmentID = 160 // Windows 10 64 bit
	sandboxUserAgent            = "Falcon Sandbox"

	// NameSandbox is the registry name of the Falcon Sandbox backend.
	NameSandbox = "sandbox"
)

// SandboxConfig configures the Falcon Sandbox (Hybrid Analysis v2) backend.
type SandboxConfig struct {
	BaseURL       string
	Timeout       time.Duration
	APIKey        string
	EnvironmentID int
}

// Sandbox detonates the file behind a URL in Falcon Sandbox and reads the
// threat score and verdict of the overview.
type Sandbox struct {
	baseURL string
	client  *http.Client
	apiKey  string
	envID   int
}

var _ verify.Backend = (*Sandbox)(nil)

// NewSandbox returns a Sandbox backend.
func NewSandbox(cfg SandboxConfig) *Sandbox {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultSandboxBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultSandboxTimeout
	}
	envID := cfg.EnvironmentID
	if envID == 0 {
		envID = defaultSandboxEnvironmentID
	}
	return &Sandbox{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		apiKey:  cfg.APIKey,
		envID:   envID,
	}
}

func (s *Sandbox) Name() string { return NameSandbox }

func (s *Sandbox) Kind() verify.Kind { return verify.KindSandbox }

type sandboxSubmitResponse struct {
	JobID         string `json:"job_id"`
	SHA256        string `json:"sha256"`
	EnvironmentID int    `json:"environment_id"`
}

type sandboxSummary struct {
	SHA256      string `json:"sha256"`
	Verdict     string `json:"verdict"`
	ThreatScore *int   `json:"threat_score"`
}

// Submit requests a URL-to-file detonation and returns the sha256 of the
// downloaded file.
func (s *Sandbox) Submit(ctx context.Context, rawURL string) (string, error) {
	if s.apiKey == "" {
		return "", errors.New("sandbox: API key is required")
	}

	form := url.Values{
		"url":            {rawURL},
		"environment_id": {strconv.Itoa(s.envID)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v2/submit/url-to-file", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("sandbox: create request: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sandbox: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("sandbox: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sandbox: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	var out sandboxSubmitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &verify.ParseError{Backend: NameSandbox, Err: err}
	}
	if out.SHA256 == "" {
		return "", &verify.ParseError{Backend: NameSandbox, Err: errors.New("no sha256 found in submission response")}
	}
	return out.SHA256, nil
}

// Fetch reads the overview summary for sha256. The overview is not ready
// while it is missing or carries neither a threat score nor a verdict.
func (s *Sandbox) Fetch(ctx context.Context, sha256 string) (*verify.ScanReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v2/overview/"+url.PathEscape(sha256)+"/summary", nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("sandbox: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusConflict:
		return nil, verify.ErrNotReady
	default:
		return nil, fmt.Errorf("sandbox: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	var out sandboxSummary
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &verify.ParseError{Backend: NameSandbox, Err: err}
	}
	if out.ThreatScore == nil && out.Verdict == "" {
		return nil, verify.ErrNotReady
	}

	return &verify.ScanReport{
		AnalysisID:     sha256,
		ThreatScore:    out.ThreatScore,
		SandboxVerdict: out.Verdict,
	}, nil
}

func (s *Sandbox) setHeaders(req *http.Request) {
	req.Header.Set("api-key", s.apiKey)
	req.Header.Set("User-Agent", sandboxUserAgent)
	req.Header.Set("Accept", "application/json")
}
