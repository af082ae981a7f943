// Package backend implements verify.Backend for the supported scanning
// services.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linkguard/linkguard/internal/verify"
)

const (
	defaultVirusTotalBaseURL = "https://www.virustotal.com"
	defaultVirusTotalTimeout = 5 * time.Second

	// NameVirusTotal is the registry name of the VirusTotal backend.
	NameVirusTotal = "virustotal"
)

// maxResponseSize caps how much of a backend response body is read.
const maxResponseSize = 4 << 20

// VirusTotalConfig configures the VirusTotal v3 backend.
type VirusTotalConfig struct {
	BaseURL string
	Timeout time.Duration
	APIKey  string
}

// VirusTotal submits URLs to the VirusTotal v3 API and reads the
// multi-engine vote counts of the resulting analysis.
type VirusTotal struct {
	baseURL string
	client  *http.Client
	apiKey  string
}

var _ verify.Backend = (*VirusTotal)(nil)

// NewVirusTotal returns a VirusTotal backend.
func NewVirusTotal(cfg VirusTotalConfig) *VirusTotal {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultVirusTotalBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultVirusTotalTimeout
	}
	return &VirusTotal{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		apiKey:  cfg.APIKey,
	}
}

func (v *VirusTotal) Name() string { return NameVirusTotal }

func (v *VirusTotal) Kind() verify.Kind { return verify.KindVendor }

type vtSubmitResponse struct {
	Data struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
}

type vtAnalysisResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string        `json:"status"`
			Stats  *verify.Stats `json:"stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// Submit posts the URL for scanning and returns the analysis id.
func (v *VirusTotal) Submit(ctx context.Context, rawURL string) (string, error) {
	if v.apiKey == "" {
		return "", errors.New("virustotal: API key is required")
	}

	form := url.Values{"url": {rawURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v3/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("virustotal: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-apikey", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("virustotal: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("virustotal: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("virustotal: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	var out vtSubmitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &verify.ParseError{Backend: NameVirusTotal, Err: err}
	}
	if out.Data.ID == "" {
		return "", &verify.ParseError{Backend: NameVirusTotal, Err: errors.New("response has no analysis id")}
	}
	return out.Data.ID, nil
}

// Fetch reads the analysis. A 409 or a queued analysis is not ready yet.
func (v *VirusTotal) Fetch(ctx context.Context, id string) (*verify.ScanReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/v3/analyses/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("virustotal: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-apikey", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("virustotal: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("virustotal: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return nil, verify.ErrNotReady
	default:
		return nil, fmt.Errorf("virustotal: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	var out vtAnalysisResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &verify.ParseError{Backend: NameVirusTotal, Err: err}
	}

	switch out.Data.Attributes.Status {
	case "queued", "in-progress":
		return nil, verify.ErrNotReady
	}
	if out.Data.Attributes.Stats == nil {
		return nil, &verify.ParseError{Backend: NameVirusTotal, Err: errors.New("response has no stats")}
	}

	return &verify.ScanReport{
		AnalysisID: id,
		Stats:      *out.Data.Attributes.Stats,
	}, nil
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
