// Package client talks to a running linkguard server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkguard/linkguard/internal/store"
)

// Verification can take most of a minute, so the default timeout is generous.
const defaultTimeout = 90 * time.Second

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, body)
}

func New(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Predict posts url to /predict and returns the decoded verdict.
func (c *Client) Predict(ctx context.Context, u string) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/predict", nil, map[string]string{"url": u}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckDownload posts url to /checkDownloadable.
func (c *Client) CheckDownload(ctx context.Context, u string) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/checkDownloadable", nil, map[string]string{"url": u}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchVerdicts queries the server's audit log.
func (c *Client) SearchVerdicts(ctx context.Context, q url.Values) ([]store.Record, error) {
	var out []store.Record
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/verdicts", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamVerdicts follows /api/v1/verdicts/stream and calls fn for every
// record until ctx is done, the server closes the stream or fn fails. An
// error from fn is returned as is.
func (c *Client) StreamVerdicts(ctx context.Context, kind string, fn func(store.Record) error) error {
	wsURL, err := c.wsURL("/api/v1/verdicts/stream")
	if err != nil {
		return err
	}
	if kind != "" {
		wsURL += "?" + url.Values{"kind": {kind}}.Encode()
	}
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("X-API-Key", c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			return &HTTPError{Method: http.MethodGet, Path: "/api/v1/verdicts/stream", Status: resp.Status, StatusCode: resp.StatusCode, Body: string(b)}
		}
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var rec store.Record
		if err := conn.ReadJSON(&rec); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return err
		}
	}
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	return u.String() + path, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &HTTPError{Method: method, Path: path, Status: resp.Status, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
