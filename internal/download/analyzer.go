// Package download decides whether a URL serves a downloadable payload by
// probing its response headers.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultUserAgent = "linkguard/1.0"
	maxRedirects     = 10
)

// Category groups file extensions by how dangerous they usually are.
type Category string

const (
	CategoryExecutable Category = "executable"
	CategoryScript     Category = "script"
	CategorySystem     Category = "system"
	CategoryArchive    Category = "archive"
	CategoryOffice     Category = "office"
	CategoryDocument   Category = "document"
	CategoryMedia      Category = "media"
)

// Longest suffix first so ".tar.gz" wins over ".gz".
var extensionCategories = []struct {
	ext string
	cat Category
}{
	{".tar.gz", CategoryArchive},
	{".exe", CategoryExecutable},
	{".msi", CategoryExecutable},
	{".dll", CategoryExecutable},
	{".bat", CategoryExecutable},
	{".cmd", CategoryExecutable},
	{".sh", CategoryExecutable},
	{".ps1", CategoryScript},
	{".vbs", CategoryScript},
	{".js", CategoryScript},
	{".jsp", CategoryScript},
	{".jse", CategoryScript},
	{".php", CategoryScript},
	{".sys", CategorySystem},
	{".drv", CategorySystem},
	{".bin", CategorySystem},
	{".zip", CategoryArchive},
	{".rar", CategoryArchive},
	{".7z", CategoryArchive},
	{".iso", CategoryArchive},
	{".doc", CategoryOffice},
	{".docm", CategoryOffice},
	{".xls", CategoryOffice},
	{".xlsm", CategoryOffice},
	{".ppt", CategoryOffice},
	{".pptm", CategoryOffice},
	{".pdf", CategoryDocument},
	{".docx", CategoryDocument},
	{".xlsx", CategoryDocument},
	{".pptx", CategoryDocument},
	{".txt", CategoryDocument},
	{".mp3", CategoryMedia},
	{".mp4", CategoryMedia},
	{".jpg", CategoryMedia},
	{".png", CategoryMedia},
}

// Analysis is the outcome of a download probe.
type Analysis struct {
	URL                string   `json:"url"`
	IsDownloadable     bool     `json:"isDownloadable"`
	Method             string   `json:"method,omitempty"`
	StatusCode         int      `json:"statusCode,omitempty"`
	FinalURL           string   `json:"finalUrl,omitempty"`
	ContentType        string   `json:"contentType,omitempty"`
	ContentLength      int64    `json:"contentLength,omitempty"`
	ContentDisposition string   `json:"contentDisposition,omitempty"`
	FileType           string   `json:"fileType,omitempty"`
	Category           Category `json:"category,omitempty"`
	Message            string   `json:"message,omitempty"`
	// Error is set when the probe itself failed.
	Error string `json:"error,omitempty"`
}

// Config configures an Analyzer.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Analyzer probes URLs with a HEAD request.
type Analyzer struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewAnalyzer returns an Analyzer. Pass nil for logger to disable logging.
func NewAnalyzer(cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Analyzer{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: ua,
		logger:    logger,
	}
}

// Analyze probes rawURL. It never returns an error: a failed probe yields a
// non-downloadable Analysis with Error set.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) Analysis {
	res := Analysis{URL: rawURL, Method: "header"}
	res.FileType, res.Category = Classify(rawURL)

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.Error = "url must be an absolute http(s) URL"
		res.Message = "download probe skipped"
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		res.Error = fmt.Sprintf("create request: %v", err)
		return res
	}
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("download probe failed", "host", u.Host, "error", err)
		res.Error = fmt.Sprintf("probe failed: %v", err)
		res.Message = "download probe failed"
		return res
	}
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.Request != nil && resp.Request.URL != nil {
		res.FinalURL = resp.Request.URL.String()
		// A redirect may land on a different file name.
		if ft, cat := Classify(res.FinalURL); ft != "" {
			res.FileType, res.Category = ft, cat
		}
	}
	res.ContentType = resp.Header.Get("Content-Type")
	res.ContentDisposition = resp.Header.Get("Content-Disposition")
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			res.ContentLength = n
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		res.Message = "download probe failed"
		return res
	}

	if name := dispositionFilename(res.ContentDisposition); name != "" {
		if ft, cat := Classify(name); ft != "" {
			res.FileType, res.Category = ft, cat
		}
	}

	res.IsDownloadable = isDownloadable(res.ContentType, res.ContentDisposition)
	if res.IsDownloadable {
		res.Message = "download indicators detected"
	} else {
		res.Message = "No download indicators detected"
	}
	return res
}

func isDownloadable(contentType, disposition string) bool {
	d := strings.ToLower(disposition)
	if strings.Contains(d, "attachment") || strings.Contains(d, "filename") {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return false
	}
	if strings.Contains(ct, "text") || strings.Contains(ct, "html") {
		return false
	}
	return true
}

func dispositionFilename(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// Classify returns the lower-cased file extension of rawURL's path (without
// the dot) and its category. Both are empty when the extension is unknown.
func Classify(rawURL string) (string, Category) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.ToLower(path.Base(p))
	for _, ec := range extensionCategories {
		if strings.HasSuffix(p, ec.ext) {
			return strings.TrimPrefix(ec.ext, "."), ec.cat
		}
	}
	return "", ""
}
