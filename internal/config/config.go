package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/linkguard/linkguard/internal/verify/backend"
)

type Config struct {
	// SecretsFile is a dotenv file read for API keys. Missing is not an error.
	SecretsFile string `yaml:"secrets_file"`

	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Model        ModelConfig        `yaml:"model"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Verification VerificationConfig `yaml:"verification"`
	Download     DownloadConfig     `yaml:"download"`
	ThreatFeeds  ThreatFeedsConfig  `yaml:"threat_feeds"`
	Registration RegistrationConfig `yaml:"registration"`
	Audit        AuditConfig        `yaml:"audit"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Health       HealthConfig       `yaml:"health"`
	HotReload    HotReloadConfig    `yaml:"hot_reload"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxRequestSize string        `yaml:"max_request_size"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig caps requests per API client, or per remote IP without
// auth. Zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AuthConfig struct {
	// Type is "none" or "api_key".
	Type   string           `yaml:"type"`
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
}

type ModelConfig struct {
	Path string `yaml:"path"`
}

type PipelineConfig struct {
	Threshold float64       `yaml:"threshold"`
	Deadline  time.Duration `yaml:"deadline"`
}

type VerificationConfig struct {
	SettleDelay  time.Duration `yaml:"settle_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`

	URLBackends      []string `yaml:"url_backends"`
	DownloadBackends []string `yaml:"download_backends"`

	Backends BackendsConfig `yaml:"backends"`
}

type BackendsConfig struct {
	VirusTotal BackendConfig        `yaml:"virustotal"`
	Sandbox    SandboxBackendConfig `yaml:"sandbox"`
	DNSBL      DNSBLBackendConfig   `yaml:"dnsbl"`
}

// DNSBLBackendConfig configures DNS blocklist lookups. Empty Resolver uses
// the system nameserver; empty Zones uses the built-in list.
type DNSBLBackendConfig struct {
	Resolver string        `yaml:"resolver"`
	Zones    []string      `yaml:"zones"`
	Timeout  time.Duration `yaml:"timeout"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// APIKey is normally left empty and supplied through the environment.
	APIKey string `yaml:"api_key"`
}

type SandboxBackendConfig struct {
	BackendConfig `yaml:",inline"`
	EnvironmentID int `yaml:"environment_id"`
}

type DownloadConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// ThreatFeedsConfig lists blocklist feeds whose matches annotate verdicts.
type ThreatFeedsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Feeds        []ThreatFeedEntry `yaml:"feeds"`
	LocalLists   []string          `yaml:"local_lists"`
	Allowlist    []string          `yaml:"allowlist"`
	SyncInterval time.Duration     `yaml:"sync_interval"`
	Timeout      time.Duration     `yaml:"timeout"`
	CacheDir     string            `yaml:"cache_dir"`
}

// RegistrationConfig annotates verdicts with the domain's WHOIS creation
// date. Domains younger than YoungDays are flagged.
type RegistrationConfig struct {
	Enabled bool `yaml:"enabled"`
	// Server overrides the WHOIS server; empty follows IANA referrals.
	Server    string        `yaml:"server"`
	Timeout   time.Duration `yaml:"timeout"`
	YoungDays int           `yaml:"young_days"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type ThreatFeedEntry struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Format string `yaml:"format"`
}

type AuditConfig struct {
	Enabled    bool               `yaml:"enabled"`
	SQLitePath string             `yaml:"sqlite_path"`
	JSONL      AuditJSONLConfig   `yaml:"jsonl"`
	Webhook    AuditWebhookConfig `yaml:"webhook"`
	OTel       AuditOTelConfig    `yaml:"otel"`
	Stream     AuditStreamConfig  `yaml:"stream"`
}

// AuditStreamConfig serves audited verdicts live over a websocket at
// /api/v1/verdicts/stream.
type AuditStreamConfig struct {
	Enabled bool `yaml:"enabled"`
	// Buffer is the per-subscriber queue length.
	Buffer int `yaml:"buffer"`
}

// AuditJSONLConfig mirrors every audited verdict into a rotated JSON-lines
// file. Empty Path disables it.
type AuditJSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuditWebhookConfig posts batches of audited verdicts to URL. Empty URL
// disables it.
type AuditWebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

// AuditOTelConfig exports audited verdicts as OTLP log records.
type AuditOTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	// Protocol is "grpc" or "http".
	Protocol string            `yaml:"protocol"`
	TLS      AuditOTelTLS      `yaml:"tls"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
	Batch    AuditOTelBatch    `yaml:"batch"`
	Filter   AuditOTelFilter   `yaml:"filter"`
}

type AuditOTelTLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"`
}

type AuditOTelBatch struct {
	MaxSize int           `yaml:"max_size"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuditOTelFilter struct {
	Kinds        []string `yaml:"kinds"`
	IncludeHosts []string `yaml:"include_hosts"`
	ExcludeHosts []string `yaml:"exclude_hosts"`
	MinRisk      string   `yaml:"min_risk"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HotReloadConfig reapplies the API keys file and local blocklists when they
// change on disk.
type HotReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

type HealthConfig struct {
	Path          string `yaml:"path"`
	ReadinessPath string `yaml:"readiness_path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := seeded()
	applyDefaults(cfg)
	return cfg
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := seeded()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := loadSecrets(cfg.SecretsFile); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes loads configuration from bytes without reading the secrets
// file or applying environment overrides. This is intended for testing where
// env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := seeded()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv returns the defaults with the secrets file and environment
// overrides applied. It is used when no config file is given.
func LoadEnv() (*Config, error) {
	cfg := Default()
	if err := loadSecrets(cfg.SecretsFile); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seeded returns a Config holding the defaults of fields where zero is a
// meaningful setting. YAML decoding only overwrites keys that are present, so
// an explicit zero survives while an absent key keeps the default.
func seeded() *Config {
	var cfg Config
	cfg.Pipeline.Threshold = 0.4
	cfg.Verification.SettleDelay = 10 * time.Second
	cfg.Verification.PollInterval = 5 * time.Second
	cfg.Verification.MaxRetries = 3
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.SecretsFile == "" {
		cfg.SecretsFile = "key.env"
	}

	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "0.0.0.0:5000"
	}
	if cfg.Server.HTTP.ReadTimeout == 0 {
		cfg.Server.HTTP.ReadTimeout = 30 * time.Second
	}
	// Verification may poll for most of a minute before answering.
	if cfg.Server.HTTP.WriteTimeout == 0 {
		cfg.Server.HTTP.WriteTimeout = 90 * time.Second
	}
	if cfg.Server.HTTP.MaxRequestSize == "" {
		cfg.Server.HTTP.MaxRequestSize = "1MB"
	}

	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Model.Path == "" {
		cfg.Model.Path = "model.json"
	}

	if cfg.Pipeline.Deadline == 0 {
		cfg.Pipeline.Deadline = 60 * time.Second
	}

	v := &cfg.Verification
	if v.URLBackends == nil {
		v.URLBackends = []string{backend.NameVirusTotal}
	}
	if v.DownloadBackends == nil {
		v.DownloadBackends = []string{backend.NameVirusTotal, backend.NameSandbox}
	}
	if v.Backends.Sandbox.EnvironmentID == 0 {
		v.Backends.Sandbox.EnvironmentID = 160
	}

	if cfg.Download.Timeout == 0 {
		cfg.Download.Timeout = 5 * time.Second
	}

	if cfg.ThreatFeeds.SyncInterval == 0 {
		cfg.ThreatFeeds.SyncInterval = 6 * time.Hour
	}
	if cfg.ThreatFeeds.Timeout == 0 {
		cfg.ThreatFeeds.Timeout = 30 * time.Second
	}
	if cfg.ThreatFeeds.CacheDir == "" {
		cfg.ThreatFeeds.CacheDir = "data/feeds"
	}

	if cfg.Registration.Timeout == 0 {
		cfg.Registration.Timeout = 5 * time.Second
	}
	if cfg.Registration.YoungDays == 0 {
		cfg.Registration.YoungDays = 30
	}
	if cfg.Registration.CacheSize == 0 {
		cfg.Registration.CacheSize = 4096
	}
	if cfg.Registration.CacheTTL == 0 {
		cfg.Registration.CacheTTL = 24 * time.Hour
	}

	if cfg.Audit.SQLitePath == "" {
		cfg.Audit.SQLitePath = "data/verdicts.db"
	}
	if cfg.Audit.JSONL.MaxSizeMB == 0 {
		cfg.Audit.JSONL.MaxSizeMB = 100
	}
	if cfg.Audit.JSONL.MaxBackups == 0 {
		cfg.Audit.JSONL.MaxBackups = 3
	}
	if cfg.Audit.Webhook.BatchSize == 0 {
		cfg.Audit.Webhook.BatchSize = 100
	}
	if cfg.Audit.Webhook.FlushInterval == 0 {
		cfg.Audit.Webhook.FlushInterval = 10 * time.Second
	}
	if cfg.Audit.Webhook.Timeout == 0 {
		cfg.Audit.Webhook.Timeout = 5 * time.Second
	}
	if cfg.Audit.Stream.Buffer == 0 {
		cfg.Audit.Stream.Buffer = 64
	}
	if cfg.HotReload.Debounce == 0 {
		cfg.HotReload.Debounce = 250 * time.Millisecond
	}
	if cfg.Audit.OTel.Endpoint == "" {
		cfg.Audit.OTel.Endpoint = "localhost:4317"
	}
	if cfg.Audit.OTel.Protocol == "" {
		cfg.Audit.OTel.Protocol = "grpc"
	}
	if cfg.Audit.OTel.Timeout == 0 {
		cfg.Audit.OTel.Timeout = 10 * time.Second
	}
	if cfg.Audit.OTel.Batch.MaxSize == 0 {
		cfg.Audit.OTel.Batch.MaxSize = 512
	}
	if cfg.Audit.OTel.Batch.Timeout == 0 {
		cfg.Audit.OTel.Batch.Timeout = 5 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/ready"
	}
}

// loadSecrets reads path into the process environment. Variables already set
// win over the file.
func loadSecrets(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load secrets file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LINKGUARD_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("LINKGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LINKGUARD_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := firstEnv("LINKGUARD_VIRUSTOTAL_API_KEY", "VIRUSTOTAL_API_KEY"); v != "" {
		cfg.Verification.Backends.VirusTotal.APIKey = v
	}
	if v := firstEnv("LINKGUARD_SANDBOX_API_KEY", "FALCON_API_KEY"); v != "" {
		cfg.Verification.Backends.Sandbox.APIKey = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func validateConfig(cfg *Config) error {
	if t := cfg.Pipeline.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("pipeline.threshold must be in [0,1], got %v", t)
	}
	durations := map[string]time.Duration{
		"pipeline.deadline":                        cfg.Pipeline.Deadline,
		"verification.settle_delay":                cfg.Verification.SettleDelay,
		"verification.poll_interval":               cfg.Verification.PollInterval,
		"verification.backends.virustotal.timeout": cfg.Verification.Backends.VirusTotal.Timeout,
		"verification.backends.sandbox.timeout":    cfg.Verification.Backends.Sandbox.Timeout,
		"verification.backends.dnsbl.timeout":      cfg.Verification.Backends.DNSBL.Timeout,
		"download.timeout":                         cfg.Download.Timeout,
		"server.http.read_timeout":                 cfg.Server.HTTP.ReadTimeout,
		"server.http.write_timeout":                cfg.Server.HTTP.WriteTimeout,
		"threat_feeds.sync_interval":               cfg.ThreatFeeds.SyncInterval,
		"threat_feeds.timeout":                     cfg.ThreatFeeds.Timeout,
		"audit.webhook.flush_interval":             cfg.Audit.Webhook.FlushInterval,
		"audit.webhook.timeout":                    cfg.Audit.Webhook.Timeout,
		"audit.otel.timeout":                       cfg.Audit.OTel.Timeout,
		"audit.otel.batch.timeout":                 cfg.Audit.OTel.Batch.Timeout,
		"hot_reload.debounce":                      cfg.HotReload.Debounce,
		"registration.timeout":                     cfg.Registration.Timeout,
		"registration.cache_ttl":                   cfg.Registration.CacheTTL,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if cfg.Verification.MaxRetries < 0 {
		return fmt.Errorf("verification.max_retries must be >= 0")
	}
	if rl := cfg.Server.HTTP.RateLimit; rl.RequestsPerSecond < 0 || rl.Burst < 0 {
		return fmt.Errorf("server.http.rate_limit values must be >= 0")
	}
	if r := cfg.Registration; r.YoungDays < 0 || r.CacheSize < 0 {
		return fmt.Errorf("registration.young_days and registration.cache_size must be >= 0")
	}
	for _, list := range []struct {
		field string
		names []string
	}{
		{"verification.url_backends", cfg.Verification.URLBackends},
		{"verification.download_backends", cfg.Verification.DownloadBackends},
	} {
		for _, name := range list.names {
			if !backend.IsKnown(name) {
				return fmt.Errorf("invalid %s entry %q", list.field, name)
			}
		}
	}
	if _, err := ParseByteSize(cfg.Server.HTTP.MaxRequestSize); err != nil {
		return fmt.Errorf("server.http.max_request_size: %w", err)
	}
	switch cfg.Auth.Type {
	case "none":
	case "api_key":
		if cfg.Auth.APIKey.KeysFile == "" {
			return fmt.Errorf("auth.api_key.keys_file is required when auth.type is api_key")
		}
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	seenFeeds := make(map[string]bool, len(cfg.ThreatFeeds.Feeds))
	for i, f := range cfg.ThreatFeeds.Feeds {
		if f.Name == "" || f.URL == "" {
			return fmt.Errorf("threat_feeds.feeds[%d]: name and url are required", i)
		}
		if seenFeeds[f.Name] {
			return fmt.Errorf("threat_feeds.feeds[%d]: duplicate name %q", i, f.Name)
		}
		seenFeeds[f.Name] = true
		switch strings.ToLower(f.Format) {
		case "", "hostfile", "domain-list", "url-list":
		default:
			return fmt.Errorf("threat_feeds.feeds[%d]: invalid format %q", i, f.Format)
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.SQLitePath == "" {
		return fmt.Errorf("audit.sqlite_path is required when audit is enabled")
	}
	if cfg.Audit.JSONL.MaxSizeMB < 0 || cfg.Audit.JSONL.MaxBackups < 0 {
		return fmt.Errorf("audit.jsonl sizes must be >= 0")
	}
	if cfg.Audit.Stream.Buffer < 0 {
		return fmt.Errorf("audit.stream.buffer must be >= 0")
	}
	if cfg.Audit.Webhook.BatchSize < 0 {
		return fmt.Errorf("audit.webhook.batch_size must be >= 0")
	}
	if u := cfg.Audit.Webhook.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("audit.webhook.url must be http(s), got %q", u)
	}
	if oc := cfg.Audit.OTel; oc.Enabled {
		switch oc.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid audit.otel.protocol %q", oc.Protocol)
		}
		if oc.Batch.MaxSize < 0 {
			return fmt.Errorf("audit.otel.batch.max_size must be >= 0")
		}
		switch oc.Filter.MinRisk {
		case "", "safe", "suspicious", "malicious", "low_risk", "medium_risk", "high_risk":
		default:
			return fmt.Errorf("invalid audit.otel.filter.min_risk %q", oc.Filter.MinRisk)
		}
		for _, k := range oc.Filter.Kinds {
			if k != "predict" && k != "download" {
				return fmt.Errorf("invalid audit.otel.filter.kinds entry %q", k)
			}
		}
	}
	return nil
}
