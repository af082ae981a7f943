package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/linkguard/linkguard/internal/classifier"
	"github.com/linkguard/linkguard/internal/config"
	"github.com/linkguard/linkguard/internal/domainage"
	"github.com/linkguard/linkguard/internal/download"
	"github.com/linkguard/linkguard/internal/events"
	"github.com/linkguard/linkguard/internal/metrics"
	"github.com/linkguard/linkguard/internal/pipeline"
	"github.com/linkguard/linkguard/internal/store"
	"github.com/linkguard/linkguard/internal/store/composite"
	"github.com/linkguard/linkguard/internal/store/jsonl"
	"github.com/linkguard/linkguard/internal/store/otel"
	"github.com/linkguard/linkguard/internal/store/sqlite"
	"github.com/linkguard/linkguard/internal/store/webhook"
	"github.com/linkguard/linkguard/internal/threatfeed"
	"github.com/linkguard/linkguard/internal/verify"
	"github.com/linkguard/linkguard/internal/verify/backend"
)

// Components is the wired verdict pipeline and the resources it owns.
type Components struct {
	Service *pipeline.Service
	Model   *classifier.Model
	Metrics *metrics.Collector
	// Audit is nil unless audit.enabled is set.
	Audit *sqlite.Store
	// Feeds is nil unless threat_feeds.enabled is set.
	Feeds *threatfeed.Syncer
	// Stream is nil unless audit.stream.enabled is set.
	Stream *events.Broker

	sink store.VerdictSink
}

// Build loads the model and wires backends, metrics and the audit log from
// cfg. A model that cannot be loaded is fatal.
func Build(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	model, err := classifier.Load(cfg.Model.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("model loaded", "path", cfg.Model.Path, "version", model.Version(), "trees", model.NumTrees())

	bc := cfg.Verification.Backends
	registry := backend.NewRegistry(backend.Config{
		VirusTotal: backend.VirusTotalConfig{
			BaseURL: bc.VirusTotal.BaseURL,
			Timeout: bc.VirusTotal.Timeout,
			APIKey:  bc.VirusTotal.APIKey,
		},
		Sandbox: backend.SandboxConfig{
			BaseURL:       bc.Sandbox.BaseURL,
			Timeout:       bc.Sandbox.Timeout,
			APIKey:        bc.Sandbox.APIKey,
			EnvironmentID: bc.Sandbox.EnvironmentID,
		},
		DNSBL: backend.DNSBLConfig{
			Resolver: bc.DNSBL.Resolver,
			Zones:    bc.DNSBL.Zones,
			Timeout:  bc.DNSBL.Timeout,
		},
	})
	urlBackends, err := registry.Resolve(cfg.Verification.URLBackends)
	if err != nil {
		return nil, fmt.Errorf("verification.url_backends: %w", err)
	}
	downloadBackends, err := registry.Resolve(cfg.Verification.DownloadBackends)
	if err != nil {
		return nil, fmt.Errorf("verification.download_backends: %w", err)
	}
	warnMissingKeys(logger, cfg, append(append([]verify.Backend{}, urlBackends...), downloadBackends...))

	m := metrics.New()
	observers := []pipeline.Observer{m}

	auditStore, sink, err := openSinks(cfg, model.Version(), logger)
	if err != nil {
		return nil, err
	}
	var stream *events.Broker
	if sc := cfg.Audit.Stream; sc.Enabled {
		stream = events.NewBroker(sc.Buffer, logger)
		if sink == nil {
			sink = stream
		} else {
			sink = composite.New(sink, stream)
		}
		logger.Info("verdict stream enabled", "buffer", sc.Buffer)
	}
	if sink != nil {
		observers = append(observers, store.NewAuditor(sink, logger, m))
	}

	var (
		feedStore  *threatfeed.Store
		feedSyncer *threatfeed.Syncer
	)
	if cfg.ThreatFeeds.Enabled {
		feedStore, feedSyncer = openFeeds(cfg.ThreatFeeds, logger)
	}

	orch := verify.NewOrchestrator(verify.OrchestratorConfig{
		Policy: verify.RetryPolicy{
			SettleDelay:  cfg.Verification.SettleDelay,
			PollInterval: cfg.Verification.PollInterval,
			MaxRetries:   cfg.Verification.MaxRetries,
		},
		Logger: logger,
	})

	threshold := cfg.Pipeline.Threshold
	svc, err := pipeline.New(pipeline.Config{
		Scorer:       model,
		Orchestrator: orch,
		Analyzer: download.NewAnalyzer(download.Config{
			Timeout:   cfg.Download.Timeout,
			UserAgent: cfg.Download.UserAgent,
		}, logger),
		Threshold:        &threshold,
		Deadline:         cfg.Pipeline.Deadline,
		URLBackends:      urlBackends,
		DownloadBackends: downloadBackends,
		Feeds:            feedChecker(feedStore),
		Registrations:    registrations(cfg.Registration, logger),
		Observers:        observers,
		Logger:           logger,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return nil, err
	}

	return &Components{
		Service: svc,
		Model:   model,
		Metrics: m,
		Audit:   auditStore,
		Feeds:   feedSyncer,
		Stream:  stream,
		sink:    sink,
	}, nil
}

// Close flushes and releases the audit sinks, if any.
func (c *Components) Close() error {
	if c == nil || c.sink == nil {
		return nil
	}
	return c.sink.Close()
}

// openFeeds restores the cached blocklist so lookups work before the first
// sync completes.
func openFeeds(fc config.ThreatFeedsConfig, logger *slog.Logger) (*threatfeed.Store, *threatfeed.Syncer) {
	st := threatfeed.NewStore(fc.CacheDir, fc.Allowlist)
	if err := st.LoadFromDisk(); err != nil {
		logger.Warn("threat feed cache unreadable; starting empty", "dir", fc.CacheDir, "error", err)
	}
	feeds := make([]threatfeed.Feed, len(fc.Feeds))
	for i, f := range fc.Feeds {
		feeds[i] = threatfeed.Feed{Name: f.Name, URL: f.URL, Format: f.Format}
	}
	syncer := threatfeed.NewSyncer(st, threatfeed.SyncerConfig{
		Feeds:        feeds,
		LocalLists:   fc.LocalLists,
		SyncInterval: fc.SyncInterval,
		Timeout:      fc.Timeout,
	}, logger)
	logger.Info("threat feeds enabled", "feeds", len(feeds), "local_lists", len(fc.LocalLists), "cached_hosts", st.Size())
	return st, syncer
}

// feedChecker avoids handing the pipeline a typed nil store.
func feedChecker(st *threatfeed.Store) pipeline.FeedChecker {
	if st == nil {
		return nil
	}
	return st
}

// registrations returns the WHOIS checker, or nil when disabled.
func registrations(rc config.RegistrationConfig, logger *slog.Logger) pipeline.RegistrationLookup {
	if !rc.Enabled {
		return nil
	}
	logger.Info("domain registration lookups enabled", "server", rc.Server, "young_days", rc.YoungDays)
	return domainage.New(domainage.Config{
		Server:    rc.Server,
		Timeout:   rc.Timeout,
		YoungDays: rc.YoungDays,
		CacheSize: rc.CacheSize,
		CacheTTL:  rc.CacheTTL,
	})
}

// openSinks opens the configured verdict sinks. The sqlite store, when
// enabled, is the primary and is returned separately for queries.
func openSinks(cfg *config.Config, modelVersion string, logger *slog.Logger) (*sqlite.Store, store.VerdictSink, error) {
	var (
		db    *sqlite.Store
		sinks []store.VerdictSink
	)
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if cfg.Audit.Enabled {
		st, err := sqlite.Open(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		db = st
		sinks = append(sinks, st)
		logger.Info("verdict audit log enabled", "path", cfg.Audit.SQLitePath)
	}
	if jc := cfg.Audit.JSONL; jc.Path != "" {
		st, err := jsonl.New(jc.Path, jc.MaxSizeMB, jc.MaxBackups)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, st)
		logger.Info("verdict jsonl log enabled", "path", jc.Path)
	}
	if wc := cfg.Audit.Webhook; wc.URL != "" {
		st, err := webhook.New(webhook.Config{
			URL:           wc.URL,
			BatchSize:     wc.BatchSize,
			FlushInterval: wc.FlushInterval,
			Timeout:       wc.Timeout,
			Headers:       wc.Headers,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, st)
		logger.Info("verdict webhook enabled", "url", redactURL(wc.URL))
	}
	if oc := cfg.Audit.OTel; oc.Enabled {
		st, err := otel.New(context.Background(), otel.Config{
			Endpoint:     oc.Endpoint,
			Protocol:     oc.Protocol,
			TLSEnabled:   oc.TLS.Enabled,
			TLSCertFile:  oc.TLS.CertFile,
			TLSKeyFile:   oc.TLS.KeyFile,
			TLSInsecure:  oc.TLS.Insecure,
			Headers:      oc.Headers,
			Timeout:      oc.Timeout,
			BatchTimeout: oc.Batch.Timeout,
			BatchMaxSize: oc.Batch.MaxSize,
			Filter: otel.Filter{
				Kinds:        oc.Filter.Kinds,
				IncludeHosts: oc.Filter.IncludeHosts,
				ExcludeHosts: oc.Filter.ExcludeHosts,
				MinRisk:      oc.Filter.MinRisk,
			},
			Resource: otel.BuildResource("linkguard", "", map[string]string{"linkguard.model.version": modelVersion}),
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, st)
		logger.Info("verdict otel export enabled", "endpoint", oc.Endpoint, "protocol", oc.Protocol)
	}

	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		return db, sinks[0], nil
	default:
		return db, composite.New(sinks[0], sinks[1:]...), nil
	}
}

func warnMissingKeys(logger *slog.Logger, cfg *config.Config, backends []verify.Backend) {
	seen := map[string]bool{}
	for _, b := range backends {
		if seen[b.Name()] {
			continue
		}
		seen[b.Name()] = true

		var bc config.BackendConfig
		switch b.Name() {
		case backend.NameVirusTotal:
			bc = cfg.Verification.Backends.VirusTotal
		case backend.NameSandbox:
			bc = cfg.Verification.Backends.Sandbox.BackendConfig
		default:
			continue
		}
		if bc.APIKey == "" {
			logger.Warn("backend has no api key; its submissions will fail", "backend", b.Name(), "base_url", redactURL(bc.BaseURL))
		}
	}
}

// redactURL keeps only scheme and host.
func redactURL(raw string) string {
	if raw == "" {
		return "default"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
