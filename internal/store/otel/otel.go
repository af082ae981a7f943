// Package otel exports audited verdicts as OpenTelemetry log records over
// OTLP.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/linkguard/linkguard/internal/store"
)

const scopeName = "github.com/linkguard/linkguard"

type Config struct {
	Endpoint string
	// Protocol is "grpc" or "http".
	Protocol string

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter   Filter
	Resource *resource.Resource
}

// Store exports verdicts through a batching log provider. Export errors stay
// inside the SDK; AppendVerdict never blocks on the collector.
type Store struct {
	filter   *compiledFilter
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	filter, err := compileFilter(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("otel filter: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 5 * time.Second
	}
	batchMaxSize := cfg.BatchMaxSize
	if batchMaxSize == 0 {
		batchMaxSize = 512
	}

	exp, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}
	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(batchTimeout),
		sdklog.WithExportMaxBatchSize(batchMaxSize),
	)
	return newStore(filter, proc, cfg.Resource), nil
}

func newStore(filter *compiledFilter, proc sdklog.Processor, res *resource.Resource) *Store {
	opts := []sdklog.LoggerProviderOption{sdklog.WithProcessor(proc)}
	if res != nil {
		opts = append(opts, sdklog.WithResource(res))
	}
	provider := sdklog.NewLoggerProvider(opts...)
	return &Store{
		filter:   filter,
		provider: provider,
		logger:   provider.Logger(scopeName),
	}
}

// AppendVerdict emits rec when it passes the filter. Trace context on ctx,
// if any, is attached to the record.
func (s *Store) AppendVerdict(ctx context.Context, rec store.Record) error {
	if !s.filter.match(rec.Kind, rec.Host, rec.Risk) {
		return nil
	}
	s.logger.Emit(ctx, convertToLogRecord(rec))
	return nil
}

// Close flushes pending records, waiting at most 10 seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel log provider shutdown: %w", err)
	}
	return nil
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Protocol {
	case "grpc", "":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		} else {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)

	case "http":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
		} else {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}

// clientTLS returns nil when TLS is disabled.
func clientTLS(cfg Config) (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
