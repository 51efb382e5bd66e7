// Package otel exports audit events as OpenTelemetry log records over OTLP.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentsh/sigguard/internal/events"
	"github.com/agentsh/sigguard/pkg/types"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
)

type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	// Insecure disables transport security entirely. TLSSkipVerify keeps
	// TLS but skips server certificate checks.
	Insecure      bool
	TLSSkipVerify bool

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter Filter

	Resource *resource.Resource

	// Exporter overrides the OTLP exporter. Used by tests.
	Exporter sdklog.Exporter
}

// Store implements store.EventStore on top of an OTEL logger provider.
// Export errors are dropped so recording never blocks the guard.
type Store struct {
	filter      *Filter
	logProvider *sdklog.LoggerProvider
	logger      otellog.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
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

	exp := cfg.Exporter
	if exp == nil {
		var err error
		exp, err = newLogExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("otel log exporter: %w", err)
		}
	}

	batchProc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(batchTimeout),
		sdklog.WithExportMaxBatchSize(batchMaxSize),
	)
	opts := []sdklog.LoggerProviderOption{sdklog.WithProcessor(batchProc)}
	if cfg.Resource != nil {
		opts = append(opts, sdklog.WithResource(cfg.Resource))
	}
	provider := sdklog.NewLoggerProvider(opts...)

	filter := cfg.Filter
	return &Store{
		filter:      &filter,
		logProvider: provider,
		logger:      provider.Logger("sigguard"),
	}, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	category := events.EventCategory[events.EventType(ev.Type)]
	var decision types.Decision
	if ev.Policy != nil {
		decision = ev.Policy.Decision
	}
	if !s.filter.Match(ev.Type, category, decision) {
		return nil
	}
	s.logger.Emit(ctx, convertToLogRecord(ev))
	return nil
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("otel store does not support queries")
}

// Close flushes pending records, waiting at most 10 seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.logProvider.Shutdown(ctx); err != nil {
		slog.Warn("otel log provider shutdown error", "error", err)
		return err
	}
	return nil
}

func tlsConfig(cfg Config) *tls.Config {
	return &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otel endpoint is empty")
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
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		} else {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsConfig(cfg))))
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
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		} else {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsConfig(cfg)))
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}
