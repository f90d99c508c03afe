// Package observability wraps structured logging and OpenTelemetry
// tracing for the registry, archival manager, and retention sweeper,
// grounded on the teacher's pkg/plugin/observability.go
// ObservabilityManager.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds observability configuration for one registry instance.
type Config struct {
	ServiceName    string
	ServiceVersion string
	EnableTracing  bool
	// TraceExporter selects the span exporter. Only "stdout" is
	// implemented; any other value logs a warning and falls back to it.
	TraceExporter string
}

// DefaultConfig returns tracing disabled, stdout exporter selected.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.0.0",
		EnableTracing:  false,
		TraceExporter:  "stdout",
	}
}

// Counters holds attempted/succeeded/failed/retried totals for hosts
// that want one shared counter set. archival.Manager keeps its own
// counters and does not update these.
type Counters struct {
	Attempted atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Retried   atomic.Int64
}

// Manager owns the tracer provider and a logger scoped to one registry.
type Manager struct {
	cfg            *Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	shutdownOnce   sync.Once

	Counters Counters
}

// New constructs a Manager. cfg defaults to DefaultConfig(serviceName)
// if nil; logger defaults to slog.Default().
func New(cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig("statemachine")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Initialize sets up tracing if enabled. Safe to call once at startup.
func (m *Manager) Initialize(ctx context.Context) error {
	m.logger.Info("initializing observability",
		"service_name", m.cfg.ServiceName,
		"service_version", m.cfg.ServiceVersion,
		"enable_tracing", m.cfg.EnableTracing)

	if !m.cfg.EnableTracing {
		return nil
	}
	if err := m.initializeTracing(ctx); err != nil {
		return fmt.Errorf("observability: initialize tracing: %w", err)
	}
	m.logger.Info("OpenTelemetry tracing initialized",
		"service_name", m.cfg.ServiceName, "exporter", m.cfg.TraceExporter)
	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.cfg.ServiceName),
			semconv.ServiceVersion(m.cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	exporterName := m.cfg.TraceExporter
	if exporterName != "stdout" {
		m.logger.Warn("unknown trace exporter, falling back to stdout", "exporter", exporterName)
		exporterName = "stdout"
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("create %s exporter: %w", exporterName, err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)
	return nil
}

// Tracer returns a named tracer. Safe to call whether or not tracing
// was enabled; with tracing disabled it returns the global no-op tracer.
func (m *Manager) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Logger returns the logger scoped to this manager.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// StartSpan is a small helper around Tracer(component).Start. The
// registry, engine and archival manager do not call it; spans are
// started only by hosts that use it directly.
func (m *Manager) StartSpan(ctx context.Context, component, spanName string) (context.Context, trace.Span) {
	return m.Tracer(component).Start(ctx, spanName)
}

// Shutdown drains the tracer provider. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error
	m.shutdownOnce.Do(func() {
		if m.tracerProvider == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("failed to shutdown tracer provider", "error", err)
			shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
		}
	})
	return shutdownErr
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() (attempted, succeeded, failed, retried int64) {
	return c.Attempted.Load(), c.Succeeded.Load(), c.Failed.Load(), c.Retried.Load()
}
