// Package tracing configures the OpenTelemetry tracer provider for the gateway.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/config"
)

const tracerName = "github.com/ihiteshgupta/whatsapp-gateway"

// Exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Settings selects the exporter and sampling for the tracer provider.
type Settings struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
	Exporter       string
	Endpoint       string
	SampleRate     float64
}

// SettingsFromConfig picks the tracing settings out of cfg.
func SettingsFromConfig(cfg *config.Config, version string) Settings {
	return Settings{
		ServiceName:    "wa-gateway",
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	}
}

// Manager owns the tracer provider lifecycle.
type Manager struct {
	settings Settings
	log      *slog.Logger
	provider *sdktrace.TracerProvider
}

func NewManager(settings Settings, log *slog.Logger) *Manager {
	return &Manager{settings: settings, log: log}
}

// Init installs the global tracer provider. With tracing disabled the global
// no-op provider stays in place and spans cost nothing.
func (m *Manager) Init(ctx context.Context) error {
	if !m.settings.Enabled {
		m.log.Info("tracing disabled")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.settings.ServiceName),
			semconv.ServiceVersionKey.String(m.settings.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch m.settings.Exporter {
	case ExporterOTLP:
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(m.settings.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return fmt.Errorf("failed to create %s exporter: %w", m.settings.Exporter, err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.settings.SampleRate))),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	m.log.Info("tracing initialized", "exporter", m.settings.Exporter, "sample_rate", m.settings.SampleRate)
	return nil
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}

// StartSpan starts a span on the gateway tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
