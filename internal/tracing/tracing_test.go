package tracing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TracingEnabled = true
	cfg.TracingExporter = ExporterOTLP

	s := SettingsFromConfig(cfg, "1.2.3")
	assert.Equal(t, "wa-gateway", s.ServiceName)
	assert.Equal(t, "1.2.3", s.ServiceVersion)
	assert.True(t, s.Enabled)
	assert.Equal(t, ExporterOTLP, s.Exporter)
	assert.Equal(t, 0.1, s.SampleRate)
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(Settings{Enabled: false}, discardLogger())
	require.NoError(t, m.Init(context.Background()))
	assert.Nil(t, m.provider)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	m := NewManager(Settings{ServiceName: "test", Enabled: true, Exporter: ExporterStdout, SampleRate: 1}, discardLogger())
	require.NoError(t, m.Init(context.Background()))
	require.NotNil(t, m.provider)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestStartSpanAndRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "commandbus.handle", attribute.String("command.type", "START"))
	RecordError(ctx, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "commandbus.handle", spans[0].Name())
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String("command.type", "START"))
}

func TestRecordError_NoSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordError(context.Background(), errors.New("boom"))
	})
}
