package telemetry

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), domain.TracingConfig{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstallRecordsSpans(t *testing.T) {
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	exporter := tracetest.NewInMemoryExporter()
	tp := install(domain.TracingConfig{Enabled: true, SampleRatio: 1}, "1.2.3", exporter)

	ctx, span := otel.Tracer("kestrel-test").Start(context.Background(), "decide")
	require.True(t, span.SpanContext().IsValid(), "expected a sampled span from the installed provider")
	span.End()

	// The global propagator writes a traceparent header for the span.
	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	assert.Contains(t, header.Get("traceparent"), trace.SpanContextFromContext(ctx).TraceID().String())

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "decide", spans[0].Name)

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "kestrel", service)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestSampleRatioZeroDropsRoots(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prevTP) })

	exporter := tracetest.NewInMemoryExporter()
	tp := install(domain.TracingConfig{Enabled: true, SampleRatio: 0}, "", exporter)

	_, span := otel.Tracer("kestrel-test").Start(context.Background(), "dropped")
	assert.False(t, span.IsRecording())
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	assert.Empty(t, exporter.GetSpans())
	require.NoError(t, tp.Shutdown(context.Background()))
}
