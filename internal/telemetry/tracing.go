// Package telemetry installs the OpenTelemetry tracer provider that the
// pipeline and API spans are recorded with.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Shutdown flushes buffered spans and stops the provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs a global tracer provider and W3C trace-context propagation.
// When tracing is disabled the global no-op provider stays in place and the
// returned Shutdown does nothing.
func Setup(ctx context.Context, cfg domain.TracingConfig, version string) (Shutdown, error) {
	if !cfg.Enabled {
		return noop, nil
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return noop, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := install(cfg, version, exporter)

	slog.Info("tracing enabled",
		"component", "telemetry",
		"service", serviceName(cfg),
		"endpoint", cfg.Endpoint,
		"sample_ratio", cfg.SampleRatio,
	)
	return tp.Shutdown, nil
}

// install builds the provider around exporter and makes it global.
func install(cfg domain.TracingConfig, version string, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp
}

// newExporter ships spans over OTLP/HTTP, or writes them to stderr when no
// endpoint is configured. Stdout carries command output.
func newExporter(ctx context.Context, cfg domain.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func serviceName(cfg domain.TracingConfig) string {
	if cfg.ServiceName == "" {
		return "kestrel"
	}
	return cfg.ServiceName
}
