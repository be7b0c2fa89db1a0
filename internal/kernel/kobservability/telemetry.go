package kobservability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the OpenTelemetry tracing exporter named by
// runtime.observability.tracing.exporters[].kind == "otlp".
type TracingConfig struct {
	Enabled     bool
	Exporter    string // otlp, stdout
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

type tracingProvider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var globalTracing = &tracingProvider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}

// InitTracing initializes the package-global OpenTelemetry provider.
// Called once at RuntimeBuilder composition time per
// runtime.observability.tracing.exporters.
func InitTracing(ctx context.Context, cfg TracingConfig) error {
	if !cfg.Enabled {
		globalTracing = &tracingProvider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("kobservability: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp", "otlp-http":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("kobservability: create OTLP exporter: %w", err)
		}
		exporter = exp
	case "stdout":
		exporter = &noopSpanExporter{}
	default:
		return fmt.Errorf("kobservability: unknown tracing exporter %q", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracing = &tracingProvider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}
	return nil
}

// ShutdownTracing flushes and shuts down the tracing provider, if any.
func ShutdownTracing(ctx context.Context) error {
	if globalTracing.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return globalTracing.tp.Shutdown(ctx)
}

// Tracer returns the package-global tracer (a no-op tracer when
// tracing is disabled).
func Tracer() trace.Tracer { return globalTracing.tracer }

// TracingEnabled reports whether a real exporter is wired up.
func TracingEnabled() bool { return globalTracing.enabled }

type noopSpanExporter struct{}

func (e *noopSpanExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopSpanExporter) Shutdown(context.Context) error                            { return nil }
