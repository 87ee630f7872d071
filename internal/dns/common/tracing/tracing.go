// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Spans are exported in batches to an OTLP/HTTP collector.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the collector's host:port. Empty disables tracing.
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

// Setup builds the exporter and provider described by opts and registers the
// provider globally. With no endpoint it returns a no-op provider.
func Setup(ctx context.Context, opts Options) (trace.TracerProvider, ShutdownFunc, error) {
	if opts.Endpoint == "" {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := NewProvider(exporter, opts)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// NewProvider returns a provider that batches spans into exporter, sampled
// at opts.SampleRatio unless the parent span decided otherwise.
func NewProvider(exporter sdktrace.SpanExporter, opts Options) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		)),
	)
}
