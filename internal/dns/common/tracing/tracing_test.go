package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	before := otel.GetTracerProvider()
	tp, shutdown, err := Setup(context.Background(), Options{ServiceName: "rr-proxy"})
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider(), "global provider untouched")

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSetup_RegistersGlobalProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	tp, shutdown, err := Setup(context.Background(), Options{
		ServiceName: "rr-proxy",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		SampleRatio: 1,
	})
	require.NoError(t, err)
	assert.IsType(t, &sdktrace.TracerProvider{}, tp)
	assert.Equal(t, tp, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()), "nothing recorded, nothing to send")
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		ratio   float64
		sampled bool
	}{
		{"always", 1, true},
		{"never", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := tracetest.NewInMemoryExporter()
			tp := NewProvider(exporter, Options{ServiceName: "rr-proxy", ServiceVersion: "test", SampleRatio: tt.ratio})

			_, span := tp.Tracer("test").Start(context.Background(), "handle_request")
			span.End()
			require.NoError(t, tp.ForceFlush(context.Background()))

			spans := exporter.GetSpans()
			if !tt.sampled {
				assert.Empty(t, spans)
				return
			}
			require.Len(t, spans, 1)
			assert.Equal(t, "handle_request", spans[0].Name)
			assert.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceName("rr-proxy"))
			require.NoError(t, tp.Shutdown(context.Background()))
		})
	}
}
