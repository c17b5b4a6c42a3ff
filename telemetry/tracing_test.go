package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracingWithoutEndpointIsNoop(t *testing.T) {
	tp, shutdown, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracingWithEndpoint(t *testing.T) {
	tp, shutdown, err := InitTracing(context.Background(), TracingConfig{
		ServiceName:  "segment-cache-test",
		OTLPEndpoint: "127.0.0.1:4317",
		SampleRatio:  1,
	})
	require.NoError(t, err)
	require.IsType(t, &sdktrace.TracerProvider{}, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	require.True(t, span.SpanContext().IsValid())
	require.True(t, span.SpanContext().IsSampled())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
