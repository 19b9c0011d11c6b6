package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

func TestStartSpan(t *testing.T) {
	t.Run("is a no-op without a tracer", func(t *testing.T) {
		tracing.SetTracer(nil)

		ctx, span := tracing.StartSpan(context.Background(), "noop")
		defer span.End()

		assert.Empty(t, tracing.GetTraceID(ctx))
		assert.Empty(t, tracing.GetTraceParent(ctx))
	})

	t.Run("records spans and exposes trace context", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		tracing.SetTracer(provider.Tracer("test"))
		defer tracing.SetTracer(nil)

		ctx, span := tracing.StartSpan(context.Background(), "Pipeline.LoadPage")
		traceID := tracing.GetTraceID(ctx)
		tracing.RecordError(span, errors.New("boom"))
		span.End()

		require.Len(t, traceID, 32)
		assert.Len(t, tracing.GetSpanID(ctx), 16)
		assert.Contains(t, tracing.GetTraceParent(ctx), traceID)

		ended := recorder.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, "Pipeline.LoadPage", ended[0].Name())
		assert.Len(t, ended[0].Events(), 1)
	})
}

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := tracing.Setup(context.Background(), "fern", tracing.OTLPConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := tracing.StartSpan(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, tracing.GetTraceID(ctx))
}
