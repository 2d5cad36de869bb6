package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	ctx := context.Background()
	shutdown := InitTracer(ctx, "ci-test", WithWriter(&buf))

	_, span := Tracer("queue").Start(ctx, "push")
	span.End()
	require.NoError(t, shutdown(ctx))

	assert.Contains(t, buf.String(), `"Name": "push"`)
	assert.Contains(t, buf.String(), "ci-test")
}

func TestInitTracerZeroRatioDropsRootSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	ctx := context.Background()
	shutdown := InitTracer(ctx, "ci-test", WithWriter(&buf), WithSampleRatio(0))

	_, span := Tracer("queue").Start(ctx, "push")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, shutdown(ctx))
	assert.Empty(t, buf.String())
}
