package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vyvo/ci/backend"

type options struct {
	writer io.Writer
	ratio  float64
}

// Option tunes InitTracer.
type Option func(*options)

// WithWriter sends exported spans to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithSampleRatio samples root spans at ratio. Child spans follow their parent.
func WithSampleRatio(ratio float64) Option {
	return func(o *options) { o.ratio = ratio }
}

// InitTracer installs a stdout tracer provider named after serviceName and returns its
// shutdown func. Export failures leave the global no-op provider in place.
func InitTracer(ctx context.Context, serviceName string, opts ...Option) func(context.Context) error {
	o := options{writer: os.Stdout, ratio: 1}
	for _, opt := range opts {
		opt(&o)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(o.writer), stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("telemetry exporter init failed")
		return func(context.Context) error { return nil }
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.ratio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}

// Tracer returns the tracer for the given component. It is a no-op until InitTracer runs.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}
