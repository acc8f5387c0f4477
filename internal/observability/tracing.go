package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer for the harness's own spans; the
// harness opens one span per run. NewTracer installs an in-process,
// exporter-less TracerProvider as the global provider and binds the Tracer
// to it, replacing any provider a host set with otel.SetTracerProvider
// beforehand.
type Tracer struct {
	tracer trace.Tracer
}

// TraceConfig configures the in-process, exporter-less TracerProvider that
// NewTracer installs.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
}

// NewTracer returns a Tracer bound to the named service, installing an
// in-process TracerProvider with no exporter: spans are created, sampled,
// and ended like normal, but never leave the process. A host that wants
// spans exported calls otel.SetTracerProvider with its own provider (wired
// to a real exporter) after NewTracer returns, overriding this one; the
// Tracer returned here always creates spans through the tracer it was
// bound to at construction time, so that override only affects tracers
// built afterward.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "rlmharness"
	}

	sampler := sdktrace.AlwaysSample()
	if config.SamplingRate > 0 && config.SamplingRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer(config.ServiceName)}, provider.Shutdown
}

// Start creates a new span and returns the context carrying it.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError records err on span and marks the span as errored. A nil err
// is a no-op, so callers can always defer-call this with the named error
// return.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
