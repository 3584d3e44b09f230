// Package otelx stands up the process-global OpenTelemetry trace
// pipeline and hands back its shutdown.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// The OTLP dial blocks with no deadline of its own. The endpoint is
	// a collector agent on localhost, so a short bound covers it.
	dialTimeout = 3 * time.Second

	batchTimeout = 5 * time.Second
	maxQueued    = 2048
)

// Options describe the trace pipeline. Service and Component join as
// "service.component" in the reported service name.
type Options struct {
	Service   string
	Component string
	Version   string

	Enabled  bool
	Endpoint string
	Insecure bool
	Sample   float64
}

// Init wires up the global tracer provider. Disabled, it still installs an
// SDK provider with no exporter so instrumented code paths behave the same
// either way. The returned function flushes and stops the provider.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	if !o.Enabled {
		return setGlobals(sdktrace.NewTracerProvider()), nil
	}

	exp, err := newExporter(ctx, o)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(maxQueued),
			sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	return setGlobals(tp), nil
}

func newExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return otlptracegrpc.New(dialCtx, opts...)
}

// newResource describes the running process. A detector error leaves a
// partial resource that is still worth attaching.
func newResource(ctx context.Context, o Options) *resource.Resource {
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service+"."+o.Component),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	return res
}

// setGlobals installs tp and W3C trace context plus baggage propagation
// process-wide, returning the provider's shutdown.
func setGlobals(tp *sdktrace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown
}
