// Package telemetry wires an optional OpenTelemetry tracer provider
// (SPEC_FULL.md §4.12): one span per admitted request when an OTLP
// endpoint is configured, a no-op tracer otherwise.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/plyght/valet"

// ShutdownFunc flushes and releases resources created by Init. Safe to
// call even when tracing was never enabled.
type ShutdownFunc func(context.Context) error

// Init builds a tracer provider. When endpoint is empty, tracing is
// disabled entirely and the global tracer provider is left as whatever
// otel's own no-op default is — every span created afterward costs
// essentially nothing.
func Init(ctx context.Context, endpoint, serviceName string) (ShutdownFunc, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns valet's named tracer, drawing from whatever provider is
// currently installed globally (real or no-op).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRequestSpan opens the one-per-request span described in §4.12,
// tagged with the RPC method and tool name only — never a bearer token or
// filesystem path.
func StartRequestSpan(ctx context.Context, method, tool string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{semconv.RPCMethod(method)}
	if tool != "" {
		attrs = append(attrs, attribute.String("valet.tool", tool))
	}
	return Tracer().Start(ctx, "valet.request", trace.WithAttributes(attrs...))
}
