package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer defines the interface for distributed tracing.
type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() Tracer {
	return noop.NewTracerProvider().Tracer("noop")
}
