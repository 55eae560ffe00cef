package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Echoscribe tracer.
const tracerName = "github.com/MrWong99/echoscribe"

// Tracer returns the package-level [trace.Tracer] for Echoscribe. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithTrace returns l enriched with trace_id and span_id from the OTel span
// context in ctx. When no span is active, l is returned unchanged, so it is
// safe to call on every log site inside a hot loop.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// Logger returns the default slog logger enriched via [WithTrace].
func Logger(ctx context.Context) *slog.Logger {
	return WithTrace(ctx, slog.Default())
}
