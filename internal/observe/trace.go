package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ascpixi/ai-warden"

// Span attribute keys shared by the game, selection and resilience layers.
const (
	AttrOutcome       = attribute.Key("warden.outcome")
	AttrProvider      = attribute.Key("warden.provider")
	AttrTranscriptLen = attribute.Key("warden.transcript_len")
	AttrAttempts      = attribute.Key("warden.attempts")
)

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace ID of the active span, or "". The HTTP layer
// returns it as X-Correlation-ID so a player can quote it in a bug report.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type logAttrsKey struct{}

// WithLogAttrs returns a context whose [Logger] also carries attrs.
func WithLogAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(logAttrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, logAttrsKey{}, merged)
}

// Logger returns the default logger with the correlation ID of ctx and any
// attributes added with [WithLogAttrs].
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if cid := CorrelationID(ctx); cid != "" {
		args = append(args, slog.String("correlation_id", cid))
	}
	if attrs, ok := ctx.Value(logAttrsKey{}).([]slog.Attr); ok {
		for _, a := range attrs {
			args = append(args, a)
		}
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
