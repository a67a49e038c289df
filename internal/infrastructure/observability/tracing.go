package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "mindmitra/couples-api"
)

// GetTracer returns the tracer for the couples-api service.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SessionAttributes returns common attributes for session spans.
func SessionAttributes(sessionID, code string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("session.id", sessionID),
		attribute.String("session.code", code),
	}
}

// StartTurnSpan starts a new span for a mediator turn.
func StartTurnSpan(ctx context.Context, sessionID, code string) (context.Context, trace.Span) {
	ctx, span := GetTracer().Start(ctx, "turn.stream",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(SessionAttributes(sessionID, code)...),
	)
	return ctx, span
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
