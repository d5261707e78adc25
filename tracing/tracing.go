// Package tracing starts one OpenTelemetry span per dispatched stream,
// covering admission through response completion. Same tracer.Start/
// span.SetAttributes/span.RecordError idiom as the teacher's
// pkg/celeris/tracing.go, retargeted from HTTP request/response semantics
// to connection/stream semantics.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "h2conn"

// StartStreamSpan begins a span for one dispatched stream (spec §4.6's
// "dispatch a stream processor"). Callers must always End() the returned
// span, typically via defer.
func StartStreamSpan(ctx context.Context, streamID uint32, numHeaders int) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	spanCtx, span := tracer.Start(ctx, "h2conn.stream",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.Int64("h2conn.stream_id", int64(streamID)),
		attribute.Int("h2conn.request_header_count", numHeaders),
	)
	return spanCtx, span
}

// EndStreamSpan records the outcome of a dispatched stream and closes the
// span: an application error, or the final response status code.
func EndStreamSpan(span trace.Span, status int, err error) {
	span.SetAttributes(attribute.Int("h2conn.response_status", status))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 500:
		span.SetStatus(codes.Error, "server error")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
