package shared

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/tracing"
)

const (
	tracerName      = "issuedeck-executor"
	maxAttrValueLen = 8192 // span event payload truncation
)

// Tracer returns the tracer for engine protocol tracing. Requires
// LOG_EXECUTOR_IO=true in addition to the OTel endpoint; no-op otherwise.
func Tracer() trace.Tracer {
	if !ioDump {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return tracing.Tracer(tracerName)
}

// TraceProtocolEvent creates one span for a received protocol line. Two
// events are attached: "raw" with the original line and "normalized" with
// the entries it produced, allowing side-by-side comparison in a trace UI.
func TraceProtocolEvent(ctx context.Context, protocol, executionID, eventType string, raw json.RawMessage, entries []models.NormalizedEntry) {
	_, span := Tracer().Start(ctx, protocol+"."+eventType, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("execution_id", executionID),
		attribute.String("event_type", eventType),
		attribute.Int("entries", len(entries)),
	)

	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", Truncate(string(raw), maxAttrValueLen)),
		))
	}
	if len(entries) > 0 {
		if data, err := json.Marshal(entries); err == nil {
			span.AddEvent("normalized", trace.WithAttributes(
				attribute.String("data", Truncate(string(data), maxAttrValueLen)),
			))
		}
	}
}

// TraceProtocolRequest starts a client span for an outgoing protocol
// request. The caller ends the span when the request settles.
func TraceProtocolRequest(ctx context.Context, protocol, executionID, name string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, protocol+"."+name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("execution_id", executionID),
	)
	return ctx, span
}
