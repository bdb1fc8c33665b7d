package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventTracer opens spans around billing event processing.
type EventTracer struct {
	tracer trace.Tracer
}

// NewEventTracer creates an EventTracer. If tracer is nil, the global
// tracer provider is used.
func NewEventTracer(tracer trace.Tracer) *EventTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("controlplane.billing")
	}
	return &EventTracer{tracer: tracer}
}

// StartEvent begins a span for one delivery on channel. The returned func
// ends the span, recording the event type, outcome and any error.
func (t *EventTracer) StartEvent(ctx context.Context, channel string) (context.Context, func(eventType, outcome string, err error)) {
	kind := trace.SpanKindServer
	if channel != "webhook" {
		kind = trace.SpanKindConsumer
	}
	ctx, span := t.tracer.Start(ctx, "billing.event",
		trace.WithSpanKind(kind),
		trace.WithAttributes(attribute.String("billing.channel", channel)),
	)
	return ctx, func(eventType, outcome string, err error) {
		span.SetAttributes(
			attribute.String("billing.event_type", eventType),
			attribute.String("billing.outcome", outcome),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
