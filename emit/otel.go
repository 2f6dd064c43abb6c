package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes an immediately-ended span with:
//   - Span name: event.Type (e.g., "taskgraph:node:started")
//   - Attributes: taskgraph.summary plus every event.Data field
//   - Status: error when Data contains an "error" string
//
// Usage:
//
//	tracer := otel.Tracer("taskgraph-go")
//	emitter := emit.NewOTelEmitter(tracer)
//	bus.Attach(emitter)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter from an OpenTelemetry tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates a span for the event. The span is ended immediately: events
// represent points in time, not durations.
func (o *OTelEmitter) Emit(event Event) {
	opts := []trace.SpanStartOption{}
	if !event.Ts.IsZero() {
		opts = append(opts, trace.WithTimestamp(event.Ts))
	}

	_, span := o.tracer.Start(context.Background(), event.Type, opts...)
	defer span.End()

	span.SetAttributes(attribute.String("taskgraph.summary", event.Summary))
	o.addDataAttributes(span, event.Data)

	if errMsg, ok := event.Data["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of pending spans via the global tracer provider.
// Call before shutdown so batched spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// addDataAttributes converts event data to span attributes, namespaced
// under "taskgraph.".
func (o *OTelEmitter) addDataAttributes(span trace.Span, data map[string]any) {
	for key, value := range data {
		attrKey := "taskgraph." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
