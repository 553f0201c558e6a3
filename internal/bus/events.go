package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metadata keys set on every published message.
const (
	MetaTraceID = "trace_id"
	MetaSpanID  = "span_id"
)

// PublishEvent JSON-encodes event and publishes it on topic.
func PublishEvent(ctx context.Context, b domain.EventBus, tenantID, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// DecodeEvent decodes the JSON payload of msg.
func DecodeEvent[T any](msg *domain.Message) (T, error) {
	var event T
	if msg == nil {
		return event, fmt.Errorf("message is nil")
	}
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return event, fmt.Errorf("failed to decode %s payload: %w", msg.Topic, err)
	}
	return event, nil
}

// ContextWithMessage returns ctx carrying the publisher's span context, so
// that handler spans link to the publishing request.
func ContextWithMessage(ctx context.Context, msg *domain.Message) context.Context {
	if msg == nil || msg.Metadata == nil {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(msg.Metadata[MetaTraceID])
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(msg.Metadata[MetaSpanID])
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

func metadataFromContext(ctx context.Context) map[string]string {
	meta := make(map[string]string)
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		meta[MetaTraceID] = sc.TraceID().String()
		meta[MetaSpanID] = sc.SpanID().String()
	}
	return meta
}
