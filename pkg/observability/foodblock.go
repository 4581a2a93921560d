package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FoodBlock semantic convention attributes.
var (
	AttrBlockSource   = attribute.Key("foodblock.block.source")
	AttrPeerURL       = attribute.Key("foodblock.peer.url")
	AttrSyncDirection = attribute.Key("foodblock.sync.direction")
	AttrDenyReason    = attribute.Key("foodblock.agent.deny_reason")
)

// SyncOperation creates attributes for one peer transfer.
func SyncOperation(peerURL, direction string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPeerURL.String(peerURL),
		AttrSyncDirection.String(direction),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError records err on the span in ctx when non-nil.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}
