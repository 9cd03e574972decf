package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
var (
	AttrVault     = attribute.Key("spendvault.vault")
	AttrSender    = attribute.Key("spendvault.sender")
	AttrRecipient = attribute.Key("spendvault.recipient")
	AttrTarget    = attribute.Key("spendvault.target")
	AttrPayment   = attribute.Key("spendvault.payment")
	AttrRung      = attribute.Key("spendvault.rung")
	AttrHandle    = attribute.Key("spendvault.user_op_hash")
	AttrFromBlock = attribute.Key("spendvault.from_block")
	AttrEvents    = attribute.Key("spendvault.events")
)

// VaultOperation creates attributes for a read-path operation on a vault.
func VaultOperation(vault string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrVault.String(vault)}
}

// ExecutionOperation creates attributes for a submission-path operation.
func ExecutionOperation(sender, payment string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSender.String(sender),
		AttrPayment.String(payment),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
