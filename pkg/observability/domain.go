package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Governor semantic convention attributes.
var (
	AttrActorID   = attribute.Key("governor.actor.id")
	AttrActorType = attribute.Key("governor.actor.type")

	AttrPolicyID       = attribute.Key("governor.policy.id")
	AttrPolicyAction   = attribute.Key("governor.policy.action")
	AttrPolicyDecision = attribute.Key("governor.policy.decision")
	AttrPolicyLatency  = attribute.Key("governor.policy.latency_ms")

	AttrAllocationID    = attribute.Key("governor.allocation.id")
	AttrAllocationState = attribute.Key("governor.allocation.state")

	AttrAuditEventID   = attribute.Key("governor.audit.event_id")
	AttrAuditEventType = attribute.Key("governor.audit.event_type")
	AttrAuditOutcome   = attribute.Key("governor.audit.outcome")

	AttrMemoryNamespace = attribute.Key("governor.memory.namespace")
	AttrMemoryOp        = attribute.Key("governor.memory.op")
)

// PolicyDecisionAttrs builds the span/metric attributes for one
// policy.Engine.Check outcome.
func PolicyDecisionAttrs(policyID, action, decision string, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyID.String(policyID),
		AttrPolicyAction.String(action),
		AttrPolicyDecision.String(decision),
		AttrPolicyLatency.Float64(latencyMs),
	}
}

// AllocationAttrs builds the attributes for an allocation state transition.
func AllocationAttrs(allocationID, state, actorID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAllocationID.String(allocationID),
		AttrAllocationState.String(state),
		AttrActorID.String(actorID),
	}
}

// AuditWriteAttrs builds the attributes for one audit chain append.
func AuditWriteAttrs(eventID, eventType, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuditEventID.String(eventID),
		AttrAuditEventType.String(eventType),
		AttrAuditOutcome.String(outcome),
	}
}

// MemoryOpAttrs builds the attributes for a memory store write/read.
func MemoryOpAttrs(namespace, op, actorID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMemoryNamespace.String(namespace),
		AttrMemoryOp.String(op),
		AttrActorID.String(actorID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err, if any, on the current span.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
