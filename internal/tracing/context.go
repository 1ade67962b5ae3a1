// Package tracing propagates trace/span identity through context.Context
// and bridges agent/tool/swarm spans into OpenTelemetry. Grounded on the
// sibling fork's internal/tracing/context.go (same context-key pair
// naming) and internal/agent/loop_tracing.go's span-field usage, which
// this module's own tracing package had gone missing even though
// loop_tracing.go still imported it.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDKey             contextKey = "fabric_trace_id"
	parentSpanKey          contextKey = "fabric_parent_span_id"
	collectorKey           contextKey = "fabric_trace_collector"
	announceParentKey      contextKey = "fabric_announce_parent_span_id"
	delegateParentTraceKey contextKey = "fabric_delegate_parent_trace_id"
)

func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func TraceIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(traceIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, parentSpanKey, id)
}

func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(parentSpanKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorKey, c)
}

func CollectorFromContext(ctx context.Context) *Collector {
	if v, ok := ctx.Value(collectorKey).(*Collector); ok {
		return v
	}
	return nil
}

// WithAnnounceParentSpanID nests this run's agent span under a parent
// span belonging to an announce-back run rather than its own trace root.
func WithAnnounceParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, announceParentKey, id)
}

func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(announceParentKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithDelegateParentTraceID records the parent trace a delegated run
// should link back to without reusing its span tree directly.
func WithDelegateParentTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, delegateParentTraceKey, id)
}

func DelegateParentTraceIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(delegateParentTraceKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
