package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// SpanType tags what kind of work a Span records.
type SpanType string

const (
	SpanTypeAgent    SpanType = "agent"
	SpanTypeLLMCall  SpanType = "llm_call"
	SpanTypeToolCall SpanType = "tool_call"
)

// SpanStatus is the terminal state of a Span.
type SpanStatus string

const (
	SpanStatusCompleted SpanStatus = "completed"
	SpanStatusError     SpanStatus = "error"
)

// SpanLevel loosely matches OTel's severity-like level field.
const SpanLevelDefault = "DEFAULT"

// Span is one recorded unit of work — an agent run, an LLM call, or a
// tool call — mirroring the fields internal/agent/loop_tracing.go
// expects from store.SpanData in the teacher.
type Span struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID
	AgentID      *uuid.UUID
	SpanType     SpanType
	Name         string
	StartTime    time.Time
	EndTime      *time.Time
	DurationMS   int
	Model        string
	Provider     string
	ToolName     string
	ToolCallID   string
	InputPreview string
	OutputPreview string
	InputTokens  int
	OutputTokens int
	FinishReason string
	Status       SpanStatus
	Level        string
	Error        string
	Metadata     []byte
	CreatedAt    time.Time
}

// Collector fans recorded spans into an OpenTelemetry tracer. It is
// deliberately in-memory only (no span persistence table) — the durable
// audit trail for privileged actions lives in store.AuditRepo instead.
type Collector struct {
	tracer  oteltrace.Tracer
	verbose bool
}

// NewCollector builds a Collector backed by the global OTel tracer
// provider (wired in cmd/tracing.go via otlptracegrpc/otlptracehttp + sdk).
func NewCollector(verbose bool) *Collector {
	return &Collector{
		tracer:  otel.Tracer("github.com/orcfabric/fabric"),
		verbose: verbose,
	}
}

// Verbose reports whether full message/output bodies should be recorded.
func (c *Collector) Verbose() bool { return c.verbose }

// EmitSpan records span as a completed OTel span with matching
// start/end times and attributes.
func (c *Collector) EmitSpan(span Span) {
	if c == nil || c.tracer == nil {
		return
	}
	end := span.StartTime
	if span.EndTime != nil {
		end = *span.EndTime
	}
	ctx := context.Background()
	_, otelSpan := c.tracer.Start(ctx, span.Name, oteltrace.WithTimestamp(span.StartTime))
	attrs := []attribute.KeyValue{
		attribute.String("fabric.span_type", string(span.SpanType)),
		attribute.String("fabric.trace_id", span.TraceID.String()),
		attribute.String("fabric.status", string(span.Status)),
	}
	if span.Model != "" {
		attrs = append(attrs, attribute.String("fabric.model", span.Model))
	}
	if span.Provider != "" {
		attrs = append(attrs, attribute.String("fabric.provider", span.Provider))
	}
	if span.ToolName != "" {
		attrs = append(attrs, attribute.String("fabric.tool_name", span.ToolName))
	}
	if span.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("fabric.input_tokens", span.InputTokens))
	}
	if span.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("fabric.output_tokens", span.OutputTokens))
	}
	otelSpan.SetAttributes(attrs...)
	if span.Status == SpanStatusError {
		otelSpan.RecordError(errString(span.Error))
	}
	otelSpan.End(oteltrace.WithTimestamp(end))
}

type spanError string

func (e spanError) Error() string { return string(e) }

func errString(s string) error {
	if s == "" {
		s = "error"
	}
	return spanError(s)
}
