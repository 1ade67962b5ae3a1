package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/tracing"
)

const previewLimit = 500

// emitLLMSpan records one Chat call as an llm_call span, grounded on
// the teacher's internal/agent/loop_tracing.go emitLLMSpan.
func (l *Loop) emitLLMSpan(ctx context.Context, collector *tracing.Collector, start time.Time, resp *llm.ChatResponse, callErr error) {
	traceID := tracing.TraceIDFromContext(ctx)
	if traceID == uuid.Nil {
		return
	}
	now := time.Now().UTC()
	span := tracing.Span{
		ID:        uuid.New(),
		TraceID:   traceID,
		SpanType:  tracing.SpanTypeLLMCall,
		Name:      l.cfg.Model,
		StartTime: start,
		EndTime:   &now,
		Model:     l.cfg.Model,
		Status:    tracing.SpanStatusCompleted,
		Level:     tracing.SpanLevelDefault,
		CreatedAt: now,
	}
	if parentID := tracing.ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if callErr != nil {
		span.Status = tracing.SpanStatusError
		span.Error = callErr.Error()
	} else if resp != nil {
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
		span.FinishReason = resp.FinishReason
		span.OutputPreview = truncateStr(resp.Content, previewLimit)
	}
	collector.EmitSpan(span)
}

// emitToolSpan records one tool call as a tool_call span.
func (l *Loop) emitToolSpan(ctx context.Context, collector *tracing.Collector, start time.Time, toolName, result string, toolErr error) {
	traceID := tracing.TraceIDFromContext(ctx)
	if traceID == uuid.Nil {
		return
	}
	now := time.Now().UTC()
	span := tracing.Span{
		ID:        uuid.New(),
		TraceID:   traceID,
		SpanType:  tracing.SpanTypeToolCall,
		Name:      toolName,
		ToolName:  toolName,
		StartTime: start,
		EndTime:   &now,
		Status:    tracing.SpanStatusCompleted,
		Level:     tracing.SpanLevelDefault,
		CreatedAt: now,
	}
	if parentID := tracing.ParentSpanIDFromContext(ctx); parentID != uuid.Nil {
		span.ParentSpanID = &parentID
	}
	if toolErr != nil {
		span.Status = tracing.SpanStatusError
		span.Error = toolErr.Error()
	} else {
		span.OutputPreview = truncateStr(result, previewLimit)
	}
	collector.EmitSpan(span)
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}
