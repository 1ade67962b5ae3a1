package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/store"
	"github.com/orcfabric/fabric/internal/tracing"
)

const defaultMaxIterations = 50

// LoopConfig parameterizes one Loop instance. Tools is already scoped
// to whatever this run is permitted to call — callers (AgentRegistry,
// chat sessions) compute that scope before constructing the loop.
type LoopConfig struct {
	SystemPrompt  string
	Tools         ToolExecutor
	Provider      llm.Provider
	Model         string
	MaxIterations int
}

// Loop is one Think-Act-Observe execution of an LLM against a tool
// surface, grounded on the teacher's internal/agent/loop.go Run/runLoop
// shape, stripped of managed-mode specifics (per-user workspaces,
// bootstrap seeding) that this spec has no equivalent of.
type Loop struct {
	cfg LoopConfig

	mu         sync.Mutex
	cancel     context.CancelFunc
	interrupted bool
}

// NewLoop builds a Loop from cfg, defaulting MaxIterations when unset.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	return &Loop{cfg: cfg}
}

// Interrupt cooperatively cancels the loop's internal context. Safe to
// call at any time. The interrupted flag is never cleared: once
// Interrupt has been called, every later Run on this Loop returns an
// error without contacting the provider.
func (l *Loop) Interrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interrupted = true
	if l.cancel != nil {
		l.cancel()
	}
}

// Run executes the Think-Act-Observe cycle against task until the
// model stops requesting tool calls, the iteration budget is spent, or
// ctx/Interrupt cancels the run.
func (l *Loop) Run(ctx context.Context, task string) (*store.SubagentLoopResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	wasInterrupted := l.interrupted
	l.mu.Unlock()
	defer cancel()

	if wasInterrupted {
		return nil, fmt.Errorf("agent: loop interrupted before start")
	}

	start := time.Now()
	messages := []llm.Message{{Role: "user", Content: task}}
	tools := l.cfg.Tools.Definitions()

	var totalTokens int
	var toolTraces []store.ToolCallTrace
	var finalText string

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		if err := runCtx.Err(); err != nil {
			return nil, fmt.Errorf("agent: loop cancelled: %w", err)
		}

		collector := tracing.CollectorFromContext(runCtx)
		llmStart := time.Now()
		resp, err := l.cfg.Provider.Chat(runCtx, llm.ChatRequest{
			System:   l.cfg.SystemPrompt,
			Messages: messages,
			Tools:    tools,
			Model:    l.cfg.Model,
		})
		if collector != nil {
			l.emitLLMSpan(runCtx, collector, llmStart, resp, err)
		}
		if err != nil {
			return nil, fmt.Errorf("agent: chat: %w", err)
		}
		if resp.Usage != nil {
			totalTokens += resp.Usage.TotalTokens
		}

		if resp.Content != "" {
			finalText = resp.Content
		}
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		if len(resp.ToolCalls) == 0 || resp.FinishReason != "tool_calls" {
			break
		}

		for _, call := range resp.ToolCalls {
			if err := runCtx.Err(); err != nil {
				return nil, fmt.Errorf("agent: loop cancelled: %w", err)
			}
			toolStart := time.Now()
			result, toolErr := l.cfg.Tools.Execute(runCtx, call.Name, call.Arguments)
			duration := time.Since(toolStart)
			if collector != nil {
				l.emitToolSpan(runCtx, collector, toolStart, call.Name, result, toolErr)
			}
			toolTraces = append(toolTraces, store.ToolCallTrace{Name: call.Name, DurationMS: duration.Milliseconds()})
			if toolErr != nil {
				result = fmt.Sprintf("error: %v", toolErr)
			}
			messages = append(messages, llm.Message{Role: "tool", Content: result, ToolCallID: call.ID})
		}
	}

	return &store.SubagentLoopResult{
		Response:      finalText,
		TokensUsed:    totalTokens,
		ToolCalls:     toolTraces,
		TotalDuration: time.Since(start),
	}, nil
}
