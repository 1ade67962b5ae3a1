package swarm

import (
	"context"
	"errors"
	"testing"

	"github.com/orcfabric/fabric/internal/llm"
)

type fakePlanProvider struct {
	content string
	err     error
}

func (f fakePlanProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content, FinishReason: "stop"}, nil
}

func (f fakePlanProvider) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f fakePlanProvider) DefaultModel() string { return "test-model" }
func (f fakePlanProvider) Name() string         { return "fake" }

func TestPlan_ParsesCleanJSONArray(t *testing.T) {
	p := fakePlanProvider{content: `[{"name":"Researcher","role":"research","task":"find sources"},{"name":"Writer","role":"writing","task":"draft"}]`}
	agents := plan(context.Background(), p, "model", "write a report", 5)
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if agents[0].Name != "researcher" {
		t.Fatalf("expected normalized name 'researcher', got %q", agents[0].Name)
	}
}

func TestPlan_StripsCodeFences(t *testing.T) {
	p := fakePlanProvider{content: "```json\n[{\"name\":\"a\",\"role\":\"r\",\"task\":\"t\"}]\n```"}
	agents := plan(context.Background(), p, "model", "goal", 5)
	if len(agents) != 1 || agents[0].Name != "a" {
		t.Fatalf("expected one agent 'a' after fence stripping, got %v", agents)
	}
}

func TestPlan_SlicesToMaxAgents(t *testing.T) {
	p := fakePlanProvider{content: `[{"name":"a","task":"x"},{"name":"b","task":"y"},{"name":"c","task":"z"}]`}
	agents := plan(context.Background(), p, "model", "goal", 2)
	if len(agents) != 2 {
		t.Fatalf("expected slice to 2 agents, got %d", len(agents))
	}
}

func TestPlan_FallsBackOnProviderError(t *testing.T) {
	p := fakePlanProvider{err: errors.New("boom")}
	agents := plan(context.Background(), p, "model", "goal", 5)
	if len(agents) != 1 || agents[0].Name != "general" {
		t.Fatalf("expected single fallback agent, got %v", agents)
	}
}

func TestPlan_FallsBackOnUnparsableJSON(t *testing.T) {
	p := fakePlanProvider{content: "not json at all"}
	agents := plan(context.Background(), p, "model", "goal", 5)
	if len(agents) != 1 || agents[0].Name != "general" {
		t.Fatalf("expected single fallback agent, got %v", agents)
	}
}

func TestNormalizeName_LowercasesAndHyphenates(t *testing.T) {
	if got := normalizeName("Data Analyst"); got != "data-analyst" {
		t.Fatalf("expected 'data-analyst', got %q", got)
	}
	if got := normalizeName("  "); got != "agent" {
		t.Fatalf("expected fallback 'agent' for blank name, got %q", got)
	}
}
