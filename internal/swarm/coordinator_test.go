package swarm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orcfabric/fabric/internal/agent"
	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/store"
)

// memSubagentStore mirrors internal/agent's own test fake, duplicated
// here since that package's fake is unexported.
type memSubagentStore struct {
	mu      sync.Mutex
	records map[string]*store.SubagentRecord
}

func newMemSubagentStore() *memSubagentStore {
	return &memSubagentStore{records: make(map[string]*store.SubagentRecord)}
}

func (m *memSubagentStore) Create(ctx context.Context, r *store.SubagentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memSubagentStore) Get(ctx context.Context, id string) (*store.SubagentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memSubagentStore) Update(ctx context.Context, r *store.SubagentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memSubagentStore) List(ctx context.Context, f store.SubagentFilter) ([]*store.SubagentRecord, error) {
	return nil, nil
}

func (m *memSubagentStore) GetRunning(ctx context.Context) ([]*store.SubagentRecord, error) {
	return nil, nil
}

func (m *memSubagentStore) MarkOrphaned(ctx context.Context, olderThanMS int64) (int, error) {
	return 0, nil
}

var _ store.SubagentRepo = (*memSubagentStore)(nil)

// scriptedProvider answers planning calls (a system prompt containing
// "swarm planner") with a fixed JSON plan and every other Chat call
// (the spawned dialog loops) by echoing the last message back behind
// a "done: " prefix.
type scriptedProvider struct {
	planJSON string
}

func (p scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if strings.Contains(req.System, "swarm planner") {
		return &llm.ChatResponse{Content: p.planJSON, FinishReason: "stop"}, nil
	}
	return &llm.ChatResponse{Content: "done: " + req.Messages[len(req.Messages)-1].Content, FinishReason: "stop"}, nil
}

func (p scriptedProvider) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p scriptedProvider) DefaultModel() string { return "test-model" }
func (p scriptedProvider) Name() string         { return "scripted" }

func newTestCoordinator(t *testing.T, planJSON string, approval ApprovalHook) *Coordinator {
	t.Helper()
	b := bus.New()
	provider := scriptedProvider{planJSON: planJSON}
	reg := agent.New(newMemSubagentStore(), b, provider, "test-model", nil)
	reg.RegisterAgent(agent.Definition{Name: "researcher", SystemPrompt: "research"})
	reg.RegisterAgent(agent.Definition{Name: "writer", SystemPrompt: "write"})
	reg.RegisterAgent(agent.Definition{Name: "general", SystemPrompt: "generalist"})

	deps := Deps{
		Provider:     provider,
		Registry:     reg,
		Bus:          b,
		Tools:        noopTools{},
		ApprovalHook: approval,
	}
	return New(deps, Config{MaxAgents: 5, TimeoutMS: 5000, Model: "test-model"}, "", 0)
}

type noopTools struct{}

func (noopTools) Definitions() []llm.ToolDefinition { return nil }
func (noopTools) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	return "", nil
}

func TestCoordinator_RunCollectsInPlannedOrder(t *testing.T) {
	planJSON := `[{"name":"researcher","role":"research","task":"find sources"},{"name":"writer","role":"writing","task":"draft the piece"}]`
	c := newTestCoordinator(t, planJSON, AutoApproveHook{})

	result, err := c.Run(context.Background(), "write an article")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != store.SwarmCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	researcherIdx := strings.Index(result.Output, "## researcher")
	writerIdx := strings.Index(result.Output, "## writer")
	if researcherIdx == -1 || writerIdx == -1 || researcherIdx > writerIdx {
		t.Fatalf("expected researcher block before writer block, got:\n%s", result.Output)
	}
	if len(result.AgentResults) != 2 {
		t.Fatalf("expected 2 agent results, got %d", len(result.AgentResults))
	}
}

func TestCoordinator_DeniedApprovalShortCircuits(t *testing.T) {
	planJSON := `[{"name":"researcher","role":"research","task":"find sources"}]`
	denyHook := denyAllHook{}
	c := newTestCoordinator(t, planJSON, denyHook)

	result, err := c.Run(context.Background(), "do something")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != store.SwarmDenied {
		t.Fatalf("expected denied, got %s", result.Status)
	}
	if result.Output != "Swarm denied by approval hook" {
		t.Fatalf("expected denial output string, got %q", result.Output)
	}
}

type denyAllHook struct{}

func (denyAllHook) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	return false, nil
}

func TestCoordinator_UnresolvableAgentFallsBackToGeneral(t *testing.T) {
	planJSON := `[{"name":"nonexistent-specialist","role":"x","task":"do x"}]`
	c := newTestCoordinator(t, planJSON, AutoApproveHook{})

	result, err := c.Run(context.Background(), "goal")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(result.Output, "## general") {
		t.Fatalf("expected fallback to general agent, got:\n%s", result.Output)
	}
}

func TestCoordinator_StopIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, `[{"name":"general","role":"x","task":"y"}]`, AutoApproveHook{})
	c.cancel = func() {}
	c.Stop()
	c.Stop() // must not panic or double-close anything
}

func TestCoordinator_TimeoutProducesTimeoutStatus(t *testing.T) {
	planJSON := `[{"name":"researcher","role":"research","task":"find sources"}]`
	b := bus.New()
	slow := slowProvider{delay: 200 * time.Millisecond, planJSON: planJSON}
	reg := agent.New(newMemSubagentStore(), b, slow, "test-model", nil)
	reg.RegisterAgent(agent.Definition{Name: "researcher", SystemPrompt: "research"})

	deps := Deps{Provider: slow, Registry: reg, Bus: b, Tools: noopTools{}, ApprovalHook: AutoApproveHook{}}
	c := New(deps, Config{MaxAgents: 5, TimeoutMS: 20, Model: "test-model"}, "", 0)

	result, err := c.Run(context.Background(), "goal")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != store.SwarmTimeout {
		t.Fatalf("expected timeout status, got %s", result.Status)
	}
}

type slowProvider struct {
	delay    time.Duration
	planJSON string
}

func (p slowProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if strings.Contains(req.System, "swarm planner") {
		return &llm.ChatResponse{Content: p.planJSON, FinishReason: "stop"}, nil
	}
	select {
	case <-time.After(p.delay):
		return &llm.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p slowProvider) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p slowProvider) DefaultModel() string { return "test-model" }
func (p slowProvider) Name() string         { return "slow" }
