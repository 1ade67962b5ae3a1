package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/store"
)

type memSubagentStore struct {
	mu    sync.Mutex
	items map[string]*store.SubagentRecord
}

func newMemSubagentStore() *memSubagentStore {
	return &memSubagentStore{items: make(map[string]*store.SubagentRecord)}
}

func (m *memSubagentStore) Create(ctx context.Context, r *store.SubagentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *memSubagentStore) Get(ctx context.Context, id string) (*store.SubagentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
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
	m.items[r.ID] = &cp
	return nil
}

func (m *memSubagentStore) List(ctx context.Context, f store.SubagentFilter) ([]*store.SubagentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.SubagentRecord
	for _, r := range m.items {
		out = append(out, r)
	}
	return out, nil
}

func (m *memSubagentStore) GetRunning(ctx context.Context) ([]*store.SubagentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.SubagentRecord
	for _, r := range m.items {
		if r.Status == store.SubagentRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memSubagentStore) MarkOrphaned(ctx context.Context, olderThanMS int64) (int, error) {
	return 0, nil
}

var _ store.SubagentRepo = (*memSubagentStore)(nil)

type fakeProvider struct {
	responses []llm.ChatResponse
	call      int
	delay     time.Duration
}

func (p *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.call >= len(p.responses) {
		return &llm.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.responses[p.call]
	p.call++
	return &resp, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

type fakeTools struct{}

func (fakeTools) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "read_file", Description: "read a file"}}
}
func (fakeTools) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	return "ok", nil
}

func TestSpawnSubagent_CompletesSuccessfully(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	provider := &fakeProvider{responses: []llm.ChatResponse{{Content: "final answer", FinishReason: "stop"}}}
	reg := New(newMemSubagentStore(), b, provider, "default-model", nil)
	reg.RegisterAgent(Definition{Name: "researcher", SystemPrompt: "you research things"})

	var completeFired bool
	b.On(bus.SubagentComplete, func(e bus.Event) { completeFired = true })

	rec, err := reg.SpawnSubagent(ctx, "researcher", "look into X", SpawnOpts{Tools: fakeTools{}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if rec.Status != store.SubagentCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.Result != "final answer" {
		t.Fatalf("expected result %q, got %q", "final answer", rec.Result)
	}
	if !completeFired {
		t.Fatal("expected subagent:complete event")
	}
}

func TestSpawnSubagent_RefusesAtMaxDepth(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	reg := New(newMemSubagentStore(), b, &fakeProvider{}, "default-model", nil)
	reg.RegisterAgent(Definition{Name: "researcher"})

	_, err := reg.SpawnSubagent(ctx, "researcher", "task", SpawnOpts{Depth: MaxSubagentDepth, Tools: fakeTools{}})
	if err == nil {
		t.Fatal("expected depth-limit error")
	}
}

func TestSpawnSubagent_RefusesUnknownAgent(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	reg := New(newMemSubagentStore(), b, &fakeProvider{}, "default-model", nil)

	_, err := reg.SpawnSubagent(ctx, "ghost", "task", SpawnOpts{Tools: fakeTools{}})
	if err == nil {
		t.Fatal("expected unregistered-agent error")
	}
}

func TestSpawnSubagent_TimesOut(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	provider := &fakeProvider{delay: 200 * time.Millisecond}
	reg := New(newMemSubagentStore(), b, provider, "default-model", nil)
	reg.RegisterAgent(Definition{Name: "slow"})

	var timeoutFired bool
	b.On(bus.SubagentTimeout, func(e bus.Event) { timeoutFired = true })

	rec, err := reg.SpawnSubagent(ctx, "slow", "task", SpawnOpts{TimeoutMS: 20, Tools: fakeTools{}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if rec.Status != store.SubagentTimeout {
		t.Fatalf("expected timeout, got %s", rec.Status)
	}
	if !timeoutFired {
		t.Fatal("expected subagent:timeout event")
	}
}

func TestGetAgentTools_EmptyWhitelistMeansNoRestriction(t *testing.T) {
	def := Definition{Name: "x"}
	available := []llm.ToolDefinition{{Name: "a"}, {Name: "b"}}
	got := getAgentTools(def, available, nil)
	if len(got) != 2 {
		t.Fatalf("expected no restriction, got %d tools", len(got))
	}
}

func TestGetAgentTools_WhitelistIntersects(t *testing.T) {
	def := Definition{Name: "x", ToolWhitelist: []string{"a"}}
	available := []llm.ToolDefinition{{Name: "a"}, {Name: "b"}}
	got := getAgentTools(def, available, nil)
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("expected only tool 'a', got %v", got)
	}
}
