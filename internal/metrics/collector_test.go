package metrics

import (
	"testing"
	"time"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
)

func TestCollector_RecordAgentAndSummary(t *testing.T) {
	c := New(bus.New(), 10)
	c.RecordAgent(AgentMetrics{AgentName: "researcher", TokensUsed: 100, ToolUses: 2, Success: true})
	c.RecordAgent(AgentMetrics{AgentName: "writer", TokensUsed: 50, ToolUses: 1, Success: true})

	s := c.GetSummary()
	if s.TotalTokens != 150 || s.TotalToolUses != 3 || s.AgentCount != 2 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestCollector_RecordSwarmContributesEmbeddedAgentCount(t *testing.T) {
	c := New(bus.New(), 10)
	c.RecordSwarm(&store.SwarmResult{
		SwarmID:         "s1",
		Status:          store.SwarmCompleted,
		AgentResults:    []store.AgentResult{{}, {}, {}},
		TotalTokensUsed: 300,
		TotalToolUses:   9,
	})

	s := c.GetSummary()
	if s.AgentCount != 3 || s.TotalTokens != 300 || s.TotalToolUses != 9 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestCollector_EvictsOldestBeyondMaxHistory(t *testing.T) {
	c := New(bus.New(), 2)
	c.RecordAgent(AgentMetrics{AgentName: "a", TokensUsed: 1})
	c.RecordAgent(AgentMetrics{AgentName: "b", TokensUsed: 2})
	c.RecordAgent(AgentMetrics{AgentName: "c", TokensUsed: 3})

	hist := c.History()
	if len(hist) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(hist))
	}
	first, ok := hist[0].(AgentMetrics)
	if !ok || first.AgentName != "b" {
		t.Fatalf("expected oldest entry 'a' to be evicted, got %+v", hist)
	}
}

func TestCollector_PublishesMetricsEvents(t *testing.T) {
	b := bus.New()
	c := New(b, 10)

	var gotAgent AgentMetrics
	var gotSwarm SwarmMetrics
	b.On(bus.MetricsAgent, func(ev bus.Event) {
		if m, ok := ev.Payload.(AgentMetrics); ok {
			gotAgent = m
		}
	})
	b.On(bus.MetricsSwarm, func(ev bus.Event) {
		if m, ok := ev.Payload.(SwarmMetrics); ok {
			gotSwarm = m
		}
	})

	c.RecordAgent(AgentMetrics{AgentName: "x", TokensUsed: 5})
	c.RecordSwarm(&store.SwarmResult{SwarmID: "s2", Status: store.SwarmCompleted})

	if gotAgent.AgentName != "x" {
		t.Fatal("expected metrics:agent event with recorded agent")
	}
	if gotSwarm.SwarmID != "s2" {
		t.Fatal("expected metrics:swarm event with recorded swarm")
	}
}

func TestCollector_StartRecordsFromSubagentCompleteEvent(t *testing.T) {
	b := bus.New()
	c := New(b, 10)
	c.Start()
	defer c.Stop()

	tokens := 42
	tools := 3
	rec := &store.SubagentRecord{AgentName: "researcher", Status: store.SubagentCompleted, TokensUsed: &tokens, ToolUses: &tools}
	b.Emit(bus.Event{Name: bus.SubagentComplete, Payload: rec})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.GetSummary().AgentCount == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := c.GetSummary()
	if s.AgentCount != 1 || s.TotalTokens != 42 || s.TotalToolUses != 3 {
		t.Fatalf("expected summary from bus event, got %+v", s)
	}
}

func TestCollector_StartStopIdempotent(t *testing.T) {
	c := New(bus.New(), 10)
	c.Start()
	c.Start()
	c.Stop()
	c.Stop()
}
