// Package metrics implements MetricsCollector: a ring-buffered history
// of agent and swarm run metrics with a running summary. Grounded on
// the usage fields already threaded through
// internal/agent/registry.go's completeSubagent (TokensUsed/ToolUses)
// and internal/store's SwarmResult, fed via two entry points mirroring
// the spec's recordAgent/recordSwarm: a direct RecordSwarm call
// (wired into SwarmCoordinator as its MetricsRecorder) and a
// subscribe-to-subagent-completion path for individual agent runs,
// in the same event-driven idiom as internal/verifier.
package metrics

import (
	"sync"
	"time"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
)

const defaultMaxHistory = 100

// AgentMetrics is one completed (or timed-out/failed) subagent run.
type AgentMetrics struct {
	AgentName  string `json:"agentName"`
	TokensUsed int    `json:"tokensUsed"`
	ToolUses   int    `json:"toolUses"`
	Success    bool   `json:"success"`
	RecordedAt int64  `json:"recordedAt"`
}

// SwarmMetrics is one completed swarm run.
type SwarmMetrics struct {
	SwarmID         string           `json:"swarmId"`
	Status          store.SwarmStatus `json:"status"`
	AgentCount      int              `json:"agentCount"`
	TotalTokensUsed int              `json:"totalTokensUsed"`
	TotalToolUses   int              `json:"totalToolUses"`
	DurationMS      int64            `json:"durationMs"`
	RecordedAt      int64            `json:"recordedAt"`
}

// entry is either an AgentMetrics or a SwarmMetrics; exactly one of
// the two pointers is non-nil.
type entry struct {
	agent *AgentMetrics
	swarm *SwarmMetrics
}

// Summary is the aggregate returned by GetSummary.
type Summary struct {
	TotalTokens   int `json:"totalTokens"`
	TotalToolUses int `json:"totalToolUses"`
	AgentCount    int `json:"agentCount"`
}

// Collector is the process-wide MetricsCollector singleton.
type Collector struct {
	mu         sync.Mutex
	history    []entry
	maxHistory int
	bus        *bus.Bus

	off     bus.Unsubscribe
	started bool
}

func New(b *bus.Bus, maxHistory int) *Collector {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Collector{maxHistory: maxHistory, bus: b}
}

// Start subscribes to subagent completion/timeout events so individual
// agent runs are recorded without every caller having to thread a
// Collector reference through. Idempotent.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	offComplete := c.bus.On(bus.SubagentComplete, func(ev bus.Event) { c.onSubagentEvent(ev) })
	offTimeout := c.bus.On(bus.SubagentTimeout, func(ev bus.Event) { c.onSubagentEvent(ev) })
	c.off = func() {
		offComplete()
		offTimeout()
	}
}

func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	if c.off != nil {
		c.off()
		c.off = nil
	}
}

func (c *Collector) onSubagentEvent(ev bus.Event) {
	rec, ok := ev.Payload.(*store.SubagentRecord)
	if !ok {
		return
	}
	tokens, tools := 0, 0
	if rec.TokensUsed != nil {
		tokens = *rec.TokensUsed
	}
	if rec.ToolUses != nil {
		tools = *rec.ToolUses
	}
	c.RecordAgent(AgentMetrics{
		AgentName:  rec.AgentName,
		TokensUsed: tokens,
		ToolUses:   tools,
		Success:    rec.Status == store.SubagentCompleted,
	})
}

// RecordAgent appends one agent run, evicting the oldest entry if the
// history is already at capacity, and publishes metrics:agent.
func (c *Collector) RecordAgent(m AgentMetrics) {
	if m.RecordedAt == 0 {
		m.RecordedAt = time.Now().UnixMilli()
	}
	c.append(entry{agent: &m})
	c.bus.Emit(bus.Event{Name: bus.MetricsAgent, Payload: m})
}

// RecordSwarm appends one swarm run. Implements swarm.MetricsRecorder.
func (c *Collector) RecordSwarm(result *store.SwarmResult) {
	m := SwarmMetrics{
		SwarmID:         result.SwarmID,
		Status:          result.Status,
		AgentCount:      len(result.AgentResults),
		TotalTokensUsed: result.TotalTokensUsed,
		TotalToolUses:   result.TotalToolUses,
		DurationMS:      result.DurationMS,
		RecordedAt:      time.Now().UnixMilli(),
	}
	c.append(entry{swarm: &m})
	c.bus.Emit(bus.Event{Name: bus.MetricsSwarm, Payload: m})
}

func (c *Collector) append(e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, e)
	if len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
}

// GetSummary aggregates totalTokens/totalToolUses/agentCount across
// the current history; swarm entries contribute their embedded agent
// count rather than counting as a single agent.
func (c *Collector) GetSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Summary
	for _, e := range c.history {
		switch {
		case e.agent != nil:
			s.TotalTokens += e.agent.TokensUsed
			s.TotalToolUses += e.agent.ToolUses
			s.AgentCount++
		case e.swarm != nil:
			s.TotalTokens += e.swarm.TotalTokensUsed
			s.TotalToolUses += e.swarm.TotalToolUses
			s.AgentCount += e.swarm.AgentCount
		}
	}
	return s
}

// History returns a snapshot copy of the current ring buffer, oldest
// first.
func (c *Collector) History() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, len(c.history))
	for _, e := range c.history {
		switch {
		case e.agent != nil:
			out = append(out, *e.agent)
		case e.swarm != nil:
			out = append(out, *e.swarm)
		}
	}
	return out
}
