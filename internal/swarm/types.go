// Package swarm implements SwarmCoordinator, SwarmMessageBus, and
// SwarmAgentInstance: the four-phase plan/approve/execute/collect
// lifecycle for a set of concurrently spawned subagents working one
// goal. Grounded on the tiered-concurrent-execution shape of
// other_examples' swarm coordinator files (WaitGroup-per-tier fan-out,
// timeout-vs-context-cancellation race, truncated progress events),
// adapted to a single execute phase racing agent instances against one
// swarm-wide deadline rather than a dependency-tiered DAG, per spec.
package swarm

import (
	"context"

	"github.com/orcfabric/fabric/internal/agent"
	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/store"
)

const defaultMaxAgents = 6
const defaultSwarmTimeoutMS = 10 * 60 * 1000

// AgentStatus is the in-flight state of one SwarmAgent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentDone    AgentStatus = "done"
	AgentFailed  AgentStatus = "failed"
)

// PlannedAgent is one entry in the planner's JSON array.
type PlannedAgent struct {
	Name string `json:"name"`
	Role string `json:"role"`
	Task string `json:"task"`
}

// SwarmAgent is the coordinator's in-memory view of one planned agent's
// progress, distinct from the registry's Definition.
type SwarmAgent struct {
	Name   string
	Role   string
	Task   string
	Status AgentStatus
}

// AgentFactory builds a Definition on demand for a planned agent name
// the registry does not already know about.
type AgentFactory interface {
	Build(ctx context.Context, name, role, task string) (agent.Definition, bool)
}

// ApprovalRequest is what an ApprovalHook is asked to gate.
type ApprovalRequest struct {
	SwarmID    string
	Task       string
	AgentCount int
}

// ApprovalHook gates phase 2 of a swarm run.
type ApprovalHook interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error)
}

// Config parameterizes one Coordinator.
type Config struct {
	MaxAgents int
	TimeoutMS int64
	Model     string
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = defaultMaxAgents
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = defaultSwarmTimeoutMS
	}
	return c
}

// Deps bundles a Coordinator's collaborators.
type Deps struct {
	Provider     llm.Provider
	Registry     *agent.Registry
	Bus          *bus.Bus
	Tools        agent.ToolExecutor
	ApprovalHook ApprovalHook
	AgentFactory AgentFactory
	Metrics      MetricsRecorder
}

// MetricsRecorder is the narrow surface a Coordinator needs from a
// metrics collector, kept here to avoid an import cycle.
type MetricsRecorder interface {
	RecordSwarm(result *store.SwarmResult)
}
