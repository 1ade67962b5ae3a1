package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
)

// Coordinator runs one swarm's plan/approve/execute/collect lifecycle.
// A fresh Coordinator is built per swarm run; it is not reused.
type Coordinator struct {
	id       string
	cfg      Config
	deps     Deps
	msgBus   *MessageBus
	parentID string
	depth    int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// New builds a Coordinator for one swarm run, identified by a fresh id.
func New(deps Deps, cfg Config, parentID string, depth int) *Coordinator {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Coordinator{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		msgBus:   NewMessageBus(deps.Bus, id),
		parentID: parentID,
		depth:    depth,
	}
}

// Run executes all four phases for goal and returns the collected
// result. Implements chat.SwarmRunner.
func (c *Coordinator) Run(ctx context.Context, goal string) (*store.SwarmResult, error) {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	planned := plan(runCtx, c.deps.Provider, c.cfg.Model, goal, c.cfg.MaxAgents)

	if c.deps.ApprovalHook != nil {
		hook := c.deps.ApprovalHook
		approved, err := hook.RequestApproval(runCtx, ApprovalRequest{SwarmID: c.id, Task: goal, AgentCount: len(planned)})
		if err != nil || !approved {
			result := &store.SwarmResult{SwarmID: c.id, Status: store.SwarmDenied, Output: "Swarm denied by approval hook", DurationMS: elapsedSince(start)}
			return result, nil
		}
	}

	instances, agents, resolved := c.buildInstances(runCtx, planned)

	results := c.execute(runCtx, instances)

	out := c.collect(resolved, agents, results)
	out.DurationMS = elapsedSince(start)
	if runCtx.Err() != nil && out.Status != store.SwarmDenied {
		out.Status = store.SwarmTimeout
	}

	if c.deps.Metrics != nil && out.Status != store.SwarmDenied {
		c.deps.Metrics.RecordSwarm(out)
	}
	return out, nil
}

// buildInstances resolves each planned agent against the registry,
// falling back to the AgentFactory and then to "general", registering
// each with the message bus. It returns the planned list with any
// fallback-renamed entries applied, so collect (called with that
// returned list) names results consistently with the agent ids used
// here.
func (c *Coordinator) buildInstances(ctx context.Context, planned []PlannedAgent) ([]*agentInstance, map[string]*SwarmAgent, []PlannedAgent) {
	instances := make([]*agentInstance, 0, len(planned))
	agents := make(map[string]*SwarmAgent, len(planned))
	resolved := make([]PlannedAgent, len(planned))

	for i, p := range planned {
		def, ok := c.deps.Registry.Get(p.Name)
		if !ok && c.deps.AgentFactory != nil {
			def, ok = c.deps.AgentFactory.Build(ctx, p.Name, p.Role, p.Task)
			if ok {
				c.deps.Registry.RegisterAgent(def)
			}
		}
		if !ok {
			if fallback, hasGeneral := c.deps.Registry.Get("general"); hasGeneral {
				def = fallback
				p.Name = "general"
				ok = true
			}
		}
		resolved[i] = p
		if !ok {
			agents[p.Name] = &SwarmAgent{Name: p.Name, Role: p.Role, Task: p.Task, Status: AgentFailed}
			continue
		}

		agentID := fmt.Sprintf("%s-%s", c.id[:8], p.Name)
		c.msgBus.Register(agentID)
		agents[p.Name] = &SwarmAgent{Name: p.Name, Role: p.Role, Task: p.Task, Status: AgentIdle}
		instances = append(instances, &agentInstance{
			agentID:  agentID,
			def:      def,
			task:     p.Task,
			registry: c.deps.Registry,
			msgBus:   c.msgBus,
			parentID: c.parentID,
			depth:    c.depth + 1,
			tools:    c.deps.Tools,
		})
	}
	return instances, agents, resolved
}

// execute runs every instance concurrently, racing the joint result
// against the swarm-wide deadline already encoded in ctx.
func (c *Coordinator) execute(ctx context.Context, instances []*agentInstance) map[string]instanceResult {
	results := make(map[string]instanceResult, len(instances))
	if len(instances) == 0 {
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *agentInstance) {
			defer wg.Done()
			r := inst.run(ctx)
			mu.Lock()
			results[inst.agentID] = r
			mu.Unlock()
			name := strings.TrimPrefix(inst.agentID, c.id[:8]+"-")
			if r.err != nil || (r.rec != nil && r.rec.Status != store.SubagentCompleted) {
				c.deps.Bus.Emit(bus.Event{Name: bus.SwarmAgentFail, Payload: map[string]any{"swarmId": c.id, "agent": name}})
			} else {
				c.deps.Bus.Emit(bus.Event{Name: bus.SwarmAgentComplete, Payload: map[string]any{"swarmId": c.id, "agent": name}})
			}
		}(inst)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.stopInstances()
		<-done
	}
	return results
}

// collect joins per-agent output in the planner's original order.
func (c *Coordinator) collect(planned []PlannedAgent, agents map[string]*SwarmAgent, results map[string]instanceResult) *store.SwarmResult {
	var blocks []string
	agentResults := make([]store.AgentResult, 0, len(planned))
	totalTokens, totalTools := 0, 0
	anyFailed := false

	for _, p := range planned {
		sa := agents[p.Name]
		agentID := fmt.Sprintf("%s-%s", c.id[:8], p.Name)
		r, ran := results[agentID]

		var ar store.AgentResult
		switch {
		case sa != nil && sa.Status == AgentFailed && !ran:
			ar = store.AgentResult{Name: p.Name, Role: p.Role, Status: store.SwarmFailed, Output: "agent could not be resolved"}
		case !ran:
			ar = store.AgentResult{Name: p.Name, Role: p.Role, Status: store.SwarmTimeout, Output: "did not complete before the swarm deadline"}
		default:
			ar = agentResultFromRecord(p.Name, p.Role, r.rec, r.err)
		}
		if ar.Status != store.SwarmCompleted {
			anyFailed = true
		}
		totalTokens += ar.TokensUsed
		totalTools += ar.ToolUses
		agentResults = append(agentResults, ar)

		statusLabel := strings.ToUpper(string(ar.Status))
		if ar.Status == store.SwarmCompleted {
			statusLabel = "COMPLETED"
		}
		blocks = append(blocks, fmt.Sprintf("## %s (%s) [%s]\n%s", p.Name, p.Role, statusLabel, ar.Output))
	}

	status := store.SwarmCompleted
	if anyFailed {
		status = store.SwarmFailed
	}
	return &store.SwarmResult{
		SwarmID:         c.id,
		Status:          status,
		Output:          strings.Join(blocks, "\n\n"),
		AgentResults:    agentResults,
		TotalTokensUsed: totalTokens,
		TotalToolUses:   totalTools,
	}
}

func (c *Coordinator) stopInstances() {
	// Cooperative: each spawned subagent loop observes ctx cancellation
	// at its next boundary via agent.Registry.SpawnSubagent's own
	// timeout race; nothing further to signal here beyond the shared
	// context already cancelled by Stop/the deadline.
}

// Stop idempotently aborts the run and cancels the timeout.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
}
