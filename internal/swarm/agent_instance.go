package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orcfabric/fabric/internal/agent"
	"github.com/orcfabric/fabric/internal/store"
)

// instanceResult is what one SwarmAgentInstance run resolves to.
type instanceResult struct {
	agentID string
	rec     *store.SubagentRecord
	err     error
}

// agentInstance drives exactly one planned agent through the registry's
// spawnSubagent, draining its inbox first and appending any pending
// inter-agent messages to its task text.
type agentInstance struct {
	agentID  string
	def      agent.Definition
	task     string
	registry *agent.Registry
	msgBus   *MessageBus
	parentID string
	depth    int
	tools    agent.ToolExecutor
}

func (ai *agentInstance) run(ctx context.Context) instanceResult {
	fullTask := ai.task
	if pending := ai.msgBus.GetMessages(ai.agentID); len(pending) > 0 {
		var sb strings.Builder
		sb.WriteString(ai.task)
		sb.WriteString("\n\n## Pending messages from other agents\n\n")
		for _, m := range pending {
			fmt.Fprintf(&sb, "- from %s: %s\n", m.From, m.Content)
		}
		fullTask = sb.String()
	}

	rec, err := ai.registry.SpawnSubagent(ctx, ai.def.Name, fullTask, agent.SpawnOpts{
		ParentID: ai.parentID,
		Depth:    ai.depth,
		Tools:    ai.tools,
	})
	return instanceResult{agentID: ai.agentID, rec: rec, err: err}
}

func agentResultFromRecord(name, role string, rec *store.SubagentRecord, err error) store.AgentResult {
	if err != nil {
		return store.AgentResult{Name: name, Role: role, Status: store.SwarmFailed, Output: err.Error()}
	}
	status := store.SwarmCompleted
	switch rec.Status {
	case store.SubagentTimeout:
		status = store.SwarmTimeout
	case store.SubagentFailed, store.SubagentOrphaned:
		status = store.SwarmFailed
	}
	tokens, toolUses := 0, 0
	if rec.TokensUsed != nil {
		tokens = *rec.TokensUsed
	}
	if rec.ToolUses != nil {
		toolUses = *rec.ToolUses
	}
	return store.AgentResult{
		Name:       name,
		Role:       role,
		Status:     status,
		Output:     rec.Result,
		TokensUsed: tokens,
		ToolUses:   toolUses,
	}
}

func elapsedSince(t time.Time) int64 { return time.Since(t).Milliseconds() }
