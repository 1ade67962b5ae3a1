// Package agent implements AgentRegistry and the Think-Act-Observe LLM
// loop used by both subagents and chat sessions. Grounded on the
// teacher's internal/tools/subagent.go (SubagentManager.Spawn's
// depth/concurrency/children checks, deny lists) and
// internal/agent/loop.go (the Run/runLoop iteration shape), adapted
// from the teacher's managed-mode specifics to the spec's single
// LLMProvider + ToolExecutor injection model.
package agent

import (
	"context"

	"github.com/orcfabric/fabric/internal/llm"
)

// ModelAlias is a logical model tier an agent definition can pin to.
type ModelAlias string

const (
	ModelInherit ModelAlias = "inherit"
	ModelHaiku   ModelAlias = "haiku"
	ModelSonnet  ModelAlias = "sonnet"
	ModelOpus    ModelAlias = "opus"
)

// modelAliasTable maps an alias to a concrete model id. "inherit" has
// no entry here — callers resolve it against the global default.
var modelAliasTable = map[ModelAlias]string{
	ModelHaiku:  "claude-haiku-4-5",
	ModelSonnet: "claude-sonnet-4-5",
	ModelOpus:   "claude-opus-4-1",
}

// Definition is one registered agent: its persona, its model tier, and
// the tool whitelist it may use. An empty ToolWhitelist means no
// restriction beyond the deny lists applied at spawn time.
type Definition struct {
	Name          string
	Description   string
	Model         ModelAlias
	ToolWhitelist []string
	Color         string
	SystemPrompt  string
	PluginID      string
}

// ToolExecutor is the tool surface a Loop can call into. Implementations
// live outside this package (mcptools, built-in tool sets, dialog
// tools) and are handed to the loop already scoped to what an agent
// run is permitted to call.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// DenyAlways lists tools never available to a spawned subagent,
// regardless of whitelist, mirroring the teacher's SubagentDenyAlways.
var DenyAlways = []string{
	"spawn_agent",
	"list_subagents",
	"channel_login",
	"session_status",
	"schedule_manage",
	"memory_search",
	"memory_get",
}

// DenyLeaf is the additional deny list applied once depth has reached
// MaxSubagentDepth-1 (i.e. the spawned agent would be a leaf), mirroring
// the teacher's SubagentDenyLeaf.
var DenyLeaf = []string{
	"delegate_task",
	"spawn_agent",
}
