package bus

// Event name catalog. Names are part of the contract — components
// outside this module may depend on these strings, so they are never
// renamed casually.
const (
	MessageReceived = "message:received"
	MessageSent     = "message:sent"

	SubagentSpawn    = "subagent:spawn"
	SubagentComplete = "subagent:complete"
	SubagentTimeout  = "subagent:timeout"
	SubagentStream   = "subagent:stream"

	BGTaskDelegated = "bg-task:delegated"
	BGTaskProgress  = "bg-task:progress"
	BGTaskCompleted = "bg-task:completed"

	ApprovalRequestEvt  = "approval:request"
	ApprovalDecisionEvt = "approval:decision"
	ApprovalTimeoutEvt  = "approval:timeout"

	TaskCreated             = "task:created"
	TaskUpdated             = "task:updated"
	TaskCompleted           = "task:completed"
	TaskBlocked             = "task:blocked"
	TaskVerificationPassed  = "task:verification_passed"
	TaskVerificationFailed  = "task:verification_failed"

	SwarmMessage      = "swarm:message"
	SwarmBroadcast    = "swarm:broadcast"
	SwarmAgentComplete = "swarm:agent-complete"
	SwarmAgentFail     = "swarm:agent-fail"

	MetricsAgent = "metrics:agent"
	MetricsSwarm = "metrics:swarm"

	ScheduleFired   = "schedule:fired"
	ConfigReloaded  = "config:reloaded"
)

// StreamChunkType tags a subagent:stream payload's chunk kind.
type StreamChunkType string

const (
	StreamTextDelta StreamChunkType = "text_delta"
	StreamToolUse   StreamChunkType = "tool_use"
	StreamToolResult StreamChunkType = "tool_result"
)

// SubagentStreamPayload is the payload for SubagentStream.
type SubagentStreamPayload struct {
	SubagentID string          `json:"subagentId"`
	Chunk      string          `json:"chunk"`
	Type       StreamChunkType `json:"type"`
}

// TaskUpdatedPayload is the payload for TaskUpdated.
type TaskUpdatedPayload struct {
	TaskID        string   `json:"taskId"`
	ChangedFields []string `json:"changedFields"`
}
