// Package store defines the persistent entity types and the Store facade
// that every other component depends on.
package store

import "time"

// QueueMode selects how a ChatSession's MessageQueue handles new inbound
// messages while one is already being processed.
type QueueMode string

const (
	QueueModeSteer     QueueMode = "steer"
	QueueModeInterrupt QueueMode = "interrupt"
	QueueModeQueue     QueueMode = "queue"
	QueueModeCollect   QueueMode = "collect"
)

// Session is a conversational thread backing one LLM loop.
type Session struct {
	ID               string            `json:"id"`
	CreatedAt        int64             `json:"createdAt"`
	LastActivity     int64             `json:"lastActivity"`
	CompactionCount  int               `json:"compactionCount"`
	TotalTokensUsed  int               `json:"totalTokensUsed"`
	QueueMode        QueueMode         `json:"queueMode"`
	ChannelID        string            `json:"channelId,omitempty"`
	CurrentTaskID    string            `json:"currentTaskId,omitempty"`
	ThinkingLevel    string            `json:"thinkingLevel,omitempty"`
	Flags            map[string]string `json:"flags,omitempty"`
}

// MessageRole identifies who authored a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ContentBlock is one typed piece of a Message's content.
type ContentBlock struct {
	Type       string `json:"type"` // "text", "tool_use", "tool_result"
	Text       string `json:"text,omitempty"`
	ToolUseID  string `json:"toolUseId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolInput  string `json:"toolInput,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// Message is one entry in a session's history.
type Message struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"sessionId"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
	Role            MessageRole    `json:"role"`
	Content         string         `json:"content,omitempty"`
	Blocks          []ContentBlock `json:"blocks,omitempty"`
	CreatedAt       int64          `json:"createdAt"`
	TokenCount      *int           `json:"tokenCount,omitempty"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskDeleted    TaskStatus = "deleted"
)

// Task is a unit of user-visible work.
type Task struct {
	ID             string            `json:"id"`
	Subject        string            `json:"subject"`
	Description    string            `json:"description"`
	ActiveForm     string            `json:"activeForm"`
	Status         TaskStatus        `json:"status"`
	Owner          string            `json:"owner,omitempty"`
	BlockedBy      []string          `json:"blockedBy"`
	Blocks         []string          `json:"blocks"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	TimeBudgetMS   *int64            `json:"timeBudgetMs,omitempty"`
	VerifyCommand  string            `json:"verifyCommand,omitempty"`
	FailureContext string            `json:"failureContext,omitempty"`
	RetryCount     int               `json:"retryCount"`
	CreatedAt      int64             `json:"createdAt"`
	UpdatedAt      int64             `json:"updatedAt"`
}

// SubagentStatus is the terminal or in-flight state of a SubagentRecord.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentTimeout   SubagentStatus = "timeout"
	SubagentOrphaned  SubagentStatus = "orphaned"
)

// SubagentRecord is one spawned subordinate LLM loop.
type SubagentRecord struct {
	ID             string         `json:"id"`
	AgentName      string         `json:"agentName"`
	ParentID       string         `json:"parentId,omitempty"`
	TaskDesc       string         `json:"taskDesc"`
	PID            *int           `json:"pid,omitempty"`
	Status         SubagentStatus `json:"status"`
	SpawnedAt      int64          `json:"spawnedAt"`
	CompletedAt    *int64         `json:"completedAt,omitempty"`
	TimeoutMS      int64          `json:"timeoutMs"`
	Result         string         `json:"result,omitempty"`
	TokensUsed     *int           `json:"tokensUsed,omitempty"`
	ToolUses       *int           `json:"toolUses,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	Depth          int            `json:"depth"`
}

// ApprovalDecision is the outcome of an ApprovalRequest.
type ApprovalDecision string

const (
	DecisionNone         ApprovalDecision = ""
	DecisionAllowOnce    ApprovalDecision = "allow-once"
	DecisionAllowSession ApprovalDecision = "allow-session"
	DecisionDeny         ApprovalDecision = "deny"
	DecisionTimeout      ApprovalDecision = "timeout"
)

// ApprovalRequest is a gate on a privileged action.
type ApprovalRequest struct {
	ID          string           `json:"id"`
	Command     string           `json:"command"`
	Context     map[string]any   `json:"context,omitempty"`
	CreatedAtMS int64            `json:"createdAtMs"`
	ExpiresAtMS int64            `json:"expiresAtMs"`
	Decision    ApprovalDecision `json:"decision"`
	DecidedAtMS *int64           `json:"decidedAtMs,omitempty"`
	DeciderID   string           `json:"deciderId,omitempty"`
}

// ScheduleKind is the trigger mechanism of a Schedule.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// TaskTemplate is the partial Task a fired Schedule materializes.
type TaskTemplate struct {
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Schedule is a trigger that produces Tasks.
type Schedule struct {
	ID          string       `json:"id"`
	Kind        ScheduleKind `json:"kind"`
	Expression  string       `json:"expression"`
	Timezone    string       `json:"timezone"`
	Template    TaskTemplate `json:"taskTemplate"`
	NextRunMS   int64        `json:"nextRunMs"`
	LastRunMS   *int64       `json:"lastRunMs,omitempty"`
	Enabled     bool         `json:"enabled"`
}

// AuditResult is the outcome recorded for an AuditEntry.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditPending AuditResult = "pending"
)

// AuditEntry is an append-only record of a privileged action.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Action    string         `json:"action"`
	TargetID  string         `json:"targetId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Result    AuditResult    `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
}

// MemoryEntry is an embedded recall record.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// QueuedMessage is an envelope around an inbound channel message.
type QueuedMessage struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	ChannelID   string `json:"channelId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	Priority    int    `json:"priority"`
	QueuedAt    int64  `json:"queuedAt"`
	ProcessedAt *int64 `json:"processedAt,omitempty"`
	Cancelled   bool   `json:"cancelled"`
}

// ToolCallTrace records one tool invocation inside a loop run.
type ToolCallTrace struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"durationMs"`
}

// SubagentLoopResult is the transient return value of one LLM loop run.
type SubagentLoopResult struct {
	Response      string          `json:"response"`
	SessionID     string          `json:"sessionId"`
	TokensUsed    int             `json:"tokensUsed"`
	ToolCalls     []ToolCallTrace `json:"toolCalls"`
	TotalDuration time.Duration   `json:"totalDuration"`
}

func nowMS() int64 { return time.Now().UnixMilli() }

// SwarmStatus is the terminal or in-flight state of a swarm run.
type SwarmStatus string

const (
	SwarmPlanning  SwarmStatus = "planning"
	SwarmRunning   SwarmStatus = "running"
	SwarmCompleted SwarmStatus = "completed"
	SwarmFailed    SwarmStatus = "failed"
	SwarmTimeout   SwarmStatus = "timeout"
	SwarmDenied    SwarmStatus = "denied"
)

// AgentResult is one planned agent's contribution to a SwarmResult.
type AgentResult struct {
	Name          string `json:"name"`
	Role          string `json:"role"`
	Status        SwarmStatus `json:"status"`
	Output        string `json:"output"`
	TokensUsed    int    `json:"tokensUsed"`
	ToolUses      int    `json:"toolUses"`
}

// SwarmResult is the transient return value of one SwarmCoordinator run.
type SwarmResult struct {
	SwarmID         string        `json:"swarmId"`
	Status          SwarmStatus   `json:"status"`
	Output          string        `json:"output"`
	AgentResults    []AgentResult `json:"agentResults"`
	TotalTokensUsed int           `json:"totalTokensUsed"`
	TotalToolUses   int           `json:"totalToolUses"`
	DurationMS      int64         `json:"durationMs"`
}
