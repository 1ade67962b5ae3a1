package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orcfabric/fabric/internal/agent"
	"github.com/orcfabric/fabric/internal/bgtask"
	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/store"
	"github.com/orcfabric/fabric/internal/task"
)

const dialogSystemPrompt = `You are the primary conversational agent for this chat. You can delegate ` +
	`long-running or independent work to background tasks, and you can create, list, and cancel ` +
	`tracked tasks. Keep responses concise and actionable.`

const swarmOutputTruncateLimit = 4000

const taskSubjectTruncateLimit = 80

// subjectFromDescription derives a short subject line from a
// delegate_task description, since the tool's external interface only
// takes description — Subject is a store/display convenience, not a
// caller-supplied field.
func subjectFromDescription(description string) string {
	s := strings.TrimSpace(description)
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[:nl]
	}
	if len(s) > taskSubjectTruncateLimit {
		s = strings.TrimSpace(s[:taskSubjectTruncateLimit]) + "..."
	}
	return s
}

// ComplexityClassifier decides whether an inbound message warrants
// handing the turn off to a swarm rather than the single dialog loop.
type ComplexityClassifier interface {
	Classify(ctx context.Context, content string) (complex bool, err error)
}

// SwarmRunner is the narrow surface ChatSession needs from a swarm
// coordinator, kept here to avoid an import cycle with internal/swarm.
type SwarmRunner interface {
	Run(ctx context.Context, goal string) (*store.SwarmResult, error)
	Stop()
}

// SwarmFactory builds a fresh SwarmRunner for one complex turn.
type SwarmFactory func(chatKey string) SwarmRunner

// Deps bundles a ChatSession's collaborators.
type Deps struct {
	Store       store.Store
	Bus         *bus.Bus
	Provider    llm.Provider
	Model       string
	Tools       agent.ToolExecutor
	Tasks       *task.Manager
	BGRunner    *bgtask.Runner
	Classifier  ComplexityClassifier // optional
	SwarmFactory SwarmFactory        // optional
}

// Session wraps one chat: a Queue routing inbound messages, a dialog
// Loop with the three delegation tools, and an optional swarm handoff
// for turns classified complex.
type Session struct {
	chatKey string
	deps    Deps

	mu         sync.Mutex
	sessionRec *store.Session
	loop       *agent.Loop
	activeSwarm SwarmRunner

	queue *Queue
}

// New builds and starts a Session. The queue begins processing
// immediately; callers push inbound text via Submit.
func New(ctx context.Context, chatKey string, mode store.QueueMode, deps Deps) (*Session, error) {
	sess := &store.Session{
		ID:           chatKey,
		CreatedAt:    time.Now().UnixMilli(),
		LastActivity: time.Now().UnixMilli(),
		QueueMode:    mode,
	}
	if existing, err := deps.Store.Sessions().Get(ctx, chatKey); err == nil {
		sess = existing
	} else if err := deps.Store.Sessions().Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("chat: create session: %w", err)
	}

	s := &Session{chatKey: chatKey, deps: deps, sessionRec: sess}
	s.loop = agent.NewLoop(agent.LoopConfig{
		SystemPrompt: dialogSystemPrompt,
		Tools:        s.dialogTools(),
		Provider:     deps.Provider,
		Model:        deps.Model,
	})
	s.queue = NewQueue(ctx, mode, s.handle, s.loop.Interrupt)

	if deps.Bus != nil {
		deps.Bus.On(bus.BGTaskCompleted, func(ev bus.Event) {
			payload, ok := ev.Payload.(map[string]any)
			if !ok {
				return
			}
			if ck, _ := payload["chatKey"].(string); ck != chatKey {
				return
			}
			text, _ := payload["text"].(string)
			s.queue.Submit(fmt.Sprintf("[background task result] %s", text), 0)
		})
	}
	return s, nil
}

// Submit enqueues one inbound message per the session's queue mode.
func (s *Session) Submit(content string, priority int) {
	s.queue.Submit(content, priority)
}

// Stop interrupts the dialog loop, stops any active swarm, and tears
// down the queue.
func (s *Session) Stop() {
	s.loop.Interrupt()
	s.mu.Lock()
	sw := s.activeSwarm
	s.mu.Unlock()
	if sw != nil {
		sw.Stop()
	}
	s.queue.Stop()
}

func (s *Session) handle(ctx context.Context, content string) {
	s.mu.Lock()
	s.sessionRec.LastActivity = time.Now().UnixMilli()
	s.mu.Unlock()

	if s.deps.Classifier != nil && s.deps.SwarmFactory != nil {
		isComplex, err := s.deps.Classifier.Classify(ctx, content)
		if err != nil {
			slog.Warn("chat: complexity classification failed, falling back to dialog", "chatKey", s.chatKey, "error", err)
		} else if isComplex {
			s.runSwarm(ctx, content)
			return
		}
	}
	s.runDialog(ctx, content)
}

func (s *Session) runDialog(ctx context.Context, content string) {
	result, err := s.loop.Run(ctx, content)
	if err != nil {
		slog.Warn("chat: dialog loop error", "chatKey", s.chatKey, "error", err)
		return
	}
	s.mu.Lock()
	s.sessionRec.TotalTokensUsed += result.TokensUsed
	sess := *s.sessionRec
	s.mu.Unlock()
	if err := s.deps.Store.Sessions().Update(ctx, &sess); err != nil {
		slog.Warn("chat: persist session", "chatKey", s.chatKey, "error", err)
	}
	s.deps.Bus.Emit(bus.Event{Name: bus.MessageSent, Payload: map[string]string{"chatKey": s.chatKey, "content": result.Response}})
}

// runSwarm hands one classified-complex turn to a fresh coordinator,
// truncating its joined output before feeding it back as the dialog
// response.
func (s *Session) runSwarm(ctx context.Context, goal string) {
	sw := s.deps.SwarmFactory(s.chatKey)
	s.mu.Lock()
	s.activeSwarm = sw
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.activeSwarm = nil
		s.mu.Unlock()
	}()

	result, err := sw.Run(ctx, goal)
	if err != nil {
		slog.Warn("chat: swarm run failed", "chatKey", s.chatKey, "error", err)
		return
	}
	output := result.Output
	if len(output) > swarmOutputTruncateLimit {
		output = output[:swarmOutputTruncateLimit] + "...[truncated]"
	}
	s.deps.Bus.Emit(bus.Event{Name: bus.MessageSent, Payload: map[string]string{"chatKey": s.chatKey, "content": output}})
}

// dialogTools wraps the session's tool executor with the three
// delegation tools layered on top of whatever base tool surface the
// dialog agent was given.
func (s *Session) dialogTools() agent.ToolExecutor {
	return &dialogToolExecutor{session: s, base: s.deps.Tools}
}

type dialogToolExecutor struct {
	session *Session
	base    agent.ToolExecutor
}

func (d *dialogToolExecutor) Definitions() []llm.ToolDefinition {
	defs := append([]llm.ToolDefinition{}, d.base.Definitions()...)
	return append(defs,
		llm.ToolDefinition{
			Name:        "delegate_task",
			Description: "Create a tracked background task for work that does not need to block this conversation.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"description": map[string]interface{}{"type": "string"},
				},
				"required": []string{"description"},
			},
		},
		llm.ToolDefinition{
			Name:        "list_tasks",
			Description: "List tracked tasks, optionally filtered by status.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]interface{}{"type": "string"},
				},
			},
		},
		llm.ToolDefinition{
			Name:        "cancel_task",
			Description: "Cancel a tracked task or an in-flight background run by id.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"taskId": map[string]interface{}{"type": "string"},
				},
				"required": []string{"taskId"},
			},
		},
	)
}

func (d *dialogToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "delegate_task":
		return d.delegateTask(ctx, args)
	case "list_tasks":
		return d.listTasks(ctx, args)
	case "cancel_task":
		return d.cancelTask(ctx, args)
	default:
		return d.base.Execute(ctx, name, args)
	}
}

func (d *dialogToolExecutor) delegateTask(ctx context.Context, args map[string]interface{}) (string, error) {
	description, _ := args["description"].(string)
	if description == "" {
		return "", fmt.Errorf("delegate_task: description is required")
	}
	t, err := d.session.deps.Tasks.Create(ctx, &store.Task{Subject: subjectFromDescription(description), Description: description})
	if err != nil {
		return "", err
	}
	if d.session.deps.BGRunner != nil {
		_, err = d.session.deps.BGRunner.Spawn(ctx, description, d.session.chatKey, func(id, text string, success bool) {
			status := store.TaskCompleted
			if !success {
				status = store.TaskFailed
			}
			_, _ = d.session.deps.Tasks.Update(ctx, t.ID, task.UpdateInput{Status: &status})
		}, bgtask.SpawnOpts{})
		if err != nil {
			return "", err
		}
	}
	out, _ := json.Marshal(map[string]string{"taskId": t.ID, "status": string(t.Status)})
	return string(out), nil
}

func (d *dialogToolExecutor) listTasks(ctx context.Context, args map[string]interface{}) (string, error) {
	var filter store.TaskFilter
	if status, ok := args["status"].(string); ok && status != "" {
		filter.Status = store.TaskStatus(status)
	}
	tasks, err := d.session.deps.Tasks.List(ctx, filter)
	if err != nil {
		return "", err
	}
	out, _ := json.Marshal(tasks)
	return string(out), nil
}

func (d *dialogToolExecutor) cancelTask(ctx context.Context, args map[string]interface{}) (string, error) {
	id, _ := args["taskId"].(string)
	if id == "" {
		return "", fmt.Errorf("cancel_task: taskId is required")
	}
	if d.session.deps.BGRunner != nil && d.session.deps.BGRunner.Cancel(id) {
		return `{"cancelled":true,"via":"background"}`, nil
	}
	failed := store.TaskFailed
	if _, err := d.session.deps.Tasks.Update(ctx, id, task.UpdateInput{Status: &failed}); err != nil {
		return "", err
	}
	return `{"cancelled":true,"via":"task"}`, nil
}
