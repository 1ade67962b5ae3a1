package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/store"
)

// MaxSubagentDepth is the process-wide spawn-depth ceiling, enforced by
// every SpawnSubagent call.
const MaxSubagentDepth = 3

const defaultSubagentTimeoutMS = 300_000

// LoopFactory builds a fresh Loop for one subagent run. Injected so
// Registry stays decoupled from any particular provider wiring.
type LoopFactory func(cfg LoopConfig) *Loop

type runningSubagent struct {
	loop *Loop
}

// Registry holds agent definitions and owns the spawnSubagent lifecycle:
// the process-wide AgentRegistry singleton described in the spec's
// design notes. Construct once via New and pass the pointer to every
// caller — there is no package-level global.
type Registry struct {
	mu          sync.RWMutex
	defs        map[string]Definition
	active      map[string]*runningSubagent
	store       store.SubagentRepo
	bus         *bus.Bus
	provider    llm.Provider
	loopFactory LoopFactory
	defaultModel string
}

func New(s store.SubagentRepo, b *bus.Bus, provider llm.Provider, defaultModel string, loopFactory LoopFactory) *Registry {
	if loopFactory == nil {
		loopFactory = NewLoop
	}
	return &Registry{
		defs:         make(map[string]Definition),
		active:       make(map[string]*runningSubagent),
		store:        s,
		bus:          b,
		provider:     provider,
		defaultModel: defaultModel,
		loopFactory:  loopFactory,
	}
}

// RegisterAgent adds or replaces a Definition.
func (r *Registry) RegisterAgent(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// resolveModel turns an alias into a concrete model id; "inherit"
// resolves to the registry's global default.
func (r *Registry) resolveModel(alias ModelAlias) string {
	if alias == ModelInherit || alias == "" {
		return r.defaultModel
	}
	if concrete, ok := modelAliasTable[alias]; ok {
		return concrete
	}
	return r.defaultModel
}

// getAgentTools computes the intersection of available with either the
// explicit override (when non-empty) or the agent's whitelist. An empty
// whitelist means no restriction here; the caller applies the deny
// list to the result.
func getAgentTools(def Definition, available []llm.ToolDefinition, override []string) []llm.ToolDefinition {
	allow := override
	if len(allow) == 0 {
		allow = def.ToolWhitelist
	}
	if len(allow) == 0 {
		return available
	}
	allowSet := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowSet[name] = true
	}
	var out []llm.ToolDefinition
	for _, t := range available {
		if allowSet[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func denyFilter(defs []llm.ToolDefinition, deny []string) []llm.ToolDefinition {
	denySet := make(map[string]bool, len(deny))
	for _, name := range deny {
		denySet[name] = true
	}
	var out []llm.ToolDefinition
	for _, t := range defs {
		if !denySet[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// scopedExecutor wraps a ToolExecutor, restricting Definitions() to an
// allow/deny-filtered subset while still delegating Execute for any
// tool name a caller manages to invoke (the filtered definitions are
// what the model sees; Execute is the last line of defense).
type scopedExecutor struct {
	inner   ToolExecutor
	allowed map[string]bool
}

func (s *scopedExecutor) Definitions() []llm.ToolDefinition {
	var out []llm.ToolDefinition
	for _, d := range s.inner.Definitions() {
		if s.allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (s *scopedExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if !s.allowed[name] {
		return "", fmt.Errorf("agent: tool %q not permitted in this scope", name)
	}
	return s.inner.Execute(ctx, name, args)
}

func scopeTools(inner ToolExecutor, def Definition, override []string, depth int) ToolExecutor {
	available := inner.Definitions()
	deny := append([]string{}, DenyAlways...)
	if depth >= MaxSubagentDepth-1 {
		deny = append(deny, DenyLeaf...)
	}
	filtered := getAgentTools(def, available, override)
	filtered = denyFilter(filtered, deny)
	allowed := make(map[string]bool, len(filtered))
	for _, t := range filtered {
		allowed[t.Name] = true
	}
	return &scopedExecutor{inner: inner, allowed: allowed}
}

// SpawnOpts parameterizes one SpawnSubagent call.
type SpawnOpts struct {
	TimeoutMS       int64
	ToolOverride    []string
	ParentID        string
	Depth           int
	ResumeSessionID string
	Tools           ToolExecutor
}

// SpawnSubagent runs the spec's six-step spawn sequence: depth/registry
// check, persist+publish, build loop config, race against a timeout,
// finalize on success/timeout/error, centralized teardown.
func (r *Registry) SpawnSubagent(ctx context.Context, name, task string, opts SpawnOpts) (*store.SubagentRecord, error) {
	if opts.Depth >= MaxSubagentDepth {
		return nil, fmt.Errorf("agent: max subagent depth %d reached", MaxSubagentDepth)
	}
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("agent: %q is not registered", name)
	}

	timeoutMS := opts.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultSubagentTimeoutMS
	}

	rec := &store.SubagentRecord{
		ID:        uuid.NewString(),
		AgentName: name,
		ParentID:  opts.ParentID,
		TaskDesc:  task,
		Status:    store.SubagentRunning,
		SpawnedAt: time.Now().UnixMilli(),
		TimeoutMS: timeoutMS,
		SessionID: opts.ResumeSessionID,
		Depth:     opts.Depth,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("agent: persist subagent record: %w", err)
	}
	r.bus.Emit(bus.Event{Name: bus.SubagentSpawn, Payload: rec})

	scoped := scopeTools(opts.Tools, def, opts.ToolOverride, opts.Depth)
	loop := r.loopFactory(LoopConfig{
		SystemPrompt: def.SystemPrompt,
		Tools:        scoped,
		Provider:     r.provider,
		Model:        r.resolveModel(def.Model),
	})

	r.mu.Lock()
	r.active[rec.ID] = &runningSubagent{loop: loop}
	r.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	type outcome struct {
		result *store.SubagentLoopResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := loop.Run(runCtx, task)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if runCtx.Err() != nil {
				// The loop's own error is a side effect of the deadline
				// firing, not an independent failure.
				return r.timeoutSubagent(ctx, rec.ID)
			}
			return r.failSubagent(ctx, rec.ID, o.err.Error())
		}
		return r.completeSubagent(ctx, rec.ID, o.result)
	case <-runCtx.Done():
		loop.Interrupt()
		<-done // wait for the goroutine to observe cancellation and exit
		return r.timeoutSubagent(ctx, rec.ID)
	}
}

func (r *Registry) finalize(ctx context.Context, id string, mutate func(*store.SubagentRecord)) (*store.SubagentRecord, error) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(rec)
	now := time.Now().UnixMilli()
	rec.CompletedAt = &now
	if err := r.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// completeSubagent is the external finalizer for a successful run.
func (r *Registry) completeSubagent(ctx context.Context, id string, result *store.SubagentLoopResult) (*store.SubagentRecord, error) {
	rec, err := r.finalize(ctx, id, func(rec *store.SubagentRecord) {
		rec.Status = store.SubagentCompleted
		rec.Result = result.Response
		tokens := result.TokensUsed
		rec.TokensUsed = &tokens
		toolUses := len(result.ToolCalls)
		rec.ToolUses = &toolUses
	})
	if err != nil {
		return nil, err
	}
	r.bus.Emit(bus.Event{Name: bus.SubagentComplete, Payload: rec})
	slog.Info("subagent completed", "id", id, "agent", rec.AgentName)
	return rec, nil
}

// failSubagent is the external finalizer for an errored run.
func (r *Registry) failSubagent(ctx context.Context, id, errMsg string) (*store.SubagentRecord, error) {
	rec, err := r.finalize(ctx, id, func(rec *store.SubagentRecord) {
		rec.Status = store.SubagentFailed
		rec.Result = errMsg
	})
	if err != nil {
		return nil, err
	}
	r.bus.Emit(bus.Event{Name: bus.SubagentComplete, Payload: rec})
	slog.Warn("subagent failed", "id", id, "agent", rec.AgentName, "error", errMsg)
	return rec, nil
}

// timeoutSubagent is the external finalizer for a run whose deadline
// elapsed; the loop has already been asked to interrupt cooperatively.
func (r *Registry) timeoutSubagent(ctx context.Context, id string) (*store.SubagentRecord, error) {
	rec, err := r.finalize(ctx, id, func(rec *store.SubagentRecord) {
		rec.Status = store.SubagentTimeout
		rec.Result = "timed out"
	})
	if err != nil {
		return nil, err
	}
	r.bus.Emit(bus.Event{Name: bus.SubagentTimeout, Payload: rec})
	slog.Warn("subagent timed out", "id", id, "agent", rec.AgentName)
	return rec, nil
}

// checkTimeouts sweeps running records whose deadline has already
// elapsed but whose goroutine has not yet reported back (e.g. after a
// crash/restart) and marks them orphaned.
func (r *Registry) checkTimeouts(ctx context.Context) error {
	running, err := r.store.GetRunning(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, rec := range running {
		r.mu.RLock()
		_, inMemory := r.active[rec.ID]
		r.mu.RUnlock()
		if inMemory {
			continue
		}
		if now-rec.SpawnedAt < rec.TimeoutMS {
			continue
		}
		rec.Status = store.SubagentOrphaned
		rec.CompletedAt = &now
		if err := r.store.Update(ctx, rec); err != nil {
			slog.Error("checkTimeouts: persist failed", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// markOrphaned marks every running record older than olderThanMS as
// orphaned, for use at process startup after an unclean shutdown.
func (r *Registry) markOrphaned(ctx context.Context, olderThanMS int64) (int, error) {
	return r.store.MarkOrphaned(ctx, olderThanMS)
}
