// Package bgtask implements BackgroundTaskRunner: a per-process owner
// of independent LLM "worker" loops partitioned by chat key, with
// throttled progress streaming and delayed cleanup. Grounded on the
// teacher's internal/tools/subagent.go goroutine-per-task shape
// (Spawn/runTask), generalized from parent-child subagents to
// independent background workers not tied to a spawn-depth chain.
package bgtask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcfabric/fabric/internal/bus"
)

const (
	defaultMaxPerChat         = 3
	defaultProgressThrottleMS = 30_000
	defaultCleanupDelayMS     = 60_000
	progressChunkLimit        = 200
)

// OnComplete is invoked once a background task resolves, regardless of
// outcome.
type OnComplete func(id, text string, success bool)

// record is the in-memory handle for one running or recently-completed
// task; only Runner ever mutates it.
type record struct {
	id             string
	chatKey        string
	description    string
	running        bool
	cancelled      bool
	cancelFn       context.CancelFunc
	lastProgressAt time.Time
	cleanupTimer   *time.Timer
}

// SpawnOpts carries the retry-rewrite inputs and an optional time
// budget for one spawn call.
type SpawnOpts struct {
	TimeBudgetMS   int64
	FailureContext string
	RetryCount     int
}

// RunFunc executes one background worker loop to completion, streaming
// chunks via onChunk. Injected so Runner stays decoupled from any
// particular provider/tool wiring — callers build an *agent.Loop (or an
// equivalent) and adapt it to this signature.
type RunFunc func(ctx context.Context, description string, onChunk func(string)) (string, error)

// Runner is the process-wide BackgroundTaskRunner singleton.
type Runner struct {
	mu                 sync.Mutex
	tasks              map[string]*record
	bus                *bus.Bus
	run                RunFunc
	maxPerChat         int
	progressThrottleMS int64
	cleanupDelayMS     int64
}

func New(b *bus.Bus, run RunFunc) *Runner {
	return &Runner{
		tasks:              make(map[string]*record),
		bus:                b,
		run:                run,
		maxPerChat:         defaultMaxPerChat,
		progressThrottleMS: defaultProgressThrottleMS,
		cleanupDelayMS:     defaultCleanupDelayMS,
	}
}

func (r *Runner) WithLimits(maxPerChat int, progressThrottleMS, cleanupDelayMS int64) *Runner {
	if maxPerChat > 0 {
		r.maxPerChat = maxPerChat
	}
	if progressThrottleMS > 0 {
		r.progressThrottleMS = progressThrottleMS
	}
	if cleanupDelayMS > 0 {
		r.cleanupDelayMS = cleanupDelayMS
	}
	return r
}

func (r *Runner) runningForChat(chatKey string) int {
	n := 0
	for _, t := range r.tasks {
		if t.chatKey == chatKey && t.running {
			n++
		}
	}
	return n
}

// Spawn starts a new background worker for description, scoped to
// chatKey. Rewrites the description per the retry rule when
// opts.FailureContext is present and opts.RetryCount > 0.
func (r *Runner) Spawn(ctx context.Context, description, chatKey string, onComplete OnComplete, opts SpawnOpts) (string, error) {
	r.mu.Lock()
	if r.runningForChat(chatKey) >= r.maxPerChat {
		r.mu.Unlock()
		return "", fmt.Errorf("bgtask: max %d running tasks for chat %q", r.maxPerChat, chatKey)
	}

	effectiveDesc := description
	if opts.FailureContext != "" && opts.RetryCount > 0 {
		effectiveDesc = fmt.Sprintf("Previous attempt failed: %s. This is attempt %d. Try a different approach.\n\n%s",
			opts.FailureContext, opts.RetryCount+1, description)
	}

	id := uuid.NewString()
	rec := &record{id: id, chatKey: chatKey, description: effectiveDesc, running: true}
	r.tasks[id] = rec
	r.mu.Unlock()

	r.bus.Emit(bus.Event{Name: bus.BGTaskDelegated, Payload: map[string]string{"id": id, "chatKey": chatKey}})

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeBudgetMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeBudgetMS)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	r.mu.Lock()
	rec.cancelFn = cancel
	r.mu.Unlock()

	go r.execute(runCtx, cancel, rec, onComplete)
	return id, nil
}

func (r *Runner) execute(ctx context.Context, cancel context.CancelFunc, rec *record, onComplete OnComplete) {
	defer cancel()

	onChunk := func(chunk string) {
		r.mu.Lock()
		throttled := time.Since(rec.lastProgressAt) < time.Duration(r.progressThrottleMS)*time.Millisecond
		if !throttled {
			rec.lastProgressAt = time.Now()
		}
		r.mu.Unlock()
		if throttled {
			return
		}
		if len(chunk) > progressChunkLimit {
			chunk = chunk[:progressChunkLimit]
		}
		r.bus.Emit(bus.Event{Name: bus.BGTaskProgress, Payload: map[string]string{"id": rec.id, "chunk": chunk}})
	}

	text, err := r.run(ctx, rec.description, onChunk)

	r.mu.Lock()
	cancelled := rec.cancelled
	rec.running = false
	r.mu.Unlock()

	success := err == nil
	if cancelled {
		success = false
		text = "Task cancelled"
	} else if err != nil {
		text = err.Error()
		slog.Warn("background task failed", "id", rec.id, "error", err)
	}

	r.bus.Emit(bus.Event{Name: bus.BGTaskCompleted, Payload: map[string]any{"id": rec.id, "chatKey": rec.chatKey, "success": success, "text": text}})
	if onComplete != nil {
		onComplete(rec.id, text, success)
	}
	r.scheduleCleanup(rec.id)
}

func (r *Runner) scheduleCleanup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return
	}
	rec.cleanupTimer = time.AfterFunc(time.Duration(r.cleanupDelayMS)*time.Millisecond, func() {
		r.mu.Lock()
		delete(r.tasks, id)
		r.mu.Unlock()
	})
}

// Cancel marks a still-running task cancelled and interrupts its loop.
// Returns whether a cancellation actually occurred.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok || !rec.running {
		r.mu.Unlock()
		return false
	}
	rec.cancelled = true
	cancel := rec.cancelFn
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// StopAll hard-stops every running task and clears all timers and maps.
func (r *Runner) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.tasks {
		if rec.running && rec.cancelFn != nil {
			rec.cancelFn()
		}
		if rec.cleanupTimer != nil {
			rec.cleanupTimer.Stop()
		}
		delete(r.tasks, id)
	}
}
