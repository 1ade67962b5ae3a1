// Package verifier implements TaskVerifier: a supervisor that, on
// task:completed, optionally shells out to a task's verifyCommand and
// retries or gives up based on the result. Grounded on the teacher's
// internal/upgrade/checker.go one-shot check-and-report shape, adapted
// from a synchronous caller-invoked check to an event-driven
// start/stop subscriber, and on internal/bgtask's idempotent
// subscribe-once lifecycle.
package verifier

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
	"github.com/orcfabric/fabric/internal/task"
)

const (
	maxOutputLen          = 2000
	defaultVerifyTimeoutMS = 30_000
	defaultMaxRetries      = 2
)

// VerificationFailedPayload is the payload for task:verification_failed.
type VerificationFailedPayload struct {
	TaskID  string `json:"taskId"`
	Subject string `json:"subject"`
	Attempt int    `json:"attempt"`
	Output  string `json:"output"`
}

// Verifier is the process-wide TaskVerifier singleton.
type Verifier struct {
	tasks          *task.Manager
	bus            *bus.Bus
	verifyTimeout  time.Duration
	maxRetries     int

	mu      sync.Mutex
	off     bus.Unsubscribe
	started bool
}

// Option configures non-default behavior.
type Option func(*Verifier)

// WithVerifyTimeout overrides the default 30s command timeout.
func WithVerifyTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.verifyTimeout = d }
}

// WithMaxRetries overrides the default retry ceiling of 2.
func WithMaxRetries(n int) Option {
	return func(v *Verifier) { v.maxRetries = n }
}

func New(tasks *task.Manager, b *bus.Bus, opts ...Option) *Verifier {
	v := &Verifier{
		tasks:         tasks,
		bus:           b,
		verifyTimeout: defaultVerifyTimeoutMS * time.Millisecond,
		maxRetries:    defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Start subscribes exactly once to task:completed. Calling Start again
// while already started is a no-op.
func (v *Verifier) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return
	}
	v.started = true
	v.off = v.bus.On(bus.TaskCompleted, func(ev bus.Event) {
		t, ok := ev.Payload.(*store.Task)
		if !ok {
			return
		}
		go v.verify(context.Background(), t)
	})
}

// Stop unsubscribes. Calling Stop again, or before Start, is a no-op.
func (v *Verifier) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.started {
		return
	}
	v.started = false
	if v.off != nil {
		v.off()
		v.off = nil
	}
}

func (v *Verifier) verify(ctx context.Context, t *store.Task) {
	if strings.TrimSpace(t.VerifyCommand) == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, v.verifyTimeout)
	defer cancel()

	output, exitCode := runCommand(ctx, t.VerifyCommand)

	if exitCode == 0 {
		v.markPassed(ctx, t)
		return
	}
	v.markFailed(ctx, t, output)
}

func (v *Verifier) markPassed(ctx context.Context, t *store.Task) {
	meta := map[string]any{}
	for k, val := range t.Metadata {
		meta[k] = val
	}
	meta["verifyPassed"] = true
	updated, err := v.tasks.Update(ctx, t.ID, task.UpdateInput{Metadata: meta})
	if err != nil {
		slog.Error("verifier: mark passed failed", "task", t.ID, "error", err)
		return
	}
	v.bus.Emit(bus.Event{Name: bus.TaskVerificationPassed, Payload: updated})
}

func (v *Verifier) markFailed(ctx context.Context, t *store.Task, output string) {
	failed, err := v.tasks.Fail(ctx, t.ID, "Verification failed: "+output)
	if err != nil {
		slog.Error("verifier: mark failed failed", "task", t.ID, "error", err)
		return
	}
	v.bus.Emit(bus.Event{Name: bus.TaskVerificationFailed, Payload: VerificationFailedPayload{
		TaskID:  t.ID,
		Subject: t.Subject,
		Attempt: failed.RetryCount,
		Output:  output,
	}})

	if failed.RetryCount < v.maxRetries {
		if _, err := v.tasks.Retry(ctx, t.ID); err != nil {
			slog.Error("verifier: retry failed", "task", t.ID, "error", err)
		}
	}
}

// runCommand runs command through a shell, truncating combined
// stdout+stderr to maxOutputLen. A context deadline is reported as
// exit code 124 with the message "timed out", matching the shell
// convention for a killed process.
func runCommand(ctx context.Context, command string) (output string, exitCode int) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return "timed out", 124
	}

	text := string(out)
	if len(text) > maxOutputLen {
		text = text[:maxOutputLen]
	}

	if err == nil {
		return text, 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return text, exitErr.ExitCode()
	}
	if text == "" {
		text = err.Error()
	}
	return text, 1
}
