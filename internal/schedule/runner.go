// Package schedule implements ScheduleRunner: a ticker-poll worker
// that turns due Schedules into Tasks. Grounded on
// internal/mcp/manager_connect.go's healthLoop ticker-select shape,
// adapted from health-check polling to due-schedule polling, and on
// internal/bgtask's idempotent Start/Stop pattern. Cron expressions
// are evaluated with adhocore/gronx.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
	"github.com/orcfabric/fabric/internal/task"
)

const defaultPollInterval = 10 * time.Second

// Runner polls Store.Schedules for due entries and materializes Tasks
// from their templates.
type Runner struct {
	schedules store.ScheduleRepo
	tasks     *task.Manager
	bus       *bus.Bus
	gron      gronx.Gronx
	interval  time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Runner)

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.interval = d }
}

func New(schedules store.ScheduleRepo, tasks *task.Manager, b *bus.Bus, opts ...Option) *Runner {
	r := &Runner{
		schedules: schedules,
		tasks:     tasks,
		bus:       b,
		gron:      gronx.New(),
		interval:  defaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins polling on a background goroutine. Calling Start twice
// without an intervening Stop is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(runCtx)
}

// Stop cancels the polling goroutine and waits for it to exit. Safe
// to call when not started, or more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	now := time.Now()
	due, err := r.schedules.GetDue(ctx, now.UnixMilli())
	if err != nil {
		slog.Error("schedule: get due failed", "error", err)
		return
	}
	for _, s := range due {
		r.fire(ctx, s, now)
	}
}

func (r *Runner) fire(ctx context.Context, s *store.Schedule, now time.Time) {
	metadata := make(map[string]any, len(s.Template.Metadata)+1)
	for k, v := range s.Template.Metadata {
		metadata[k] = v
	}
	metadata["scheduleId"] = s.ID

	t := &store.Task{
		Subject:     s.Template.Subject,
		Description: s.Template.Description,
		Metadata:    metadata,
	}
	created, err := r.tasks.Create(ctx, t)
	if err != nil {
		slog.Error("schedule: task creation failed", "scheduleId", s.ID, "error", err)
		return
	}

	nowMS := now.UnixMilli()
	s.LastRunMS = &nowMS
	if err := r.advance(s, now); err != nil {
		slog.Error("schedule: advance failed", "scheduleId", s.ID, "error", err)
		s.Enabled = false
	}
	if err := r.schedules.Update(ctx, s); err != nil {
		slog.Error("schedule: update failed", "scheduleId", s.ID, "error", err)
	}

	r.bus.Emit(bus.Event{Name: bus.ScheduleFired, Payload: map[string]string{
		"scheduleId": s.ID,
		"taskId":     created.ID,
	}})
}

// advance recomputes s.NextRunMS (and, for "at", disables the
// schedule since it is one-shot) in place.
func (r *Runner) advance(s *store.Schedule, now time.Time) error {
	switch s.Kind {
	case store.ScheduleAt:
		s.Enabled = false
		return nil
	case store.ScheduleEvery:
		intervalMS, err := parseDurationMS(s.Expression)
		if err != nil {
			return fmt.Errorf("parse every-expression %q: %w", s.Expression, err)
		}
		next := s.NextRunMS + intervalMS
		if next <= now.UnixMilli() {
			next = now.UnixMilli() + intervalMS
		}
		s.NextRunMS = next
		return nil
	case store.ScheduleCron:
		loc := time.UTC
		if s.Timezone != "" {
			if l, err := time.LoadLocation(s.Timezone); err == nil {
				loc = l
			}
		}
		next, err := r.gron.NextTickAfter(s.Expression, now.In(loc), false)
		if err != nil {
			return fmt.Errorf("next cron tick for %q: %w", s.Expression, err)
		}
		s.NextRunMS = next.UnixMilli()
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func parseDurationMS(expr string) (int64, error) {
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}
