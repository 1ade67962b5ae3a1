package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
	"github.com/orcfabric/fabric/internal/task"
)

type memScheduleRepo struct {
	mu        sync.Mutex
	schedules map[string]*store.Schedule
}

func newMemScheduleRepo() *memScheduleRepo {
	return &memScheduleRepo{schedules: make(map[string]*store.Schedule)}
}

func (m *memScheduleRepo) Create(ctx context.Context, s *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *memScheduleRepo) Get(ctx context.Context, id string) (*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedules[id], nil
}

func (m *memScheduleRepo) Update(ctx context.Context, s *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *memScheduleRepo) List(ctx context.Context) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (m *memScheduleRepo) GetDue(ctx context.Context, nowMS int64) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Schedule
	for _, s := range m.schedules {
		if s.Enabled && s.NextRunMS <= nowMS {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memScheduleRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[string]*store.Task)}
}

func (m *memTaskRepo) Create(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}
func (m *memTaskRepo) Get(ctx context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}
func (m *memTaskRepo) Update(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}
func (m *memTaskRepo) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}
func (m *memTaskRepo) SoftDelete(ctx context.Context, id string) error { return nil }
func (m *memTaskRepo) AddDependency(ctx context.Context, id, blockerID string) error {
	return nil
}
func (m *memTaskRepo) RemoveDependency(ctx context.Context, id, blockerID string) error {
	return nil
}
func (m *memTaskRepo) ClearOwner(ctx context.Context, id string) error { return nil }
func (m *memTaskRepo) GetBlocked(ctx context.Context) ([]*store.Task, error) { return nil, nil }

func (m *memTaskRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunner_FiresOneShotAtScheduleAndDisablesIt(t *testing.T) {
	schedules := newMemScheduleRepo()
	tasks := newMemTaskRepo()
	b := bus.New()
	mgr := task.New(tasks, b)

	sched := &store.Schedule{
		ID:        "s1",
		Kind:      store.ScheduleAt,
		NextRunMS: time.Now().Add(-time.Second).UnixMilli(),
		Enabled:   true,
		Template:  store.TaskTemplate{Subject: "run once"},
	}
	_ = schedules.Create(context.Background(), sched)

	var fired bool
	b.On(bus.ScheduleFired, func(ev bus.Event) { fired = true })

	r := New(schedules, mgr, b, WithPollInterval(10*time.Millisecond))
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, func() bool { return tasks.count() == 1 })
	waitFor(t, func() bool { return fired })

	got, _ := schedules.Get(context.Background(), "s1")
	if got.Enabled {
		t.Fatal("expected one-shot 'at' schedule to disable itself after firing")
	}
}

func TestRunner_EveryScheduleAdvancesNextRun(t *testing.T) {
	schedules := newMemScheduleRepo()
	tasks := newMemTaskRepo()
	b := bus.New()
	mgr := task.New(tasks, b)

	start := time.Now().Add(-time.Second).UnixMilli()
	sched := &store.Schedule{
		ID:         "s2",
		Kind:       store.ScheduleEvery,
		Expression: "1h",
		NextRunMS:  start,
		Enabled:    true,
		Template:   store.TaskTemplate{Subject: "recurring"},
	}
	_ = schedules.Create(context.Background(), sched)

	r := New(schedules, mgr, b, WithPollInterval(10*time.Millisecond))
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, func() bool { return tasks.count() == 1 })

	got, _ := schedules.Get(context.Background(), "s2")
	if !got.Enabled {
		t.Fatal("expected 'every' schedule to remain enabled")
	}
	if got.NextRunMS <= start {
		t.Fatalf("expected nextRunMs to advance past %d, got %d", start, got.NextRunMS)
	}
}

func TestRunner_CreatedTaskCarriesScheduleIDInMetadata(t *testing.T) {
	schedules := newMemScheduleRepo()
	tasks := newMemTaskRepo()
	b := bus.New()
	mgr := task.New(tasks, b)

	sched := &store.Schedule{
		ID:        "s3",
		Kind:      store.ScheduleAt,
		NextRunMS: time.Now().Add(-time.Second).UnixMilli(),
		Enabled:   true,
		Template:  store.TaskTemplate{Subject: "tagged", Metadata: map[string]any{"custom": "x"}},
	}
	_ = schedules.Create(context.Background(), sched)

	r := New(schedules, mgr, b, WithPollInterval(10*time.Millisecond))
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, func() bool { return tasks.count() == 1 })

	var got *store.Task
	for _, tk := range tasksSnapshot(tasks) {
		got = tk
	}
	if got.Metadata["scheduleId"] != "s3" || got.Metadata["custom"] != "x" {
		t.Fatalf("expected metadata to carry scheduleId and template fields, got %+v", got.Metadata)
	}
}

func tasksSnapshot(m *memTaskRepo) map[string]*store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*store.Task, len(m.tasks))
	for k, v := range m.tasks {
		out[k] = v
	}
	return out
}

func TestRunner_StartStopIdempotent(t *testing.T) {
	schedules := newMemScheduleRepo()
	tasks := newMemTaskRepo()
	b := bus.New()
	mgr := task.New(tasks, b)

	r := New(schedules, mgr, b, WithPollInterval(10*time.Millisecond))
	r.Start(context.Background())
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}
