package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/store"
	"github.com/orcfabric/fabric/internal/task"
)

// memTaskStore is a minimal store.TaskRepo fake, mirroring the shape
// used by internal/task's own tests, kept local since that package's
// fake is unexported.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newMemTaskStore() *memTaskStore { return &memTaskStore{tasks: make(map[string]*store.Task)} }

func (m *memTaskStore) Create(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskStore) Get(ctx context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskStore) Update(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskStore) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memTaskStore) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskDeleted
	return nil
}

func (m *memTaskStore) AddDependency(ctx context.Context, id, blockerID string) error { return nil }
func (m *memTaskStore) RemoveDependency(ctx context.Context, id, blockerID string) error { return nil }
func (m *memTaskStore) ClearOwner(ctx context.Context, id string) error                { return nil }
func (m *memTaskStore) GetBlocked(ctx context.Context) ([]*store.Task, error)          { return nil, nil }

var _ store.TaskRepo = (*memTaskStore)(nil)

func newTestDialogTools() *dialogToolExecutor {
	b := bus.New()
	tm := task.New(newMemTaskStore(), b)
	sess := &Session{chatKey: "chat-1", deps: Deps{Tasks: tm, Bus: b}}
	return &dialogToolExecutor{session: sess, base: fakeBaseTools{}}
}

type fakeBaseTools struct{}

func (fakeBaseTools) Definitions() []llm.ToolDefinition { return nil }

func (fakeBaseTools) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	return "", fmt.Errorf("fakeBaseTools: unexpected call to %q", name)
}

func TestDialogTools_DelegateThenList(t *testing.T) {
	d := newTestDialogTools()
	ctx := context.Background()

	out, err := d.delegateTask(ctx, map[string]interface{}{"description": "draft the quarterly report"})
	if err != nil {
		t.Fatalf("delegate_task: %v", err)
	}
	if !strings.Contains(out, "taskId") {
		t.Fatalf("expected taskId in output, got %q", out)
	}

	listed, err := d.listTasks(ctx, map[string]interface{}{})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if !strings.Contains(listed, "draft the quarterly report") {
		t.Fatalf("expected created task in list output, got %q", listed)
	}
}

func TestDialogTools_DelegateRequiresFields(t *testing.T) {
	d := newTestDialogTools()
	if _, err := d.delegateTask(context.Background(), map[string]interface{}{}); err == nil {
		t.Fatal("expected error when description is missing")
	}
}

func TestDialogTools_CancelTaskFallsBackToTaskUpdate(t *testing.T) {
	d := newTestDialogTools()
	ctx := context.Background()
	out, err := d.delegateTask(ctx, map[string]interface{}{"description": "d"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil || created.TaskID == "" {
		t.Fatalf("expected taskId in delegate output, got %q", out)
	}

	cancelled, err := d.cancelTask(ctx, map[string]interface{}{"taskId": created.TaskID})
	if err != nil {
		t.Fatalf("cancel_task: %v", err)
	}
	if !strings.Contains(cancelled, `"via":"task"`) {
		t.Fatalf("expected cancel via task update, got %q", cancelled)
	}

	listed, _ := d.listTasks(ctx, map[string]interface{}{})
	if !strings.Contains(listed, "\"id\"") {
		t.Fatalf("expected id field in listed tasks, got %q", listed)
	}
}
