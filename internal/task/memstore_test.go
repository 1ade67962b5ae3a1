package task

import (
	"context"
	"sync"

	"github.com/orcfabric/fabric/internal/store"
)

// memStore is a minimal in-memory store.TaskRepo for exercising
// Manager without a database, mirroring the dependency-symmetry
// behavior of the sqlite/pg backends.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*store.Task)}
}

func clone(t *store.Task) *store.Task {
	cp := *t
	cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	cp.Blocks = append([]string(nil), t.Blocks...)
	return &cp
}

func (m *memStore) Create(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (m *memStore) Update(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *memStore) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Owner != "" && t.Owner != f.Owner {
			continue
		}
		if f.NotBlocked && len(t.BlockedBy) > 0 {
			continue
		}
		out = append(out, clone(t))
	}
	return out, nil
}

func (m *memStore) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskDeleted
	return nil
}

func (m *memStore) AddDependency(ctx context.Context, id, blockerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && !contains(t.BlockedBy, blockerID) {
		t.BlockedBy = append(t.BlockedBy, blockerID)
	}
	if t, ok := m.tasks[blockerID]; ok && !contains(t.Blocks, id) {
		t.Blocks = append(t.Blocks, id)
	}
	return nil
}

func (m *memStore) RemoveDependency(ctx context.Context, id, blockerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.BlockedBy = removeStr(t.BlockedBy, blockerID)
	}
	if t, ok := m.tasks[blockerID]; ok {
		t.Blocks = removeStr(t.Blocks, id)
	}
	return nil
}

func (m *memStore) ClearOwner(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Owner = ""
	}
	return nil
}

func (m *memStore) GetBlocked(ctx context.Context) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, t := range m.tasks {
		if len(t.BlockedBy) > 0 {
			out = append(out, clone(t))
		}
	}
	return out, nil
}

func removeStr(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

var _ store.TaskRepo = (*memStore)(nil)
