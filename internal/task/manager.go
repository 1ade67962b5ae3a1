// Package task implements TaskManager: the authoritative API over the
// Task entity, maintaining the blockedBy/blocks dependency graph's
// bidirectional integrity. Grounded on the teacher's
// internal/store/pg/teams_tasks.go conditional-UPDATE claim/complete
// pattern, generalized from "team tasks" to the spec's single-owner
// Task lifecycle.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
)

const maxFailureContextLen = 2000

func nowMS() int64 { return time.Now().UnixMilli() }

// Manager is the process-wide TaskManager singleton.
type Manager struct {
	store store.TaskRepo
	bus   *bus.Bus
}

func New(s store.TaskRepo, b *bus.Bus) *Manager {
	return &Manager{store: s, bus: b}
}

// Create inserts a task with status=pending, then links each
// blockedBy entry's inverse `blocks` set via AddDependency (which
// maintains both sides transactionally in the store layer).
func (m *Manager) Create(ctx context.Context, t *store.Task) (*store.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	blockedBy := t.BlockedBy
	now := nowMS()
	t.Status = store.TaskPending
	t.BlockedBy = []string{}
	t.Blocks = []string{}
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("task: create: %w", err)
	}
	for _, blockerID := range blockedBy {
		if err := m.store.AddDependency(ctx, t.ID, blockerID); err != nil {
			return nil, fmt.Errorf("task: create: link blocker %s: %w", blockerID, err)
		}
	}
	if len(blockedBy) > 0 {
		refreshed, err := m.store.Get(ctx, t.ID)
		if err == nil {
			t = refreshed
		}
	}
	m.bus.Emit(bus.Event{Name: bus.TaskCreated, Payload: t})
	return t, nil
}

// UpdateInput is a field-by-field diff plus dependency-graph edits.
// AddBlockedBy/RemoveBlockedBy name ids that block this task;
// AddBlocks/RemoveBlocks name ids this task blocks. Every edit
// synchronously updates the inverse side on the other task.
type UpdateInput struct {
	Subject         *string
	Description     *string
	ActiveForm      *string
	Status          *store.TaskStatus
	Owner           *string
	Metadata        map[string]any
	TimeBudgetMS    *int64
	VerifyCommand   *string
	AddBlockedBy    []string
	RemoveBlockedBy []string
	AddBlocks       []string
	RemoveBlocks    []string
}

func (m *Manager) Update(ctx context.Context, id string, in UpdateInput) (*store.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var changed []string
	wasBlocked := len(t.BlockedBy) > 0
	prevStatus := t.Status

	if in.Subject != nil {
		t.Subject = *in.Subject
		changed = append(changed, "subject")
	}
	if in.Description != nil {
		t.Description = *in.Description
		changed = append(changed, "description")
	}
	if in.ActiveForm != nil {
		t.ActiveForm = *in.ActiveForm
		changed = append(changed, "activeForm")
	}
	if in.Status != nil {
		t.Status = *in.Status
		changed = append(changed, "status")
	}
	if in.Owner != nil {
		t.Owner = *in.Owner
		changed = append(changed, "owner")
	}
	if in.Metadata != nil {
		t.Metadata = in.Metadata
		changed = append(changed, "metadata")
	}
	if in.TimeBudgetMS != nil {
		t.TimeBudgetMS = in.TimeBudgetMS
		changed = append(changed, "timeBudgetMs")
	}
	if in.VerifyCommand != nil {
		t.VerifyCommand = *in.VerifyCommand
		changed = append(changed, "verifyCommand")
	}

	depsTouched := false
	for _, blockerID := range in.AddBlockedBy {
		if err := m.store.AddDependency(ctx, t.ID, blockerID); err != nil {
			return nil, err
		}
		depsTouched = true
	}
	for _, blockerID := range in.RemoveBlockedBy {
		if err := m.store.RemoveDependency(ctx, t.ID, blockerID); err != nil {
			return nil, err
		}
		depsTouched = true
	}
	for _, blockedID := range in.AddBlocks {
		if err := m.store.AddDependency(ctx, blockedID, t.ID); err != nil {
			return nil, err
		}
		depsTouched = true
	}
	for _, blockedID := range in.RemoveBlocks {
		if err := m.store.RemoveDependency(ctx, blockedID, t.ID); err != nil {
			return nil, err
		}
		depsTouched = true
	}
	if depsTouched {
		refreshed, err := m.store.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.BlockedBy = refreshed.BlockedBy
		t.Blocks = refreshed.Blocks
		changed = append(changed, "blockedBy", "blocks")
	}

	if prevStatus != store.TaskCompleted && t.Status == store.TaskCompleted && len(t.BlockedBy) > 0 {
		return nil, fmt.Errorf("task: %s cannot complete while still blocked by %v", t.ID, t.BlockedBy)
	}

	t.UpdatedAt = nowMS()
	if err := m.store.Update(ctx, t); err != nil {
		return nil, err
	}

	m.bus.Emit(bus.Event{Name: bus.TaskUpdated, Payload: bus.TaskUpdatedPayload{TaskID: t.ID, ChangedFields: changed}})

	if prevStatus != store.TaskCompleted && t.Status == store.TaskCompleted {
		m.bus.Emit(bus.Event{Name: bus.TaskCompleted, Payload: t})
		if err := m.checkUnblockedTasks(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	if !wasBlocked && len(t.BlockedBy) > 0 {
		m.bus.Emit(bus.Event{Name: bus.TaskBlocked, Payload: t})
	}
	return t, nil
}

// checkUnblockedTasks drops completedID from every still-blocked
// task's blockedBy set and publishes task:updated for each task it
// changes, whether or not other blockers remain.
func (m *Manager) checkUnblockedTasks(ctx context.Context, completedID string) error {
	blocked, err := m.store.GetBlocked(ctx)
	if err != nil {
		return err
	}
	for _, bt := range blocked {
		if !contains(bt.BlockedBy, completedID) {
			continue
		}
		if err := m.store.RemoveDependency(ctx, bt.ID, completedID); err != nil {
			return err
		}
		m.bus.Emit(bus.Event{Name: bus.TaskUpdated, Payload: bus.TaskUpdatedPayload{TaskID: bt.ID, ChangedFields: []string{"blockedBy"}}})
	}
	return nil
}

// Claim transitions a pending, unblocked task to in_progress under
// owner. Refuses a task already owned by someone else or still blocked.
func (m *Manager) Claim(ctx context.Context, id, owner string) (*store.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Owner != "" && t.Owner != owner {
		return nil, fmt.Errorf("task: %s already owned by %s", id, t.Owner)
	}
	if len(t.BlockedBy) > 0 {
		return nil, fmt.Errorf("task: %s still blocked by %v", id, t.BlockedBy)
	}
	status := store.TaskInProgress
	return m.Update(ctx, id, UpdateInput{Status: &status, Owner: &owner})
}

// Fail marks a task failed, truncating the error into failureContext
// and incrementing retryCount.
func (m *Manager) Fail(ctx context.Context, id, errMsg string) (*store.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(errMsg) > maxFailureContextLen {
		errMsg = errMsg[:maxFailureContextLen]
	}
	t.Status = store.TaskFailed
	t.FailureContext = errMsg
	t.RetryCount++
	t.UpdatedAt = nowMS()
	if err := m.store.Update(ctx, t); err != nil {
		return nil, err
	}
	m.bus.Emit(bus.Event{Name: bus.TaskUpdated, Payload: bus.TaskUpdatedPayload{TaskID: id, ChangedFields: []string{"status", "failureContext", "retryCount"}}})
	return t, nil
}

// Retry is only legal from failed; it clears owner and returns to
// pending while preserving failureContext and retryCount.
func (m *Manager) Retry(ctx context.Context, id string) (*store.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskFailed {
		return nil, fmt.Errorf("task: %s cannot retry from status %s", id, t.Status)
	}
	if err := m.store.ClearOwner(ctx, id); err != nil {
		return nil, err
	}
	t.Status = store.TaskPending
	t.Owner = ""
	t.UpdatedAt = nowMS()
	if err := m.store.Update(ctx, t); err != nil {
		return nil, err
	}
	m.bus.Emit(bus.Event{Name: bus.TaskUpdated, Payload: bus.TaskUpdatedPayload{TaskID: id, ChangedFields: []string{"status", "owner"}}})
	return t, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*store.Task, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	return m.store.List(ctx, f)
}

func (m *Manager) SoftDelete(ctx context.Context, id string) error {
	return m.store.SoftDelete(ctx, id)
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
