package task

import (
	"context"
	"strings"
	"testing"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
)

func newTestManager() (*Manager, *bus.Bus) {
	b := bus.New()
	return New(newMemStore(), b), b
}

func TestCreate_LinksBlockerInverse(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	blocker, err := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	if err != nil {
		t.Fatalf("create blocker: %v", err)
	}
	blocked, err := m.Create(ctx, &store.Task{ID: "b", Subject: "second", BlockedBy: []string{blocker.ID}})
	if err != nil {
		t.Fatalf("create blocked: %v", err)
	}
	if len(blocked.BlockedBy) != 1 || blocked.BlockedBy[0] != blocker.ID {
		t.Fatalf("expected blockedBy=[%s], got %v", blocker.ID, blocked.BlockedBy)
	}
	got, err := m.Get(ctx, blocker.ID)
	if err != nil {
		t.Fatalf("get blocker: %v", err)
	}
	if len(got.Blocks) != 1 || got.Blocks[0] != blocked.ID {
		t.Fatalf("expected blocker.blocks=[%s], got %v", blocked.ID, got.Blocks)
	}
}

func TestClaim_RefusesWhenBlocked(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	blocker, _ := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	blocked, _ := m.Create(ctx, &store.Task{ID: "b", Subject: "second", BlockedBy: []string{blocker.ID}})

	if _, err := m.Claim(ctx, blocked.ID, "alice"); err == nil {
		t.Fatal("expected claim to fail while blocked")
	}
}

func TestClaim_RefusesWhenOwnedByOther(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	task, _ := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	if _, err := m.Claim(ctx, task.ID, "alice"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := m.Claim(ctx, task.ID, "bob"); err == nil {
		t.Fatal("expected second claim by different owner to fail")
	}
}

func TestCompleteUnblocksDownstream(t *testing.T) {
	ctx := context.Background()
	m, b := newTestManager()

	var unblockedEvents []bus.TaskUpdatedPayload
	b.On(bus.TaskUpdated, func(e bus.Event) {
		if p, ok := e.Payload.(bus.TaskUpdatedPayload); ok {
			unblockedEvents = append(unblockedEvents, p)
		}
	})
	var completedFired bool
	b.On(bus.TaskCompleted, func(e bus.Event) { completedFired = true })

	blocker, _ := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	blocked, _ := m.Create(ctx, &store.Task{ID: "b", Subject: "second", BlockedBy: []string{blocker.ID}})

	completed := store.TaskCompleted
	if _, err := m.Update(ctx, blocker.ID, UpdateInput{Status: &completed}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !completedFired {
		t.Fatal("expected task:completed event")
	}

	got, err := m.Get(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.BlockedBy) != 0 {
		t.Fatalf("expected blocked task to be unblocked, got blockedBy=%v", got.BlockedBy)
	}

	found := false
	for _, e := range unblockedEvents {
		if e.TaskID == blocked.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected task:updated for the now-unblocked task")
	}
}

func TestUpdate_RefusesCompletionWhileBlocked(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	blocker, _ := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	blocked, _ := m.Create(ctx, &store.Task{ID: "b", Subject: "second", BlockedBy: []string{blocker.ID}})

	completed := store.TaskCompleted
	if _, err := m.Update(ctx, blocked.ID, UpdateInput{Status: &completed}); err == nil {
		t.Fatal("expected completion to be refused while blockedBy is non-empty")
	}

	got, err := m.Get(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status == store.TaskCompleted {
		t.Fatal("expected status to remain unchanged after a refused completion")
	}
}

func TestFailTruncatesAndIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	task, _ := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	longErr := strings.Repeat("x", maxFailureContextLen+500)

	got, err := m.Fail(ctx, task.ID, longErr)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if len(got.FailureContext) != maxFailureContextLen {
		t.Fatalf("expected failureContext truncated to %d, got %d", maxFailureContextLen, len(got.FailureContext))
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retryCount=1, got %d", got.RetryCount)
	}
	if got.Status != store.TaskFailed {
		t.Fatalf("expected status=failed, got %s", got.Status)
	}
}

func TestRetryPreservesFailureContextAndRetryCount(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	task, _ := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	if _, err := m.Claim(ctx, task.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := m.Fail(ctx, task.ID, "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}

	retried, err := m.Retry(ctx, failed.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != store.TaskPending {
		t.Fatalf("expected status=pending, got %s", retried.Status)
	}
	if retried.Owner != "" {
		t.Fatalf("expected owner cleared, got %q", retried.Owner)
	}
	if retried.FailureContext != "boom" {
		t.Fatalf("expected failureContext preserved, got %q", retried.FailureContext)
	}
	if retried.RetryCount != 1 {
		t.Fatalf("expected retryCount preserved at 1, got %d", retried.RetryCount)
	}
}

func TestRetryRefusesFromNonFailedStatus(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	task, _ := m.Create(ctx, &store.Task{ID: "a", Subject: "first"})
	if _, err := m.Retry(ctx, task.ID); err == nil {
		t.Fatal("expected retry from pending to fail")
	}
}
