// Package approval implements ApprovalManager: a hybrid in-memory
// promise plus durable checkpoint gate on privileged actions. Grounded
// on the teacher's conditional-UPDATE claim pattern
// (internal/store/pg/teams_tasks.go) for the persist-then-race shape,
// generalized to a dedicated approval queue per spec §4.3.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
)

// DefaultTimeoutMS is the spec's documented approval timeout default.
const DefaultTimeoutMS = 120_000

type pending struct {
	resultCh chan store.ApprovalDecision
	timer    *time.Timer
}

// Manager is the process-wide ApprovalManager singleton. Construct once
// via New and access it everywhere else via the returned pointer —
// there is no package-level global; callers wire it through their own
// root composition, per the spec's "no process globals" design note.
type Manager struct {
	mu         sync.Mutex
	pendingMap map[string]*pending
	store      store.ApprovalRepo
	bus        *bus.Bus
	timeoutMS  int64
}

func New(s store.ApprovalRepo, b *bus.Bus, timeoutMS int64) *Manager {
	if timeoutMS <= 0 {
		timeoutMS = DefaultTimeoutMS
	}
	return &Manager{
		pendingMap: make(map[string]*pending),
		store:      s,
		bus:        b,
		timeoutMS:  timeoutMS,
	}
}

// RequestApproval persists a pending ApprovalRequest, publishes
// approval:request, and blocks until resolved or the request's own
// timeout elapses. Returns store.DecisionNone on timeout or ctx
// cancellation; a timeout is recorded on the stored request and
// announced with approval:timeout.
func (m *Manager) RequestApproval(ctx context.Context, command string, reqCtx map[string]any) (store.ApprovalDecision, error) {
	id := uuid.NewString()
	now := time.Now().UnixMilli()
	req := &store.ApprovalRequest{
		ID:          id,
		Command:     command,
		Context:     reqCtx,
		CreatedAtMS: now,
		ExpiresAtMS: now + m.timeoutMS,
		Decision:    store.DecisionNone,
	}
	if err := m.store.Create(ctx, req); err != nil {
		return store.DecisionNone, err
	}

	resultCh := make(chan store.ApprovalDecision, 1)
	p := &pending{resultCh: resultCh}
	p.timer = time.AfterFunc(time.Duration(m.timeoutMS)*time.Millisecond, func() {
		m.timeoutRequest(context.Background(), id)
	})

	m.mu.Lock()
	m.pendingMap[id] = p
	m.mu.Unlock()

	m.bus.Emit(bus.Event{Name: bus.ApprovalRequestEvt, Payload: req})

	select {
	case decision := <-resultCh:
		return decision, nil
	case <-ctx.Done():
		return store.DecisionNone, ctx.Err()
	}
}

func (m *Manager) timeoutRequest(ctx context.Context, id string) {
	m.mu.Lock()
	p, ok := m.pendingMap[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pendingMap, id)
	m.mu.Unlock()

	req, err := m.store.Get(ctx, id)
	if err != nil || req == nil {
		slog.Error("approval timeout: load failed", "id", id, "error", err)
		p.resultCh <- store.DecisionNone
		return
	}
	if req.Decision != store.DecisionNone {
		// Already resolved between the timer firing and this goroutine
		// acquiring the lock; nothing to do.
		return
	}
	now := time.Now().UnixMilli()
	req.Decision = store.DecisionTimeout
	req.DecidedAtMS = &now
	if err := m.store.Update(ctx, req); err != nil {
		slog.Error("approval timeout: persist failed", "id", id, "error", err)
	}
	m.bus.Emit(bus.Event{Name: bus.ApprovalTimeoutEvt, Payload: req})
	p.resultCh <- store.DecisionNone
}

// ResolveApproval resolves a pending request. Idempotent on unknown ids.
func (m *Manager) ResolveApproval(ctx context.Context, id string, decision store.ApprovalDecision, decidedBy string) error {
	m.mu.Lock()
	p, ok := m.pendingMap[id]
	if !ok {
		m.mu.Unlock()
		slog.Info("resolveApproval: no in-memory entry, ignoring", "id", id)
		return nil
	}
	delete(m.pendingMap, id)
	m.mu.Unlock()
	p.timer.Stop()

	req, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		p.resultCh <- store.DecisionNone
		return nil
	}
	now := time.Now().UnixMilli()
	req.Decision = decision
	req.DecidedAtMS = &now
	req.DeciderID = decidedBy
	if err := m.store.Update(ctx, req); err != nil {
		return err
	}
	m.bus.Emit(bus.Event{Name: bus.ApprovalDecisionEvt, Payload: req})
	p.resultCh <- decision
	return nil
}

// RecoverPending runs at startup: every expired-or-orphaned pending row
// is marked timeout so a crash never leaves an in-memory waiter
// deadlocked forever.
func (m *Manager) RecoverPending(ctx context.Context) error {
	now := time.Now().UnixMilli()
	expired, err := m.store.GetExpired(ctx, now)
	if err != nil {
		return err
	}
	pendingRows, err := m.store.GetPending(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	toTimeout := map[string]*store.ApprovalRequest{}
	for _, r := range expired {
		toTimeout[r.ID] = r
	}
	for _, r := range pendingRows {
		if _, inMemory := m.pendingMap[r.ID]; !inMemory {
			toTimeout[r.ID] = r
		}
	}
	m.mu.Unlock()

	for _, req := range toTimeout {
		req.Decision = store.DecisionTimeout
		req.DecidedAtMS = &now
		if err := m.store.Update(ctx, req); err != nil {
			slog.Error("recoverPending: persist failed", "id", req.ID, "error", err)
			continue
		}
		m.bus.Emit(bus.Event{Name: bus.ApprovalTimeoutEvt, Payload: req})
	}
	return nil
}

// Shutdown cancels all timers and resolves every outstanding promise
// with DecisionNone, leaving their DB rows pending — an operator who
// restarts the process will see RecoverPending write timeout for them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pendingMap {
		p.timer.Stop()
		p.resultCh <- store.DecisionNone
		delete(m.pendingMap, id)
	}
}
