// Package chat implements MessageQueue (four delivery modes) and
// ChatSession (the dialog loop wrapper). Grounded on the teacher's
// internal/sessions/manager.go serialized-per-session processing model,
// generalized to the spec's four explicit queue modes.
package chat

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/orcfabric/fabric/internal/store"
)

const defaultMaxQueueSize = 100
const defaultCollectWindowMS = 5_000

// Handler processes one inbound message (or, in collect mode, a joined
// batch) to completion.
type Handler func(ctx context.Context, content string)

// InterruptFunc cooperatively aborts whatever the handler is currently
// doing, analogous to Loop.Interrupt.
type InterruptFunc func()

// Queue owns queueing semantics for a single session: exactly one
// worker goroutine is ever active at a time, however the mode routes
// new arrivals.
type Queue struct {
	mu           sync.Mutex
	mode         store.QueueMode
	items        *list.List // ordered store.QueuedMessage, front = next to process
	processing   bool
	collectTimer *time.Timer
	collectBuf   []string
	maxQueueSize int
	collectWindowMS int64

	handler   Handler
	interrupt InterruptFunc
	ctx       context.Context
	cancelCtx context.CancelFunc
}

func NewQueue(ctx context.Context, mode store.QueueMode, handler Handler, interrupt InterruptFunc) *Queue {
	qctx, cancel := context.WithCancel(ctx)
	return &Queue{
		mode:            mode,
		items:           list.New(),
		maxQueueSize:    defaultMaxQueueSize,
		collectWindowMS: defaultCollectWindowMS,
		handler:         handler,
		interrupt:       interrupt,
		ctx:             qctx,
		cancelCtx:       cancel,
	}
}

// Submit routes content according to the queue's mode.
func (q *Queue) Submit(content string, priority int) {
	switch q.mode {
	case store.QueueModeSteer:
		q.submitSteer(content, priority)
	case store.QueueModeInterrupt:
		q.submitInterrupt(content, priority)
	case store.QueueModeCollect:
		q.submitCollect(content)
	default: // store.QueueModeQueue and any unrecognized mode fall back to FIFO+priority
		q.submitQueue(content, priority)
	}
}

// submitSteer delivers immediately as extra context when a handler is
// already running; otherwise it enqueues and starts processing.
func (q *Queue) submitSteer(content string, priority int) {
	q.mu.Lock()
	if q.processing {
		// "Additional context on top of the ongoing loop" — appended as
		// a fresh queue entry so the running handler's next iteration
		// picks it up once it drains the queue, without dropping
		// anything already in flight.
		q.enqueueLocked(content, priority)
		q.mu.Unlock()
		return
	}
	q.enqueueLocked(content, priority)
	q.mu.Unlock()
	go q.drain()
}

// submitInterrupt drops the current queue and makes content the sole
// front item, invoking the interrupt callback if a handler is running.
func (q *Queue) submitInterrupt(content string, priority int) {
	q.mu.Lock()
	wasProcessing := q.processing
	q.items.Init()
	q.enqueueLocked(content, priority)
	q.mu.Unlock()

	if wasProcessing && q.interrupt != nil {
		q.interrupt()
	}
	go q.drain()
}

// submitQueue inserts by priority desc, dropping the oldest entry if at
// capacity, then processes serially.
func (q *Queue) submitQueue(content string, priority int) {
	q.mu.Lock()
	if q.items.Len() >= q.maxQueueSize {
		oldest := q.items.Front()
		for e := oldest.Next(); e != nil; e = e.Next() {
			if e.Value.(store.QueuedMessage).QueuedAt < oldest.Value.(store.QueuedMessage).QueuedAt {
				oldest = e
			}
		}
		q.items.Remove(oldest)
	}
	q.enqueueLocked(content, priority)
	q.mu.Unlock()
	go q.drain()
}

func (q *Queue) enqueueLocked(content string, priority int) {
	msg := store.QueuedMessage{Content: content, Priority: priority, QueuedAt: time.Now().UnixMilli()}
	inserted := false
	for e := q.items.Front(); e != nil; e = e.Next() {
		existing := e.Value.(store.QueuedMessage)
		if priority > existing.Priority {
			q.items.InsertBefore(msg, e)
			inserted = true
			break
		}
	}
	if !inserted {
		q.items.PushBack(msg)
	}
}

// submitCollect buffers content and (re)starts an idle timer; the
// buffer is handed to the handler as one joined batch once the timer
// fires with no further arrivals, never on a sliding basis.
func (q *Queue) submitCollect(content string) {
	q.mu.Lock()
	q.collectBuf = append(q.collectBuf, content)
	if q.collectTimer != nil {
		q.collectTimer.Stop()
	}
	q.collectTimer = time.AfterFunc(time.Duration(q.collectWindowMS)*time.Millisecond, q.flushCollect)
	q.mu.Unlock()
}

func (q *Queue) flushCollect() {
	q.mu.Lock()
	batch := q.collectBuf
	q.collectBuf = nil
	q.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	joined := batch[0]
	for _, m := range batch[1:] {
		joined += "\n" + m
	}
	q.runHandler(joined)
}

// drain processes the queue front-to-back until empty. Only one worker
// goroutine runs at a time — drain is re-entrant-safe via the
// processing flag.
func (q *Queue) drain() {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		front := q.items.Front()
		if front == nil {
			q.processing = false
			q.mu.Unlock()
			return
		}
		q.items.Remove(front)
		q.mu.Unlock()

		msg := front.Value.(store.QueuedMessage)
		if q.handler != nil {
			q.handler(q.ctx, msg.Content)
		}
	}
}

func (q *Queue) runHandler(content string) {
	q.mu.Lock()
	q.processing = true
	q.mu.Unlock()
	if q.handler != nil {
		q.handler(q.ctx, content)
	}
	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
}

// Stop cancels the queue's context and clears pending/buffered state.
func (q *Queue) Stop() {
	q.cancelCtx()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Init()
	q.collectBuf = nil
	if q.collectTimer != nil {
		q.collectTimer.Stop()
	}
}
