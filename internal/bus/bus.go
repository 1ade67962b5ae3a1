// Package bus implements the typed, in-process publish/subscribe event
// bus every other component communicates through. Grounded stylistically
// on the teacher's internal/bus/types.go (same Event naming, slog use)
// but implementing the full on/emit/unsubscribe/listenerCount contract
// the teacher's coarser EventPublisher/MessageRouter interfaces lack.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one published occurrence; Payload shape is part of the event's
// contract (see the event catalog in events.go).
type Event struct {
	Name    string
	Payload any
}

// Handler processes one Event. Handlers must not block the bus for
// extended periods — spawn a goroutine for heavy work.
type Handler func(Event)

// Unsubscribe detaches a previously registered handler.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed event bus; both subscription and Emit are synchronous.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]subscription
	nextID    uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[string][]subscription)}
}

// On subscribes handler to event, returning an Unsubscribe handle.
// Handlers are invoked in subscription order.
func (b *Bus) On(event string, handler Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[event] = append(b.listeners[event], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[event]
		for i, s := range subs {
			if s.id == id {
				b.listeners[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit fans Event out to every subscriber of event.Name, in subscription
// order. Handler panics/errors are caught and logged, never propagated
// to the caller. Emit itself runs synchronously on the calling goroutine;
// callers on hot paths that don't need completion should invoke it via
// `go bus.Emit(...)`.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.listeners[event.Name]))
	copy(subs, b.listeners[event.Name])
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s.handler, event)
	}
}

func (b *Bus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", e.Name, "panic", r)
		}
	}()
	h(e)
}

// ListenerCount returns the number of subscribers currently on event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// RemoveAllListeners clears subscribers for event, or every event when
// event is empty.
func (b *Bus) RemoveAllListeners(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == "" {
		b.listeners = make(map[string][]subscription)
		return
	}
	delete(b.listeners, event)
}

// Publisher is the narrow interface components depend on so they can be
// tested against a fake bus.
type Publisher interface {
	Emit(Event)
}

var _ Publisher = (*Bus)(nil)
