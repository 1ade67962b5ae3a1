// Package router implements ChannelRouter: the binding between
// inbound channel messages and per-chat ChatSession instances, and
// between a ChatSession's replies and the channel that should deliver
// them. Grounded on the teacher's internal/channels/manager.go
// (register/start/stop-all channel lifecycle, outbound dispatch loop),
// generalized from the teacher's own message-bus dispatch to this
// module's ChatSession factory and typed EventBus.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/chat"
)

// InboundMessage is one message received from a Channel.
type InboundMessage struct {
	Channel  string
	SenderID string
	ChatID   string
	Content  string
	Media    []string
	PeerKind string // "direct" or "group"
}

// OutboundMessage is one reply to deliver through a Channel.
type OutboundMessage struct {
	ChatID  string
	Content string
}

// Channel is the contract every platform adapter (discord, telegram,
// ...) satisfies.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	IsAllowed(senderID string) bool
}

// SessionFactory builds a fresh chat.Session for one chat key. Injected
// so Router stays decoupled from the concrete Deps a caller wires up
// (provider, tools, classifier, swarm factory, ...).
type SessionFactory func(ctx context.Context, chatKey string) (*chat.Session, error)

const chatKeySep = ":"

func chatKey(channelName, chatID string) string {
	return channelName + chatKeySep + chatID
}

func splitChatKey(key string) (channelName, chatID string, ok bool) {
	idx := strings.Index(key, chatKeySep)
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// Router binds Channels to ChatSessions. One Router instance is
// process-wide; construct once via New.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	sessions map[string]*chat.Session

	bus            *bus.Bus
	sessionFactory SessionFactory

	off bus.Unsubscribe
}

func New(b *bus.Bus, sessionFactory SessionFactory) *Router {
	r := &Router{
		channels:       make(map[string]Channel),
		sessions:       make(map[string]*chat.Session),
		bus:            b,
		sessionFactory: sessionFactory,
	}
	r.off = b.On(bus.MessageSent, r.onMessageSent)
	return r
}

// RegisterChannel adds a Channel without starting it; call StartAll
// (or Start the channel yourself) afterward.
func (r *Router) RegisterChannel(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
}

// StartAll starts every registered channel, logging (not failing) on
// a per-channel start error so one misconfigured channel doesn't
// block the rest.
func (r *Router) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.channels {
		if err := c.Start(ctx); err != nil {
			slog.Error("router: channel start failed", "channel", name, "error", err)
		}
	}
}

// StopAll stops every registered channel and every live session.
func (r *Router) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.channels {
		if err := c.Stop(ctx); err != nil {
			slog.Error("router: channel stop failed", "channel", name, "error", err)
		}
	}
	for _, s := range r.sessions {
		s.Stop()
	}
	if r.off != nil {
		r.off()
	}
}

// HandleInbound is the entry point a Channel calls for each message it
// receives. It gets-or-creates the chat's Session and submits the
// content at normal priority; queue-depth admission (dropping once a
// chat's own backlog is full) is handled downstream by Session's
// Queue, not here.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) error {
	r.mu.RLock()
	c, known := r.channels[msg.Channel]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("router: unknown channel %q", msg.Channel)
	}
	if !c.IsAllowed(msg.SenderID) {
		slog.Warn("router: rejected sender not in allowlist", "channel", msg.Channel, "sender", msg.SenderID)
		return nil
	}

	key := chatKey(msg.Channel, msg.ChatID)
	sess, err := r.getOrCreateSession(ctx, key)
	if err != nil {
		return fmt.Errorf("router: session for %q: %w", key, err)
	}

	content := msg.Content
	sess.Submit(content, 0)
	r.bus.Emit(bus.Event{Name: bus.MessageReceived, Payload: msg})
	return nil
}

func (r *Router) getOrCreateSession(ctx context.Context, key string) (*chat.Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		return sess, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[key]; ok {
		return sess, nil
	}
	sess, err := r.sessionFactory(ctx, key)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = sess
	return sess, nil
}

// onMessageSent dispatches a ChatSession's reply back to the channel
// its chat key names. Unrelated chat keys (wrong separator, unknown
// channel) are ignored rather than erroring, since message:sent has
// other subscribers with different key shapes in the same process.
func (r *Router) onMessageSent(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]string)
	if !ok {
		return
	}
	key := payload["chatKey"]
	content := payload["content"]
	channelName, chatID, ok := splitChatKey(key)
	if !ok {
		return
	}

	r.mu.RLock()
	c, known := r.channels[channelName]
	r.mu.RUnlock()
	if !known {
		return
	}

	if err := c.Send(context.Background(), OutboundMessage{ChatID: chatID, Content: content}); err != nil {
		slog.Error("router: outbound send failed", "channel", channelName, "error", err)
	}
}

// Sessions returns a snapshot of live session keys, for diagnostics
// (e.g. the doctor CLI command).
func (r *Router) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}
