package swarm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcfabric/fabric/internal/bus"
)

// SwarmMessage is one inter-agent envelope routed by a MessageBus.
type SwarmMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"` // empty for a broadcast
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// MessageBus maintains a per-agent inbox and a registered-agent set for
// one swarm run.
type MessageBus struct {
	mu        sync.Mutex
	bus       *bus.Bus
	swarmID   string
	inboxes   map[string][]SwarmMessage
	registered map[string]bool
}

func NewMessageBus(b *bus.Bus, swarmID string) *MessageBus {
	return &MessageBus{
		bus:        b,
		swarmID:    swarmID,
		inboxes:    make(map[string][]SwarmMessage),
		registered: make(map[string]bool),
	}
}

func (m *MessageBus) Register(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[agentID] = true
	if _, ok := m.inboxes[agentID]; !ok {
		m.inboxes[agentID] = nil
	}
}

func (m *MessageBus) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, agentID)
	delete(m.inboxes, agentID)
}

func (m *MessageBus) normalize(msg SwarmMessage) SwarmMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}

// Send delivers msg to its named recipient, rejecting unknown ones.
func (m *MessageBus) Send(msg SwarmMessage) error {
	msg = m.normalize(msg)
	m.mu.Lock()
	if !m.registered[msg.To] {
		m.mu.Unlock()
		return fmt.Errorf("swarm: unknown recipient %q", msg.To)
	}
	m.inboxes[msg.To] = append(m.inboxes[msg.To], msg)
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Emit(bus.Event{Name: bus.SwarmMessage, Payload: map[string]any{"swarmId": m.swarmID, "message": msg}})
	}
	return nil
}

// Broadcast delivers content to every registered agent except from,
// returning the count of recipients.
func (m *MessageBus) Broadcast(from, content, msgType string) int {
	m.mu.Lock()
	recipients := make([]string, 0, len(m.registered))
	for agentID := range m.registered {
		if agentID != from {
			recipients = append(recipients, agentID)
		}
	}
	msg := m.normalize(SwarmMessage{From: from, Content: content, Type: msgType})
	for _, agentID := range recipients {
		msg := msg
		msg.To = agentID
		m.inboxes[agentID] = append(m.inboxes[agentID], msg)
	}
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Emit(bus.Event{Name: bus.SwarmBroadcast, Payload: map[string]any{"swarmId": m.swarmID, "from": from, "recipients": len(recipients)}})
	}
	return len(recipients)
}

// GetMessages drains and returns agentID's inbox.
func (m *MessageBus) GetMessages(agentID string) []SwarmMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.inboxes[agentID]
	m.inboxes[agentID] = nil
	return msgs
}

func (m *MessageBus) HasMessages(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inboxes[agentID]) > 0
}

func (m *MessageBus) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.inboxes {
		m.inboxes[k] = nil
	}
}
