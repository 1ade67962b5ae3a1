package swarm

import (
	"testing"

	"github.com/orcfabric/fabric/internal/bus"
)

func TestMessageBus_SendRejectsUnknownRecipient(t *testing.T) {
	mb := NewMessageBus(bus.New(), "swarm-1")
	mb.Register("a")
	if err := mb.Send(SwarmMessage{From: "a", To: "ghost", Content: "hi"}); err == nil {
		t.Fatal("expected send to unknown recipient to error")
	}
}

func TestMessageBus_SendAndDrain(t *testing.T) {
	mb := NewMessageBus(bus.New(), "swarm-1")
	mb.Register("a")
	mb.Register("b")
	if err := mb.Send(SwarmMessage{From: "a", To: "b", Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !mb.HasMessages("b") {
		t.Fatal("expected b to have a pending message")
	}
	msgs := mb.GetMessages("b")
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("expected one drained message 'hello', got %v", msgs)
	}
	if mb.HasMessages("b") {
		t.Fatal("expected inbox to be empty after drain")
	}
}

func TestMessageBus_BroadcastExcludesSender(t *testing.T) {
	mb := NewMessageBus(bus.New(), "swarm-1")
	mb.Register("a")
	mb.Register("b")
	mb.Register("c")
	n := mb.Broadcast("a", "status update", "info")
	if n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
	if mb.HasMessages("a") {
		t.Fatal("sender should not receive its own broadcast")
	}
	if !mb.HasMessages("b") || !mb.HasMessages("c") {
		t.Fatal("expected both other agents to receive the broadcast")
	}
}

func TestMessageBus_ClearEmptiesAllInboxes(t *testing.T) {
	mb := NewMessageBus(bus.New(), "swarm-1")
	mb.Register("a")
	mb.Register("b")
	mb.Broadcast("a", "x", "")
	mb.Clear()
	if mb.HasMessages("b") {
		t.Fatal("expected Clear to empty all inboxes")
	}
}

func TestMessageBus_UnregisterRemovesAgent(t *testing.T) {
	mb := NewMessageBus(bus.New(), "swarm-1")
	mb.Register("a")
	mb.Register("b")
	mb.Unregister("b")
	if err := mb.Send(SwarmMessage{From: "a", To: "b", Content: "x"}); err == nil {
		t.Fatal("expected send to unregistered agent to error")
	}
}
