package bgtask

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orcfabric/fabric/internal/bus"
)

func TestSpawn_RewritesDescriptionOnRetry(t *testing.T) {
	var gotDesc string
	var mu sync.Mutex
	run := func(ctx context.Context, description string, onChunk func(string)) (string, error) {
		mu.Lock()
		gotDesc = description
		mu.Unlock()
		return "ok", nil
	}
	r := New(bus.New(), run)

	done := make(chan struct{})
	_, err := r.Spawn(context.Background(), "do the thing", "chat-1", func(id, text string, success bool) {
		close(done)
	}, SpawnOpts{FailureContext: "null reference", RetryCount: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(gotDesc, "Previous attempt failed: null reference. This is attempt 2.") {
		t.Fatalf("expected retry-rewritten description, got %q", gotDesc)
	}
	if !strings.HasSuffix(gotDesc, "do the thing") {
		t.Fatalf("expected original description preserved at the end, got %q", gotDesc)
	}
}

func TestSpawn_NoRewriteOnFirstAttempt(t *testing.T) {
	var gotDesc string
	run := func(ctx context.Context, description string, onChunk func(string)) (string, error) {
		gotDesc = description
		return "ok", nil
	}
	r := New(bus.New(), run)
	done := make(chan struct{})
	_, err := r.Spawn(context.Background(), "do the thing", "chat-1", func(id, text string, success bool) { close(done) }, SpawnOpts{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-done
	if gotDesc != "do the thing" {
		t.Fatalf("expected untransformed description, got %q", gotDesc)
	}
}

func TestSpawn_EnforcesMaxPerChat(t *testing.T) {
	block := make(chan struct{})
	run := func(ctx context.Context, description string, onChunk func(string)) (string, error) {
		<-block
		return "ok", nil
	}
	r := New(bus.New(), run).WithLimits(2, defaultProgressThrottleMS, defaultCleanupDelayMS)
	defer close(block)

	for i := 0; i < 2; i++ {
		if _, err := r.Spawn(context.Background(), "task", "chat-1", nil, SpawnOpts{}); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	if _, err := r.Spawn(context.Background(), "task", "chat-1", nil, SpawnOpts{}); err == nil {
		t.Fatal("expected third spawn to be refused")
	}
}

func TestCancel_MarksTaskCancelled(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, description string, onChunk func(string)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	r := New(bus.New(), run)

	var success bool
	var text string
	done := make(chan struct{})
	id, err := r.Spawn(context.Background(), "task", "chat-1", func(_, t string, s bool) {
		text, success = t, s
		close(done)
	}, SpawnOpts{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-started

	if ok := r.Cancel(id); !ok {
		t.Fatal("expected cancel to succeed")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion after cancel")
	}
	if success {
		t.Fatal("expected success=false after cancellation")
	}
	if text != "Task cancelled" {
		t.Fatalf("expected text 'Task cancelled', got %q", text)
	}
}

func TestCancel_UnknownIDReturnsFalse(t *testing.T) {
	r := New(bus.New(), func(ctx context.Context, description string, onChunk func(string)) (string, error) {
		return "ok", nil
	})
	if r.Cancel("does-not-exist") {
		t.Fatal("expected cancel of unknown id to return false")
	}
}
