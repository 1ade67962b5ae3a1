package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orcfabric/fabric/internal/store"
)

func collectHandled(n int) (Handler, func() []string) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, n)
	h := func(ctx context.Context, content string) {
		mu.Lock()
		got = append(got, content)
		mu.Unlock()
		done <- struct{}{}
	}
	wait := func() []string {
		for i := 0; i < n; i++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]string{}, got...)
	}
	return h, wait
}

func TestQueueMode_FIFOProcessesInOrder(t *testing.T) {
	h, wait := collectHandled(3)
	q := NewQueue(context.Background(), store.QueueModeQueue, h, nil)
	q.Submit("a", 0)
	q.Submit("b", 0)
	q.Submit("c", 0)
	got := wait()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected fifo order a,b,c, got %v", got)
	}
}

func TestQueueMode_PriorityOrdersHigherFirst(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 3)
	h := func(ctx context.Context, content string) {
		if content == "first" {
			<-block // hold the worker so the next two submits queue up behind it
		}
		mu.Lock()
		got = append(got, content)
		mu.Unlock()
		done <- struct{}{}
	}
	q := NewQueue(context.Background(), store.QueueModeQueue, h, nil)
	q.Submit("first", 0)
	time.Sleep(20 * time.Millisecond) // ensure "first" is already being handled
	q.Submit("low", 1)
	q.Submit("high", 5)
	close(block)

	for i := 0; i < 3; i++ {
		<-done
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "first" || got[1] != "high" || got[2] != "low" {
		t.Fatalf("expected first,high,low, got %v", got)
	}
}

func TestQueueMode_InterruptCallsInterruptFunc(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	interrupted := make(chan struct{}, 1)
	h := func(ctx context.Context, content string) {
		if content == "long-running" {
			close(started)
			<-release
			return
		}
	}
	interrupt := func() {
		interrupted <- struct{}{}
		close(release)
	}
	q := NewQueue(context.Background(), store.QueueModeInterrupt, h, interrupt)
	q.Submit("long-running", 0)
	<-started
	q.Submit("override", 0)

	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Fatal("expected interrupt to fire")
	}
}

func TestQueueMode_CollectJoinsBatch(t *testing.T) {
	var mu sync.Mutex
	var got string
	done := make(chan struct{})
	h := func(ctx context.Context, content string) {
		mu.Lock()
		got = content
		mu.Unlock()
		close(done)
	}
	q := NewQueue(context.Background(), store.QueueModeCollect, h, nil)
	q.collectWindowMS = 30
	q.Submit("one", 0)
	q.Submit("two", 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for collected batch")
	}
	mu.Lock()
	defer mu.Unlock()
	if got != "one\ntwo" {
		t.Fatalf("expected joined batch, got %q", got)
	}
}

func TestQueueMode_SteerDeliversWithoutDroppingInFlight(t *testing.T) {
	h, wait := collectHandled(2)
	q := NewQueue(context.Background(), store.QueueModeSteer, h, nil)
	q.Submit("a", 0)
	q.Submit("b", 0)
	got := wait()
	if len(got) != 2 {
		t.Fatalf("expected both messages handled, got %v", got)
	}
}
