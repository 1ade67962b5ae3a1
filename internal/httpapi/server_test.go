package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gorilla/websocket"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/metrics"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHandleHealthz_ReportsOKWhenStoreReachable(t *testing.T) {
	b := bus.New()
	s := New(testDB(t), metrics.New(b, 10), b)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", body)
	}
}

func TestHandleHealthz_ReportsUnavailableWhenStoreClosed(t *testing.T) {
	b := bus.New()
	db := testDB(t)
	db.Close()
	s := New(db, metrics.New(b, 10), b)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.handleHealthz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleMetrics_ReturnsCollectorSummary(t *testing.T) {
	b := bus.New()
	collector := metrics.New(b, 10)
	collector.RecordAgent(metrics.AgentMetrics{TokensUsed: 42, ToolUses: 3, Success: true})
	s := New(testDB(t), collector, b)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.handleMetrics(rec, req)

	var summary metrics.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if summary.TotalTokens != 42 || summary.TotalToolUses != 3 || summary.AgentCount != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestHandleEvents_ReplaysBufferedThenStreamsLive(t *testing.T) {
	b := bus.New()
	s := New(testDB(t), metrics.New(b, 10), b)
	s.subscribe()
	defer s.Stop()

	b.Emit(bus.Event{Name: bus.TaskCreated, Payload: "buffered-one"})

	srv := httptest.NewServer(http.HandlerFunc(s.handleEvents))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first bus.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if first.Name != bus.TaskCreated {
		t.Fatalf("expected replayed task:created event, got %+v", first)
	}

	go b.Emit(bus.Event{Name: bus.ScheduleFired, Payload: "live-one"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second bus.Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if second.Name != bus.ScheduleFired {
		t.Fatalf("expected live schedule:fired event, got %+v", second)
	}
}

func TestStop_IsIdempotentWhenNeverStarted(t *testing.T) {
	b := bus.New()
	s := New(testDB(t), metrics.New(b, 10), b)
	s.Stop()
	s.Stop()

	_ = context.Background()
}
