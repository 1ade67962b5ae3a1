// Package httpapi exposes a read-only HTTP surface: liveness,
// aggregate metrics, and a WebSocket event replay/stream. Grounded on
// internal/gateway/server.go's Server (ServeMux assembly,
// websocket.Upgrader, graceful shutdown via http.Server.Shutdown), far
// narrower in scope since this surface never accepts client commands —
// the gateway's RPC method router, pairing/auth, and managed-mode CRUD
// handlers have no counterpart here.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/metrics"
)

const defaultEventRingSize = 200

// every event name a fresh /events subscriber should see replayed.
var trackedEvents = []string{
	bus.MessageReceived, bus.MessageSent,
	bus.SubagentSpawn, bus.SubagentComplete, bus.SubagentTimeout, bus.SubagentStream,
	bus.BGTaskDelegated, bus.BGTaskProgress, bus.BGTaskCompleted,
	bus.ApprovalRequestEvt, bus.ApprovalDecisionEvt, bus.ApprovalTimeoutEvt,
	bus.TaskCreated, bus.TaskUpdated, bus.TaskCompleted, bus.TaskBlocked,
	bus.TaskVerificationPassed, bus.TaskVerificationFailed,
	bus.SwarmMessage, bus.SwarmBroadcast, bus.SwarmAgentComplete, bus.SwarmAgentFail,
	bus.MetricsAgent, bus.MetricsSwarm,
	bus.ScheduleFired, bus.ConfigReloaded,
}

// Server is the read-only diagnostic HTTP surface.
type Server struct {
	db         *sql.DB
	collector  *metrics.Collector
	bus        *bus.Bus
	ringSize   int
	upgrader   websocket.Upgrader

	mu   sync.Mutex
	ring []bus.Event
	offs []bus.Unsubscribe

	httpServer *http.Server
}

type Option func(*Server)

func WithRingSize(n int) Option {
	return func(s *Server) { s.ringSize = n }
}

func New(db *sql.DB, collector *metrics.Collector, b *bus.Bus, opts ...Option) *Server {
	s := &Server{
		db:        db,
		collector: collector,
		bus:       b,
		ringSize:  defaultEventRingSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the EventBus and begins serving addr. Blocks
// until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.subscribe()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/events", s.handleEvents)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("httpapi starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	return nil
}

// Stop unsubscribes from the EventBus. Safe to call even if Start was
// never invoked.
func (s *Server) Stop() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func (s *Server) subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offs != nil {
		return
	}
	for _, name := range trackedEvents {
		eventName := name
		off := s.bus.On(eventName, func(ev bus.Event) { s.record(ev) })
		s.offs = append(s.offs, off)
	}
}

func (s *Server) record(ev bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append(s.ring, ev)
	if len(s.ring) > s.ringSize {
		s.ring = s.ring[len(s.ring)-s.ringSize:]
	}
}

func (s *Server) snapshot() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.Event, len(s.ring))
	copy(out, s.ring)
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status = "store unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary := s.collector.GetSummary()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

// handleEvents upgrades to a WebSocket connection, replays the
// buffered event ring, then streams newly-emitted events as they
// occur until the connection closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("httpapi: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for _, ev := range s.snapshot() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	live := make(chan bus.Event, 64)
	var liveOffs []bus.Unsubscribe
	for _, name := range trackedEvents {
		off := s.bus.On(name, func(ev bus.Event) {
			select {
			case live <- ev:
			default:
			}
		})
		liveOffs = append(liveOffs, off)
	}
	defer func() {
		for _, off := range liveOffs {
			off()
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-live:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
