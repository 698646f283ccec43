// Package streaming is the live operator/dashboard feed over
// gorilla/websocket: every committed assignment, every run overridden by a
// stale-host eviction, and every task left without a candidate is
// broadcast to connected clients as it happens, plus a "ping" event every
// 30 seconds. Refusals and assign-timeout overrides are not broadcast.
// Grounded on FluxForge's ws_hub.go single-broadcaster-goroutine pattern
// (Run owns the data writes to every client, instead of a writer goroutine
// per connection; each connection's handler only sends ping control
// frames), adapted from its
// per-tenant metrics fan-out to a single global feed — koji's scheduler
// core has no tenant partitioning.
package streaming

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koji-project/hub/internal/observability"
)

const maxConnections = 200

// Event is one entry broadcast to every connected client.
type Event struct {
	Type    string      `json:"type"` // "assigned", "overridden", "no_candidates", "ping"
	TS      time.Time   `json:"ts"`
	Payload interface{} `json:"payload"`
}

type registration struct {
	conn *websocket.Conn
}

// Hub fans scheduler events out to connected dashboard clients.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan registration
	unregister chan *websocket.Conn
	events     chan Event
	mu         sync.RWMutex
}

// NewHub constructs an idle Hub; call Run to start its broadcast loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 256),
	}
}

// Run owns every client write; it must be the only goroutine that calls
// conn.WriteJSON, so registering and unregistering go through channels
// rather than touching h.clients directly from other goroutines.
func (h *Hub) Run(ctx context.Context) {
	upkeep := time.NewTicker(30 * time.Second)
	defer upkeep.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("streaming: connection rejected, at max (%d)", maxConnections)
				continue
			}
			h.clients[reg.conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("streaming: client registered, total %d", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)

		case <-upkeep.C:
			h.broadcast(Event{Type: "ping", TS: time.Now()})
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			observability.EventPublishFailures.WithLabelValues("dashboard_feed", "write").Inc()
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register admits a new client connection into the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- registration{conn: conn} }

// Unregister removes and closes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Publish enqueues an event for the next broadcast. Never blocks the
// caller: a full buffer drops the event and counts it as a publish
// failure, since the scheduling tick must never stall on a slow client.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		observability.EventPublishFailures.WithLabelValues("dashboard_feed", "buffer_full").Inc()
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
