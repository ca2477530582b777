package observability

import (
	"encoding/json"
	"log/slog"
)

// DashboardClient is the narrow view the hub needs of an attached
// dashboard session — just enough to hand it a frame, non-blocking.
type DashboardClient interface {
	// Send enqueues frame for delivery and reports whether it was
	// accepted. A false return means the client is being dropped for
	// being too slow; the hub already unregisters it in that case.
	Send(frame []byte) bool
}

// Hub fans observability broadcasts out to every attached dashboard
// session. A single goroutine owns the connection set — no locks are
// needed on it, matching the teacher's wsHub (internal/dashboard/websocket.go).
type Hub struct {
	clients      map[DashboardClient]bool
	broadcastCh  chan []byte
	registerCh   chan DashboardClient
	unregisterCh chan DashboardClient
}

// NewHub creates a Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[DashboardClient]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan DashboardClient),
		unregisterCh: make(chan DashboardClient),
	}
}

// Run is the hub's event loop. Blocks until stopped by closing done.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case c := <-h.registerCh:
			h.clients[c] = true

		case c := <-h.unregisterCh:
			delete(h.clients, c)

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				if !c.Send(msg) {
					delete(h.clients, c)
				}
			}

		case <-done:
			return
		}
	}
}

// Attach registers c to receive future broadcasts.
func (h *Hub) Attach(c DashboardClient) { h.registerCh <- c }

// Detach unregisters c.
func (h *Hub) Detach(c DashboardClient) { h.unregisterCh <- c }

// Broadcast implements Fanout: it marshals payload under the given frame
// type tag and pushes it to the hub's goroutine, dropping it silently if
// the hub is backed up — dashboard delivery is always best-effort (spec
// §4.7, §9 "observability is best-effort").
func (h *Hub) Broadcast(frameType string, payload any) {
	envelope := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: frameType, Data: payload}

	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("observability: failed to marshal broadcast frame", "error", err)
		return
	}
	select {
	case h.broadcastCh <- data:
	default:
	}
}
