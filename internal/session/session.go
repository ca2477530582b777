// Package session implements the control-channel session (spec.md §4.4):
// a single WebSocket connection from a remote handler, decoded into
// registration/response/dashboard-attach frames and dispatched against
// the engine. A Session is the registry.Handler the dispatch engine holds
// for a bound slug.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaybrk/relaybrk/internal/observability"
	"github.com/relaybrk/relaybrk/internal/registry"
	"github.com/relaybrk/relaybrk/internal/wire"
)

// sendTimeout bounds how long a single frame write may block before the
// session gives up on it (spec §4.4: "the session must never block the
// dispatch engine").
const sendTimeout = 2 * time.Second

// Engine is the subset of dispatch.Engine a session needs. Declared here
// (not imported from dispatch) so this package has no dependency on the
// engine's own internals, only on the contract it calls back into.
type Engine interface {
	OnRegistration(h registry.Handler, slug string) error
	OnResponse(session registry.Handler, slug, requestID string, resp wire.StructuredResponse)
	OnSessionLoss(h registry.Handler, registeredSlugs []string)
}

// Fanout is the subset of observability.Hub a dashboard-attached session
// needs.
type Fanout interface {
	Attach(c observability.DashboardClient)
	Detach(c observability.DashboardClient)
}

// Conn is the narrow view of *websocket.Conn the session needs, so tests
// can drive the read/write pumps against a fake without a real socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// closeWriteTimeout bounds how long the close handshake's control frame
// write may block.
const closeWriteTimeout = 2 * time.Second

// Session wraps one control-channel WebSocket connection. It satisfies
// registry.Handler.
type Session struct {
	id   string
	conn Conn
	send chan []byte

	engine Engine
	fanout Fanout

	mu              sync.Mutex
	registeredSlugs map[string]bool
	closed          bool
}

// New wraps c as a Session driven by engine, with dashboard broadcasts
// routed through fanout.
func New(c Conn, engine Engine, fanout Fanout) *Session {
	return &Session{
		id:              uuid.NewString(),
		conn:            c,
		send:            make(chan []byte, 64),
		engine:          engine,
		fanout:          fanout,
		registeredSlugs: make(map[string]bool),
	}
}

// ID returns the session's opaque identity, used by the engine to tell
// a current binding holder apart from a replaced one.
func (s *Session) ID() string { return s.id }

// SendRequest frames req as a forwarded-request egress message (spec
// §4.4) and enqueues it for the write pump. Returns an error if the send
// channel is full or the connection is already closed — the caller
// (dispatch engine) treats that as a forwarding failure.
func (s *Session) SendRequest(requestID, slug string, req wire.CapturedRequest) error {
	frame, err := wire.Encode(wire.ForwardedRequest{
		Slug:      slug,
		RequestID: requestID,
		Request:   req,
	})
	if err != nil {
		return fmt.Errorf("encoding forwarded request: %w", err)
	}
	return s.enqueue(frame)
}

// Close sends an RFC 6455 close frame with code "normal closure" and the
// given reason (spec.md: "closed with code 'normal', reason ..." for both
// the replaced-session and server-shutdown paths), then tears down the
// connection. Safe to call multiple times and from any goroutine (spec: a
// session is terminal on "any close event").
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(closeWriteTimeout))
	close(s.send)
	_ = s.conn.Close()
}

// enqueue pushes frame onto the write pump without blocking the caller
// past sendTimeout.
func (s *Session) enqueue(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.id)
	}
	s.mu.Unlock()

	select {
	case s.send <- frame:
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("session %s send timed out", s.id)
	}
}

// Run drives the session's write pump and read loop until the
// connection closes, then reports the loss to the engine. Blocks until
// the session ends; callers run it in its own goroutine per connection.
func (s *Session) Run() {
	done := make(chan struct{})
	go s.writePump(done)
	s.readLoop()
	close(done)
	s.onClosed()
}

func (s *Session) writePump(done <-chan struct{}) {
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	ingress, err := wire.DecodeIngress(data)
	if err != nil {
		s.replyInvalid()
		return
	}

	switch ingress.Kind {
	case wire.KindRegistration:
		s.handleRegistration(ingress.Slug)
	case wire.KindResponse:
		s.engine.OnResponse(s, ingress.Slug, ingress.RequestID, ingress.Response)
	case wire.KindDashboardAttach:
		if s.fanout != nil {
			s.fanout.Attach(s)
		}
	default:
		s.replyInvalid()
	}
}

func (s *Session) handleRegistration(slug string) {
	if err := s.engine.OnRegistration(s, slug); err != nil {
		hint, encErr := wire.Encode(wire.NewErrorHint(err.Error()))
		if encErr == nil {
			_ = s.enqueue(hint)
		}
		return
	}

	s.mu.Lock()
	s.registeredSlugs[slug] = true
	s.mu.Unlock()

	ack, err := wire.Encode(wire.NewRegisteredAck(slug))
	if err != nil {
		slog.Error("encoding registration ack failed", "error", err)
		return
	}
	_ = s.enqueue(ack)
}

func (s *Session) replyInvalid() {
	hint, err := wire.Encode(wire.NewErrorHint("Invalid message format"))
	if err != nil {
		return
	}
	_ = s.enqueue(hint)
}

func (s *Session) onClosed() {
	s.mu.Lock()
	s.closed = true
	slugs := make([]string, 0, len(s.registeredSlugs))
	for slug := range s.registeredSlugs {
		slugs = append(slugs, slug)
	}
	s.mu.Unlock()

	if s.fanout != nil {
		s.fanout.Detach(s)
	}
	s.engine.OnSessionLoss(s, slugs)
}

// Send implements the dashboard hub's client contract — a non-blocking
// push used by the hub's broadcast fan-out.
func (s *Session) Send(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}
