package dispatch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/relaybrk/relaybrk/internal/observability"
	"github.com/relaybrk/relaybrk/internal/registry"
	"github.com/relaybrk/relaybrk/internal/wire"
)

// fakeClock gives tests a controllable Now(); deadline timers still fire
// on real time, so timeout tests use short real deadlines.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeHandler is a registry.Handler whose SendRequest is driven by tests
// rather than a real WebSocket.
type fakeHandler struct {
	mu       sync.Mutex
	id       string
	sendErr  error
	received []fakeSend
	closedAs string
}

type fakeSend struct {
	requestID string
	slug      string
	req       wire.CapturedRequest
}

func (f *fakeHandler) SendRequest(requestID, slug string, req wire.CapturedRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.received = append(f.received, fakeSend{requestID, slug, req})
	return nil
}

func (f *fakeHandler) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAs = reason
}

func (f *fakeHandler) ID() string { return f.id }

func (f *fakeHandler) lastRequestID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) == 0 {
		return ""
	}
	return f.received[len(f.received)-1].requestID
}

func newEngine(clock *fakeClock) *Engine {
	table := registry.New()
	sink := observability.New(nil, nil)
	return New(table, sink, clock, Config{ForwardDeadline: 150 * time.Second, QueueWaitDeadline: 30 * time.Second})
}

func TestHappyPathForwardAndRespond(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	h := &fakeHandler{id: "h1"}

	if err := e.OnRegistration(h, "svc-a"); err != nil {
		t.Fatal(err)
	}

	done := make(chan registry.Outcome, 1)
	go func() {
		done <- e.Submit("svc-a", wire.CapturedRequest{Method: "GET", URL: "/svc-a"})
	}()

	// Wait for the send to land, then reply as the handler would.
	var reqID string
	for i := 0; i < 1000 && reqID == ""; i++ {
		reqID = h.lastRequestID()
		if reqID == "" {
			time.Sleep(time.Millisecond)
		}
	}
	if reqID == "" {
		t.Fatal("handler never received the forwarded request")
	}

	e.OnResponse(h, "svc-a", reqID, wire.StructuredResponse{StatusCode: 201, Headers: map[string]string{"Content-Type": "text/plain"}, Body: "ok"})

	outcome := <-done
	if outcome.StatusCode != 201 || outcome.Body != "ok" || outcome.Failure {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestQueueThenBind(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)

	done := make(chan registry.Outcome, 1)
	go func() {
		done <- e.Submit("svc-b", wire.CapturedRequest{Method: "POST", URL: "/svc-b", Body: `{"x":1}`})
	}()

	time.Sleep(10 * time.Millisecond) // let Submit reach the queue

	h := &fakeHandler{id: "h1"}
	if err := e.OnRegistration(h, "svc-b"); err != nil {
		t.Fatal(err)
	}

	reqID := h.lastRequestID()
	if reqID == "" {
		t.Fatal("registration should have drained the queue immediately")
	}
	e.OnResponse(h, "svc-b", reqID, wire.StructuredResponse{StatusCode: 200, Body: `{"ok":true}`})

	outcome := <-done
	if outcome.StatusCode != 200 || outcome.Body != `{"ok":true}` {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestQueueTimeout(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	e.cfg.QueueWaitDeadline = 10 * time.Millisecond

	outcome := e.Submit("svc-c", wire.CapturedRequest{Method: "GET", URL: "/svc-c"})
	if outcome.StatusCode != 504 || !outcome.Failure {
		t.Fatalf("expected 504 timeout, got %+v", outcome)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(outcome.Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "No WebSocket client connected within timeout" {
		t.Fatalf("unexpected error message: %q", body["error"])
	}
}

func TestHandlerLostMidFlight(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	h := &fakeHandler{id: "h1"}
	if err := e.OnRegistration(h, "svc-d"); err != nil {
		t.Fatal(err)
	}

	done := make(chan registry.Outcome, 1)
	go func() { done <- e.Submit("svc-d", wire.CapturedRequest{Method: "GET", URL: "/svc-d"}) }()

	var reqID string
	for i := 0; i < 1000 && reqID == ""; i++ {
		reqID = h.lastRequestID()
		if reqID == "" {
			time.Sleep(time.Millisecond)
		}
	}

	e.OnSessionLoss(h, []string{"svc-d"})

	outcome := <-done
	if outcome.StatusCode != 503 || !outcome.Failure {
		t.Fatalf("expected 503, got %+v", outcome)
	}
}

func TestReplacementClosesOldAndForwardsToNew(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	a := &fakeHandler{id: "a"}
	b := &fakeHandler{id: "b"}

	if err := e.OnRegistration(a, "svc-e"); err != nil {
		t.Fatal(err)
	}
	if err := e.OnRegistration(b, "svc-e"); err != nil {
		t.Fatal(err)
	}
	if a.closedAs != "replaced" {
		t.Fatalf("expected a closed with reason 'replaced', got %q", a.closedAs)
	}

	done := make(chan registry.Outcome, 1)
	go func() { done <- e.Submit("svc-e", wire.CapturedRequest{Method: "GET", URL: "/svc-e"}) }()

	var reqID string
	for i := 0; i < 1000 && reqID == ""; i++ {
		reqID = b.lastRequestID()
		if reqID == "" {
			time.Sleep(time.Millisecond)
		}
	}
	if reqID == "" {
		t.Fatal("expected the new handler b to receive the forwarded request")
	}
	if len(a.received) != 0 {
		t.Fatal("old handler a must not receive requests after replacement")
	}

	e.OnResponse(b, "svc-e", reqID, wire.StructuredResponse{})
	outcome := <-done
	if outcome.StatusCode != 200 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestStaleResponseFromReplacedSessionIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	a := &fakeHandler{id: "a"}
	b := &fakeHandler{id: "b"}

	if err := e.OnRegistration(a, "svc-f"); err != nil {
		t.Fatal(err)
	}

	done := make(chan registry.Outcome, 1)
	go func() { done <- e.Submit("svc-f", wire.CapturedRequest{Method: "GET", URL: "/svc-f"}) }()

	var reqID string
	for i := 0; i < 1000 && reqID == ""; i++ {
		reqID = a.lastRequestID()
		if reqID == "" {
			time.Sleep(time.Millisecond)
		}
	}

	// b replaces a before a's (late) response arrives.
	if err := e.OnRegistration(b, "svc-f"); err != nil {
		t.Fatal(err)
	}

	// a's late response must be discarded, not delivered.
	e.OnResponse(a, "svc-f", reqID, wire.StructuredResponse{StatusCode: 200, Body: "late"})

	select {
	case outcome := <-done:
		t.Fatalf("request should still be pending (forwarded to a, not completed by stale response), got %+v", outcome)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestShutdownCancelsAllPending(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	h := &fakeHandler{id: "h1"}
	if err := e.OnRegistration(h, "svc-g"); err != nil {
		t.Fatal(err)
	}

	done := make(chan registry.Outcome, 1)
	go func() { done <- e.Submit("svc-g", wire.CapturedRequest{Method: "GET", URL: "/svc-g"}) }()

	for i := 0; i < 1000 && h.lastRequestID() == ""; i++ {
		time.Sleep(time.Millisecond)
	}

	e.Shutdown()

	outcome := <-done
	if outcome.StatusCode != 503 {
		t.Fatalf("expected 503 on shutdown, got %+v", outcome)
	}
	if h.closedAs != "server shutting down" {
		t.Fatalf("expected handler closed for shutdown, got %q", h.closedAs)
	}
}

func TestReservedSlugRejectedAtRegistration(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	h := &fakeHandler{id: "h1"}
	if err := e.OnRegistration(h, "status"); err == nil {
		t.Fatal("expected reserved slug registration to be rejected")
	}
}
