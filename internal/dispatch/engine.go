// Package dispatch implements the broker's dispatch engine (spec §4.1),
// the core orchestrator: admission has already happened by the time
// Submit is called (validation, rate limiting, and body capture are the
// HTTP ingress adapter's job — see internal/httpapi); this package owns
// forwarding, queueing, completion, and the replacement/loss/shutdown
// lifecycles that spec §4.1-§4.3 describe.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaybrk/relaybrk/internal/ids"
	"github.com/relaybrk/relaybrk/internal/observability"
	"github.com/relaybrk/relaybrk/internal/registry"
	"github.com/relaybrk/relaybrk/internal/validate"
	"github.com/relaybrk/relaybrk/internal/wire"
)

// Config holds the engine's two fixed deadlines (spec glossary).
type Config struct {
	ForwardDeadline   time.Duration
	QueueWaitDeadline time.Duration
}

// DefaultConfig matches spec §4.1/§4.3's literal values.
func DefaultConfig() Config {
	return Config{
		ForwardDeadline:   150 * time.Second,
		QueueWaitDeadline: 30 * time.Second,
	}
}

// Engine is the broker's single long-lived dispatch object (spec §9
// "global engine state" — exposed as an explicit handle, not a package
// global).
type Engine struct {
	table *registry.Table
	sink  *observability.Sink
	clock ids.Clock
	cfg   Config

	mu           sync.Mutex
	shuttingDown bool
}

// New creates an Engine over table and sink using cfg's deadlines.
func New(table *registry.Table, sink *observability.Sink, clock ids.Clock, cfg Config) *Engine {
	return &Engine{table: table, sink: sink, clock: clock, cfg: cfg}
}

// Submit admits an already-validated request for slug and blocks until
// the remote handler replies, a deadline fires, the handler is lost, or
// shutdown cancels it (spec §4.1's "submit" contract).
func (e *Engine) Submit(slug string, captured wire.CapturedRequest) registry.Outcome {
	now := e.clock.Now()
	e.sink.RecordReceived()

	if e.isShuttingDown() {
		return e.terminal(nil, failureOutcome(503, "shutdown in progress"), now)
	}

	id := ids.NewRequestID()

	if h, ok := e.table.CurrentHandler(slug); ok {
		rec := &registry.Record{
			ID:       id,
			Slug:     slug,
			Born:     now,
			Deadline: now.Add(e.cfg.ForwardDeadline),
			Reply:    make(chan registry.Outcome, 1),
		}
		e.table.InsertForwarded(rec, h)
		if err := h.SendRequest(id, slug, captured); err != nil {
			e.table.RemoveByID(id)
			e.sink.Log(observability.SeverityError, fmt.Sprintf("send to handler for slug %s failed: %v", slug, err), now)
			return e.terminal(rec, failureOutcome(500, "failed to forward request to handler"), e.clock.Now())
		}
		e.arm(rec, e.cfg.ForwardDeadline)
		return <-rec.Reply
	}

	capturedCopy := captured
	rec := &registry.Record{
		ID:       id,
		Slug:     slug,
		Born:     now,
		Deadline: now.Add(e.cfg.QueueWaitDeadline),
		Captured: &capturedCopy,
		Reply:    make(chan registry.Outcome, 1),
	}
	e.table.EnqueueUnforwarded(rec)
	e.arm(rec, e.cfg.QueueWaitDeadline)
	return <-rec.Reply
}

// OnRegistration binds h to slug, closing and replacing any prior
// handler (spec §4.2 replacement protocol) and then drains the slug's
// unforwarded queue against the new binding (spec §4.3).
func (e *Engine) OnRegistration(h registry.Handler, slug string) error {
	if err := validate.Slug(slug); err != nil {
		return err
	}

	now := e.clock.Now()
	if old, hadOld := e.table.CurrentHandler(slug); hadOld {
		old.Close("replaced")
	}
	e.table.SetBinding(slug, h, now)
	e.sink.Log(observability.SeverityControl, fmt.Sprintf("handler %s registered for slug %s", h.ID(), slug), now)
	e.drainQueue(slug, h)
	return nil
}

// drainQueue forwards every queued record for slug, in admission order,
// stopping at the first send failure (spec §4.2, §4.3).
func (e *Engine) drainQueue(slug string, h registry.Handler) {
	for {
		rec, ok := e.table.PopQueueFront(slug)
		if !ok {
			return
		}
		e.table.StopTimer(rec)

		now := e.clock.Now()
		captured := *rec.Captured
		rec.Deadline = now.Add(e.cfg.ForwardDeadline)
		e.table.MarkForwarded(rec, h)

		if err := h.SendRequest(rec.ID, slug, captured); err != nil {
			e.table.RemoveByID(rec.ID)
			e.sink.Log(observability.SeverityError, fmt.Sprintf("drain forward for slug %s failed: %v", slug, err), now)
			e.terminal(rec, failureOutcome(500, "failed to forward queued request to handler"), now)
			return
		}
		e.arm(rec, e.cfg.ForwardDeadline)
	}
}

// OnResponse delivers resp to the pending record requestID, but only if
// session is still the current binding holder for slug — a response
// from a session that has since been replaced is discarded and logged
// (spec §4.1).
func (e *Engine) OnResponse(session registry.Handler, slug, requestID string, resp wire.StructuredResponse) {
	now := e.clock.Now()

	current, ok := e.table.CurrentHandler(slug)
	if !ok || current.ID() != session.ID() {
		e.sink.Log(observability.SeverityError, fmt.Sprintf("discarding response for slug %s: session is not the current binding holder", slug), now)
		return
	}

	rec, ok := e.table.RemoveByID(requestID)
	if !ok {
		e.sink.Log(observability.SeverityError, fmt.Sprintf("discarding response for unknown or already-completed request %s", requestID), now)
		return
	}
	if rec.Slug != slug {
		e.sink.Log(observability.SeverityError, fmt.Sprintf("discarding response for request %s: slug mismatch", requestID), now)
		return
	}

	e.terminal(rec, registry.Outcome{
		StatusCode: resp.StatusOrDefault(),
		Headers:    resp.Headers,
		Body:       resp.Body,
	}, now)
}

// OnSessionLoss removes every binding still held by h and fails every
// record already forwarded through it with 503; queued-but-unforwarded
// records for the same slugs are left intact (spec §4.1).
func (e *Engine) OnSessionLoss(h registry.Handler, registeredSlugs []string) {
	now := e.clock.Now()
	for _, slug := range registeredSlugs {
		if e.table.RemoveBindingIfCurrent(slug, h) {
			e.sink.Log(observability.SeverityControl, fmt.Sprintf("handler %s lost, slug %s unbound", h.ID(), slug), now)
		}
		for _, rec := range e.table.CancelForwardedForHandler(slug, h) {
			e.terminal(rec, failureOutcome(503, "No active WebSocket client for this slug"), now)
		}
	}
}

// Shutdown cancels every pending record with 503 and closes every open
// binding with reason "server shutting down" (spec §5).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.shuttingDown = true
	e.mu.Unlock()

	now := e.clock.Now()
	for _, b := range e.table.AllBindingsForShutdown() {
		b.Handler.Close("server shutting down")
	}
	for _, rec := range e.table.DrainAllForShutdown() {
		e.terminal(rec, failureOutcome(503, "shutdown in progress"), now)
	}
}

// PendingCount exposes the registry's live pending count for stats
// (spec §3 invariant: received = succeeded + failed + pending).
func (e *Engine) PendingCount() int { return e.table.PendingCount() }

// ActiveSlugs exposes the currently-bound slugs for the status API.
func (e *Engine) ActiveSlugs() []string { return e.table.ActiveSlugs() }

func (e *Engine) isShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

// arm installs rec's deadline timer. Every pending record owns exactly
// one timer at a time (spec §9); onDeadline races RemoveByID against
// every other terminal path and only the winner completes the record.
// The timer itself is armed through the registry table so its field
// access is serialized with the queue/forwarded-index transitions that
// publish rec to other goroutines (spec §9 "single engine mutex").
func (e *Engine) arm(rec *registry.Record, d time.Duration) {
	e.table.Arm(rec, d, func() { e.onDeadline(rec.ID) })
}

func (e *Engine) onDeadline(id string) {
	rec, ok := e.table.RemoveByID(id)
	if !ok {
		return // another path already won the race.
	}
	now := e.clock.Now()
	if rec.Captured != nil {
		e.terminal(rec, failureOutcome(504, "No WebSocket client connected within timeout"), now)
		return
	}
	e.terminal(rec, failureOutcome(504, "No response received before deadline"), now)
}

// terminal stops rec's timer (if any), records the completion, and
// delivers outcome to the waiting caller exactly once. rec is nil only
// for the pre-admission shutdown-in-progress path, which has no record
// or timer; it is still counted as a completion (with zero latency) so
// that received = succeeded + failed + pending holds.
func (e *Engine) terminal(rec *registry.Record, outcome registry.Outcome, now time.Time) registry.Outcome {
	if rec == nil {
		e.sink.RecordCompletion(!outcome.Failure, 0, now)
		return outcome
	}
	e.table.StopTimer(rec)
	e.sink.RecordCompletion(!outcome.Failure, now.Sub(rec.Born), now)
	rec.Reply <- outcome
	return outcome
}

func failureOutcome(status int, msg string) registry.Outcome {
	return registry.Outcome{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error":%q}`, msg),
		Failure:    true,
	}
}
