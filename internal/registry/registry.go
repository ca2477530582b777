// Package registry holds the broker's two pieces of shared, process-wide
// state (spec §3, §4.2): the slug→handler binding table (with its
// per-slug unforwarded queue) and the request-id→pending-record table.
// Both live behind one mutex, matching the "single engine mutex" option
// spec §5 offers instead of finer per-structure locks with an ordering
// discipline — simpler to reason about and sufficient at this scale.
package registry

import (
	"sync"
	"time"

	"github.com/relaybrk/relaybrk/internal/wire"
)

// Handler is the narrow view the registry needs of a control-channel
// session: enough to forward a request and to request a close, without
// the registry package knowing anything about WebSockets.
type Handler interface {
	// SendRequest attempts to forward req to the handler under requestID,
	// for the given slug. An error means the send could not be attempted
	// (session gone or backpressured past its bound) — the caller treats
	// this as a forwarding failure, not a session loss.
	SendRequest(requestID, slug string, req wire.CapturedRequest) error
	// Close asks the underlying session to close with reason as the
	// close-frame reason (spec §4.2 replacement protocol, §5 shutdown).
	Close(reason string)
	// ID identifies the handler for logging and for comparing "is this
	// still the same handler" without relying on pointer identity alone.
	ID() string
}

// Binding is the (slug, handler, bind time) tuple from spec §3.
type Binding struct {
	Slug    string
	Handler Handler
	BoundAt time.Time
}

// Record is a pending request awaiting a reply, a deadline, or
// cancellation (spec §3 "Captured request" / "Pending record").
type Record struct {
	ID       string
	Slug     string
	Deadline time.Time
	Born     time.Time

	// Captured is non-nil only while the record is queued and unforwarded;
	// it is cleared the instant the record is handed to a handler.
	Captured *wire.CapturedRequest

	// Handler is set once the record has been forwarded; nil while queued.
	Handler Handler

	// Reply is written to exactly once, by whichever actor wins the
	// atomic remove-by-id race (spec §4.1).
	Reply chan Outcome

	// Timer is the record's single deadline timer. It becomes reachable
	// from concurrent goroutines the moment the record is published via
	// EnqueueUnforwarded/InsertForwarded/MarkForwarded, so every read or
	// write of this field — arming, re-arming on drain, stopping on
	// completion — must go through Table.Arm/Table.StopTimer, which
	// serialize it under the same mutex that guards the queue and
	// forwarded indices. Never set or read it directly.
	Timer *time.Timer
}

// Outcome is the terminal verdict delivered to a waiting HTTP caller.
type Outcome struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	// Failure is true for any non-response completion (deadline, session
	// loss, send error, shutdown); Body is then a JSON {"error": "..."}
	// payload already rendered by the caller constructing the Outcome.
	Failure bool
}

// Table is the registry's concrete state.
type Table struct {
	mu        sync.Mutex
	bindings  map[string]*Binding
	queued    map[string][]*Record        // slug -> ordered unforwarded records
	forwarded map[string]map[string]*Record // slug -> {requestID: record}, forwarded only
	pending   map[string]*Record           // requestID -> record (all records, any state)
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		bindings:  make(map[string]*Binding),
		queued:    make(map[string][]*Record),
		forwarded: make(map[string]map[string]*Record),
		pending:   make(map[string]*Record),
	}
}

// CurrentHandler returns the handler currently bound to slug, if any.
func (t *Table) CurrentHandler(slug string) (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[slug]
	if !ok {
		return nil, false
	}
	return b.Handler, true
}

// SetBinding installs h as the current handler for slug, overwriting any
// prior binding. Callers implementing the replacement protocol (spec
// §4.2) must close the prior handler themselves *before* calling this,
// so that the old session's close is requested before the new binding
// becomes visible; a late response from the old session is then
// discarded as coming from a holder that is no longer current.
func (t *Table) SetBinding(slug string, h Handler, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[slug] = &Binding{Slug: slug, Handler: h, BoundAt: now}
}

// RemoveBindingIfCurrent removes slug's binding only if h is still the
// bound handler, returning whether it did. Used on session loss so a
// handler that already lost a race to a replacement never clobbers the
// new binding.
func (t *Table) RemoveBindingIfCurrent(slug string, h Handler) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[slug]
	if !ok || b.Handler.ID() != h.ID() {
		return false
	}
	delete(t.bindings, slug)
	return true
}

// EnqueueUnforwarded inserts rec into the pending table and the tail of
// slug's unforwarded queue (admission order, spec §4.2).
func (t *Table) EnqueueUnforwarded(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[rec.ID] = rec
	t.queued[rec.Slug] = append(t.queued[rec.Slug], rec)
}

// InsertForwarded inserts rec into the pending table as already-forwarded
// to h, with no queue membership.
func (t *Table) InsertForwarded(rec *Record, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Handler = h
	rec.Captured = nil
	t.pending[rec.ID] = rec
	bucket, ok := t.forwarded[rec.Slug]
	if !ok {
		bucket = make(map[string]*Record)
		t.forwarded[rec.Slug] = bucket
	}
	bucket[rec.ID] = rec
}

// PopQueueFront removes and returns the oldest unforwarded record for
// slug, if any. It does not touch the pending map — the caller decides
// whether the record becomes forwarded (MarkForwarded) or terminal
// (RemoveByID).
func (t *Table) PopQueueFront(slug string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queued[slug]
	if len(q) == 0 {
		return nil, false
	}
	rec := q[0]
	if len(q) == 1 {
		delete(t.queued, slug)
	} else {
		t.queued[slug] = q[1:]
	}
	return rec, true
}

// MarkForwarded transitions a just-dequeued record into the forwarded
// index under handler h. The record must already be present in pending
// (it is — EnqueueUnforwarded put it there and it was never removed).
func (t *Table) MarkForwarded(rec *Record, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Handler = h
	rec.Captured = nil
	bucket, ok := t.forwarded[rec.Slug]
	if !ok {
		bucket = make(map[string]*Record)
		t.forwarded[rec.Slug] = bucket
	}
	bucket[rec.ID] = rec
}

// RemoveByID is the single race-safe terminal path (spec §4.1): whichever
// caller wins removes the record from every index it might be in and
// gets ownership of its reply sink and timer; everyone else sees ok=false
// and must not touch the record again.
func (t *Table) RemoveByID(id string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)

	if bucket, ok := t.forwarded[rec.Slug]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(t.forwarded, rec.Slug)
		}
	}
	if q, ok := t.queued[rec.Slug]; ok {
		for i, r := range q {
			if r.ID == id {
				t.queued[rec.Slug] = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(t.queued[rec.Slug]) == 0 {
			delete(t.queued, rec.Slug)
		}
	}
	return rec, true
}

// CancelForwardedForHandler returns and removes, from the pending and
// forwarded indices, every record forwarded to h under slug. Queued
// (unforwarded) records for the slug are left untouched, per spec §4.1
// ("leave unforwarded queued records intact").
func (t *Table) CancelForwardedForHandler(slug string, h Handler) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket, ok := t.forwarded[slug]
	if !ok {
		return nil
	}
	var out []*Record
	for id, rec := range bucket {
		if rec.Handler != nil && rec.Handler.ID() == h.ID() {
			out = append(out, rec)
			delete(bucket, id)
			delete(t.pending, id)
		}
	}
	if len(bucket) == 0 {
		delete(t.forwarded, slug)
	}
	return out
}

// DrainAllForShutdown removes and returns every pending record, queued
// or forwarded, for shutdown cancellation (spec §5).
func (t *Table) DrainAllForShutdown() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.pending))
	for _, rec := range t.pending {
		out = append(out, rec)
	}
	t.pending = make(map[string]*Record)
	t.queued = make(map[string][]*Record)
	t.forwarded = make(map[string]map[string]*Record)
	return out
}

// AllBindingsForShutdown returns every current binding for shutdown close.
func (t *Table) AllBindingsForShutdown() []*Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	t.bindings = make(map[string]*Binding)
	return out
}

// PendingCount returns the current size of the pending table (spec §8
// invariant 4: succeeded+failed+pending == received).
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Arm installs rec's deadline timer, replacing any prior one. Locked
// under the same mutex as every map transition so a concurrent
// PopQueueFront/RemoveByID can never observe rec.Timer mid-write.
func (t *Table) Arm(rec *Record, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Timer = time.AfterFunc(d, fn)
}

// StopTimer stops rec's deadline timer, if any. Locked for the same
// reason as Arm — stopping must never race an in-flight re-arm.
func (t *Table) StopTimer(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.Timer != nil {
		rec.Timer.Stop()
	}
}

// ActiveSlugs returns the slugs with a current binding, for the status API.
func (t *Table) ActiveSlugs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.bindings))
	for s := range t.bindings {
		out = append(out, s)
	}
	return out
}
