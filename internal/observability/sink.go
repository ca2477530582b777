// Package observability implements the broker's observability sink
// (spec §3, §4.7): a bounded in-memory log ring, cumulative/aggregated
// statistics, and a best-effort fan-out to attached dashboard sessions.
// A SQLite-backed LogStore (log_store.go) implements the out-of-scope
// "log persistence" collaborator named in spec.md §1 — purely additive,
// never read by the engine.
package observability

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Severity is one of the closed set of tags from spec §3.
type Severity string

const (
	SeverityHTTP     Severity = "http"
	SeverityControl  Severity = "control"
	SeveritySecurity Severity = "security"
	SeverityServer   Severity = "server"
	SeverityError    Severity = "error"
)

// RingCapacity is the bounded ring's fixed size (spec §3).
const RingCapacity = 1000

// DefaultLogRetention is the default horizon for the ring-pruning task.
const DefaultLogRetention = 7 * 24 * time.Hour

// DefaultStatsRetention is the default horizon for bucket aggregation.
const DefaultStatsRetention = 30 * 24 * time.Hour

// LatencyWindow bounds the rolling sample used for mean/percentile math.
const LatencyWindow = 100

// Entry is one observability log record (spec §3).
type Entry struct {
	At       time.Time `json:"at"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Store is the optional archival collaborator for evicted entries.
// A nil Store simply drops what the ring can't hold — matching spec's
// "best-effort" framing for anything beyond the in-memory ring.
type Store interface {
	Append(Entry)
}

// Fanout pushes a freshly logged entry to every attached dashboard
// session, best-effort. The payload is passed as a Go value; encoding it
// is the implementation's job.
type Fanout interface {
	Broadcast(frameType string, payload any)
}

// bucketCounts accumulates completion totals for one hourly/daily slot.
type bucketCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Sink is the concrete observability state: ring + stats, guarded by one
// mutex (the engine never holds its own lock while calling into this —
// see spec §5 shared-resource policy).
type Sink struct {
	mu sync.Mutex

	ring     []Entry
	ringHead int // index of the oldest live entry
	ringLen  int

	received  uint64
	succeeded uint64
	failed    uint64

	latencies []time.Duration // rolling window, newest at the end

	hourly map[string]*bucketCounts
	daily  map[string]*bucketCounts

	store  Store
	fanout Fanout
}

// New creates an empty Sink. store and fanout may be nil.
func New(store Store, fanout Fanout) *Sink {
	return &Sink{
		ring:   make([]Entry, RingCapacity),
		hourly: make(map[string]*bucketCounts),
		daily:  make(map[string]*bucketCounts),
		store:  store,
		fanout: fanout,
	}
}

// Log appends a new observability record, evicting the oldest entry once
// the ring is full, and best-effort-broadcasts it to dashboard sessions.
func (s *Sink) Log(sev Severity, msg string, at time.Time) {
	s.mu.Lock()
	var evicted *Entry
	if s.ringLen == RingCapacity {
		e := s.ring[s.ringHead]
		evicted = &e
		s.ring[s.ringHead] = Entry{At: at, Severity: sev, Message: msg}
		s.ringHead = (s.ringHead + 1) % RingCapacity
	} else {
		idx := (s.ringHead + s.ringLen) % RingCapacity
		s.ring[idx] = Entry{At: at, Severity: sev, Message: msg}
		s.ringLen++
	}
	s.mu.Unlock()

	if evicted != nil && s.store != nil {
		s.store.Append(*evicted)
	}
	if s.fanout != nil {
		s.fanout.Broadcast("log", Entry{At: at, Severity: sev, Message: msg})
	}
	slogSeverity(sev, msg, "severity", sev)
}

// LogBodyRejected is a convenience wrapper producing a human-readable
// size in the log line, matching the teacher's use of go-humanize for
// operator-facing sizes.
func (s *Sink) LogBodyRejected(slug string, size, max int64, at time.Time) {
	s.Log(SeveritySecurity, "body for slug "+slug+" ("+humanize.Bytes(uint64(size))+
		") exceeds maximum ("+humanize.Bytes(uint64(max))+")", at)
}

// Snapshot is a point-in-time read of the ring, for the status API.
func (s *Sink) Snapshot(limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ringLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	// Most recent first.
	for i := 0; i < n; i++ {
		idx := (s.ringHead + s.ringLen - 1 - i + RingCapacity) % RingCapacity
		out[i] = s.ring[idx]
	}
	return out
}

// RecordReceived increments the received counter (spec §3 invariant:
// received = succeeded + failed + pending).
func (s *Sink) RecordReceived() {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
}

// RecordCompletion records a terminal outcome and its latency sample.
func (s *Sink) RecordCompletion(success bool, latency time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if success {
		s.succeeded++
	} else {
		s.failed++
	}

	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > LatencyWindow {
		s.latencies = s.latencies[len(s.latencies)-LatencyWindow:]
	}

	hourKey := now.UTC().Format("2006-01-02T15")
	dayKey := now.UTC().Format("2006-01-02")
	s.bump(s.hourly, hourKey, success)
	s.bump(s.daily, dayKey, success)
}

func (s *Sink) bump(m map[string]*bucketCounts, key string, success bool) {
	b, ok := m[key]
	if !ok {
		b = &bucketCounts{}
		m[key] = b
	}
	if success {
		b.Succeeded++
	} else {
		b.Failed++
	}
}

// Stats is the JSON-ready statistics snapshot for /api/status.
type Stats struct {
	Received     uint64           `json:"received"`
	Succeeded    uint64           `json:"succeeded"`
	Failed       uint64           `json:"failed"`
	Pending      int              `json:"pending"`
	MeanLatency  float64          `json:"meanLatencyMs"`
	P95Latency   float64          `json:"p95LatencyMs"`
	HourlyTotals map[string]int   `json:"hourlyTotals"`
	DailyTotals  map[string]int   `json:"dailyTotals"`
}

// StatsSnapshot builds the current Stats, given the caller-supplied
// pending count (owned by the registry, not this package — spec §5
// keeps the pending table process-wide and written only by the engine).
func (s *Sink) StatsSnapshot(pending int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	mean, p95 := latencyStats(s.latencies)

	hourly := make(map[string]int, len(s.hourly))
	for k, v := range s.hourly {
		hourly[k] = v.Succeeded + v.Failed
	}
	daily := make(map[string]int, len(s.daily))
	for k, v := range s.daily {
		daily[k] = v.Succeeded + v.Failed
	}

	return Stats{
		Received:     s.received,
		Succeeded:    s.succeeded,
		Failed:       s.failed,
		Pending:      pending,
		MeanLatency:  mean,
		P95Latency:   p95,
		HourlyTotals: hourly,
		DailyTotals:  daily,
	}
}

func latencyStats(samples []time.Duration) (mean, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	mean = float64(total.Milliseconds()) / float64(len(sorted))

	idx := int(float64(len(sorted))*0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = float64(sorted[idx].Milliseconds())
	return mean, p95
}

// MaintainRetention drops ring entries older than horizon, archiving
// each to the Store if one is configured. Intended to run every 60s
// (spec §4.7).
func (s *Sink) MaintainRetention(horizon time.Duration, now time.Time) {
	cutoff := now.Add(-horizon)

	s.mu.Lock()
	var evicted []Entry
	for s.ringLen > 0 {
		oldest := s.ring[s.ringHead]
		if !oldest.At.Before(cutoff) {
			break
		}
		evicted = append(evicted, oldest)
		s.ringHead = (s.ringHead + 1) % RingCapacity
		s.ringLen--
	}
	s.mu.Unlock()

	if s.store != nil {
		for _, e := range evicted {
			s.store.Append(e)
		}
	}
}

// MaintainStats trims the latency window (already bounded on write, this
// is idempotent) and drops bucket entries older than horizon. Intended
// to run every 5 minutes (spec §4.7).
func (s *Sink) MaintainStats(horizon time.Duration, now time.Time) {
	cutoff := now.Add(-horizon)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.hourly {
		t, err := time.Parse("2006-01-02T15", k)
		if err == nil && t.Before(cutoff) {
			delete(s.hourly, k)
		}
	}
	for k := range s.daily {
		t, err := time.Parse("2006-01-02", k)
		if err == nil && t.Before(cutoff) {
			delete(s.daily, k)
		}
	}
	if len(s.latencies) > LatencyWindow {
		s.latencies = s.latencies[len(s.latencies)-LatencyWindow:]
	}
}

// Run starts the two periodic maintenance loops described in spec §4.7
// and returns a stop function.
func (s *Sink) Run(now func() time.Time, logRetention, statsRetention time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.MaintainRetention(logRetention, now())
			case <-done:
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.MaintainStats(statsRetention, now())
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// slogSeverity maps a Severity to the matching slog level, so broker
// process logs and the observability ring stay consistent in spirit
// without being the same stream (spec §2 NEW, ambient logging).
func slogSeverity(sev Severity, msg string, args ...any) {
	switch sev {
	case SeverityError, SeveritySecurity:
		slog.Warn(msg, args...)
	default:
		slog.Info(msg, args...)
	}
}
