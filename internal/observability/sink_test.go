package observability

import (
	"testing"
	"time"
)

type captureStore struct {
	entries []Entry
}

func (c *captureStore) Append(e Entry) { c.entries = append(c.entries, e) }

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	store := &captureStore{}
	s := New(store, nil)
	base := time.Now()

	for i := 0; i < RingCapacity+5; i++ {
		s.Log(SeverityHTTP, "msg", base.Add(time.Duration(i)*time.Second))
	}

	snap := s.Snapshot(0)
	if len(snap) != RingCapacity {
		t.Fatalf("expected ring to cap at %d, got %d", RingCapacity, len(snap))
	}
	if len(store.entries) != 5 {
		t.Fatalf("expected 5 evicted entries archived, got %d", len(store.entries))
	}
	// Most recent entry should be the last one logged.
	newest := base.Add(time.Duration(RingCapacity+4) * time.Second)
	if snap[0].Message != "msg" || !snap[0].At.Equal(newest) {
		t.Fatalf("unexpected newest entry: %+v", snap[0])
	}
}

func TestRecordCompletionAndSnapshot(t *testing.T) {
	s := New(nil, nil)
	now := time.Now()

	s.RecordCompletion(true, 10*time.Millisecond, now)
	s.RecordCompletion(false, 20*time.Millisecond, now)

	stats := s.StatsSnapshot(3)
	if stats.Succeeded != 1 || stats.Failed != 1 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.MeanLatency <= 0 {
		t.Fatalf("expected nonzero mean latency, got %v", stats.MeanLatency)
	}
}

func TestMaintainRetentionArchivesExpired(t *testing.T) {
	store := &captureStore{}
	s := New(store, nil)
	now := time.Now()

	s.Log(SeverityHTTP, "old", now.Add(-10*24*time.Hour))
	s.Log(SeverityHTTP, "new", now)

	s.MaintainRetention(DefaultLogRetention, now)

	snap := s.Snapshot(0)
	if len(snap) != 1 || snap[0].Message != "new" {
		t.Fatalf("expected only the fresh entry to remain, got %+v", snap)
	}
	if len(store.entries) != 1 || store.entries[0].Message != "old" {
		t.Fatalf("expected old entry archived, got %+v", store.entries)
	}
}

func TestMaintainStatsPrunesOldBuckets(t *testing.T) {
	s := New(nil, nil)
	now := time.Now()

	s.RecordCompletion(true, time.Millisecond, now.Add(-40*24*time.Hour))
	s.RecordCompletion(true, time.Millisecond, now)

	s.MaintainStats(DefaultStatsRetention, now)

	stats := s.StatsSnapshot(0)
	total := 0
	for _, v := range stats.DailyTotals {
		total += v
	}
	if total != 1 {
		t.Fatalf("expected only the recent day bucket to survive, got totals %+v", stats.DailyTotals)
	}
}

type captureFanout struct {
	calls []string
}

func (c *captureFanout) Broadcast(frameType string, payload any) {
	c.calls = append(c.calls, frameType)
}

func TestLogBroadcastsToFanout(t *testing.T) {
	fo := &captureFanout{}
	s := New(nil, fo)
	s.Log(SeverityHTTP, "hi", time.Now())
	if len(fo.calls) != 1 || fo.calls[0] != "log" {
		t.Fatalf("expected one log broadcast, got %+v", fo.calls)
	}
}
