package ratelimit

import (
	"testing"
	"time"
)

func TestAllowHTTPBoundary(t *testing.T) {
	g := New(Config{Enabled: true, MaxRequestsPerMinute: 3, MaxConnectionsPerIP: 1})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !g.AllowHTTP("1.2.3.4", now) {
			t.Fatalf("request %d should be admitted", i)
		}
	}
	if g.AllowHTTP("1.2.3.4", now) {
		t.Fatal("4th request within the window should be rejected")
	}

	// A distinct address has its own bucket.
	if !g.AllowHTTP("5.6.7.8", now) {
		t.Fatal("distinct address should not share the exhausted bucket")
	}
}

func TestAllowHTTPWindowSlides(t *testing.T) {
	g := New(Config{Enabled: true, MaxRequestsPerMinute: 1, MaxConnectionsPerIP: 1})
	now := time.Now()

	if !g.AllowHTTP("addr", now) {
		t.Fatal("first request should be admitted")
	}
	if g.AllowHTTP("addr", now.Add(30*time.Second)) {
		t.Fatal("second request within 60s should be rejected")
	}
	if !g.AllowHTTP("addr", now.Add(61*time.Second)) {
		t.Fatal("request after the window elapses should be admitted")
	}
}

func TestAllowConnectionIndependentFromHTTP(t *testing.T) {
	g := New(Config{Enabled: true, MaxRequestsPerMinute: 0, MaxConnectionsPerIP: 2})
	now := time.Now()

	if g.AllowHTTP("addr", now) {
		t.Fatal("zero HTTP budget should reject immediately")
	}
	if !g.AllowConnection("addr", now) {
		t.Fatal("connection budget is tracked separately from HTTP budget")
	}
}

func TestDisabledGateAlwaysAllows(t *testing.T) {
	g := New(Config{Enabled: false})
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !g.AllowHTTP("addr", now) || !g.AllowConnection("addr", now) {
			t.Fatal("disabled gate must always admit")
		}
	}
}

func TestPruneDropsEmptyBuckets(t *testing.T) {
	g := New(Config{Enabled: true, MaxRequestsPerMinute: 1, MaxConnectionsPerIP: 1})
	now := time.Now()
	g.AllowHTTP("addr", now)

	g.Prune(now.Add(2 * time.Minute))

	g.mu.Lock()
	_, exists := g.buckets["addr"]
	g.mu.Unlock()
	if exists {
		t.Fatal("bucket with only expired entries should be pruned away")
	}
}
