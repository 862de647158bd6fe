package stats

import (
	"testing"
	"time"
)

func TestCollectorConnectionLifecycle(t *testing.T) {
	c := New()

	c.ConnectionCreated(1, "127.0.0.1:5000")
	if got := c.ActiveConnections(); got != 1 {
		t.Fatalf("expected 1 active connection, got %d", got)
	}

	c.ConnectionDestroyed(1, 100, 200)
	if got := c.ActiveConnections(); got != 0 {
		t.Fatalf("expected 0 active connections, got %d", got)
	}

	snap := c.Snapshot()
	if snap.ConnectionsCreated != 1 || snap.ConnectionsDestroyed != 1 {
		t.Fatalf("unexpected connection counters: %+v", snap)
	}
	if snap.BytesReceived != 100 || snap.BytesSent != 200 {
		t.Fatalf("unexpected byte counters: %+v", snap)
	}
}

func TestCollectorQueryHistogramMonotonic(t *testing.T) {
	c := New()

	durations := []time.Duration{
		2 * time.Millisecond,
		8 * time.Millisecond,
		60 * time.Millisecond,
		2 * time.Second,
		20 * time.Second,
	}
	for _, d := range durations {
		c.Query("SELECT", d, true, "")
	}

	snap := c.Snapshot()
	var prev uint64
	for _, count := range snap.Duration.Buckets {
		if count < prev {
			t.Fatalf("histogram bucket counts must be non-decreasing, got %v", snap.Duration.Buckets)
		}
		prev = count
	}

	last := snap.Duration.Buckets[len(snap.Duration.Buckets)-1]
	if last != snap.Duration.Count {
		t.Fatalf("final bucket (+Inf) must equal total count: bucket=%d count=%d", last, snap.Duration.Count)
	}
	if snap.Duration.Count != uint64(len(durations)) {
		t.Fatalf("expected %d observations, got %d", len(durations), snap.Duration.Count)
	}
	if snap.Duration.Sum <= 0 {
		t.Fatalf("expected positive duration sum, got %v", snap.Duration.Sum)
	}
}

func TestCollectorSlowQueryRingOverwritesOldest(t *testing.T) {
	c := New(WithSlowQueryCapacity(2), WithSlowQueryThreshold(0))

	c.Query("SELECT", 1*time.Millisecond, true, "")
	c.Query("INSERT", 2*time.Millisecond, true, "")
	c.Query("UPDATE", 3*time.Millisecond, true, "")

	snap := c.Snapshot()
	if len(snap.SlowQueries) != 2 {
		t.Fatalf("expected ring capped at 2 entries, got %d", len(snap.SlowQueries))
	}

	types := map[string]bool{}
	for _, q := range snap.SlowQueries {
		types[q.QueryType] = true
	}
	if types["SELECT"] {
		t.Fatalf("expected oldest entry to have been overwritten, still present: %+v", snap.SlowQueries)
	}
}

func TestCollectorQueryErrors(t *testing.T) {
	c := New()

	c.Query("SELECT", time.Millisecond, false, "42601")

	snap := c.Snapshot()
	if snap.QueryErrors["42601"] != 1 {
		t.Fatalf("expected one recorded error for 42601, got %+v", snap.QueryErrors)
	}
}

func TestCollectorSweepRemovesStaleConnections(t *testing.T) {
	c := New(WithCleanupMaxAge(time.Millisecond))

	c.ConnectionCreated(7, "127.0.0.1:6000")
	time.Sleep(5 * time.Millisecond)

	removed := c.Sweep()
	if removed != 1 {
		t.Fatalf("expected sweep to remove 1 stale connection, removed %d", removed)
	}
}

func TestCollectorActivityTracksStatement(t *testing.T) {
	c := New()
	c.ConnectionCreated(3, "127.0.0.1:7000")
	c.Activity(3, 10, 20, "SELECT 1")

	if removed := c.Sweep(); removed != 0 {
		t.Fatalf("fresh activity should not be swept, removed %d", removed)
	}
}
