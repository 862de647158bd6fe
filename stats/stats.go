// Package stats implements the in-memory counters, histogram and
// slow-query ring backing the server's stats snapshot. It knows nothing
// about Prometheus or any other exporter; the metrics package adapts a
// Collector onto that wire format separately.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// HistogramBucketEdges are the fixed bucket boundaries used for query
// duration observations. Each edge stores the cumulative count of
// observations less than or equal to it; the last edge is 10s, and the
// histogram keeps one extra +Inf bucket after it.
var HistogramBucketEdges = []time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
}

const (
	defaultSlowRingCapacity = 100
	defaultSlowThreshold    = 100 * time.Millisecond
	defaultCleanupMaxAge    = 10 * time.Minute
)

// SlowQuery is one entry in the slow-query ring.
type SlowQuery struct {
	QueryType  string
	DurationMs float64
	At         time.Time
}

// connDetail is the per-connection detail retained while a connection is
// active: last activity, bytes transferred so far, and the statement it is
// currently executing, if any.
type connDetail struct {
	remoteAddr   string
	createdAt    time.Time
	lastActivity time.Time
	bytesIn      uint64
	bytesOut     uint64
	statement    string
}

// Histogram is a cumulative duration histogram matching
// HistogramBucketEdges plus a +Inf bucket.
type Histogram struct {
	Buckets []uint64
	Sum     time.Duration
	Count   uint64
}

// Snapshot is a point-in-time read of every counter the collector tracks.
type Snapshot struct {
	ConnectionsCreated   uint64
	ConnectionsDestroyed uint64
	ConnectionsActive    int64
	ConnectionErrors     uint64
	ConnectionTimeouts   uint64

	BytesReceived uint64
	BytesSent     uint64

	QueriesByType map[string]uint64
	QueryErrors   map[string]uint64

	MessagesByKind map[string]uint64

	SimpleQueryUsage   uint64
	ExtendedQueryUsage uint64

	PreparedStatementHits   uint64
	PreparedStatementMisses uint64

	Duration Histogram

	SlowQueries []SlowQuery
}

// Collector implements wire.StatsCollector. Construct it with New; the zero
// value has no maps or histogram buckets allocated and is not usable.
type Collector struct {
	connectionsCreated   atomic.Uint64
	connectionsDestroyed atomic.Uint64
	connectionsActive    atomic.Int64
	connectionErrors     atomic.Uint64
	connectionTimeouts   atomic.Uint64

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	simpleQueryUsage   atomic.Uint64
	extendedQueryUsage atomic.Uint64

	preparedHits   atomic.Uint64
	preparedMisses atomic.Uint64

	slowThreshold   time.Duration
	slowRingCap     int
	cleanupMaxAge   time.Duration

	mu             sync.Mutex
	queriesByType  map[string]uint64
	queryErrors    map[string]uint64
	messagesByKind map[string]uint64
	histBuckets    []uint64
	histSum        time.Duration
	histCount      uint64
	slowRing       []SlowQuery
	slowNext       int

	connsMu sync.Mutex
	conns   map[uint64]*connDetail
}

// Option configures a Collector at construction time.
type Option func(*Collector)

// WithSlowQueryThreshold sets the minimum duration a query must reach to be
// recorded in the slow-query ring. Default 100ms.
func WithSlowQueryThreshold(d time.Duration) Option {
	return func(c *Collector) { c.slowThreshold = d }
}

// WithSlowQueryCapacity sets the slow-query ring's fixed capacity. Default
// 100; the oldest entry is overwritten once full.
func WithSlowQueryCapacity(n int) Option {
	return func(c *Collector) { c.slowRingCap = n }
}

// WithCleanupMaxAge bounds how long a connection's detail entry survives
// without activity before the periodic sweeper removes it, guarding against
// a missed ConnectionDestroyed call leaking memory.
func WithCleanupMaxAge(d time.Duration) Option {
	return func(c *Collector) { c.cleanupMaxAge = d }
}

// New constructs a Collector ready to receive events.
func New(opts ...Option) *Collector {
	c := &Collector{
		slowThreshold:  defaultSlowThreshold,
		slowRingCap:    defaultSlowRingCapacity,
		cleanupMaxAge:  defaultCleanupMaxAge,
		queriesByType:  make(map[string]uint64),
		queryErrors:    make(map[string]uint64),
		messagesByKind: make(map[string]uint64),
		conns:          make(map[uint64]*connDetail),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.histBuckets = make([]uint64, len(HistogramBucketEdges)+1)
	c.slowRing = make([]SlowQuery, 0, c.slowRingCap)

	return c
}

// ConnectionCreated records a new connection and starts tracking its detail.
func (c *Collector) ConnectionCreated(id uint64, remoteAddr string) {
	c.connectionsCreated.Add(1)
	c.connectionsActive.Add(1)

	now := time.Now()
	c.connsMu.Lock()
	c.conns[id] = &connDetail{remoteAddr: remoteAddr, createdAt: now, lastActivity: now}
	c.connsMu.Unlock()
}

// ConnectionDestroyed records a connection ending and drops its detail.
func (c *Collector) ConnectionDestroyed(id uint64, bytesIn, bytesOut uint64) {
	c.connectionsDestroyed.Add(1)
	c.connectionsActive.Add(-1)
	c.bytesReceived.Add(bytesIn)
	c.bytesSent.Add(bytesOut)

	c.connsMu.Lock()
	delete(c.conns, id)
	c.connsMu.Unlock()
}

// ConnectionError records a connection ending abnormally.
func (c *Collector) ConnectionError() {
	c.connectionErrors.Add(1)
}

// ConnectionTimeout records an idle connection being closed for inactivity.
func (c *Collector) ConnectionTimeout() {
	c.connectionTimeouts.Add(1)
}

// ProtocolMessage records one frame of the given message kind ('Q', 'P',
// 'B', and so on) having been processed.
func (c *Collector) ProtocolMessage(kind byte) {
	c.mu.Lock()
	c.messagesByKind[string(kind)]++
	c.mu.Unlock()
}

// SimpleQueryUsed records use of the simple query protocol.
func (c *Collector) SimpleQueryUsed() {
	c.simpleQueryUsage.Add(1)
}

// ExtendedQueryUsed records use of the extended query protocol.
func (c *Collector) ExtendedQueryUsed() {
	c.extendedQueryUsage.Add(1)
}

// PreparedStatementHit records a Bind finding the statement it names in the
// session's statement cache.
func (c *Collector) PreparedStatementHit() {
	c.preparedHits.Add(1)
}

// PreparedStatementMiss records a Bind naming a statement that is not in the
// session's statement cache.
func (c *Collector) PreparedStatementMiss() {
	c.preparedMisses.Add(1)
}

// Query records completion of a query: its type, how long it took, and
// whether it succeeded. It updates the per-type counters, the cumulative
// duration histogram, and the slow-query ring.
func (c *Collector) Query(queryType string, duration time.Duration, ok bool, errorCode string) {
	c.mu.Lock()
	c.queriesByType[queryType]++
	if !ok {
		c.queryErrors[errorCode]++
	}

	for i, edge := range HistogramBucketEdges {
		if duration <= edge {
			c.histBuckets[i]++
		}
	}
	c.histBuckets[len(HistogramBucketEdges)]++
	c.histSum += duration
	c.histCount++

	if duration >= c.slowThreshold {
		entry := SlowQuery{QueryType: queryType, DurationMs: float64(duration) / float64(time.Millisecond), At: time.Now()}
		if len(c.slowRing) < c.slowRingCap {
			c.slowRing = append(c.slowRing, entry)
		} else {
			c.slowRing[c.slowNext] = entry
			c.slowNext = (c.slowNext + 1) % c.slowRingCap
		}
	}
	c.mu.Unlock()
}

// Activity updates the per-connection detail the sweeper and snapshot use:
// last-activity timestamp, cumulative bytes, and the statement currently
// executing (empty once idle).
func (c *Collector) Activity(id uint64, bytesIn, bytesOut uint64, statement string) {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()

	d, ok := c.conns[id]
	if !ok {
		return
	}
	d.lastActivity = time.Now()
	d.bytesIn = bytesIn
	d.bytesOut = bytesOut
	d.statement = statement
}

// Sweep removes connection detail entries that have had no recorded
// activity for longer than the configured cleanup max age. It guards
// against unbounded memory growth if ConnectionDestroyed was somehow never
// called for a given connection id.
func (c *Collector) Sweep() int {
	cutoff := time.Now().Add(-c.cleanupMaxAge)

	c.connsMu.Lock()
	defer c.connsMu.Unlock()

	removed := 0
	for id, d := range c.conns {
		if d.lastActivity.Before(cutoff) {
			delete(c.conns, id)
			removed++
		}
	}
	return removed
}

// RunSweeper runs Sweep on the given interval until stop is closed. It is
// meant to be launched as its own goroutine by the server entrypoint.
func (c *Collector) RunSweeper(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// ActiveConnections reports how many connections are presently being
// tracked, counting both those with and without a recorded idle gap.
func (c *Collector) ActiveConnections() int64 {
	return c.connectionsActive.Load()
}

// IdleConnections reports how many tracked connections have had no activity
// within the given idle window.
func (c *Collector) IdleConnections(idleWindow time.Duration) int64 {
	cutoff := time.Now().Add(-idleWindow)

	c.connsMu.Lock()
	defer c.connsMu.Unlock()

	var idle int64
	for _, d := range c.conns {
		if d.lastActivity.Before(cutoff) {
			idle++
		}
	}
	return idle
}

// Snapshot returns a point-in-time copy of every counter, safe to read
// concurrently with further events.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		QueriesByType:  copyCounts(c.queriesByType),
		QueryErrors:    copyCounts(c.queryErrors),
		MessagesByKind: copyCounts(c.messagesByKind),
		Duration: Histogram{
			Buckets: append([]uint64(nil), c.histBuckets...),
			Sum:     c.histSum,
			Count:   c.histCount,
		},
		SlowQueries: append([]SlowQuery(nil), c.slowRing...),
	}
	c.mu.Unlock()

	snap.ConnectionsCreated = c.connectionsCreated.Load()
	snap.ConnectionsDestroyed = c.connectionsDestroyed.Load()
	snap.ConnectionsActive = c.connectionsActive.Load()
	snap.ConnectionErrors = c.connectionErrors.Load()
	snap.ConnectionTimeouts = c.connectionTimeouts.Load()
	snap.BytesReceived = c.bytesReceived.Load()
	snap.BytesSent = c.bytesSent.Load()
	snap.SimpleQueryUsage = c.simpleQueryUsage.Load()
	snap.ExtendedQueryUsage = c.extendedQueryUsage.Load()
	snap.PreparedStatementHits = c.preparedHits.Load()
	snap.PreparedStatementMisses = c.preparedMisses.Load()

	return snap
}

func copyCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
