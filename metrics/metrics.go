// Package metrics adapts connection and query events onto Prometheus,
// exposing them through an http.Handler suitable for mounting at /metrics.
// A Recorder wraps a stats.Collector: every event is recorded on both, so
// the in-memory snapshot (used for the debug stats surface) and the
// Prometheus series never drift apart.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgwiremock/pgwiremock/stats"
)

// Recorder implements wire.StatsCollector, forwarding every event to an
// underlying stats.Collector and to its own Prometheus series.
type Recorder struct {
	collector *stats.Collector
	registry  *prometheus.Registry

	connectionsTotal     prometheus.Counter
	connectionsActive    prometheus.Gauge
	connectionsIdle      prometheus.Gauge
	connectionsDestroyed prometheus.Counter
	connectionErrors     prometheus.Counter
	connectionTimeouts   prometheus.Counter

	bytesReceived prometheus.Counter
	bytesSent     prometheus.Counter

	queriesTotal   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	protocolMsgs   *prometheus.CounterVec
	extendedUsage  prometheus.Counter
	simpleUsage    prometheus.Counter
	preparedHits   prometheus.Counter
	preparedMisses prometheus.Counter

	idleAfter time.Duration
}

// New constructs a Recorder wrapping collector. idleAfter is the inactivity
// window used to report pgwire_connections_idle.
func New(collector *stats.Collector, idleAfter time.Duration) *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		collector: collector,
		registry:  reg,
		idleAfter: idleAfter,

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_connections_total",
			Help: "Total number of connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_connections_active",
			Help: "Number of connections currently open.",
		}),
		connectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwire_connections_idle",
			Help: "Number of open connections with no recent activity.",
		}),
		connectionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_connections_destroyed_total",
			Help: "Total number of connections that have been closed.",
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_connection_errors_total",
			Help: "Total number of connections that ended abnormally.",
		}),
		connectionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_connection_timeouts_total",
			Help: "Total number of connections closed for being idle too long.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_bytes_received_total",
			Help: "Total bytes read from clients.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_bytes_sent_total",
			Help: "Total bytes written to clients.",
		}),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwire_queries_total",
			Help: "Total queries processed, by type and outcome status.",
		}, []string{"query_type", "status"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgwire_query_duration_seconds",
			Help:    "Query duration in seconds.",
			Buckets: bucketsInSeconds(),
		}, []string{"query_type"}),
		protocolMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwire_protocol_messages_total",
			Help: "Protocol messages processed, by message type.",
		}, []string{"message_type"}),
		extendedUsage: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_protocol_extended_usage_total",
			Help: "Total commands processed through the extended query protocol.",
		}),
		simpleUsage: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_protocol_simple_usage_total",
			Help: "Total commands processed through the simple query protocol.",
		}),
		preparedHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_prepared_statement_hits_total",
			Help: "Total prepared statement cache hits.",
		}),
		preparedMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_prepared_statement_misses_total",
			Help: "Total prepared statement cache misses.",
		}),
	}

	reg.MustRegister(
		r.connectionsTotal, r.connectionsActive, r.connectionsIdle, r.connectionsDestroyed,
		r.connectionErrors, r.connectionTimeouts, r.bytesReceived, r.bytesSent,
		r.queriesTotal, r.queryDuration, r.protocolMsgs, r.extendedUsage, r.simpleUsage,
		r.preparedHits, r.preparedMisses,
	)

	return r
}

func bucketsInSeconds() []float64 {
	edges := stats.HistogramBucketEdges
	out := make([]float64, len(edges))
	for i, e := range edges {
		out[i] = e.Seconds()
	}
	return out
}

// ConnectionCreated implements wire.StatsCollector.
func (r *Recorder) ConnectionCreated(id uint64, remoteAddr string) {
	r.collector.ConnectionCreated(id, remoteAddr)
	r.connectionsTotal.Inc()
	r.connectionsActive.Set(float64(r.collector.ActiveConnections()))
}

// ConnectionDestroyed implements wire.StatsCollector.
func (r *Recorder) ConnectionDestroyed(id uint64, bytesIn, bytesOut uint64) {
	r.collector.ConnectionDestroyed(id, bytesIn, bytesOut)
	r.connectionsDestroyed.Inc()
	r.connectionsActive.Set(float64(r.collector.ActiveConnections()))
	r.bytesReceived.Add(float64(bytesIn))
	r.bytesSent.Add(float64(bytesOut))
}

// ConnectionError implements wire.StatsCollector.
func (r *Recorder) ConnectionError() {
	r.collector.ConnectionError()
	r.connectionErrors.Inc()
}

// ConnectionTimeout implements wire.StatsCollector.
func (r *Recorder) ConnectionTimeout() {
	r.collector.ConnectionTimeout()
	r.connectionTimeouts.Inc()
}

// ProtocolMessage implements wire.StatsCollector.
func (r *Recorder) ProtocolMessage(kind byte) {
	r.collector.ProtocolMessage(kind)
	r.protocolMsgs.WithLabelValues(string(kind)).Inc()
}

// SimpleQueryUsed implements wire.StatsCollector.
func (r *Recorder) SimpleQueryUsed() {
	r.collector.SimpleQueryUsed()
	r.simpleUsage.Inc()
}

// ExtendedQueryUsed implements wire.StatsCollector.
func (r *Recorder) ExtendedQueryUsed() {
	r.collector.ExtendedQueryUsed()
	r.extendedUsage.Inc()
}

// PreparedStatementHit implements wire.StatsCollector.
func (r *Recorder) PreparedStatementHit() {
	r.collector.PreparedStatementHit()
	r.preparedHits.Inc()
}

// PreparedStatementMiss implements wire.StatsCollector.
func (r *Recorder) PreparedStatementMiss() {
	r.collector.PreparedStatementMiss()
	r.preparedMisses.Inc()
}

// Query implements wire.StatsCollector.
func (r *Recorder) Query(queryType string, duration time.Duration, ok bool, errorCode string) {
	r.collector.Query(queryType, duration, ok, errorCode)

	status := "ok"
	if !ok {
		status = errorCode
	}
	r.queriesTotal.WithLabelValues(queryType, status).Inc()
	r.queryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
}

// Collector returns the underlying stats.Collector, for use by a debug
// stats endpoint that needs the raw snapshot rather than Prometheus output.
func (r *Recorder) Collector() *stats.Collector {
	return r.collector
}

// Handler returns an http.Handler serving the wrapped registry in the
// Prometheus exposition format. The idle gauge is refreshed on every scrape
// since it depends on wall-clock time rather than a discrete event.
func (r *Recorder) Handler() http.Handler {
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.connectionsIdle.Set(float64(r.collector.IdleConnections(r.idleAfter)))
		inner.ServeHTTP(w, req)
	})
}
