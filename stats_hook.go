package wire

import "time"

// StatsCollector receives connection-lifecycle and query events from the
// command loop. It is the interface side of the stats collector; the
// concrete implementation lives in the separate stats package so the core
// never imports an exporter.
type StatsCollector interface {
	ConnectionCreated(id uint64, remoteAddr string)
	ConnectionDestroyed(id uint64, bytesIn, bytesOut uint64)
	ConnectionError()
	ConnectionTimeout()
	ProtocolMessage(kind byte)
	SimpleQueryUsed()
	ExtendedQueryUsed()
	PreparedStatementHit()
	PreparedStatementMiss()
	Query(queryType string, duration time.Duration, ok bool, errorCode string)
}

// noopStats is used when the server is constructed without WithStats.
type noopStats struct{}

func (noopStats) ConnectionCreated(uint64, string)             {}
func (noopStats) ConnectionDestroyed(uint64, uint64, uint64)    {}
func (noopStats) ConnectionError()                              {}
func (noopStats) ConnectionTimeout()                             {}
func (noopStats) ProtocolMessage(byte)                           {}
func (noopStats) SimpleQueryUsed()                               {}
func (noopStats) ExtendedQueryUsed()                             {}
func (noopStats) PreparedStatementHit()                          {}
func (noopStats) PreparedStatementMiss()                         {}
func (noopStats) Query(string, time.Duration, bool, string)      {}
