package wire

import (
	"context"
	"log/slog"
	"time"
)

// OptionFn is the functional-options pattern used to configure a Server.
type OptionFn func(*Server)

// QueryHandler registers the dispatcher invoked for every statement that is
// not BEGIN/COMMIT/ROLLBACK or DEALLOCATE.
func QueryHandler(fn ParseFn) OptionFn {
	return func(srv *Server) {
		srv.Parse = fn
	}
}

// WithLogger overrides the server's structured logger. The default is
// slog.Default().
func WithLogger(logger *slog.Logger) OptionFn {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// WithVersion sets the server_version_string announced during the startup
// handshake.
func WithVersion(version string) OptionFn {
	return func(srv *Server) {
		srv.Version = version
	}
}

// WithParameters overrides the default set of ParameterStatus values
// announced after authentication.
func WithParameters(params Parameters) OptionFn {
	return func(srv *Server) {
		srv.Parameters = params
	}
}

// WithBufferedMsgSize bounds the maximum accepted frame size
// (max_message_bytes). Frames larger than this are rejected.
func WithBufferedMsgSize(size int) OptionFn {
	return func(srv *Server) {
		srv.BufferedMsgSize = size
	}
}

// WithMaxConnections bounds concurrently accepted connections
// (max_connections). Excess connections are rejected with SQLSTATE 53300
// before authentication.
func WithMaxConnections(n int) OptionFn {
	return func(srv *Server) {
		srv.MaxConnections = n
	}
}

// WithIdleTimeout closes a connection that has not sent a byte within d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) OptionFn {
	return func(srv *Server) {
		srv.IdleTimeout = d
	}
}

// WithShutdownGrace bounds how long Close waits for in-flight connections to
// drain before forcing them closed.
func WithShutdownGrace(d time.Duration) OptionFn {
	return func(srv *Server) {
		srv.ShutdownGrace = d
	}
}

// WithStats registers a collector notified of connection lifecycle and
// query events. The default is a no-op collector; the collector passed here
// must not be nil.
func WithStats(collector StatsCollector) OptionFn {
	return func(srv *Server) {
		srv.Stats = collector
	}
}

// WithSlowQueryThreshold stores d in Server.SlowQueryThreshold. The server
// does not read this field; the slow-query ring's threshold is set on the
// stats collector itself.
func WithSlowQueryThreshold(d time.Duration) OptionFn {
	return func(srv *Server) {
		srv.SlowQueryThreshold = d
	}
}

// TerminateConn registers a hook invoked when a client sends Terminate.
func TerminateConn(fn CloseFn) OptionFn {
	return func(srv *Server) {
		srv.TerminateConn = fn
	}
}

// CloseFn is a connection lifecycle hook receiving the connection's context.
type CloseFn func(ctx context.Context) error
