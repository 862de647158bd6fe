package wire

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgwiremock/pgwiremock/codes"
	pgerror "github.com/pgwiremock/pgwiremock/errors"
	"github.com/pgwiremock/pgwiremock/pkg/buffer"
	"github.com/pgwiremock/pgwiremock/pkg/types"
)

// ListenAndServe opens a new Postgres server using the given address and
// default configurations. The given handler function is used to handle simple
// queries. This method should be used to construct a simple Postgres server for
// testing purposes or simple use cases.
func ListenAndServe(address string, handler ParseFn) error {
	server, err := NewServer(handler)
	if err != nil {
		return err
	}

	return server.ListenAndServe(address)
}

// NewServer constructs a new Postgres server using the given parse function and server options.
func NewServer(parse ParseFn, options ...OptionFn) (*Server, error) {
	srv := &Server{
		Parse:   parse,
		logger:  slog.Default(),
		closer:  make(chan struct{}),
		types:   pgtype.NewMap(),
		Stats:   noopStats{},
		cancels: newCancelRegistry(),
	}

	for _, option := range options {
		option(srv)
	}

	if srv.MaxConnections > 0 {
		srv.slots = make(chan struct{}, srv.MaxConnections)
	}

	return srv, nil
}

// Server contains options for listening to an address.
type Server struct {
	closing atomic.Bool
	wg      sync.WaitGroup
	logger  *slog.Logger
	types   *pgtype.Map

	Auth            AuthStrategy
	BufferedMsgSize int
	Parameters      Parameters
	Parse           ParseFn
	TerminateConn   CloseFn
	Version         string

	MaxConnections     int
	IdleTimeout        time.Duration
	ShutdownGrace      time.Duration
	SlowQueryThreshold time.Duration
	Stats              StatsCollector

	slots   chan struct{}
	cancels *cancelRegistry

	nextConnID uint64

	mu    sync.Mutex
	conns map[uint64]*trackedConn

	closer chan struct{}
}

// trackedConn pairs a live client connection with the writer its serving
// goroutine is using, so a forced shutdown can still address the client in
// the protocol (an ErrorResponse) rather than just dropping the socket.
type trackedConn struct {
	conn   net.Conn
	writer *buffer.Writer
}

// ListenAndServe opens a new Postgres server on the preconfigured address and
// starts accepting and serving incoming client connections.
func (srv *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and serves incoming Postgres client connections using the
// preconfigured configurations. The given listener will be closed once the
// server is gracefully closed.
func (srv *Server) Serve(listener net.Listener) error {
	defer srv.logger.Info("closing server")

	srv.mu.Lock()
	if srv.conns == nil {
		srv.conns = make(map[uint64]*trackedConn)
	}
	srv.mu.Unlock()

	srv.logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))
	srv.wg.Add(1)

	go func() {
		defer srv.wg.Done()
		<-srv.closer

		err := listener.Close()
		if err != nil {
			srv.logger.Error("unexpected error while attempting to close the net listener", "err", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		go func() {
			ctx := context.Background()
			err := srv.serve(ctx, conn)
			if err != nil {
				srv.logger.Error("an unexpected error occurred while serving a client connection", "err", err)
				if srv.Stats != nil {
					srv.Stats.ConnectionError()
				}
			}
		}()
	}
}

func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	id := atomic.AddUint64(&srv.nextConnID, 1)
	remoteAddr := conn.RemoteAddr().String()

	sess := newSession(id, remoteAddr)
	sess.phase = PhaseAuthenticating

	ctx = setTypeInfo(ctx, srv.types)
	ctx = setSession(ctx, sess)

	srv.trackConn(id, conn)
	srv.Stats.ConnectionCreated(id, remoteAddr)

	defer func() {
		conn.Close()
		srv.untrackConn(id)
		srv.cancels.unregister(sess)
		srv.Stats.ConnectionDestroyed(id, sess.bytesIn, sess.bytesOut)
	}()

	srv.logger.Debug("serving a new client connection", slog.Uint64("conn_id", id), slog.String("remote_addr", remoteAddr))

	conn, version, reader, err := srv.Handshake(conn)
	if err != nil {
		return err
	}

	if version == types.VersionCancel {
		return nil
	}

	srv.logger.Debug("handshake successful, validating authentication")

	writer := buffer.NewWriter(srv.logger, conn)
	srv.trackWriter(id, writer)
	ctx, err = srv.readClientParameters(ctx, reader)
	if err != nil {
		return err
	}

	if srv.slots != nil {
		select {
		case srv.slots <- struct{}{}:
			defer func() { <-srv.slots }()
		default:
			srv.logger.Warn("rejecting connection, max_connections reached")
			return ErrorCode(writer, tooManyConnectionsErr())
		}
	}

	err = srv.handleAuth(ctx, reader, writer)
	if err != nil {
		return err
	}

	params := ClientParameters(ctx)
	sess.username = params[ParamUsername]
	sess.database = params[ParamDatabase]

	srv.logger.Debug("connection authenticated, writing server parameters")

	ctx, err = srv.writeParameters(ctx, writer, srv.Parameters)
	if err != nil {
		return err
	}

	sess.backendPID = int32(id)
	sess.backendSecret, err = randomInt32()
	if err != nil {
		return err
	}

	srv.cancels.register(sess)

	if err = backendKeyData(writer, sess.backendPID, sess.backendSecret); err != nil {
		return err
	}

	sess.phase = PhaseReady

	return srv.consumeCommands(ctx, conn, reader, writer)
}

func (srv *Server) trackConn(id uint64, conn net.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.conns == nil {
		srv.conns = make(map[uint64]*trackedConn)
	}
	srv.conns[id] = &trackedConn{conn: conn}
}

// trackWriter attaches the buffered writer a connection's serving goroutine
// ended up using, once the handshake has produced one.
func (srv *Server) trackWriter(id uint64, writer *buffer.Writer) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if tc, ok := srv.conns[id]; ok {
		tc.writer = writer
	}
}

func (srv *Server) untrackConn(id uint64) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.conns, id)
}

// Close gracefully closes the underlying Postgres server. Accepting new
// connections stops immediately; in-flight commands are given ShutdownGrace
// to finish (or waited for without limit when ShutdownGrace is zero). Every
// remaining connection is then sent a FATAL 57P01 error and closed.
func (srv *Server) Close() error {
	if srv.closing.Load() {
		return nil
	}

	srv.closing.Store(true)
	close(srv.closer)

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	grace := srv.ShutdownGrace
	if grace <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(grace):
			srv.logger.Warn("shutdown grace period elapsed, forcing remaining connections closed")
		}
	}

	srv.mu.Lock()
	for _, tc := range srv.conns {
		if tc.writer != nil {
			if err := ErrorCode(tc.writer, newErrAdminShutdown()); err != nil {
				srv.logger.Warn("failed to notify client of shutdown before closing", "err", err)
			}
		}
		tc.conn.Close()
	}
	srv.mu.Unlock()
	<-done
	return nil
}

func newErrAdminShutdown() error {
	err := errors.New("terminating connection due to administrator command")
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.AdminShutdown), pgerror.LevelFatal)
}

func tooManyConnectionsErr() error {
	err := pgerror.WithCode(errors.New("sorry, too many clients already"), codes.TooManyConnections)
	return pgerror.WithSeverity(err, pgerror.LevelFatal)
}

func randomInt32() (int32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to generate cancellation secret: %w", err)
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}
