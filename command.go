package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/lib/pq/oid"
	"github.com/pgwiremock/pgwiremock/codes"
	psqlerr "github.com/pgwiremock/pgwiremock/errors"
	"github.com/pgwiremock/pgwiremock/pkg/buffer"
	"github.com/pgwiremock/pgwiremock/pkg/types"
)

// NewErrUnimplementedMessageType is called whenever an unimplemented message
// type is sent. This error indicates to the client that the sent message cannot
// be processed at this moment in time.
func NewErrUnimplementedMessageType(t types.ClientMessage) error {
	err := fmt.Errorf("unimplemented client message type: %s", t)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ConnectionDoesNotExist), psqlerr.LevelFatal)
}

// NewErrUnkownStatement is returned whenever no prepared statement has been
// found for the given name.
func NewErrUnkownStatement(name string) error {
	err := fmt.Errorf("unknown statement: %q", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidSQLStatementName), psqlerr.LevelError)
}

// newErrUnknownPortal is returned whenever no portal has been found for the
// given name.
func newErrUnknownPortal(name string) error {
	err := fmt.Errorf("unknown portal: %q", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidSQLStatementName), psqlerr.LevelError)
}

// NewErrMultipleCommandsStatements is returned whenever multiple statements have been
// given within a single query during the extended query protocol.
func NewErrMultipleCommandsStatements() error {
	err := errors.New("cannot insert multiple commands into a prepared statement")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

func newErrQueryCanceled() error {
	err := errors.New("canceling statement due to user request")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.QueryCanceled), psqlerr.LevelError)
}

func newErrIdleTimeout() error {
	err := errors.New("terminating connection due to idle timeout")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.AdminShutdown), psqlerr.LevelFatal)
}

// consumeCommands consumes incoming commands sent over the Postgres wire connection.
// This method keeps consuming messages until the client issues a Terminate
// message or the connection is dropped.
func (srv *Server) consumeCommands(ctx context.Context, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := sessionFrom(ctx)

	srv.logger.Debug("ready for query... starting to consume commands")

	err := readyForQuery(writer, sess.txStatus)
	if err != nil {
		return err
	}

	handle := srv.handleCommand(conn)
	for {
		if err = srv.consumeSingleCommand(ctx, conn, reader, writer, handle); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

type commandHandler func(context.Context, types.ClientMessage, *buffer.Reader, *buffer.Writer) error

func (srv *Server) consumeSingleCommand(ctx context.Context, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer, handleCommand commandHandler) error {
	if srv.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(srv.IdleTimeout)) //nolint:errcheck
	}

	t, length, err := reader.ReadTypedMsg()
	if errors.Is(err, os.ErrDeadlineExceeded) {
		srv.Stats.ConnectionTimeout()
		if writeErr := ErrorCode(writer, newErrIdleTimeout()); writeErr != nil {
			return writeErr
		}
		return err
	}

	if err == io.EOF {
		return io.EOF
	}

	// NOTE: we could recover from this scenario
	if errors.Is(err, buffer.ErrMessageSizeExceeded) {
		err = handleMessageSizeExceeded(reader, writer, err)
		if err != nil {
			return err
		}

		return nil
	}

	if err != nil {
		return err
	}

	if srv.closing.Load() {
		return nil
	}

	sess := sessionFrom(ctx)
	sess.bytesIn += uint64(length)
	srv.Stats.ProtocolMessage(byte(t))

	// NOTE: we increase the wait group by one in order to make sure that idle
	// connections are not blocking a close.
	srv.wg.Add(1)
	srv.logger.Debug("<- incoming command", slog.Int("length", length), slog.String("type", t.String()))
	err = handleCommand(ctx, t, reader, writer)
	srv.wg.Done()

	return err
}

// handleMessageSizeExceeded attempts to unwrap the given error message as
// message size exceeded. The expected message size will be consumed and
// discarded from the given reader. An error message is written to the client
// once the expected message size is read.
func handleMessageSizeExceeded(reader *buffer.Reader, writer *buffer.Writer, exceeded error) (err error) {
	unwrapped, has := buffer.UnwrapMessageSizeExceeded(exceeded)
	if !has {
		return exceeded
	}

	err = reader.Slurp(unwrapped.Size)
	if err != nil {
		return err
	}

	return ErrorCode(writer, psqlerr.WithCode(exceeded, codes.ProtocolViolation))
}

// handleCommand handles the given client message. A client message includes a
// message type and reader buffer containing the actual message. The type
// indicates the action requested by the client.
// https://www.postgresql.org/docs/14/protocol-message-formats.html
func (srv *Server) handleCommand(conn net.Conn) commandHandler {
	return func(ctx context.Context, t types.ClientMessage, reader *buffer.Reader, writer *buffer.Writer) (err error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sess := sessionFrom(ctx)

		defer func() {
			if r := recover(); r != nil {
				srv.logger.Error("recovered from panic while handling a client command", "panic", r)
				sess.txStatus = TxFailed
				writeErr := ErrorCode(writer, psqlerr.WithSeverity(
					psqlerr.WithCode(fmt.Errorf("internal error: %v", r), codes.Internal),
					psqlerr.LevelFatal))
				if writeErr != nil {
					err = writeErr
					return
				}
				err = io.EOF
			}
		}()

		// An extended-query sequence that has errored discards every message
		// up to the next Sync (invariant: one ErrorResponse per Sync until
		// recovery), except Sync and Terminate themselves.
		if sess.poisoned && t != types.ClientSync && t != types.ClientTerminate {
			return nil
		}

		switch t {
		case types.ClientSimpleQuery:
			return srv.handleSimpleQuery(ctx, reader, writer)
		case types.ClientExecute:
			return srv.handleExecute(ctx, reader, writer)
		case types.ClientParse:
			return srv.handleParse(ctx, reader, writer)
		case types.ClientDescribe:
			return srv.handleDescribe(ctx, reader, writer)
		case types.ClientSync:
			sess.poisoned = false
			sess.closeUnnamed()
			return readyForQuery(writer, sess.txStatus)
		case types.ClientBind:
			return srv.handleBind(ctx, reader, writer)
		case types.ClientFlush:
			// The Flush message carries no response of its own; it only forces
			// the backend to deliver output it had been allowed to buffer. All
			// responses here are already written eagerly, so there is nothing
			// to flush.
			return nil
		case types.ClientClose:
			return srv.handleClose(ctx, reader, writer)
		case types.ClientTerminate:
			err := srv.handleConnTerminate(ctx)
			if err != nil {
				return err
			}

			return io.EOF
		default:
			return ErrorCode(writer, NewErrUnimplementedMessageType(t))
		}
	}
}

// handleSimpleQuery implements the simple query cycle: the batch is split on
// top-level semicolons, each sub-statement prepared, bound, and executed in
// turn, stopping at the first error. A single ReadyForQuery closes the
// cycle, reporting whatever transaction_status the batch left behind.
func (srv *Server) handleSimpleQuery(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := sessionFrom(ctx)
	srv.Stats.SimpleQueryUsed()

	query, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming simple query", slog.String("query", query))

	if strings.TrimSpace(query) == "" {
		if err := emptyQueryResponse(writer); err != nil {
			return err
		}
		return readyForQuery(writer, sess.txStatus)
	}

	qctx := srv.queryContext(sess)

	for _, sub := range splitStatements(query) {
		if strings.TrimSpace(sub) == "" {
			continue
		}

		stmt, kind, err := srv.prepare(sess, qctx, sub)
		if err != nil {
			if writeErr := errorOnly(writer, err); writeErr != nil {
				return writeErr
			}
			sess.txStatus = TxFailed
			break
		}

		if err := gateFailedTransaction(sess, kind); err != nil {
			if writeErr := errorOnly(writer, err); writeErr != nil {
				return writeErr
			}
			break
		}

		start := time.Now()
		rows, tag, action, err := stmt.Exec(nil)
		if err != nil {
			srv.Stats.Query(sub, time.Since(start), false, string(psqlerr.GetCode(err)))
			if writeErr := errorOnly(writer, err); writeErr != nil {
				return writeErr
			}
			sess.txStatus = TxFailed
			break
		}
		srv.Stats.Query(sub, time.Since(start), true, "")

		if action != TxNone {
			var notice string
			tag, notice = applyTxAction(sess, action)
			if notice != "" {
				if err := noticeResponse(writer, notice); err != nil {
					return err
				}
			}
		}

		if len(stmt.Columns) > 0 {
			if err := stmt.Columns.Define(writer, nil); err != nil {
				return err
			}

			for _, row := range rows {
				if err := stmt.Columns.Write(writer, nil, row); err != nil {
					return err
				}
			}
		}

		if err := commandComplete(writer, tag); err != nil {
			return err
		}
	}

	return readyForQuery(writer, sess.txStatus)
}

// prepare resolves sub into a PreparedStatement, intercepting transaction
// control statements (BEGIN/COMMIT/ROLLBACK) and DEALLOCATE before ever
// reaching the pluggable dialect (invariant: transaction_status transitions
// and the prepared-statement cache are core responsibilities, not a
// dispatcher one, since only the core has access to the session's
// statement map).
func (srv *Server) prepare(sess *session, qctx *QueryContext, sub string) (*PreparedStatement, TxAction, error) {
	if kind, ok := classifyTxControl(sub); ok {
		return prepareTxControl(kind), kind, nil
	}

	if name, all, ok := classifyDeallocate(sub); ok {
		return prepareDeallocate(sess, name, all), TxNone, nil
	}

	if srv.Parse == nil {
		return nil, TxNone, NewErrUnimplementedMessageType(types.ClientSimpleQuery)
	}

	stmt, err := srv.Parse(qctx, sub)
	if err != nil {
		return nil, TxNone, err
	}

	return stmt, TxNone, nil
}

func (srv *Server) queryContext(sess *session) *QueryContext {
	return &QueryContext{
		Username:      sess.username,
		Database:      sess.database,
		BackendPID:    sess.backendPID,
		TxStatus:      sess.txStatus,
		ServerVersion: srv.Version,
		ConnectedAt:   sess.createdAt,
	}
}

func (srv *Server) handleParse(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := sessionFrom(ctx)
	srv.Stats.ExtendedQueryUsed()

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	query, err := reader.GetString()
	if err != nil {
		return err
	}

	numParams, err := reader.GetUint16()
	if err != nil {
		return err
	}

	paramOIDs := make([]oid.Oid, numParams)
	for i := range paramOIDs {
		o, err := reader.GetUint32()
		if err != nil {
			return err
		}
		paramOIDs[i] = oid.Oid(o)
	}

	srv.logger.Debug("incoming parse", slog.String("name", name), slog.String("query", query))

	subs := splitStatements(query)
	if len(subs) > 1 {
		return srv.poisonAndReport(sess, writer, NewErrMultipleCommandsStatements())
	}

	var stmt *PreparedStatement
	if len(subs) == 0 {
		stmt = &PreparedStatement{Exec: func([]Value) ([][]any, string, TxAction, error) {
			return nil, "", TxNone, nil
		}}
	} else {
		qctx := srv.queryContext(sess)
		stmt, _, err = srv.prepare(sess, qctx, subs[0])
		if err != nil {
			return srv.poisonAndReport(sess, writer, err)
		}
	}

	stmt.Name = name
	stmt.SQL = query
	if len(paramOIDs) > 0 {
		stmt.ParamOIDs = paramOIDs
	}

	sess.putStatement(stmt)

	writer.Start(types.ServerParseComplete)
	return writer.End()
}

func (srv *Server) handleDescribe(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := sessionFrom(ctx)

	d, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming describe request", slog.String("type", types.DescribeMessage(d[0]).String()), slog.String("name", name))

	switch types.DescribeMessage(d[0]) {
	case types.DescribeStatement:
		stmt, ok := sess.statements[name]
		if !ok {
			return srv.poisonAndReport(sess, writer, NewErrUnkownStatement(name))
		}

		if err := srv.writeParameterDescription(writer, stmt.ParamOIDs); err != nil {
			return err
		}

		return srv.writeColumnDescription(writer, nil, stmt.Columns)
	case types.DescribePortal:
		portal, ok := sess.portals[name]
		if !ok {
			return srv.poisonAndReport(sess, writer, newErrUnknownPortal(name))
		}

		return srv.writeColumnDescription(writer, portal.ResultFormats, portal.Stmt.Columns)
	}

	return srv.poisonAndReport(sess, writer, fmt.Errorf("unknown describe command: %s", string(d[0])))
}

// https://www.postgresql.org/docs/15/protocol-message-formats.html
func (srv *Server) writeParameterDescription(writer *buffer.Writer, params []oid.Oid) error {
	writer.Start(types.ServerParameterDescription)
	writer.AddInt16(int16(len(params)))

	for _, p := range params {
		writer.AddInt32(int32(p))
	}

	return writer.End()
}

// writeColumnDescription writes the statement column descriptions back to
// the writer. Information about the returned columns is written to the
// client, or NoData if the statement returns no rows.
func (srv *Server) writeColumnDescription(writer *buffer.Writer, formats []FormatCode, columns Columns) error {
	if len(columns) == 0 {
		return noData(writer)
	}

	return columns.Define(writer, formats)
}

func (srv *Server) handleBind(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := sessionFrom(ctx)

	portalName, err := reader.GetString()
	if err != nil {
		return err
	}

	stmtName, err := reader.GetString()
	if err != nil {
		return err
	}

	stmt, ok := sess.statements[stmtName]
	if !ok {
		srv.Stats.PreparedStatementMiss()
		return srv.poisonAndReport(sess, writer, NewErrUnkownStatement(stmtName))
	}
	srv.Stats.PreparedStatementHit()

	values, err := srv.readParameters(reader, stmt.ParamOIDs)
	if err != nil {
		return err
	}

	resultFormats, err := srv.readColumnTypes(reader)
	if err != nil {
		return err
	}

	kind, _ := classifyTxControl(stmt.SQL)
	if err := gateFailedTransaction(sess, kind); err != nil {
		return srv.poisonAndReport(sess, writer, err)
	}

	start := time.Now()
	rows, tag, action, err := stmt.Exec(values)
	if err != nil {
		srv.Stats.Query(stmt.SQL, time.Since(start), false, string(psqlerr.GetCode(err)))
		sess.txStatus = TxFailed
		return srv.poisonAndReport(sess, writer, err)
	}
	srv.Stats.Query(stmt.SQL, time.Since(start), true, "")

	var notice string
	if action != TxNone {
		tag, notice = applyTxAction(sess, action)
	}

	sess.closePortal(portalName)
	sess.portals[portalName] = &Portal{
		Name:          portalName,
		Stmt:          stmt,
		Params:        values,
		ResultFormats: resultFormats,
		Tag:           tag,
		rows:          rows,
	}

	if notice != "" {
		if err := noticeResponse(writer, notice); err != nil {
			return err
		}
	}

	writer.Start(types.ServerBindComplete)
	return writer.End()
}

// readParameters reads the bound parameter values, pairing each with its
// declared type OID (falling back to text/unknown when Parse did not pin one
// down). Values are kept as raw bytes with their format code; no codec is
// applied here.
// https://www.postgresql.org/docs/14/protocol-message-formats.html
func (srv *Server) readParameters(reader *buffer.Reader, paramOIDs []oid.Oid) ([]Value, error) {
	length, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	defaultFormat := TextFormat
	formats := make([]FormatCode, length)
	for i := uint16(0); i < length; i++ {
		format, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		if length == 1 {
			defaultFormat = FormatCode(format)
		}

		formats[i] = FormatCode(format)
	}

	length, err = reader.GetUint16()
	if err != nil {
		return nil, err
	}

	values := make([]Value, length)
	for i := 0; i < int(length); i++ {
		size, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}

		bb, err := reader.GetBytes(int(size))
		if err != nil {
			return nil, err
		}

		format := defaultFormat
		if len(formats) > i {
			format = formats[i]
		}

		o := oid.T_unknown
		if len(paramOIDs) > i && paramOIDs[i] != 0 {
			o = paramOIDs[i]
		}

		values[i] = Value{Oid: o, Format: format, Bytes: bb}
	}

	return values, nil
}

func (srv *Server) readColumnTypes(reader *buffer.Reader) ([]FormatCode, error) {
	length, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	formats := make([]FormatCode, length)
	for i := uint16(0); i < length; i++ {
		format, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		formats[i] = FormatCode(format)
	}

	return formats, nil
}

func (srv *Server) handleExecute(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := sessionFrom(ctx)

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	maxRows, err := reader.GetUint32()
	if err != nil {
		return err
	}

	srv.logger.Debug("executing", slog.String("name", name), slog.Uint64("max_rows", uint64(maxRows)))

	portal, ok := sess.portals[name]
	if !ok {
		return srv.poisonAndReport(sess, writer, newErrUnknownPortal(name))
	}

	if strings.TrimSpace(portal.Stmt.SQL) == "" {
		return emptyQueryResponse(writer)
	}

	remaining := portal.rows[portal.cursor:]
	limit := len(remaining)
	if maxRows > 0 && int(maxRows) < limit {
		limit = int(maxRows)
	}

	for i := 0; i < limit; i++ {
		if sess.consumeCancel() {
			sess.txStatus = TxFailed
			return srv.poisonAndReport(sess, writer, newErrQueryCanceled())
		}

		if err := portal.Stmt.Columns.Write(writer, portal.ResultFormats, remaining[i]); err != nil {
			return err
		}
	}

	portal.cursor += uint64(limit)

	if portal.cursor < uint64(len(portal.rows)) {
		writer.Start(types.ServerPortalSuspended)
		return writer.End()
	}

	return commandComplete(writer, portal.Tag)
}

func (srv *Server) handleClose(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := sessionFrom(ctx)

	d, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	switch types.DescribeMessage(d[0]) {
	case types.DescribeStatement:
		sess.closeStatement(name)
	case types.DescribePortal:
		sess.closePortal(name)
	}

	writer.Start(types.ServerCloseComplete)
	return writer.End()
}

func (srv *Server) handleConnTerminate(ctx context.Context) error {
	if srv.TerminateConn == nil {
		return nil
	}

	return srv.TerminateConn(ctx)
}

// poisonAndReport marks the session poisoned (suppressing further extended
// query messages until the next Sync) and writes an ErrorResponse.
func (srv *Server) poisonAndReport(sess *session, writer *buffer.Writer, err error) error {
	sess.poisoned = true
	return errorOnly(writer, err)
}

// errorOnly writes an ErrorResponse without the trailing ReadyForQuery that
// [ErrorCode] appends; the extended query protocol only emits ReadyForQuery
// once, at Sync.
func errorOnly(writer *buffer.Writer, err error) error {
	desc := psqlerr.Flatten(err)

	writer.Start(types.ServerErrorResponse)
	writer.AddByte(byte(errFieldSeverity))
	writer.AddString(string(desc.Severity))
	writer.AddNullTerminate()
	writer.AddByte(byte(errFieldSQLState))
	writer.AddString(string(desc.Code))
	writer.AddNullTerminate()
	writer.AddByte(byte(errFieldMsgPrimary))
	writer.AddString(desc.Message)
	writer.AddNullTerminate()
	writer.AddNullTerminate()
	return writer.End()
}
