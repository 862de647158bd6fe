package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"

	"github.com/pgwiremock/pgwiremock/pkg/buffer"
	"github.com/pgwiremock/pgwiremock/pkg/types"
)

// Handshake performs the connection handshake and returns the connection
// version and a buffered reader to read incoming messages send by the client.
func (srv *Server) Handshake(conn net.Conn) (_ net.Conn, version types.Version, reader *buffer.Reader, err error) {
	reader = buffer.NewReader(srv.logger, conn, srv.BufferedMsgSize)
	version, err = srv.readVersion(reader)
	if err != nil {
		return conn, version, reader, err
	}

	// TLS and GSS encrypted connections are declined outright: every
	// negotiation request is acknowledged and turned down rather than
	// upgraded.
	conn, reader, version, err = srv.declineUpgrade(conn, reader, version)
	if err != nil {
		return conn, version, reader, err
	}

	if version == types.VersionCancel {
		processID, secretKey, err := srv.readCancelRequest(reader)
		if err != nil {
			return conn, version, reader, err
		}

		srv.logger.Debug("received cancel request", slog.Int("pid", int(processID)))

		if srv.cancels != nil {
			srv.cancels.cancel(processID, secretKey)
		}

		return conn, version, reader, nil
	}

	return conn, version, reader, nil
}

// readVersion reads the start-up protocol version (uint32) and the
// buffer containing the rest.
func (srv *Server) readVersion(reader *buffer.Reader) (_ types.Version, err error) {
	var version uint32
	_, err = reader.ReadUntypedMsg()
	if err != nil {
		return 0, err
	}

	version, err = reader.GetUint32()
	if err != nil {
		return 0, err
	}

	return types.Version(version), nil
}

// readCancelRequest reads the cancel request parameters (processID and secretKey)
// from the client connection. The full cancel request format is:
// Int32(16) - Length of message contents in bytes, including self
// Int32(80877102) - The cancel request code (already read as version)
// Int32 - The process ID of the target backend
// Int32 - The secret key for the target backend
// The first two fields are already handled by readVersion, so this only needs
// to read the last two fields.
func (srv *Server) readCancelRequest(reader *buffer.Reader) (processID int32, secretKey int32, err error) {
	processID, err = reader.GetInt32()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read process ID from cancel request: %w", err)
	}

	secretKey, err = reader.GetInt32()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read secret key from cancel request: %w", err)
	}

	return processID, secretKey, nil
}

// readyForQuery indicates that the server is ready to receive queries. The
// transaction status byte mirrors the session's current transaction_status
// and should be written at the close of every command cycle.
func readyForQuery(writer *buffer.Writer, status TransactionStatus) error {
	writer.Start(types.ServerReady)
	writer.AddByte(byte(status))
	return writer.End()
}

// backendKeyData announces the backend PID and cancellation secret a client
// can later present through a CancelRequest on a second connection.
func backendKeyData(writer *buffer.Writer, pid, secret int32) error {
	writer.Start(types.ServerBackendKeyData)
	writer.AddInt32(pid)
	writer.AddInt32(secret)
	return writer.End()
}

// readClientParameters reads the key/value connection parameters send by the
// client and returns a new context carrying the consumed parameters.
func (srv *Server) readClientParameters(ctx context.Context, reader *buffer.Reader) (_ context.Context, err error) {
	meta := make(Parameters)

	srv.logger.Debug("reading client parameters")

	for {
		key, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		// an empty key indicates the end of the connection parameters
		if len(key) == 0 {
			break
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		srv.logger.Debug("client parameter", slog.String("key", key), slog.String("value", value))
		meta[ParameterStatus(key)] = value
	}

	return setClientParameters(ctx, meta), nil
}

// writeParameters writes the server parameters such as client encoding to the client.
// The written parameters will be attached as a value to the given context. A new
// context containing the written parameters will be returned.
// https://www.postgresql.org/docs/10/libpq-status.html
func (srv *Server) writeParameters(ctx context.Context, writer *buffer.Writer, params Parameters) (_ context.Context, err error) {
	if params == nil {
		params = make(Parameters, 4)
	} else {
		params = maps.Clone(params)
	}

	srv.logger.Debug("writing server parameters")

	params[ParamServerEncoding] = "UTF8"
	params[ParamClientEncoding] = "UTF8"
	if srv.Version != "" {
		params[ParamServerVersion] = srv.Version
	} else {
		params[ParamServerVersion] = "15.1"
	}
	params[ParamIsSuperuser] = buffer.EncodeBoolean(IsSuperUser(ctx))
	params[ParamSessionAuthorization] = AuthenticatedUsername(ctx)
	params[ParamApplicationName] = ""
	params[ParamDateStyle] = "ISO, MDY"
	params[ParamIntervalStyle] = "postgres"
	params[ParamTimeZone] = "UTC"
	params[ParamIntegerDatetimes] = "on"
	params[ParamStandardConformingStrings] = "on"

	for key, value := range params {
		srv.logger.Debug("server parameter", slog.String("key", string(key)), slog.String("value", value))

		writer.Start(types.ServerParameterStatus)
		writer.AddString(string(key))
		writer.AddNullTerminate()
		writer.AddString(value)
		writer.AddNullTerminate()
		err = writer.End()
		if err != nil {
			return ctx, err
		}
	}

	return setServerParameters(ctx, params), nil
}

// declineUpgrade responds to an SSLRequest or GSSENCRequest by announcing
// that the server has no secure transport to offer (spec Non-goal: TLS/GSS
// negotiation is acknowledged, never upgraded to) and re-reads the version
// the client sends next.
func (srv *Server) declineUpgrade(conn net.Conn, reader *buffer.Reader, version types.Version) (_ net.Conn, _ *buffer.Reader, _ types.Version, err error) {
	if version != types.VersionSSLRequest && version != types.VersionGSSENC {
		return conn, reader, version, nil
	}

	srv.logger.Debug("declining secure transport upgrade", slog.String("requested", fmt.Sprintf("%d", version)))

	_, err = conn.Write(sslUnsupported)
	if err != nil {
		return conn, reader, version, err
	}

	version, err = srv.readVersion(reader)
	if err != nil {
		return conn, reader, version, err
	}

	if version == types.VersionCancel {
		return conn, reader, version, errors.New("unexpected cancel request immediately after a declined upgrade")
	}

	return conn, reader, version, nil
}
