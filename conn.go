package wire

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type ctxKey int

const (
	ctxTypeInfo ctxKey = iota
	ctxClientMetadata
	ctxServerMetadata
	ctxSession
)

// setTypeInfo stashes the server's shared Postgres type registry inside ctx.
func setTypeInfo(ctx context.Context, info *pgtype.Map) context.Context {
	return context.WithValue(ctx, ctxTypeInfo, info)
}

// TypeInfo returns the Postgres type registry if it has been set inside the
// given context.
func TypeInfo(ctx context.Context) *pgtype.Map {
	val := ctx.Value(ctxTypeInfo)
	if val == nil {
		return nil
	}

	return val.(*pgtype.Map)
}

// Parameters represents a parameters collection of parameter status keys and
// their values
type Parameters map[ParameterStatus]string

// ParameterStatus represents a metadata key that could be defined inside a server/client
// metadata definition
type ParameterStatus string

// At present there is a hard-wired set of parameters for which ParameterStatus
// will be generated.
// https://www.postgresql.org/docs/13/protocol-flow.html#PROTOCOL-ASYNC
const (
	ParamServerEncoding             ParameterStatus = "server_encoding"
	ParamClientEncoding             ParameterStatus = "client_encoding"
	ParamIsSuperuser                ParameterStatus = "is_superuser"
	ParamSessionAuthorization       ParameterStatus = "session_authorization"
	ParamApplicationName            ParameterStatus = "application_name"
	ParamDatabase                   ParameterStatus = "database"
	ParamUsername                   ParameterStatus = "user"
	ParamServerVersion              ParameterStatus = "server_version"
	ParamDateStyle                  ParameterStatus = "DateStyle"
	ParamIntervalStyle              ParameterStatus = "IntervalStyle"
	ParamTimeZone                   ParameterStatus = "TimeZone"
	ParamIntegerDatetimes           ParameterStatus = "integer_datetimes"
	ParamStandardConformingStrings  ParameterStatus = "standard_conforming_strings"
)

// setClientParameters constructs a new context containing the given parameters.
// Any previously defined metadata will be overriden.
func setClientParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxClientMetadata, params)
}

// ClientParameters returns the connection parameters if it has been set inside
// the given context.
func ClientParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxClientMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setServerParameters constructs a new context containing the given parameters map.
// Any previously defined metadata will be overriden.
func setServerParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxServerMetadata, params)
}

// ServerParameters returns the connection parameters if it has been set inside
// the given context.
func ServerParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxServerMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setSession attaches the per-connection session to ctx.
func setSession(ctx context.Context, sess *session) context.Context {
	return context.WithValue(ctx, ctxSession, sess)
}

// sessionFrom returns the per-connection session stashed by setSession.
func sessionFrom(ctx context.Context) *session {
	val := ctx.Value(ctxSession)
	if val == nil {
		return nil
	}

	return val.(*session)
}

// RemoteAddress returns the remote address of the connection carried by ctx,
// or the empty string if none is set.
func RemoteAddress(ctx context.Context) string {
	sess := sessionFrom(ctx)
	if sess == nil {
		return ""
	}

	return sess.remoteAddr
}

// TransactionStatusOf returns the transaction status of the connection
// carried by ctx.
func TransactionStatusOf(ctx context.Context) TransactionStatus {
	sess := sessionFrom(ctx)
	if sess == nil {
		return TxIdle
	}

	return sess.txStatus
}
