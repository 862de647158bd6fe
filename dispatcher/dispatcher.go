// Package dispatcher implements the demo SQL dialect a mock server answers
// queries with: a handful of recognized shapes (SELECT over literals,
// SELECT over a few pseudo-functions, SHOW) plus a catch-all that still
// round-trips the wire protocol correctly for anything else. It is wired in
// as a wire.ParseFn and never touches the connection directly.
//
// DEALLOCATE is not handled here: the wire core intercepts it before ever
// calling Parse, the same way it intercepts BEGIN/COMMIT/ROLLBACK, since
// only the core has access to the session's prepared-statement cache.
package dispatcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq/oid"
	"github.com/shopspring/decimal"

	wire "github.com/pgwiremock/pgwiremock"
	"github.com/pgwiremock/pgwiremock/codes"
	psqlerr "github.com/pgwiremock/pgwiremock/errors"
)

// Dispatcher answers the demo dialect's recognized statements and falls
// back to a generic zero-row reply for anything it does not model.
type Dispatcher struct{}

// New constructs a Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Parse implements wire.ParseFn.
func (d *Dispatcher) Parse(qctx *wire.QueryContext, sql string) (*wire.PreparedStatement, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	upper := strings.ToUpper(trimmed)

	switch {
	case upper == "":
		return emptyStatement(sql), nil
	case strings.HasPrefix(upper, "SELECT "):
		return d.parseSelect(qctx, trimmed)
	case upper == "SHOW ALL":
		return showAll(qctx), nil
	case strings.HasPrefix(upper, "SHOW "):
		return showParam(qctx, strings.TrimSpace(trimmed[len("SHOW "):])), nil
	default:
		return genericStatement(sql), nil
	}
}

// emptyStatement mirrors the wire package's own empty-statement handling so
// an all-whitespace sub-statement routed through the dispatcher (rather than
// short-circuited earlier) still produces the same EmptyQueryResponse shape.
func emptyStatement(sql string) *wire.PreparedStatement {
	return &wire.PreparedStatement{
		SQL: sql,
		Exec: func([]wire.Value) ([][]any, string, wire.TxAction, error) {
			return nil, "", wire.TxNone, nil
		},
	}
}

// genericStatement answers any statement the dialect does not specifically
// model with a zero-row, zero-column reply tagged with the statement's verb,
// matching how this mock server lets unrecognized SQL round-trip instead of
// rejecting it outright.
func genericStatement(sql string) *wire.PreparedStatement {
	verb := firstWord(sql)
	return &wire.PreparedStatement{
		SQL: sql,
		Exec: execConst(nil, verb+" 0"),
	}
}

func firstWord(sql string) string {
	trimmed := strings.TrimSpace(sql)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "OTHER"
	}
	return strings.ToUpper(fields[0])
}

// execConst builds an ExecFn shape that always returns the same rows and
// command tag, used by every statement kind this dialect answers without
// parameters.
func execConst(rows [][]any, tag string) func([]wire.Value) ([][]any, string, wire.TxAction, error) {
	return func([]wire.Value) ([][]any, string, wire.TxAction, error) {
		return rows, tag, wire.TxNone, nil
	}
}

// parseSelect recognizes the small set of SELECT shapes the demo dialect
// answers: a literal list and a handful of pseudo-functions. A select item
// that is neither is rejected with a 42601 syntax error.
func (d *Dispatcher) parseSelect(qctx *wire.QueryContext, sql string) (*wire.PreparedStatement, error) {
	body := strings.TrimSpace(sql[len("SELECT "):])
	lowered := strings.ToLower(body)

	switch lowered {
	case "version()":
		return oneColumn("version", oid.T_text, qctx.ServerVersion), nil
	case "current_user":
		return oneColumn("current_user", oid.T_text, qctx.Username), nil
	case "current_database()":
		return oneColumn("current_database", oid.T_text, qctx.Database), nil
	case "pg_backend_pid()":
		return oneColumn("pg_backend_pid", oid.T_int4, qctx.BackendPID), nil
	case "now()", "current_timestamp":
		return oneColumn(lowered, oid.T_text, qctx.ConnectedAt.Format("2006-01-02 15:04:05.999999-07")), nil
	}

	parts, err := splitLiteralList(body)
	if err != nil {
		return nil, err
	}

	values, err := parseLiterals(parts)
	if err != nil {
		return nil, err
	}

	columns := make(wire.Columns, len(values))
	for i, v := range values {
		columns[i] = wire.Column{Name: "?column?", Oid: inferOID(v), Width: -1}
	}

	return &wire.PreparedStatement{
		SQL:     sql,
		Columns: columns,
		Exec:    execConst([][]any{values}, "SELECT 1"),
	}, nil
}

// oneColumn builds the common shape of a pseudo-function's answer: a single
// row containing a single named column.
func oneColumn(name string, o oid.Oid, value any) *wire.PreparedStatement {
	return &wire.PreparedStatement{
		SQL:     "SELECT " + name,
		Columns: wire.Columns{{Name: name, Oid: o, Width: -1}},
		Exec:    execConst([][]any{{value}}, "SELECT 1"),
	}
}

// newErrSyntax reports a SQL shape the demo dialect cannot make sense of,
// matching the SQLSTATE a real backend would raise for the same malformed
// input.
func newErrSyntax(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// splitLiteralList splits a comma-separated SELECT list at the top level,
// leaving quoted literals intact. An unterminated quote or an unbalanced
// parenthesis is genuinely malformed SQL, not a shape this dialect simply
// declines to model, so it is reported as a syntax error rather than
// tolerated.
func splitLiteralList(body string) ([]string, error) {
	var parts []string
	var buf strings.Builder

	runes := []rune(body)
	depth := 0
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == '\'':
			buf.WriteRune(r)
			i++
			closed := false
			for i < len(runes) {
				buf.WriteRune(runes[i])
				if runes[i] == '\'' {
					i++
					closed = true
					break
				}
				i++
			}
			if !closed {
				return nil, newErrSyntax("unterminated quoted string in %q", body)
			}
			continue
		case r == '(':
			depth++
			buf.WriteRune(r)
		case r == ')':
			depth--
			if depth < 0 {
				return nil, newErrSyntax("unbalanced parentheses in %q", body)
			}
			buf.WriteRune(r)
		case r == ',' && depth == 0:
			parts = append(parts, buf.String())
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
		i++
	}
	if depth != 0 {
		return nil, newErrSyntax("unbalanced parentheses in %q", body)
	}
	parts = append(parts, buf.String())

	for idx, p := range parts {
		parts[idx] = strings.TrimSpace(p)
	}

	return parts, nil
}

// parseLiterals converts each literal expression into a Go value: quoted
// strings, numeric literals (int or decimal), booleans, and NULL. Anything
// that isn't one of those shapes is an expression this dialect doesn't
// evaluate, reported as a syntax error rather than echoed back as text.
func parseLiterals(parts []string) ([]any, error) {
	values := make([]any, len(parts))
	for i, p := range parts {
		v, err := parseLiteral(p)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func parseLiteral(raw string) (any, error) {
	switch {
	case raw == "":
		return nil, nil
	case strings.EqualFold(raw, "null"):
		return nil, nil
	case strings.EqualFold(raw, "true"):
		return true, nil
	case strings.EqualFold(raw, "false"):
		return false, nil
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'"), nil
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if f, err := decimal.NewFromString(raw); err == nil {
		return f, nil
	}

	return nil, newErrSyntax("syntax error at or near %q", raw)
}

func inferOID(v any) oid.Oid {
	switch v.(type) {
	case bool:
		return oid.T_bool
	case int64:
		return oid.T_int8
	case decimal.Decimal:
		return oid.T_numeric
	case nil:
		return oid.T_unknown
	default:
		return oid.T_text
	}
}

// showParam answers SHOW <name> for the connection parameters the wire
// package tracks, falling back to an empty string for anything unknown
// rather than erroring, since SHOW is read-only and advisory.
func showParam(qctx *wire.QueryContext, name string) *wire.PreparedStatement {
	value := lookupShowable(qctx, strings.ToLower(name))
	return &wire.PreparedStatement{
		SQL:     "SHOW " + name,
		Columns: wire.Columns{{Name: strings.ToLower(name), Oid: oid.T_text, Width: -1}},
		Exec:    execConst([][]any{{value}}, "SHOW"),
	}
}

// showAll answers SHOW ALL with one row per known parameter, the shape
// psql's \dconfig-style output expects: name, setting, description.
func showAll(qctx *wire.QueryContext) *wire.PreparedStatement {
	names := []string{"server_version", "client_encoding", "DateStyle", "TimeZone"}
	rows := make([][]any, 0, len(names))
	for _, n := range names {
		rows = append(rows, []any{n, lookupShowable(qctx, strings.ToLower(n)), ""})
	}

	return &wire.PreparedStatement{
		SQL: "SHOW ALL",
		Columns: wire.Columns{
			{Name: "name", Oid: oid.T_text, Width: -1},
			{Name: "setting", Oid: oid.T_text, Width: -1},
			{Name: "description", Oid: oid.T_text, Width: -1},
		},
		Exec: execConst(rows, fmt.Sprintf("SHOW %d", len(rows))),
	}
}

func lookupShowable(qctx *wire.QueryContext, name string) string {
	switch name {
	case "server_version":
		return qctx.ServerVersion
	case "client_encoding":
		return "UTF8"
	case "datestyle":
		return "ISO, MDY"
	case "timezone":
		return "UTC"
	default:
		return ""
	}
}
