package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/pgwiremock/pgwiremock/codes"
	pgerror "github.com/pgwiremock/pgwiremock/errors"
)

// QueryContext carries the session facts the demo dialect needs to answer
// SELECT current_user / current_database / pg_backend_pid / now() without
// reaching back into the wire package's unexported session type.
type QueryContext struct {
	Username      string
	Database      string
	BackendPID    int32
	TxStatus      TransactionStatus
	ServerVersion string
	ConnectedAt   time.Time
}

// ParseFn analyzes a single SQL statement and returns a PreparedStatement
// describing its parameters, result columns, and evaluator. It is invoked
// for every statement received, whether that text arrived as one
// sub-statement of a simple-query batch or as an extended-query Parse;
// results are not cached by statement text.
type ParseFn func(qctx *QueryContext, sql string) (*PreparedStatement, error)

// classifyTxControl recognises BEGIN/START TRANSACTION, COMMIT/END, and
// ROLLBACK, tolerant of a missing trailing semicolon (Open Question i).
func classifyTxControl(sql string) (TxAction, bool) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	upper := strings.ToUpper(trimmed)

	switch {
	case upper == "BEGIN" || strings.HasPrefix(upper, "BEGIN ") || upper == "START TRANSACTION" || strings.HasPrefix(upper, "START TRANSACTION"):
		return TxBegin, true
	case upper == "COMMIT" || strings.HasPrefix(upper, "COMMIT ") || upper == "END" || strings.HasPrefix(upper, "END "):
		return TxCommit, true
	case upper == "ROLLBACK" || strings.HasPrefix(upper, "ROLLBACK "):
		return TxRollback, true
	default:
		return TxNone, false
	}
}

// prepareTxControl builds the synthetic PreparedStatement used for
// BEGIN/COMMIT/ROLLBACK. The actual transaction_status transition happens in
// applyTxAction once the statement "executes" (invariant ii: transitions
// only happen at ReadyForQuery boundaries or on BEGIN/COMMIT/ROLLBACK
// execution).
func prepareTxControl(kind TxAction) *PreparedStatement {
	return &PreparedStatement{
		Exec: func(params []Value) ([][]any, string, TxAction, error) {
			return nil, "", kind, nil
		},
	}
}

// classifyDeallocate recognizes DEALLOCATE <name> and DEALLOCATE ALL,
// tolerant of a missing trailing semicolon and of the name being quoted.
func classifyDeallocate(sql string) (name string, all bool, ok bool) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	upper := strings.ToUpper(trimmed)

	switch {
	case upper == "DEALLOCATE ALL":
		return "", true, true
	case strings.HasPrefix(upper, "DEALLOCATE "):
		rest := strings.TrimSpace(trimmed[len("DEALLOCATE "):])
		if strings.EqualFold(rest, "PREPARE") {
			return "", false, false
		}
		rest = strings.TrimPrefix(rest, "PREPARE ")
		rest = strings.TrimSpace(rest)
		return strings.Trim(rest, `"`), false, true
	default:
		return "", false, false
	}
}

// prepareDeallocate builds the synthetic PreparedStatement used for
// DEALLOCATE. The statement cache is a core concern (only the wire package
// has access to the session's statement map), so this never reaches the
// pluggable dialect.
func prepareDeallocate(sess *session, name string, all bool) *PreparedStatement {
	return &PreparedStatement{
		Exec: func(params []Value) ([][]any, string, TxAction, error) {
			if all {
				sess.statements = make(map[string]*PreparedStatement)
				sess.portals = make(map[string]*Portal)
				return nil, "DEALLOCATE ALL", TxNone, nil
			}

			if _, ok := sess.statements[name]; !ok {
				return nil, "", TxNone, pgerror.WithCode(
					fmt.Errorf("prepared statement %q does not exist", name),
					codes.UndefinedObject,
				)
			}

			sess.closeStatement(name)
			return nil, "DEALLOCATE", TxNone, nil
		},
	}
}

// errInFailedTransaction is returned by the transaction gate.
func errInFailedTransaction() error {
	err := pgerror.WithCode(
		errInFailedTransactionCause,
		codes.InFailedSQLTransaction,
	)
	return pgerror.WithSeverity(err, pgerror.LevelError)
}

var errInFailedTransactionCause = &txFailedError{}

type txFailedError struct{}

func (*txFailedError) Error() string {
	return "current transaction is aborted, commands ignored until end of transaction block"
}

// gateFailedTransaction rejects any statement other than ROLLBACK while the
// session's transaction is in the failed state.
func gateFailedTransaction(sess *session, kind TxAction) error {
	if sess.txStatus == TxFailed && kind != TxRollback {
		return errInFailedTransaction()
	}
	return nil
}

// applyTxAction transitions sess.txStatus for a successfully executed
// BEGIN/COMMIT/ROLLBACK, returning the command tag and an optional advisory
// notice to send alongside it.
func applyTxAction(sess *session, action TxAction) (tag string, notice string) {
	switch action {
	case TxBegin:
		if sess.txStatus == TxActive {
			notice = "there is already a transaction in progress"
		} else {
			sess.txStatus = TxActive
		}
		return "BEGIN", notice
	case TxCommit:
		sess.portals = make(map[string]*Portal)
		if sess.txStatus == TxFailed {
			sess.txStatus = TxIdle
			return "ROLLBACK", "commit of failed transaction, rolling back instead"
		}
		if sess.txStatus == TxIdle {
			notice = "there is no transaction in progress"
		}
		sess.txStatus = TxIdle
		return "COMMIT", notice
	case TxRollback:
		sess.portals = make(map[string]*Portal)
		sess.txStatus = TxIdle
		return "ROLLBACK", notice
	default:
		return "", ""
	}
}

// splitStatements splits a simple-query batch on statement-terminating
// semicolons, respecting single-quoted strings, double-quoted identifiers,
// and dollar-quoted strings. Empty trailing fragments (e.g. the text after a
// final semicolon) are dropped.
func splitStatements(sql string) []string {
	var stmts []string
	var buf strings.Builder

	runes := []rune(sql)
	i := 0
	for i < len(runes) {
		r := runes[i]

		switch {
		case r == '\'' || r == '"':
			quote := r
			buf.WriteRune(r)
			i++
			for i < len(runes) {
				buf.WriteRune(runes[i])
				if runes[i] == quote {
					// handle doubled-quote escaping ('' or "")
					if i+1 < len(runes) && runes[i+1] == quote {
						i++
						buf.WriteRune(runes[i])
						i++
						continue
					}
					i++
					break
				}
				i++
			}
			continue
		case r == '$':
			if tag, ok := readDollarTag(runes, i); ok {
				start := i
				i += len(tag)
				end := strings.Index(string(runes[i:]), tag)
				if end == -1 {
					buf.WriteString(string(runes[start:]))
					i = len(runes)
					continue
				}
				body := runes[i : i+end+len(tag)]
				buf.WriteString(tag)
				buf.WriteString(string(body))
				i += end + len(tag)
				continue
			}
			buf.WriteRune(r)
			i++
		case r == ';':
			stmts = append(stmts, buf.String())
			buf.Reset()
			i++
		default:
			buf.WriteRune(r)
			i++
		}
	}

	if strings.TrimSpace(buf.String()) != "" {
		stmts = append(stmts, buf.String())
	}

	return stmts
}

// readDollarTag attempts to read a dollar-quote tag ($$ or $tag$) starting
// at position i. It returns the full tag (including both dollar signs) and
// whether one was found.
func readDollarTag(runes []rune, i int) (string, bool) {
	j := i + 1
	for j < len(runes) && runes[j] != '$' {
		if !isIdentRune(runes[j]) {
			return "", false
		}
		j++
	}
	if j >= len(runes) {
		return "", false
	}
	return string(runes[i : j+1]), true
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
