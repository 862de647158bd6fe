package wire

import (
	"sync"
	"time"

	"github.com/lib/pq/oid"
)

// Phase is the connection's authoritative lifecycle state. Exactly one value
// applies at any observation point.
type Phase int

const (
	PhaseAwaitingStartup Phase = iota
	PhaseAuthenticating
	PhaseReady
	PhaseInSimpleQuery
	PhaseInExtendedQuery
	PhaseTerminating
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingStartup:
		return "awaiting_startup"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseReady:
		return "ready"
	case PhaseInSimpleQuery:
		return "in_simple_query"
	case PhaseInExtendedQuery:
		return "in_extended_query"
	case PhaseTerminating:
		return "terminating"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransactionStatus mirrors the byte reported in ReadyForQuery.
type TransactionStatus byte

const (
	TxIdle   TransactionStatus = 'I'
	TxActive TransactionStatus = 'T'
	TxFailed TransactionStatus = 'E'
)

// PreparedStatement is created by Parse and destroyed by Close('S') or
// connection end. Closing a statement cascades to every portal derived from
// it (invariant iii).
type PreparedStatement struct {
	Name      string
	SQL       string
	ParamOIDs []oid.Oid
	Columns   Columns
	Exec      ExecFn
}

// ExecFn evaluates a bound statement against its parameter values and
// produces the rows and command tag to send back. TxAction, when non-zero,
// instructs the command loop to transition transaction_status once the
// statement completes without error.
type ExecFn func(params []Value) (rows [][]any, tag string, action TxAction, err error)

// Portal is created by Bind, advanced by Execute, and destroyed by
// Close('P'), Sync (for the unnamed portal), commit/rollback, or the closing
// of its parent statement. Rows are materialised eagerly at Bind time, which
// keeps cursor bookkeeping a simple slice index rather than a re-entrant
// generator.
type Portal struct {
	Name          string
	Stmt          *PreparedStatement
	Params        []Value
	ResultFormats []FormatCode
	Tag           string
	rows          [][]any
	cursor        uint64
	exhausted     bool
}

// session is the Go embodiment of ConnectionState: one instance per TCP
// connection, touched only by that connection's own goroutine except for the
// cancellation flag, which the cancel registry sets from outside.
type session struct {
	mu sync.Mutex

	id         uint64
	remoteAddr string
	createdAt  time.Time

	protocolMajor uint16
	protocolMinor uint16

	backendPID    int32
	backendSecret int32

	txStatus TransactionStatus
	phase    Phase

	statements map[string]*PreparedStatement
	portals    map[string]*Portal

	// poisoned is set the moment an error occurs inside an extended-query
	// sequence; every following Parse/Bind/Describe/Execute is discarded
	// until the next Sync (spec invariant 5).
	poisoned bool

	cancelRequested bool

	bytesIn  uint64
	bytesOut uint64

	username string
	database string
}

func newSession(id uint64, remoteAddr string) *session {
	return &session{
		id:         id,
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
		txStatus:   TxIdle,
		phase:      PhaseAwaitingStartup,
		statements: make(map[string]*PreparedStatement),
		portals:    make(map[string]*Portal),
	}
}

// requestCancel marks the session cancelled. It may be called from the
// cancel registry's goroutine, concurrently with the connection's own
// goroutine, hence the mutex.
func (s *session) requestCancel() {
	s.mu.Lock()
	s.cancelRequested = true
	s.mu.Unlock()
}

// consumeCancel reports and clears a pending cancellation, checked between
// row emissions inside Execute.
func (s *session) consumeCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRequested {
		s.cancelRequested = false
		return true
	}
	return false
}

// putStatement stores stmt, replacing any previous statement under the same
// name and destroying the portals that referenced it (cascading close is
// implicit: a portal holds a pointer to its statement, and once no map entry
// references that pointer future Bind/Execute calls against the old name
// fail with MissingObject; we additionally drop the stale portals eagerly so
// Describe/Execute against them does not see a resurrected statement).
func (s *session) putStatement(stmt *PreparedStatement) {
	s.closeStatement(stmt.Name)
	s.statements[stmt.Name] = stmt
}

func (s *session) closeStatement(name string) {
	old, ok := s.statements[name]
	if !ok {
		return
	}
	delete(s.statements, name)
	for pname, p := range s.portals {
		if p.Stmt == old {
			delete(s.portals, pname)
		}
	}
}

func (s *session) closePortal(name string) {
	delete(s.portals, name)
}

// closeUnnamed destroys the unnamed portal and unnamed prepared statement,
// as happens implicitly at the next Sync (invariant iv).
func (s *session) closeUnnamed() {
	s.closePortal("")
	s.closeStatement("")
}

// TxAction classifies a statement's effect on transaction_status. Only
// BEGIN/COMMIT/ROLLBACK (or their synonyms) carry a non-zero action; every
// other statement leaves the transaction state to the command loop's
// generic success/failure handling.
type TxAction int

const (
	TxNone TxAction = iota
	TxBegin
	TxCommit
	TxRollback
)
