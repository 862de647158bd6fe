package wire

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/lib/pq"
)

// testServe opens a listener on an unallocated local port, serves srv on it
// for the duration of the test, and returns the dialable address.
func testServe(t *testing.T, srv *Server) *net.TCPAddr {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Fatal(err)
		}
	})

	go srv.Serve(listener) //nolint:errcheck

	return listener.Addr().(*net.TCPAddr)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoParse(qctx *QueryContext, sql string) (*PreparedStatement, error) {
	return &PreparedStatement{
		SQL:     sql,
		Columns: Columns{{Name: "echo", Oid: 25, Width: -1}},
		Exec: func(params []Value) ([][]any, string, TxAction, error) {
			return [][]any{{sql}}, "SELECT 1", TxNone, nil
		},
	}, nil
}

func dial(t *testing.T, addr *net.TCPAddr) *sql.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%d sslmode=disable", addr.IP, addr.Port)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestClientConnectAndPing(t *testing.T) {
	srv, err := NewServer(echoParse, WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}

	addr := testServe(t, srv)
	db := dial(t, addr)

	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSimpleQueryRoundTrip(t *testing.T) {
	srv, err := NewServer(echoParse, WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}

	addr := testServe(t, srv)
	db := dial(t, addr)

	rows, err := db.Query("SELECT 1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		t.Fatal("expected a row")
	}
	var got string
	if err := rows.Scan(&got); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got != "SELECT 1" {
		t.Fatalf("unexpected echoed value: %q", got)
	}
}

func TestTransactionControlTransitionsStatus(t *testing.T) {
	srv, err := NewServer(echoParse, WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}

	addr := testServe(t, srv)
	db := dial(t, addr)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Exec("SELECT 1"); err != nil {
		t.Fatalf("exec inside tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestMaxConnectionsRejectsExcessClients(t *testing.T) {
	srv, err := NewServer(echoParse, WithLogger(testLogger()), WithMaxConnections(1))
	if err != nil {
		t.Fatal(err)
	}

	addr := testServe(t, srv)

	db1 := dial(t, addr)
	if err := db1.Ping(); err != nil {
		t.Fatalf("first connection ping: %v", err)
	}

	// Hold the first connection open so the slot stays occupied while we
	// attempt a second one.
	conn1, err := db1.Conn(context.Background())
	if err != nil {
		t.Fatalf("acquire conn: %v", err)
	}
	defer conn1.Close()

	db2 := dial(t, addr)
	db2.SetMaxIdleConns(0)
	err = db2.Ping()
	if err == nil {
		t.Fatal("expected the second connection to be rejected")
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	srv, err := NewServer(echoParse, WithLogger(testLogger()), WithIdleTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	addr := testServe(t, srv)
	db := dial(t, addr)

	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if err := db.Ping(); err == nil {
		t.Fatal("expected the idle connection to have been closed")
	}
}

func TestIdleTimeoutSendsAdminShutdownError(t *testing.T) {
	srv, err := NewServer(echoParse, WithLogger(testLogger()), WithIdleTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	addr := testServe(t, srv)
	db := dial(t, addr)

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("acquire conn: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("warm up conn: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	_, err = conn.ExecContext(context.Background(), "SELECT 1")
	if err == nil {
		t.Fatal("expected the idle-timed-out connection to error")
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code != "57P01" {
			t.Fatalf("expected SQLSTATE 57P01, got %s", pqErr.Code)
		}
	}
}

func TestCloseSendsAdminShutdownError(t *testing.T) {
	srv, err := NewServer(echoParse, WithLogger(testLogger()), WithShutdownGrace(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	addr := testServe(t, srv)
	db := dial(t, addr)

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("acquire conn: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("warm up conn: %v", err)
	}

	go srv.Close() //nolint:errcheck

	time.Sleep(100 * time.Millisecond)

	_, err = conn.ExecContext(context.Background(), "SELECT 1")
	if err == nil {
		t.Fatal("expected the connection to be closed by shutdown")
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code != "57P01" {
			t.Fatalf("expected SQLSTATE 57P01, got %s", pqErr.Code)
		}
	}
}
