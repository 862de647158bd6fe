package dispatcher

import (
	"testing"
	"time"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"

	wire "github.com/pgwiremock/pgwiremock"
	"github.com/pgwiremock/pgwiremock/codes"
	psqlerr "github.com/pgwiremock/pgwiremock/errors"
)

func testContext() *wire.QueryContext {
	return &wire.QueryContext{
		Username:      "alice",
		Database:      "postgres",
		BackendPID:    42,
		ServerVersion: "15.4 (pgwire-mock)",
		ConnectedAt:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func execRows(t *testing.T, stmt *wire.PreparedStatement) [][]any {
	t.Helper()
	rows, _, _, err := stmt.Exec(nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	return rows
}

func TestParseSelectLiterals(t *testing.T) {
	d := New()

	stmt, err := d.Parse(testContext(), "SELECT 1, 'two', true")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(stmt.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(stmt.Columns))
	}
	if stmt.Columns[0].Oid != oid.T_int8 {
		t.Fatalf("expected int8 for literal 1, got %v", stmt.Columns[0].Oid)
	}
	if stmt.Columns[1].Oid != oid.T_text {
		t.Fatalf("expected text for literal 'two', got %v", stmt.Columns[1].Oid)
	}
	if stmt.Columns[2].Oid != oid.T_bool {
		t.Fatalf("expected bool for literal true, got %v", stmt.Columns[2].Oid)
	}

	rows := execRows(t, stmt)
	if len(rows) != 1 || len(rows[0]) != 3 {
		t.Fatalf("expected a single row of 3 values, got %+v", rows)
	}
	if rows[0][1] != "two" {
		t.Fatalf("expected second value to be \"two\", got %v", rows[0][1])
	}
}

func TestParseSelectPseudoFunctions(t *testing.T) {
	d := New()
	qctx := testContext()

	cases := []struct {
		sql      string
		expected any
	}{
		{"SELECT version()", qctx.ServerVersion},
		{"SELECT current_user", qctx.Username},
		{"SELECT current_database()", qctx.Database},
		{"SELECT pg_backend_pid()", qctx.BackendPID},
	}

	for _, c := range cases {
		stmt, err := d.Parse(qctx, c.sql)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.sql, err)
		}
		rows := execRows(t, stmt)
		if rows[0][0] != c.expected {
			t.Fatalf("Parse(%q): expected %v, got %v", c.sql, c.expected, rows[0][0])
		}
	}
}

func TestParseShowAll(t *testing.T) {
	d := New()

	stmt, err := d.Parse(testContext(), "SHOW ALL")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(stmt.Columns) != 3 {
		t.Fatalf("expected 3 columns for SHOW ALL, got %d", len(stmt.Columns))
	}

	rows := execRows(t, stmt)
	if len(rows) == 0 {
		t.Fatalf("expected at least one row from SHOW ALL")
	}
}

func TestParseShowSingleParam(t *testing.T) {
	d := New()

	stmt, err := d.Parse(testContext(), "SHOW server_version")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rows := execRows(t, stmt)
	if rows[0][0] != "15.4 (pgwire-mock)" {
		t.Fatalf("unexpected SHOW server_version result: %v", rows[0][0])
	}
}

func TestParseGenericFallback(t *testing.T) {
	d := New()

	stmt, err := d.Parse(testContext(), "CREATE TABLE t (id int)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	_, tag, _, err := stmt.Exec(nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if tag != "CREATE 0" {
		t.Fatalf("expected generic tag CREATE 0, got %q", tag)
	}
}

func TestParseSelectUnbalancedParenReturnsSyntaxError(t *testing.T) {
	d := New()

	// An unclosed paren must surface as a syntax error the caller can use
	// to fail the transaction, not get echoed back as an opaque literal.
	stmt, err := d.Parse(testContext(), "SELECT bogus_syntax(")

	assert.Nil(t, stmt)
	assert.Error(t, err)
	assert.Equal(t, codes.Syntax, psqlerr.GetCode(err))
}

func TestParseSelectUnterminatedQuoteReturnsSyntaxError(t *testing.T) {
	d := New()

	stmt, err := d.Parse(testContext(), "SELECT 'unterminated")

	assert.Nil(t, stmt)
	assert.Error(t, err)
	assert.Equal(t, codes.Syntax, psqlerr.GetCode(err))
}

func TestParseEmptyStatement(t *testing.T) {
	d := New()

	stmt, err := d.Parse(testContext(), "   ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rows, tag, _, err := stmt.Exec(nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if rows != nil || tag != "" {
		t.Fatalf("expected an empty-statement response, got rows=%v tag=%q", rows, tag)
	}
}
