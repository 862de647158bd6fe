package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pgwiremock/pgwiremock/stats"
)

func TestRecorderExposesConnectionMetrics(t *testing.T) {
	r := New(stats.New(), time.Minute)

	r.ConnectionCreated(1, "127.0.0.1:5000")
	r.ConnectionCreated(2, "127.0.0.1:5001")
	r.ConnectionDestroyed(2, 100, 200)

	body := scrape(t, r)

	if !strings.Contains(body, "pgwire_connections_total 2") {
		t.Errorf("expected pgwire_connections_total to be 2, body:\n%s", body)
	}
	if !strings.Contains(body, "pgwire_connections_destroyed_total 1") {
		t.Errorf("expected pgwire_connections_destroyed_total to be 1, body:\n%s", body)
	}
	if !strings.Contains(body, "pgwire_bytes_received_total 100") {
		t.Errorf("expected pgwire_bytes_received_total to be 100, body:\n%s", body)
	}
}

func TestRecorderExposesQueryMetrics(t *testing.T) {
	r := New(stats.New(), time.Minute)

	r.Query("SELECT", 5*time.Millisecond, true, "")
	r.Query("SELECT", 20*time.Millisecond, false, "42601")

	body := scrape(t, r)

	if !strings.Contains(body, `pgwire_queries_total{query_type="SELECT",status="ok"} 1`) {
		t.Errorf("expected one successful SELECT, body:\n%s", body)
	}
	if !strings.Contains(body, `pgwire_queries_total{query_type="SELECT",status="42601"} 1`) {
		t.Errorf("expected one failed SELECT tagged with its SQLSTATE, body:\n%s", body)
	}
}

func TestRecorderExposesPreparedStatementCounters(t *testing.T) {
	r := New(stats.New(), time.Minute)

	r.PreparedStatementHit()
	r.PreparedStatementHit()
	r.PreparedStatementMiss()

	body := scrape(t, r)
	if !strings.Contains(body, "pgwire_prepared_statement_hits_total 2") {
		t.Errorf("expected 2 prepared statement hits, body:\n%s", body)
	}
	if !strings.Contains(body, "pgwire_prepared_statement_misses_total 1") {
		t.Errorf("expected 1 prepared statement miss, body:\n%s", body)
	}
}

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("unexpected status %d", w.Code)
	}
	return w.Body.String()
}
