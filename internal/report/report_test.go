package report

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/psantana5/backendpool/pkg/faults"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordBorrow("app@orders", "created", 3*time.Millisecond)
	m.RecordBorrow("app@orders", "reused", time.Millisecond)
	m.RecordBorrow("app@orders", "reused", time.Millisecond)
	m.RecordDestroy("app@orders", "no_reuse")
	m.SetSessions("app@orders", 2, 1)
	m.RecordLaunch("ready")
	m.RecordReap(17501)
	m.SetSlots(3)
	m.ObserveCall("query.open", "", 5*time.Millisecond)
	m.ObserveCall("sleep", "CALL_TIMEOUT", 100*time.Millisecond)

	if got := testutil.ToFloat64(m.borrows.WithLabelValues("app@orders", "reused")); got != 2 {
		t.Errorf("reused borrows = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.destroys.WithLabelValues("app@orders", "no_reuse")); got != 1 {
		t.Errorf("destroys = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeSess.WithLabelValues("app@orders")); got != 2 {
		t.Errorf("active = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.slotsOccupied); got != 3 {
		t.Errorf("slots = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.reaps.WithLabelValues("17501")); got != 1 {
		t.Errorf("reaps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("query.open", "OK")); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("sleep", "CALL_TIMEOUT")); got != 1 {
		t.Errorf("timed out calls = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.borrowWait); n != 1 {
		t.Errorf("borrow wait series = %d, want 1", n)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordBorrow("k", "created", time.Second)
	m.RecordDestroy("k", "idle")
	m.SetSessions("k", 1, 1)
	m.RecordLaunch("ready")
	m.RecordReap(1)
	m.SetSlots(1)
	m.ObserveCall("ping", "", time.Millisecond)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordLaunch("startup_failed")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `backendpool_worker_launches_total{result="startup_failed"} 1`) {
		t.Errorf("launch counter missing from:\n%s", body)
	}
}

func TestFaultLog(t *testing.T) {
	log := NewFaultLog(3)
	for i := 0; i < 5; i++ {
		err := faults.Newf(faults.CallTimeout, "call", "call %d exceeded its deadline", i)
		log.Record(NewFaultSample("sleep", "app@orders", err))
	}

	recent := log.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	if !strings.Contains(recent[0].Message, "call 4") {
		t.Errorf("newest first, got %q", recent[0].Message)
	}
	if recent[0].Code != string(faults.CallTimeout) {
		t.Errorf("code = %q", recent[0].Code)
	}
	if log.Total() != 5 {
		t.Errorf("total = %d, want 5", log.Total())
	}
	if got := log.Recent(1); len(got) != 1 {
		t.Errorf("Recent(1) returned %d", len(got))
	}
}

func TestFaultSampleUncoded(t *testing.T) {
	s := NewFaultSample("exec", "", fmt.Errorf("dial: %w", errors.New("refused")))
	if s.Code != string(faults.Internal) {
		t.Errorf("code = %q, want %q", s.Code, faults.Internal)
	}
	if s.Time.IsZero() {
		t.Error("time not set")
	}

	var nilLog *FaultLog
	nilLog.Record(s)
	if nilLog.Recent(5) != nil || nilLog.Total() != 0 {
		t.Error("nil log should be empty")
	}
}
