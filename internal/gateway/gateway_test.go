package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/backendpool/internal/pool"
	"github.com/psantana5/backendpool/internal/proxy"
	"github.com/psantana5/backendpool/internal/report"
	"github.com/psantana5/backendpool/internal/worker"
	"github.com/psantana5/backendpool/pkg/api"
	"github.com/psantana5/backendpool/pkg/backend"
	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/models"
)

var cred = models.NewCredential("memory://orders", "app", "")

// inProcessWorkers serves worker sessions on loopback ports in place of
// real worker processes.
type inProcessWorkers struct {
	mu      sync.Mutex
	servers map[int]*httptest.Server
	session map[int]*worker.Session
}

func (h *inProcessWorkers) Instantiate(ctx context.Context) (int, error) {
	sess := worker.NewSession(backend.NewMemory(), worker.SessionOptions{CloseGrace: 2 * time.Second})
	ts := httptest.NewServer(worker.NewServer(sess, worker.ServerConfig{Driver: "memory"}).Handler())
	port := ts.Listener.Addr().(*net.TCPAddr).Port
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.servers == nil {
		h.servers = make(map[int]*httptest.Server)
		h.session = make(map[int]*worker.Session)
	}
	h.servers[port] = ts
	h.session[port] = sess
	return port, nil
}

func (h *inProcessWorkers) Unregister(ctx context.Context, port int) error {
	h.mu.Lock()
	ts, ok := h.servers[port]
	sess := h.session[port]
	delete(h.servers, port)
	delete(h.session, port)
	h.mu.Unlock()
	if !ok {
		return errors.New("unknown port")
	}
	ts.Close()
	return sess.Close(ctx)
}

func (h *inProcessWorkers) Slots() []models.SlotInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	slots := make([]models.SlotInfo, 0, len(h.servers))
	for port := range h.servers {
		slots = append(slots, models.SlotInfo{Port: port, State: models.SlotReady})
	}
	return slots
}

func (h *inProcessWorkers) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for port, ts := range h.servers {
		ts.Close()
		h.session[port].Close(context.Background())
	}
	h.servers = nil
	h.session = nil
}

type fixture struct {
	server  *httptest.Server
	pool    *pool.Pool[*proxy.RemoteConnection]
	workers *inProcessWorkers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := report.New(reg)
	workers := &inProcessWorkers{}

	cfg := pool.DefaultConfig()
	cfg.EvictionInterval = 0
	cfg.MaxWait = time.Second
	factory := pool.NewRemoteFactory(workers, proxy.Options{TransportGrace: time.Second, Metrics: metrics})
	p, err := pool.New[*proxy.RemoteConnection](cfg, factory, pool.Options{Metrics: metrics, DefaultCredential: cred})
	require.NoError(t, err)

	gw := New(Options[*proxy.RemoteConnection]{
		Pool:     p,
		Slots:    workers.Slots,
		Gatherer: reg,
		Faults:   report.NewFaultLog(10),
	})
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ts.Close()
		p.Close(context.Background())
		workers.closeAll()
	})
	return &fixture{server: ts, pool: p, workers: workers}
}

func (f *fixture) post(t *testing.T, route string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+route, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) get(t *testing.T, route string) (int, string) {
	t.Helper()
	resp, err := http.Get(f.server.URL + route)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.String()
}

func TestExec(t *testing.T) {
	f := newFixture(t)

	var resp api.ExecResponse
	code := f.post(t, api.RouteExec, api.ExecRequest{Op: "query.open", Args: []string{"name=beta"}}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), resp.Result.Status)
	assert.NotNil(t, resp.Result.Handle)
	assert.NotZero(t, resp.Port)

	// Same idle session, handles released on return.
	var again api.ExecResponse
	code = f.post(t, api.RouteExec, api.ExecRequest{Credential: &cred, Op: "ping"}, &again)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, resp.Port, again.Port)
	assert.Equal(t, 1, f.pool.NumIdle(cred))
}

func TestExecErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		req    api.ExecRequest
		status int
		code   string
	}{
		{"missing op", api.ExecRequest{}, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad timeout", api.ExecRequest{Op: "ping", Timeout: "soon"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"backend failure", api.ExecRequest{Op: "fail", Args: []string{"constraint violated"}}, http.StatusBadGateway, string(faults.BackendCallFailure)},
		{"timeout", api.ExecRequest{Op: "sleep", Args: []string{"300ms"}, Timeout: "50ms"}, http.StatusGatewayTimeout, string(faults.CallTimeout)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e api.ErrorResponse
			status := f.post(t, api.RouteExec, tt.req, &e)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, e.Code)
		})
	}

	var status api.GatewayStatus
	code, body := f.get(t, api.RouteGatewayStatus)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	require.Len(t, status.Faults, 2)
	assert.Equal(t, string(faults.CallTimeout), status.Faults[0].Code)
	assert.Equal(t, string(faults.BackendCallFailure), status.Faults[1].Code)

	// The timed-out session was destroyed, so the next call gets a fresh one.
	var resp api.ExecResponse
	require.Equal(t, http.StatusOK, f.post(t, api.RouteExec, api.ExecRequest{Op: "ping"}, &resp))
}

func TestTxn(t *testing.T) {
	f := newFixture(t)

	var committed api.TxnResponse
	code := f.post(t, api.RouteTxn, api.TxnRequest{Steps: []api.TxnStep{
		{Op: "exec", Args: []string{"id=9", "name=iota"}},
		{Op: "exec", Args: []string{"id=10", "name=kappa"}},
	}}, &committed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "committed", committed.Outcome)
	assert.NotEmpty(t, committed.Xid)
	assert.Len(t, committed.Results, 2)

	var rolledBack api.TxnResponse
	code = f.post(t, api.RouteTxn, api.TxnRequest{
		Steps:    []api.TxnStep{{Op: "exec", Args: []string{"id=11", "name=lambda"}}},
		Rollback: true,
	}, &rolledBack)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rolled_back", rolledBack.Outcome)
	assert.NotEqual(t, committed.Xid, rolledBack.Xid)

	var count api.ExecResponse
	require.Equal(t, http.StatusOK, f.post(t, api.RouteExec, api.ExecRequest{Op: "count"}, &count))
	assert.Equal(t, int64(5), count.Result.Status, "three seeded rows plus two committed")
	assert.Equal(t, 0, f.pool.Status().Active)

	var e api.ErrorResponse
	code = f.post(t, api.RouteTxn, api.TxnRequest{Steps: []api.TxnStep{{Op: "nope"}}}, &e)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, string(faults.BackendCallFailure), e.Code)

	code = f.post(t, api.RouteTxn, api.TxnRequest{}, &e)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusMetricsHealth(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post(t, api.RouteExec, api.ExecRequest{Op: "ping"}, nil))

	code, body := f.get(t, api.RouteGatewayStatus)
	require.Equal(t, http.StatusOK, code)
	var status api.GatewayStatus
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, 1, status.Pool.Idle)
	assert.Len(t, status.Slots, 1)
	require.Len(t, status.Pool.Keys, 1)
	assert.Equal(t, "app@memory://orders", status.Pool.Keys[0].Label)
	assert.NotContains(t, body, "secret")

	code, body = f.get(t, api.RouteMetrics)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "backendpool_pool_borrows_total"), body)
	assert.Contains(t, body, `backendpool_calls_total{code="OK",op="ping"} 1`)

	code, _ = f.get(t, api.RouteHealth)
	assert.Equal(t, http.StatusOK, code)
	require.NoError(t, f.pool.Close(context.Background()))
	code, _ = f.get(t, api.RouteHealth)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
