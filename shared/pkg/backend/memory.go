package backend

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/backendpool/pkg/models"
)

func init() {
	Register("memory", func() Backend { return NewMemory() })
}

// Memory is an in-process backend over a single table of string rows. It
// records every native call so callers can assert on them.
type Memory struct {
	mu sync.Mutex

	opened    bool
	connected bool
	cred      models.Credential
	inTx      bool
	lastErr   string
	nextID    int64
	rows      []map[string]string
	pending   []map[string]string
	queries   map[int64]*memQuery
	records   map[int64]map[string]string
	fields    map[int64]string
	released  []models.Handle
	calls     []string
	commits   int
	rollbacks int

	// Injected failures for tests.
	OpenErr  error
	BeginErr error
	// Secret, when set, must match the credential secret on Open.
	Secret string
}

type memQuery struct {
	rows []map[string]string
	pos  int
}

// NewMemory creates an unopened memory backend with a small seeded table.
func NewMemory() *Memory {
	return &Memory{
		rows: []map[string]string{
			{"id": "1", "name": "alpha"},
			{"id": "2", "name": "beta"},
			{"id": "3", "name": "gamma"},
		},
		queries: make(map[int64]*memQuery),
		records: make(map[int64]map[string]string),
		fields:  make(map[int64]string),
	}
}

func (m *Memory) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *Memory) newID() int64 {
	m.nextID++
	return m.nextID
}

// Open implements Backend.
func (m *Memory) Open(cred models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("open")
	if m.opened {
		return errors.New("session already opened")
	}
	if m.OpenErr != nil {
		m.lastErr = m.OpenErr.Error()
		return m.OpenErr
	}
	if m.Secret != "" && cred.Secret != m.Secret {
		m.lastErr = "invalid login"
		return fmt.Errorf("invalid login for principal %q", cred.Principal)
	}
	m.opened = true
	m.connected = true
	m.cred = cred
	return nil
}

// IsConnected implements Backend.
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("is_connected")
	return m.connected
}

// Disconnect simulates the native session dropping.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Invoke implements Backend.
func (m *Memory) Invoke(op string, args []string) (models.CallResult, error) {
	m.mu.Lock()
	m.record(op)
	if !m.connected {
		m.mu.Unlock()
		return models.CallResult{}, errors.New("not connected")
	}

	// sleep must not hold the lock, so tests can inspect the backend meanwhile
	if op == "sleep" {
		m.mu.Unlock()
		d, err := time.ParseDuration(arg(args, 0))
		if err != nil {
			return models.CallResult{}, fmt.Errorf("sleep: %w", err)
		}
		time.Sleep(d)
		return models.CallResult{Status: 0}, nil
	}
	defer m.mu.Unlock()

	switch op {
	case "ping":
		return models.CallResult{Status: 1}, nil
	case "echo":
		return models.CallResult{Status: 0, Value: arg(args, 0)}, nil
	case "fail":
		m.lastErr = arg(args, 0)
		return models.CallResult{Status: -1}, errors.New(arg(args, 0))
	case "exec":
		row := make(map[string]string)
		for _, kv := range args {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return models.CallResult{}, fmt.Errorf("exec: malformed column %q", kv)
			}
			row[k] = v
		}
		if m.inTx {
			m.pending = append(m.pending, row)
		} else {
			m.rows = append(m.rows, row)
		}
		return models.CallResult{Status: 1}, nil
	case "query.open":
		q := &memQuery{rows: m.filter(args)}
		id := m.newID()
		m.queries[id] = q
		return m.handleResult(id, models.HandleQuery, op, int64(len(q.rows))), nil
	case "query.next":
		q, err := m.query(arg(args, 0))
		if err != nil {
			return models.CallResult{}, err
		}
		if q.pos >= len(q.rows) {
			return models.CallResult{Status: 0}, nil
		}
		id := m.newID()
		m.records[id] = q.rows[q.pos]
		q.pos++
		return m.handleResult(id, models.HandleRecord, op, 1), nil
	case "record.field":
		rid, err := ParseHandleID(arg(args, 0))
		if err != nil {
			return models.CallResult{}, err
		}
		rec, ok := m.records[rid]
		if !ok {
			return models.CallResult{}, fmt.Errorf("unknown record handle %d", rid)
		}
		v, ok := rec[arg(args, 1)]
		if !ok {
			return models.CallResult{Status: 0}, nil
		}
		return models.CallResult{Status: 1, Value: v}, nil
	case "field.describe":
		id := m.newID()
		m.fields[id] = arg(args, 0)
		return m.handleResult(id, models.HandleField, op, 1), nil
	case "action.open":
		return m.handleResult(m.newID(), models.HandleAction, op, 1), nil
	case "count":
		return models.CallResult{Status: int64(len(m.rows)), Value: strconv.Itoa(len(m.rows))}, nil
	default:
		m.lastErr = "unsupported operation " + op
		return models.CallResult{}, fmt.Errorf("unsupported operation %q", op)
	}
}

func (m *Memory) handleResult(id int64, kind models.HandleKind, origin string, status int64) models.CallResult {
	return models.CallResult{
		Status: status,
		Value:  strconv.FormatInt(id, 10),
		Handle: &models.Handle{ID: id, Kind: kind, Origin: origin, CreatedAt: time.Now()},
	}
}

// filter matches rows against column=value arguments.
func (m *Memory) filter(args []string) []map[string]string {
	var out []map[string]string
	for _, row := range m.rows {
		match := true
		for _, kv := range args {
			k, v, _ := strings.Cut(kv, "=")
			if row[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

func (m *Memory) query(s string) (*memQuery, error) {
	id, err := ParseHandleID(s)
	if err != nil {
		return nil, err
	}
	q, ok := m.queries[id]
	if !ok {
		return nil, fmt.Errorf("unknown query handle %d", id)
	}
	return q, nil
}

// Begin implements Backend.
func (m *Memory) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("begin")
	if m.BeginErr != nil {
		return m.BeginErr
	}
	if m.inTx {
		return errors.New("transaction already started")
	}
	m.inTx = true
	return nil
}

// Commit implements Backend.
func (m *Memory) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("commit")
	m.rows = append(m.rows, m.pending...)
	m.pending = nil
	m.inTx = false
	m.commits++
	return nil
}

// Rollback implements Backend.
func (m *Memory) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("rollback")
	m.pending = nil
	m.inTx = false
	m.rollbacks++
	return nil
}

// Release implements Backend.
func (m *Memory) Release(h models.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("release")
	m.released = append(m.released, h)
	delete(m.queries, h.ID)
	delete(m.records, h.ID)
	delete(m.fields, h.ID)
	return nil
}

// ClearLastError implements Backend.
func (m *Memory) ClearLastError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("clear_last_error")
	m.lastErr = ""
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("close")
	m.connected = false
	return nil
}

// Released returns the handles released so far.
func (m *Memory) Released() []models.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Handle, len(m.released))
	copy(out, m.released)
	return out
}

// Calls returns the recorded native calls in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times name was invoked.
func (m *Memory) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

// TxCounts returns the number of commits and rollbacks.
func (m *Memory) TxCounts() (commits, rollbacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits, m.rollbacks
}

// LastError returns the sticky error message.
func (m *Memory) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
