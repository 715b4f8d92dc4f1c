package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/backendpool/pkg/models"
)

func init() {
	Register("sql", func() Backend { return NewSQL() })
}

const pingTimeout = 5 * time.Second

// SQL is a backend session over a single dedicated database/sql connection.
// The credential resource selects the driver:
//
//	sqlite3:///var/lib/app/am.db
//	postgres://db.example.com:5432/am?sslmode=disable
type SQL struct {
	db      *sql.DB
	conn    *sql.Conn
	lastErr string
	nextID  int64
	queries map[int64]*sqlQuery
	records map[int64]map[string]sql.NullString
	fields  map[int64]*sql.ColumnType
}

type sqlQuery struct {
	rows    *sql.Rows
	columns []string
	types   []*sql.ColumnType
	done    bool
}

// NewSQL creates an unopened SQL backend.
func NewSQL() *SQL {
	return &SQL{
		queries: make(map[int64]*sqlQuery),
		records: make(map[int64]map[string]sql.NullString),
		fields:  make(map[int64]*sql.ColumnType),
	}
}

// DataSource maps a credential onto a database/sql driver name and DSN.
func DataSource(cred models.Credential) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(cred.Resource, "sqlite3://"):
		path := strings.TrimPrefix(cred.Resource, "sqlite3://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite3 resource has no path")
		}
		// WAL plus a busy timeout, as for every other sqlite writer on the host
		return "sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", path), nil
	case strings.HasPrefix(cred.Resource, "postgres://"), strings.HasPrefix(cred.Resource, "postgresql://"):
		u, err := url.Parse(cred.Resource)
		if err != nil {
			return "", "", fmt.Errorf("invalid postgres resource: %w", err)
		}
		if cred.Principal != "" {
			u.User = url.UserPassword(cred.Principal, cred.Secret)
		}
		return "postgres", u.String(), nil
	default:
		return "", "", fmt.Errorf("unsupported resource scheme in %q", cred.Resource)
	}
}

// Open implements Backend.
func (s *SQL) Open(cred models.Credential) error {
	if s.db != nil {
		return errors.New("session already opened")
	}
	driver, dsn, err := DataSource(cred)
	if err != nil {
		s.lastErr = err.Error()
		return err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		s.lastErr = err.Error()
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One session, one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		s.lastErr = err.Error()
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		s.lastErr = err.Error()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.conn = conn
	return nil
}

// IsConnected implements Backend.
func (s *SQL) IsConnected() bool {
	if s.conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return s.conn.PingContext(ctx) == nil
}

// Invoke implements Backend.
func (s *SQL) Invoke(op string, args []string) (models.CallResult, error) {
	if s.conn == nil {
		return models.CallResult{}, errors.New("not connected")
	}
	ctx := context.Background()

	res, err := s.invoke(ctx, op, args)
	if err != nil {
		s.lastErr = err.Error()
	}
	return res, err
}

func (s *SQL) invoke(ctx context.Context, op string, args []string) (models.CallResult, error) {
	switch op {
	case "ping":
		if err := s.conn.PingContext(ctx); err != nil {
			return models.CallResult{}, err
		}
		return models.CallResult{Status: 1}, nil

	case "sleep":
		d, err := time.ParseDuration(arg(args, 0))
		if err != nil {
			return models.CallResult{}, fmt.Errorf("sleep: %w", err)
		}
		time.Sleep(d)
		return models.CallResult{}, nil

	case "exec":
		r, err := s.conn.ExecContext(ctx, arg(args, 0), params(args[min(1, len(args)):])...)
		if err != nil {
			return models.CallResult{}, err
		}
		n, _ := r.RowsAffected()
		return models.CallResult{Status: n}, nil

	case "query.open":
		rows, err := s.conn.QueryContext(ctx, arg(args, 0), params(args[min(1, len(args)):])...)
		if err != nil {
			return models.CallResult{}, err
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return models.CallResult{}, err
		}
		types, err := rows.ColumnTypes()
		if err != nil {
			rows.Close()
			return models.CallResult{}, err
		}
		id := s.newID()
		s.queries[id] = &sqlQuery{rows: rows, columns: cols, types: types}
		return newHandleResult(id, models.HandleQuery, op, int64(len(cols))), nil

	case "query.next":
		q, err := s.query(arg(args, 0))
		if err != nil {
			return models.CallResult{}, err
		}
		if q.done || !q.rows.Next() {
			q.done = true
			return models.CallResult{Status: 0}, q.rows.Err()
		}
		values := make([]sql.NullString, len(q.columns))
		dest := make([]interface{}, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := q.rows.Scan(dest...); err != nil {
			return models.CallResult{}, err
		}
		rec := make(map[string]sql.NullString, len(values))
		for i, col := range q.columns {
			rec[col] = values[i]
		}
		id := s.newID()
		s.records[id] = rec
		return newHandleResult(id, models.HandleRecord, op, 1), nil

	case "record.field":
		rid, err := ParseHandleID(arg(args, 0))
		if err != nil {
			return models.CallResult{}, err
		}
		rec, ok := s.records[rid]
		if !ok {
			return models.CallResult{}, fmt.Errorf("unknown record handle %d", rid)
		}
		v, ok := rec[arg(args, 1)]
		if !ok || !v.Valid {
			return models.CallResult{Status: 0}, nil
		}
		return models.CallResult{Status: 1, Value: v.String}, nil

	case "field.describe":
		q, err := s.query(arg(args, 0))
		if err != nil {
			return models.CallResult{}, err
		}
		for i, col := range q.columns {
			if col == arg(args, 1) {
				id := s.newID()
				s.fields[id] = q.types[i]
				res := newHandleResult(id, models.HandleField, op, 1)
				res.Value = q.types[i].DatabaseTypeName()
				return res, nil
			}
		}
		return models.CallResult{}, fmt.Errorf("unknown column %q", arg(args, 1))

	default:
		return models.CallResult{}, fmt.Errorf("unsupported operation %q", op)
	}
}

func (s *SQL) query(arg string) (*sqlQuery, error) {
	id, err := ParseHandleID(arg)
	if err != nil {
		return nil, err
	}
	q, ok := s.queries[id]
	if !ok {
		return nil, fmt.Errorf("unknown query handle %d", id)
	}
	return q, nil
}

func (s *SQL) newID() int64 {
	s.nextID++
	return s.nextID
}

func (s *SQL) exec(stmt string) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	if _, err := s.conn.ExecContext(context.Background(), stmt); err != nil {
		s.lastErr = err.Error()
		return err
	}
	return nil
}

// Begin implements Backend.
func (s *SQL) Begin() error { return s.exec("BEGIN") }

// Commit implements Backend.
func (s *SQL) Commit() error { return s.exec("COMMIT") }

// Rollback implements Backend.
func (s *SQL) Rollback() error { return s.exec("ROLLBACK") }

// Release implements Backend.
func (s *SQL) Release(h models.Handle) error {
	switch h.Kind {
	case models.HandleQuery:
		q, ok := s.queries[h.ID]
		if !ok {
			return fmt.Errorf("unknown query handle %d", h.ID)
		}
		delete(s.queries, h.ID)
		return q.rows.Close()
	case models.HandleRecord:
		delete(s.records, h.ID)
	case models.HandleField:
		delete(s.fields, h.ID)
	}
	return nil
}

// ClearLastError implements Backend.
func (s *SQL) ClearLastError() {
	s.lastErr = ""
}

// Close implements Backend.
func (s *SQL) Close() error {
	for id, q := range s.queries {
		q.rows.Close()
		delete(s.queries, id)
	}
	var errs []error
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}

func newHandleResult(id int64, kind models.HandleKind, origin string, status int64) models.CallResult {
	return models.CallResult{
		Status: status,
		Value:  strconv.FormatInt(id, 10),
		Handle: &models.Handle{ID: id, Kind: kind, Origin: origin, CreatedAt: time.Now()},
	}
}

func params(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}
