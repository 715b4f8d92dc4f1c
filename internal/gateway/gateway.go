// Package gateway serves pooled backend calls and pool status over HTTP.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/backendpool/internal/pool"
	"github.com/psantana5/backendpool/internal/report"
	"github.com/psantana5/backendpool/internal/txn"
	"github.com/psantana5/backendpool/pkg/api"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
	"github.com/psantana5/backendpool/pkg/tracing"
)

// errRollbackRequested ends a batch that asked to be rolled back.
var errRollbackRequested = errors.New("rollback requested")

// Options are the collaborators of a Server.
type Options[S txn.Conn] struct {
	Pool        *pool.Pool[S]
	DataSource  *txn.DataSource[S]
	Coordinator *txn.Coordinator
	// Slots reports worker slots; nil reports none.
	Slots    func() []models.SlotInfo
	Gatherer prometheus.Gatherer
	Faults   *report.FaultLog
	Logger   *logging.Logger
	Tracer   *tracing.Provider
}

// Server is the gateway HTTP API.
type Server[S txn.Conn] struct {
	pool   *pool.Pool[S]
	ds     *txn.DataSource[S]
	coord  *txn.Coordinator
	slots  func() []models.SlotInfo
	gather prometheus.Gatherer
	faults *report.FaultLog
	logger *logging.Logger
	tracer *tracing.Provider
}

// New creates a gateway server.
func New[S txn.Conn](opts Options[S]) *Server[S] {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop("poolctl")
	}
	if opts.Coordinator == nil {
		opts.Coordinator = txn.NewCoordinator(opts.Logger)
	}
	if opts.DataSource == nil {
		opts.DataSource = txn.NewDataSource[S](opts.Pool, opts.Logger)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server[S]{
		pool:   opts.Pool,
		ds:     opts.DataSource,
		coord:  opts.Coordinator,
		slots:  opts.Slots,
		gather: opts.Gatherer,
		faults: opts.Faults,
		logger: opts.Logger.WithField("component", "gateway"),
		tracer: opts.Tracer,
	}
}

// RegisterRoutes registers all gateway routes
func (s *Server[S]) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(api.RouteExec, s.Exec).Methods("POST")
	r.HandleFunc(api.RouteTxn, s.Txn).Methods("POST")
	r.HandleFunc(api.RouteGatewayStatus, s.Status).Methods("GET")
	r.Handle(api.RouteMetrics, report.Handler(s.gather)).Methods("GET")
	r.HandleFunc(api.RouteHealth, s.Health).Methods("GET")
}

// Handler returns the traced router.
func (s *Server[S]) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware(s.tracer))
	s.RegisterRoutes(r)
	return r
}

func badRequest(w http.ResponseWriter, msg string) {
	api.WriteJSON(w, http.StatusBadRequest, api.ErrorResponse{Code: "BAD_REQUEST", Message: msg})
}

func credentialOf(c *models.Credential) models.Credential {
	if c == nil {
		return models.Credential{}
	}
	return *c
}

func (s *Server[S]) fail(w http.ResponseWriter, op string, cred models.Credential, err error) {
	s.faults.Record(report.NewFaultSample(op, cred.Label(), err))
	s.logger.Warn("Request failed", map[string]interface{}{
		"op":    op,
		"key":   cred.Label(),
		"error": err,
	})
	api.WriteError(w, err)
}

// Exec runs one operation on a pooled session
func (s *Server[S]) Exec(w http.ResponseWriter, r *http.Request) {
	var req api.ExecRequest
	if err := api.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Op == "" {
		badRequest(w, "op is required")
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			badRequest(w, "invalid timeout: "+req.Timeout)
			return
		}
		timeout = d
	}

	ctx := r.Context()
	cred := credentialOf(req.Credential)
	lease, err := s.ds.Acquire(ctx, cred)
	if err != nil {
		s.fail(w, req.Op, cred, err)
		return
	}
	if timeout > 0 {
		if t, ok := any(lease.Session()).(interface{ SetCallTimeout(time.Duration) }); ok {
			t.SetCallTimeout(timeout)
		}
	}
	result, err := lease.Call(ctx, req.Op, req.Args...)
	resp := api.ExecResponse{Result: result}
	if p, ok := any(lease.Session()).(interface{ Port() int }); ok {
		resp.Port = p.Port()
	}

	// Return the session before replying so the caller's next request can reuse it.
	if cerr := lease.Close(context.WithoutCancel(ctx)); cerr != nil {
		s.logger.Warn("Failed to return session", map[string]interface{}{"key": cred.Label(), "error": cerr})
	}
	if err != nil {
		s.fail(w, req.Op, cred, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// Txn runs a batch of operations in one transaction
func (s *Server[S]) Txn(w http.ResponseWriter, r *http.Request) {
	var req api.TxnRequest
	if err := api.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(req.Steps) == 0 {
		badRequest(w, "at least one step is required")
		return
	}

	cred := credentialOf(req.Credential)
	results := make([]models.CallResult, 0, len(req.Steps))
	xid, err := s.coord.Run(r.Context(), func(ctx context.Context) error {
		lease, err := s.ds.Acquire(ctx, cred)
		if err != nil {
			return err
		}
		for _, step := range req.Steps {
			result, err := lease.Call(ctx, step.Op, step.Args...)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		if req.Rollback {
			return errRollbackRequested
		}
		return nil
	})

	outcome := txn.Committed.String()
	if req.Rollback {
		outcome = txn.RolledBack.String()
	}
	if req.Rollback && isOnly(err, errRollbackRequested) {
		err = nil
	}
	if err != nil {
		s.fail(w, "txn", cred, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.TxnResponse{
		Xid:     xid.String(),
		Outcome: outcome,
		Results: results,
	})
}

// isOnly reports whether err is target, possibly joined with nothing else.
func isOnly(err, target error) bool {
	if err == target {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if e != target {
				return false
			}
		}
		return true
	}
	return false
}

// Status reports pool and slot snapshots
func (s *Server[S]) Status(w http.ResponseWriter, r *http.Request) {
	status := api.GatewayStatus{
		Pool:   s.pool.Status(),
		Faults: s.faults.Recent(20),
	}
	if s.slots != nil {
		status.Slots = s.slots()
	}
	api.WriteJSON(w, http.StatusOK, status)
}

// Health is the liveness check
func (s *Server[S]) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "healthy"
	if s.pool.Status().Closed {
		status = http.StatusServiceUnavailable
		state = "closed"
	}
	api.WriteJSON(w, status, map[string]string{
		"status":    state,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
