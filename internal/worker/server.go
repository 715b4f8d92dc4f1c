package worker

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/backendpool/pkg/api"
	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
	"github.com/psantana5/backendpool/pkg/tracing"
)

// Server exposes a Session over HTTP/JSON.
type Server struct {
	session   *Session
	logger    *logging.Logger
	tracer    *tracing.Provider
	port      int
	driver    string
	startedAt time.Time
	// onShutdown is called after a shutdown request has been acknowledged.
	onShutdown func(reason string)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Port       int
	Driver     string
	Logger     *logging.Logger
	Tracer     *tracing.Provider
	OnShutdown func(reason string)
}

// NewServer creates the RPC server for sess.
func NewServer(sess *Session, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop("pool-worker")
	}
	return &Server{
		session:    sess,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		port:       cfg.Port,
		driver:     cfg.Driver,
		startedAt:  time.Now(),
		onShutdown: cfg.OnShutdown,
	}
}

// RegisterRoutes registers all RPC routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(api.RouteOpen, s.Open).Methods("POST")
	r.HandleFunc(api.RouteCall, s.Call).Methods("POST")
	r.HandleFunc(api.RouteCleanup, s.Cleanup).Methods("POST")
	r.HandleFunc(api.RouteStatus, s.Status).Methods("GET")
	r.HandleFunc(api.RouteShutdown, s.Shutdown).Methods("POST")
	r.HandleFunc(api.RouteHealth, s.Health).Methods("GET")
}

// Handler returns the traced router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware(s.tracer))
	s.RegisterRoutes(r)
	return r
}

// Open handles session open requests
func (s *Server) Open(w http.ResponseWriter, r *http.Request) {
	var req api.OpenRequest
	if err := api.DecodeJSON(r.Body, &req); err != nil {
		api.WriteError(w, faults.Wrap(faults.BackendOpenFailure, "open", err, ""))
		return
	}
	if req.CallTimeout != "" {
		d, err := time.ParseDuration(req.CallTimeout)
		if err != nil {
			api.WriteError(w, faults.Wrap(faults.BackendOpenFailure, "open", err, "invalid call timeout"))
			return
		}
		s.session.SetDefaultCallTimeout(d)
	}
	if err := s.session.Open(r.Context(), req.Credential); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"state": string(s.session.State())})
}

// Call handles one backend operation
func (s *Server) Call(w http.ResponseWriter, r *http.Request) {
	var env models.CallEnvelope
	if err := api.DecodeJSON(r.Body, &env); err != nil {
		api.WriteError(w, faults.Wrap(faults.TransportFault, "call", err, ""))
		return
	}
	if env.Op == "" {
		api.WriteError(w, faults.New(faults.BackendCallFailure, "call", "operation name is required"))
		return
	}

	result, err := s.session.Invoke(r.Context(), env)
	if err != nil {
		if faults.HasCode(err, faults.CallTimeout) {
			s.logger.Warn("Call timed out", map[string]interface{}{"op": env.Op, "id": env.ID, "timeout_ms": env.TimeoutMS})
		}
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

// Cleanup handles passivation requests
func (s *Server) Cleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Cleanup(r.Context()); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"state": string(s.session.State())})
}

// Status reports the session and process state
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	status := api.WorkerStatus{
		PID:       os.Getpid(),
		Port:      s.port,
		Driver:    s.driver,
		State:     snap.State,
		Connected: snap.Connected,
		Handles:   snap.Handles,
		Calls:     snap.Calls,
		TimedOut:  snap.TimedOut,
		RSSBytes:  residentBytes(),
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if !snap.Credential.IsZero() {
		status.Credential = snap.Credential.String()
	}
	if snap.LastFault != nil {
		status.LastFault = snap.LastFault.Error()
	}
	if snap.CallTimeout > 0 {
		status.CallTimeout = snap.CallTimeout.String()
	}
	api.WriteJSON(w, http.StatusOK, status)
}

// Shutdown acknowledges and schedules process exit
func (s *Server) Shutdown(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.onShutdown != nil {
		go s.onShutdown("shutdown requested over RPC")
	}
}

// Health is the liveness check
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func residentBytes() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
