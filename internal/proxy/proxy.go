// Package proxy is the caller-side view of a worker session. Every backend
// operation becomes one deadline-bounded RPC to the worker that owns it.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/backendpool/pkg/api"
	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
	"github.com/psantana5/backendpool/pkg/tracing"
)

// DefaultTransportGrace is added to a call's deadline for the HTTP round trip,
// so the worker's own timeout normally answers first.
const DefaultTransportGrace = 5 * time.Second

// MetricsRecorder observes completed remote calls.
type MetricsRecorder interface {
	ObserveCall(op, code string, elapsed time.Duration)
}

// Options configures a RemoteConnection.
type Options struct {
	Host           string
	CallTimeout    time.Duration
	TransportGrace time.Duration
	Client         *http.Client
	Tracer         *tracing.Provider
	Logger         *logging.Logger
	Metrics        MetricsRecorder
}

// RemoteConnection forwards backend operations to the worker on one port.
// It is owned by a single borrower at a time.
type RemoteConnection struct {
	port    int
	baseURL string
	client  *http.Client
	tracer  *tracing.Provider
	logger  *logging.Logger
	metrics MetricsRecorder
	grace   time.Duration

	mu             sync.Mutex
	defaultTimeout time.Duration
	callTimeout    time.Duration
	cred           models.Credential

	noReuse  atomic.Bool
	shutdown atomic.Bool
}

// New creates a proxy for the worker listening on port.
func New(port int, opts Options) *RemoteConnection {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.TransportGrace <= 0 {
		opts.TransportGrace = DefaultTransportGrace
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop("backendpool")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &RemoteConnection{
		port:           port,
		baseURL:        "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(port)),
		client:         opts.Client,
		tracer:         opts.Tracer,
		logger:         opts.Logger.WithFields(map[string]interface{}{"component": "proxy", "port": port}),
		metrics:        opts.Metrics,
		grace:          opts.TransportGrace,
		defaultTimeout: opts.CallTimeout,
		callTimeout:    opts.CallTimeout,
	}
}

// Port returns the worker port.
func (c *RemoteConnection) Port() int {
	return c.port
}

// Credential returns the credential the session was opened with.
func (c *RemoteConnection) Credential() models.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// NoReuse reports whether the session must be destroyed instead of pooled.
func (c *RemoteConnection) NoReuse() bool {
	return c.noReuse.Load()
}

// MarkNoReuse flags the session for destruction. The flag is never cleared.
func (c *RemoteConnection) MarkNoReuse() {
	if !c.noReuse.Swap(true) {
		c.logger.Debug("Session marked no-reuse")
	}
}

// SetCallTimeout changes the deadline for subsequent calls.
func (c *RemoteConnection) SetCallTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callTimeout = d
}

// ResetCallTimeout restores the session default.
func (c *RemoteConnection) ResetCallTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callTimeout = c.defaultTimeout
}

// CallTimeout returns the deadline applied to calls.
func (c *RemoteConnection) CallTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callTimeout
}

// Open opens the worker's backend session.
func (c *RemoteConnection) Open(ctx context.Context, cred models.Credential) error {
	req := api.OpenRequest{Credential: cred}
	timeout := c.CallTimeout()
	if timeout > 0 {
		req.CallTimeout = timeout.String()
	}
	if err := c.do(ctx, "open", http.MethodPost, api.RouteOpen, req, timeout, nil); err != nil {
		if faults.CodeOf(err) == faults.BackendOpenFailure {
			return err
		}
		return faults.Wrap(faults.BackendOpenFailure, "open", err, fmt.Sprintf("worker on port %d", c.port))
	}
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
	return nil
}

// Call invokes a backend operation.
func (c *RemoteConnection) Call(ctx context.Context, op string, args ...string) (models.CallResult, error) {
	timeout := c.CallTimeout()
	env := models.NewCallEnvelope(op, timeout, args...)
	var result models.CallResult
	if err := c.do(ctx, op, http.MethodPost, api.RouteCall, env, timeout, &result); err != nil {
		return models.CallResult{}, err
	}
	return result, nil
}

// Begin starts a backend transaction.
func (c *RemoteConnection) Begin(ctx context.Context) error {
	_, err := c.Call(ctx, models.OpBegin)
	return err
}

// Commit commits the backend transaction.
func (c *RemoteConnection) Commit(ctx context.Context) error {
	_, err := c.Call(ctx, models.OpCommit)
	return err
}

// Rollback rolls the backend transaction back.
func (c *RemoteConnection) Rollback(ctx context.Context) error {
	_, err := c.Call(ctx, models.OpRollback)
	return err
}

// Release frees a handle created by an earlier call.
func (c *RemoteConnection) Release(ctx context.Context, h models.Handle) error {
	_, err := c.Call(ctx, models.OpRelease, strconv.FormatInt(h.ID, 10))
	return err
}

// IsConnected asks the worker's backend whether the session is usable. Any
// failure counts as not connected.
func (c *RemoteConnection) IsConnected(ctx context.Context) bool {
	if c.shutdown.Load() {
		return false
	}
	result, err := c.Call(ctx, models.OpConnected)
	return err == nil && result.Status == 1
}

// Cleanup passivates the worker session and restores the default timeout.
func (c *RemoteConnection) Cleanup(ctx context.Context) error {
	c.ResetCallTimeout()
	return c.do(ctx, "cleanup", http.MethodPost, api.RouteCleanup, struct{}{}, c.CallTimeout(), nil)
}

// Status fetches the worker status.
func (c *RemoteConnection) Status(ctx context.Context) (api.WorkerStatus, error) {
	var status api.WorkerStatus
	err := c.do(ctx, "status", http.MethodGet, api.RouteStatus, nil, c.grace, &status)
	return status, err
}

// Shutdown asks the worker process to exit. It is idempotent.
func (c *RemoteConnection) Shutdown(ctx context.Context) error {
	if c.shutdown.Swap(true) {
		return nil
	}
	c.noReuse.Store(true)
	return c.do(ctx, "shutdown", http.MethodPost, api.RouteShutdown, struct{}{}, c.grace, nil)
}

// do performs one RPC. Timeouts and transport failures mark the session
// no-reuse.
func (c *RemoteConnection) do(ctx context.Context, op, method, route string, body interface{}, timeout time.Duration, out interface{}) (err error) {
	start := time.Now()
	ctx, span := c.tracer.StartSpan(ctx, "proxy."+op,
		attribute.Int("worker.port", c.port),
		attribute.String("backend.op", op),
	)
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
			code := faults.CodeOf(err)
			if code == faults.CallTimeout || code == faults.TransportFault {
				c.MarkNoReuse()
			}
		}
		if c.metrics != nil {
			c.metrics.ObserveCall(op, string(faults.CodeOf(err)), time.Since(start))
		}
		span.End()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+c.grace)
		defer cancel()
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return faults.Wrap(faults.Internal, op, err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+route, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+route, nil)
	}
	if err != nil {
		return faults.Wrap(faults.Internal, op, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
			return faults.Wrap(faults.CallTimeout, op, err, fmt.Sprintf("no reply within %s", timeout))
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return faults.Wrap(faults.CallTimeout, op, err, "caller stopped waiting")
		}
		return faults.Wrap(faults.TransportFault, op, err, fmt.Sprintf("worker on port %d unreachable", c.port))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return api.DecodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := api.DecodeJSON(resp.Body, out); err != nil {
		return faults.Wrap(faults.TransportFault, op, err, "malformed reply")
	}
	return nil
}
