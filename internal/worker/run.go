// Package worker hosts one backend session inside a dedicated process and
// serves it to the pool over a loopback HTTP/JSON RPC.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/psantana5/backendpool/internal/slotlock"
	"github.com/psantana5/backendpool/pkg/backend"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/shutdown"
	"github.com/psantana5/backendpool/pkg/tracing"
)

// Defaults for a worker process.
const (
	DefaultMaxLifetime   = 8 * time.Hour
	DefaultShutdownGrace = 15 * time.Second
)

// Config configures a worker process.
type Config struct {
	Port          int
	LogDir        string
	Driver        string
	Host          string
	CallTimeout   time.Duration
	MaxLifetime   time.Duration
	ShutdownGrace time.Duration
	Logger        *logging.Logger
	Tracer        *tracing.Provider
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
}

// Run starts the worker and blocks until it shuts down. Exactly one sentinel
// line is written to stdout: ready once the RPC endpoint accepts calls, or
// failed if startup did not get that far.
func Run(ctx context.Context, cfg Config, stdout io.Writer) error {
	cfg.applyDefaults()
	logger := cfg.Logger.WithFields(map[string]interface{}{"component": "worker", "port": cfg.Port})

	fail := func(err error) error {
		fmt.Fprintln(stdout, FailedLine(err.Error()))
		logger.Error("Worker startup failed", map[string]interface{}{"error": err})
		return err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fail(fmt.Errorf("invalid port %d", cfg.Port))
	}

	lock, err := slotlock.Acquire(cfg.LogDir, cfg.Port)
	if err != nil {
		return fail(fmt.Errorf("acquire slot lock: %w", err))
	}

	driver, err := backend.Load(cfg.Driver)
	if err != nil {
		lock.Release()
		return fail(err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)))
	if err != nil {
		lock.Release()
		return fail(fmt.Errorf("bind RPC port: %w", err))
	}

	sm := shutdown.New(cfg.ShutdownGrace, logger)
	session := NewSession(driver(), SessionOptions{
		CallTimeout: cfg.CallTimeout,
		CloseGrace:  cfg.ShutdownGrace,
		Logger:      logger,
	})
	srv := NewServer(session, ServerConfig{
		Port:       cfg.Port,
		Driver:     cfg.Driver,
		Logger:     logger,
		Tracer:     cfg.Tracer,
		OnShutdown: sm.Trigger,
	})
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// LIFO: stop serving, close the backend, then drop the lock.
	sm.Register("slot-lock", func(context.Context) error { return lock.Release() })
	sm.Register("session", session.Close)
	sm.Register("rpc-server", shutdown.StopHTTPServer(httpServer))

	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server stopped", map[string]interface{}{"error": err})
			sm.Trigger("rpc server failed")
		}
	}()

	lifetime := time.AfterFunc(cfg.MaxLifetime, func() {
		sm.Trigger(fmt.Sprintf("max lifetime %s reached", cfg.MaxLifetime))
	})
	defer lifetime.Stop()

	logger.Info("Worker ready", map[string]interface{}{
		"pid":    os.Getpid(),
		"driver": cfg.Driver,
		"lock":   lock.Path(),
	})
	fmt.Fprintln(stdout, ReadyLine(os.Getpid()))

	sm.Wait(ctx)
	return nil
}
