// Package supervisor runs each backend session inside its own worker process,
// one per port slot, and recovers slots whose workers crash or hang.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psantana5/backendpool/internal/slotlock"
	"github.com/psantana5/backendpool/internal/worker"
	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
	"github.com/psantana5/backendpool/pkg/ratelimit"
	"github.com/psantana5/backendpool/pkg/retry"
)

// Config configures a Supervisor.
type Config struct {
	StartingPort      int           `mapstructure:"starting_port" yaml:"starting_port"`
	MaxPoolSize       int           `mapstructure:"max_pool_size" yaml:"max_pool_size"`
	WorkerCommand     []string      `mapstructure:"worker_command" yaml:"worker_command"`
	ReaperCommand     []string      `mapstructure:"reaper_command" yaml:"reaper_command"`
	LogDirectory      string        `mapstructure:"log_directory" yaml:"log_directory"`
	StartupTimeout    time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	ForceKillGrace    time.Duration `mapstructure:"force_kill_grace" yaml:"force_kill_grace"`
	HostWaitCeiling   time.Duration `mapstructure:"host_wait_ceiling" yaml:"host_wait_ceiling"`
	SaturationBackoff time.Duration `mapstructure:"saturation_backoff" yaml:"saturation_backoff"`
	LaunchRate        float64       `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst       int           `mapstructure:"launch_burst" yaml:"launch_burst"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		StartingPort:      17500,
		MaxPoolSize:       10,
		WorkerCommand:     []string{"pool-worker"},
		ReaperCommand:     []string{"poolctl", "reap"},
		LogDirectory:      "./logs",
		StartupTimeout:    30 * time.Second,
		ForceKillGrace:    time.Minute,
		HostWaitCeiling:   24 * time.Hour,
		SaturationBackoff: time.Second,
	}
}

// MetricsRecorder receives supervisor events.
type MetricsRecorder interface {
	RecordLaunch(result string)
	RecordReap(port int)
	SetSlots(occupied int)
}

// Options are the collaborators of a Supervisor. Nil fields get defaults.
type Options struct {
	Launcher ProcessLauncher
	Reaper   Reaper
	Logger   *logging.Logger
	Metrics  MetricsRecorder
}

// Supervisor hands out worker slots and owns the worker processes.
type Supervisor struct {
	cfg      Config
	slots    *SlotRegistry
	launcher ProcessLauncher
	reaper   Reaper
	limiter  *ratelimit.Limiter
	logger   *logging.Logger
	metrics  MetricsRecorder

	// hostMu orders wg.Add against the close of quit, so Cleanup's
	// wg.Wait sees every Instantiate and host goroutine it must wait for.
	hostMu    sync.Mutex
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a supervisor over ports [StartingPort, StartingPort+MaxPoolSize).
func New(cfg Config, opts Options) (*Supervisor, error) {
	if cfg.MaxPoolSize <= 0 {
		return nil, fmt.Errorf("max pool size must be positive, got %d", cfg.MaxPoolSize)
	}
	if cfg.StartingPort <= 0 || cfg.StartingPort+cfg.MaxPoolSize-1 > 65535 {
		return nil, fmt.Errorf("invalid port range %d+%d", cfg.StartingPort, cfg.MaxPoolSize)
	}
	defaults := DefaultConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaults.StartupTimeout
	}
	if cfg.ForceKillGrace <= 0 {
		cfg.ForceKillGrace = defaults.ForceKillGrace
	}
	if cfg.HostWaitCeiling <= 0 {
		cfg.HostWaitCeiling = defaults.HostWaitCeiling
	}
	if cfg.SaturationBackoff <= 0 {
		cfg.SaturationBackoff = defaults.SaturationBackoff
	}
	if cfg.LogDirectory == "" {
		cfg.LogDirectory = defaults.LogDirectory
	}

	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Launcher == nil {
		opts.Launcher = &ExecLauncher{Command: cfg.WorkerCommand, LogDir: cfg.LogDirectory}
	}
	if opts.Reaper == nil {
		opts.Reaper = &CommandReaper{Command: cfg.ReaperCommand}
	}

	return &Supervisor{
		cfg:      cfg,
		slots:    NewSlotRegistry(cfg.StartingPort, cfg.MaxPoolSize),
		launcher: opts.Launcher,
		reaper:   opts.Reaper,
		limiter:  ratelimit.NewLimiter(cfg.LaunchRate, cfg.LaunchBurst),
		logger:   opts.Logger.WithField("component", "supervisor"),
		metrics:  opts.Metrics,
		quit:     make(chan struct{}),
	}, nil
}

func (s *Supervisor) closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// enter registers one goroutine with wg unless the supervisor is closed.
func (s *Supervisor) enter() bool {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if s.closed() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Supervisor) recordLaunch(result string) {
	if s.metrics != nil {
		s.metrics.RecordLaunch(result)
		s.metrics.SetSlots(s.slots.Len())
	}
}

// Instantiate starts a worker on a free slot and returns its port once the
// worker reports ready. It blocks while every slot is occupied.
func (s *Supervisor) Instantiate(ctx context.Context) (int, error) {
	if !s.enter() {
		return 0, faults.New(faults.WorkerStartupFailure, "instantiate", "supervisor is shut down")
	}
	defer s.wg.Done()

	port, err := s.reserve(ctx)
	if err != nil {
		return 0, err
	}
	logger := s.logger.WithField("port", port)

	if err := s.clearStaleLock(ctx, port, logger); err != nil {
		s.slots.Release(port, nil)
		s.recordLaunch("stale_lock")
		return 0, faults.Wrap(faults.WorkerStartupFailure, "instantiate", err, fmt.Sprintf("slot %d", port))
	}

	if err := s.limiter.Wait(ctx, "launch"); err != nil {
		s.slots.Release(port, nil)
		s.recordLaunch("throttled")
		return 0, faults.Wrap(faults.WorkerStartupFailure, "instantiate", err, "launch rate limit")
	}

	proc, err := s.launcher.Launch(ctx, port)
	if err != nil {
		s.slots.Release(port, nil)
		s.recordLaunch("launch_error")
		logger.Error("Failed to launch worker", map[string]interface{}{"error": err})
		return 0, faults.Wrap(faults.WorkerStartupFailure, "instantiate", err, fmt.Sprintf("launch worker on port %d", port))
	}
	if !s.track(port, proc, logger) {
		s.discard(port, proc, logger)
		s.recordLaunch("abandoned")
		return 0, faults.New(faults.WorkerStartupFailure, "instantiate",
			fmt.Sprintf("slot %d was unregistered during launch", port))
	}

	signals := make(chan worker.Signal, 1)
	go readStatus(proc.Stdout(), signals, logger.WithField("pid", proc.PID()))

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	var failure error
	select {
	case sig := <-signals:
		if sig.Ready {
			s.slots.MarkReady(port, sig.PID)
			s.recordLaunch("ready")
			logger.Info("Worker ready", map[string]interface{}{"pid": sig.PID})
			return port, nil
		}
		failure = fmt.Errorf("worker reported failure: %s", sig.Reason)
	case <-proc.Exited():
		failure = fmt.Errorf("worker exited before signalling readiness: %v", proc.ExitErr())
	case <-timer.C:
		failure = fmt.Errorf("worker not ready within %s", s.cfg.StartupTimeout)
	case <-ctx.Done():
		failure = ctx.Err()
	case <-s.quit:
		failure = errors.New("supervisor is shutting down")
	}

	logger.Error("Worker startup failed", map[string]interface{}{"error": failure})
	s.recordLaunch("startup_failed")
	if err := s.Unregister(context.Background(), port); err != nil {
		logger.Warn("Failed to unregister slot after startup failure", map[string]interface{}{"error": err})
	}
	return 0, faults.Wrap(faults.WorkerStartupFailure, "instantiate", failure, fmt.Sprintf("slot %d", port))
}

// track attaches proc to its slot and starts the host goroutine. It fails
// once Cleanup has begun or the slot was unregistered during the launch.
func (s *Supervisor) track(port int, proc Process, logger *logging.Logger) bool {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if s.closed() || !s.slots.Attach(port, proc) {
		return false
	}
	s.wg.Add(1)
	go s.host(port, proc, logger)
	return true
}

// discard kills a process no slot owns any more and frees its port.
func (s *Supervisor) discard(port int, proc Process, logger *logging.Logger) {
	logger.Warn("Slot unregistered during launch, killing worker", map[string]interface{}{"pid": proc.PID()})
	if err := proc.Kill(); err != nil {
		logger.Warn("Failed to kill worker process tree", map[string]interface{}{"error": err})
	}
	go io.Copy(io.Discard, proc.Stdout())
	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		logger.Error("Worker did not exit after kill", map[string]interface{}{"pid": proc.PID()})
	}
	if s.slots.Release(port, nil) && s.metrics != nil {
		s.metrics.SetSlots(s.slots.Len())
	}
}

// reserve claims a free slot, waiting while all of them are occupied. A
// release wakes the waiter before the backoff elapses.
func (s *Supervisor) reserve(ctx context.Context) (int, error) {
	backoff := retry.NewBackoff(retry.Config{
		InitialBackoff: s.cfg.SaturationBackoff,
		MaxBackoff:     8 * s.cfg.SaturationBackoff,
		Multiplier:     2,
	})
	for {
		if s.closed() {
			return 0, faults.New(faults.WorkerStartupFailure, "instantiate", "supervisor is shut down")
		}
		changed := s.slots.Changed()
		if port, ok := s.slots.Reserve(); ok {
			return port, nil
		}

		s.logger.Debug("All worker slots occupied, waiting", map[string]interface{}{"max_pool_size": s.cfg.MaxPoolSize})
		timer := time.NewTimer(backoff.Next())
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, faults.Wrap(faults.WorkerStartupFailure, "instantiate", ctx.Err(), "all worker slots occupied")
		case <-s.quit:
		}
		timer.Stop()
	}
}

// clearStaleLock reaps a previous occupant that crashed while holding the
// slot lock.
func (s *Supervisor) clearStaleLock(ctx context.Context, port int, logger *logging.Logger) error {
	held, err := slotlock.IsHeld(s.cfg.LogDirectory, port)
	if err != nil {
		return fmt.Errorf("check slot lock: %w", err)
	}
	if !held {
		return nil
	}

	logger.Warn("Stale slot lock found, reaping previous worker", map[string]interface{}{
		"lock": slotlock.Path(s.cfg.LogDirectory, port),
	})
	if s.metrics != nil {
		s.metrics.RecordReap(port)
	}
	if err := s.reaper.Reap(ctx, port); err != nil {
		return fmt.Errorf("reap port %d: %w", port, err)
	}
	// A killed process drops its lock when the kernel reaps it.
	errStillHeld := fmt.Errorf("slot lock for port %d still held after reaping", port)
	return retry.Do(ctx, retry.Config{
		MaxRetries:     5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}, func(err error) bool { return errors.Is(err, errStillHeld) }, func() error {
		held, err := slotlock.IsHeld(s.cfg.LogDirectory, port)
		if err != nil {
			return fmt.Errorf("check slot lock: %w", err)
		}
		if held {
			return errStillHeld
		}
		return nil
	})
}

// host waits on the worker for the long ceiling, then tears the process tree
// down and frees the slot if this process still owns it.
func (s *Supervisor) host(port int, proc Process, logger *logging.Logger) {
	defer s.wg.Done()

	ceiling := time.NewTimer(s.cfg.HostWaitCeiling)
	defer ceiling.Stop()

	select {
	case <-proc.Exited():
		logger.Info("Worker exited", map[string]interface{}{"pid": proc.PID(), "exit": fmt.Sprint(proc.ExitErr())})
	case <-ceiling.C:
		logger.Warn("Worker reached host wait ceiling, destroying", map[string]interface{}{"ceiling": s.cfg.HostWaitCeiling.String()})
	}

	if err := proc.Kill(); err != nil {
		logger.Warn("Failed to kill worker process tree", map[string]interface{}{"error": err})
	}
	if s.slots.Release(port, proc) {
		logger.Info("Slot released by worker host")
		if s.metrics != nil {
			s.metrics.SetSlots(s.slots.Len())
		}
	}
}

// Unregister stops the worker on port and frees the slot. A live process is
// asked to terminate, then killed after ForceKillGrace.
func (s *Supervisor) Unregister(ctx context.Context, port int) error {
	proc, ok := s.slots.MarkDead(port)
	if !ok {
		return nil
	}
	if proc == nil {
		// Still launching: Instantiate sees the dead slot, kills what it
		// launched and frees the port.
		return nil
	}
	defer func() {
		if s.slots.Release(port, proc) && s.metrics != nil {
			s.metrics.SetSlots(s.slots.Len())
		}
	}()

	logger := s.logger.WithFields(map[string]interface{}{"port": port, "pid": proc.PID()})
	select {
	case <-proc.Exited():
		return nil
	default:
	}

	if err := proc.Terminate(); err != nil {
		logger.Warn("Failed to signal worker", map[string]interface{}{"error": err})
	}
	grace := time.NewTimer(s.cfg.ForceKillGrace)
	defer grace.Stop()

	select {
	case <-proc.Exited():
		logger.Info("Worker stopped")
		return nil
	case <-grace.C:
		logger.Warn("Worker ignored termination, killing", map[string]interface{}{"grace": s.cfg.ForceKillGrace.String()})
	case <-ctx.Done():
		logger.Warn("Unregister interrupted, killing worker", map[string]interface{}{"error": ctx.Err()})
	}

	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill worker on port %d: %w", port, err)
	}
	select {
	case <-proc.Exited():
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker on port %d did not exit after kill", port)
	}
}

// Cleanup unregisters every slot and waits for the host goroutines and any
// Instantiate still in flight. It is safe to call more than once.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.hostMu.Lock()
		close(s.quit)
		s.hostMu.Unlock()
		s.logger.Info("Supervisor cleanup", map[string]interface{}{"slots": s.slots.Len()})

		g, gctx := errgroup.WithContext(ctx)
		for _, port := range s.slots.Ports() {
			port := port
			g.Go(func() error { return s.Unregister(gctx, port) })
		}
		err = g.Wait()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("waiting for worker hosts: %w", ctx.Err()))
		}
	})
	return err
}

// Slots returns a snapshot of all tracked slots.
func (s *Supervisor) Slots() []models.SlotInfo {
	return s.slots.Snapshot()
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}
