package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/psantana5/backendpool/internal/gateway"
	"github.com/psantana5/backendpool/internal/pool"
	"github.com/psantana5/backendpool/internal/proxy"
	"github.com/psantana5/backendpool/internal/report"
	"github.com/psantana5/backendpool/internal/supervisor"
	"github.com/psantana5/backendpool/internal/txn"
	"github.com/psantana5/backendpool/pkg/shutdown"
	"github.com/psantana5/backendpool/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool gateway",
	Long: `Starts the worker supervisor, the keyed session pool and the HTTP gateway.
On SIGINT or SIGTERM the gateway stops accepting requests, the pool destroys
its sessions and every remaining worker is stopped.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger("poolctl", "gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	tracer, err := tracing.InitTracer(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing unavailable, continuing without it", map[string]interface{}{"error": err.Error()})
		tracer = tracing.Noop(cfg.Tracing.ServiceName)
	}

	metrics := report.New(prometheus.DefaultRegisterer)
	faultLog := report.NewFaultLog(100)

	sup, err := supervisor.New(cfg.Supervisor, supervisor.Options{
		Launcher: &supervisor.ExecLauncher{
			Command:   cfg.Supervisor.WorkerCommand,
			LogDir:    cfg.Supervisor.LogDirectory,
			ExtraArgs: cfg.WorkerArgs(),
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	factory := pool.NewRemoteFactory(sup, proxy.Options{
		CallTimeout:    cfg.Pool.DefaultCallTimeout,
		TransportGrace: cfg.Gateway.TransportGrace,
		Tracer:         tracer,
		Logger:         logger,
		Metrics:        metrics,
	})
	p, err := pool.New[*proxy.RemoteConnection](cfg.Pool, factory, pool.Options{
		Logger:            logger,
		Metrics:           metrics,
		DefaultCredential: cfg.DefaultCredential,
	})
	if err != nil {
		sup.Cleanup(context.Background())
		return fmt.Errorf("failed to create pool: %w", err)
	}

	coord := txn.NewCoordinator(logger)
	srv := gateway.New(gateway.Options[*proxy.RemoteConnection]{
		Pool:        p,
		DataSource:  txn.NewDataSource[*proxy.RemoteConnection](p, logger),
		Coordinator: coord,
		Slots:       sup.Slots,
		Gatherer:    prometheus.DefaultGatherer,
		Faults:      faultLog,
		Logger:      logger,
		Tracer:      tracer,
	})

	httpServer := &http.Server{
		Addr:         cfg.Gateway.Address,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Steps run in reverse registration order.
	sm := shutdown.New(cfg.Gateway.ShutdownTimeout, logger)
	sm.Register("tracer", tracer.Shutdown)
	sm.Register("supervisor", sup.Cleanup)
	sm.Register("pool", p.Close)
	sm.Register("http-server", shutdown.StopHTTPServer(httpServer))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", map[string]interface{}{
			"address":       cfg.Gateway.Address,
			"starting_port": cfg.Supervisor.StartingPort,
			"max_pool_size": cfg.Supervisor.MaxPoolSize,
			"driver":        cfg.Worker.Driver,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			sm.Trigger("http server failed")
			return
		}
		serveErr <- nil
	}()

	sm.Wait(cmd.Context())

	begun, committed, rolledBack := coord.Stats()
	logger.Info("Gateway stopped", map[string]interface{}{
		"transactions": begun,
		"committed":    committed,
		"rolled_back":  rolledBack,
	})
	return <-serveErr
}
