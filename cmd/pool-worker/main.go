package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psantana5/backendpool/internal/worker"
	"github.com/psantana5/backendpool/pkg/logging"
)

func main() {
	port := flag.Int("port", 0, "RPC port to bind on 127.0.0.1 (required)")
	logDir := flag.String("log-dir", "./logs", "Directory holding the slot lock files")
	driver := flag.String("driver", "sql", "Backend driver to host")
	callTimeout := flag.Duration("call-timeout", 0, "Default per-call timeout (0 = none)")
	maxLifetime := flag.Duration("max-lifetime", worker.DefaultMaxLifetime, "Exit after this long even if still in use")
	shutdownGrace := flag.Duration("shutdown-grace", worker.DefaultShutdownGrace, "Time allowed for closing the backend on shutdown")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	// stdout carries the startup sentinel; everything else goes to stderr.
	logger := logging.NewLogger(logging.ParseLevel(*logLevel), false)
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err := worker.Run(ctx, worker.Config{
		Port:          *port,
		LogDir:        *logDir,
		Driver:        *driver,
		CallTimeout:   *callTimeout,
		MaxLifetime:   *maxLifetime,
		ShutdownGrace: *shutdownGrace,
		Logger:        logger,
	}, os.Stdout)
	if err != nil {
		logger.Error("Worker exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("Worker exited", map[string]interface{}{"uptime": time.Since(start).Round(time.Second).String()})
}
