package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/backendpool/internal/worker"
	"github.com/psantana5/backendpool/pkg/models"
)

// TestHelperWorker is not a real test. The exec launcher tests re-run the
// test binary with it selected, so it plays the part of a worker process.
func TestHelperWorker(t *testing.T) {
	mode := os.Getenv("BACKENDPOOL_HELPER_WORKER")
	if mode == "" {
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)

	switch mode {
	case "ready":
		fmt.Println(worker.ReadyLine(os.Getpid()))
	case "fail":
		fmt.Println(worker.FailedLine("helper refused to start"))
		os.Exit(1)
	}
	select {
	case <-sigs:
		os.Exit(0)
	case <-time.After(time.Minute):
		os.Exit(2)
	}
}

func helperLauncher(t *testing.T, mode string) *ExecLauncher {
	return &ExecLauncher{
		Command: []string{os.Args[0], "-test.run=^TestHelperWorker$", "--"},
		LogDir:  t.TempDir(),
		Env:     []string{"BACKENDPOOL_HELPER_WORKER=" + mode},
	}
}

func TestExecLauncherRunsWorker(t *testing.T) {
	launcher := helperLauncher(t, "ready")
	cfg := testConfig(t, 1)
	cfg.LogDirectory = launcher.LogDir
	cfg.StartupTimeout = 10 * time.Second
	cfg.ForceKillGrace = 5 * time.Second

	s, err := New(cfg, Options{Launcher: launcher, Reaper: &countingReaper{}})
	require.NoError(t, err)
	defer s.Cleanup(context.Background())

	port, err := s.Instantiate(context.Background())
	require.NoError(t, err)

	slots := s.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, models.SlotReady, slots[0].State)
	assert.NotZero(t, slots[0].PID)
	assert.NotEqual(t, os.Getpid(), slots[0].PID)

	require.NoError(t, s.Unregister(context.Background(), port))
	assert.Empty(t, s.Slots())
}

func TestExecLauncherReportsFailure(t *testing.T) {
	launcher := helperLauncher(t, "fail")
	cfg := testConfig(t, 1)
	cfg.LogDirectory = launcher.LogDir
	cfg.StartupTimeout = 10 * time.Second

	s, err := New(cfg, Options{Launcher: launcher, Reaper: &countingReaper{}})
	require.NoError(t, err)
	defer s.Cleanup(context.Background())

	_, err = s.Instantiate(context.Background())
	require.Error(t, err)
	assert.Empty(t, s.Slots())
}

func TestExecLauncherRejectsEmptyCommand(t *testing.T) {
	_, err := (&ExecLauncher{LogDir: t.TempDir()}).Launch(context.Background(), 17500)
	assert.Error(t, err)
}
