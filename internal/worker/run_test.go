package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/backendpool/internal/slotlock"
	"github.com/psantana5/backendpool/pkg/api"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// runWorker starts Run in the background and returns its first stdout line.
func runWorker(t *testing.T, ctx context.Context, cfg Config) (string, <-chan error) {
	t.Helper()
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := Run(ctx, cfg, pw)
		pw.Close()
		done <- err
	}()

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(pr)
		if sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
		io.Copy(io.Discard, pr)
	}()

	select {
	case line := <-lines:
		return line, done
	case <-time.After(5 * time.Second):
		t.Fatal("worker printed no sentinel line")
		return "", done
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()
	port := freePort(t)

	line, done := runWorker(t, ctx, Config{Port: port, LogDir: dir, Driver: "memory"})
	sig, ok, err := ParseLine(line)
	require.NoError(t, err)
	require.True(t, ok, line)
	require.True(t, sig.Ready, line)

	held, err := slotlock.IsHeld(dir, port)
	require.NoError(t, err)
	assert.True(t, held, "the worker holds its slot lock")

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, api.RouteHealth))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	held, err = slotlock.IsHeld(dir, port)
	require.NoError(t, err)
	assert.False(t, held, "lock is released on shutdown")
}

func TestRunReportsFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string, port int)
		cfg   func(dir string, port int) Config
	}{
		{
			name: "unknown driver",
			cfg: func(dir string, port int) Config {
				return Config{Port: port, LogDir: dir, Driver: "nope"}
			},
		},
		{
			name: "lock held",
			setup: func(t *testing.T, dir string, port int) {
				l, err := slotlock.Acquire(dir, port)
				require.NoError(t, err)
				t.Cleanup(func() { l.Release() })
			},
			cfg: func(dir string, port int) Config {
				return Config{Port: port, LogDir: dir, Driver: "memory"}
			},
		},
		{
			name: "invalid port",
			cfg: func(dir string, port int) Config {
				return Config{Port: -1, LogDir: dir, Driver: "memory"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			port := freePort(t)
			if tt.setup != nil {
				tt.setup(t, dir, port)
			}

			line, done := runWorker(t, context.Background(), tt.cfg(dir, port))
			sig, ok, err := ParseLine(line)
			require.NoError(t, err)
			require.True(t, ok, line)
			assert.False(t, sig.Ready)
			assert.NotEmpty(t, sig.Reason)
			assert.Error(t, <-done)
		})
	}
}
