package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/backendpool/internal/slotlock"
)

func TestPIDsOnPort(t *testing.T) {
	conns := []net.ConnectionStat{
		{Laddr: net.Addr{IP: "127.0.0.1", Port: 17500}, Status: "LISTEN", Pid: 300},
		{Laddr: net.Addr{IP: "127.0.0.1", Port: 17500}, Status: "ESTABLISHED", Pid: 300},
		{Laddr: net.Addr{IP: "127.0.0.1", Port: 17500}, Status: "ESTABLISHED", Pid: 120},
		{Laddr: net.Addr{IP: "127.0.0.1", Port: 17501}, Status: "LISTEN", Pid: 400},
		{Laddr: net.Addr{IP: "127.0.0.1", Port: 17500}, Status: "TIME_WAIT", Pid: 0},
		{Laddr: net.Addr{IP: "127.0.0.1", Port: 17500}, Status: "ESTABLISHED", Pid: 99},
	}

	got := PIDsOnPort(conns, 17500, 99)
	assert.Equal(t, []int32{120, 300}, got)
	assert.Empty(t, PIDsOnPort(conns, 18000, 99))
}

func TestPIDFromLock(t *testing.T) {
	dir := t.TempDir()

	assert.Zero(t, PIDFromLock(filepath.Join(dir, "missing.lck")))

	l, err := slotlock.Acquire(dir, 17500)
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, int32(os.Getpid()), PIDFromLock(l.Path()))

	garbage := filepath.Join(dir, "garbage.lck")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pid\n"), 0644))
	assert.Zero(t, PIDFromLock(garbage))
}

func TestReapSkipsSelf(t *testing.T) {
	dir := t.TempDir()
	l, err := slotlock.Acquire(dir, 17599)
	require.NoError(t, err)
	defer l.Release()

	// The lock records this test process, which must never be a target.
	r := &Reaper{LogDir: dir, DryRun: true}
	targets, err := r.Reap(context.Background(), 17599)
	require.NoError(t, err)
	for _, target := range targets {
		assert.NotEqual(t, int32(os.Getpid()), target.PID)
	}
}
