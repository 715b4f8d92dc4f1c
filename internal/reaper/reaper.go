// Package reaper kills processes left bound to a worker port by a worker
// that died without releasing it.
package reaper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/backendpool/internal/slotlock"
	"github.com/psantana5/backendpool/pkg/logging"
)

// Target is a process selected for killing.
type Target struct {
	PID    int32
	Name   string
	Source string
}

// Reaper finds and kills the processes holding a slot.
type Reaper struct {
	LogDir string
	Logger *logging.Logger
	// DryRun only reports targets.
	DryRun bool
}

// PIDsOnPort selects the processes with a local TCP endpoint on port,
// excluding self and unknown owners.
func PIDsOnPort(conns []net.ConnectionStat, port uint32, self int32) []int32 {
	seen := make(map[int32]bool)
	var pids []int32
	for _, c := range conns {
		if c.Laddr.Port != port || c.Pid <= 0 || c.Pid == self || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		pids = append(pids, c.Pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// PIDFromLock reads the pid a worker recorded in its lock file. It returns 0
// when the file is missing or holds no pid.
func PIDFromLock(path string) int32 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(sc.Text()), 10, 32)
	if err != nil || pid <= 0 {
		return 0
	}
	return int32(pid)
}

// Targets lists the processes bound to port or recorded in its lock file.
func (r *Reaper) Targets(ctx context.Context, port int) ([]Target, error) {
	self := int32(os.Getpid())
	var targets []Target
	seen := make(map[int32]bool)

	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	for _, pid := range PIDsOnPort(conns, uint32(port), self) {
		seen[pid] = true
		targets = append(targets, Target{PID: pid, Source: "port"})
	}

	if r.LogDir != "" {
		if pid := PIDFromLock(slotlock.Path(r.LogDir, port)); pid > 0 && pid != self && !seen[pid] {
			if ok, _ := process.PidExistsWithContext(ctx, pid); ok {
				targets = append(targets, Target{PID: pid, Source: "lock"})
			}
		}
	}

	for i := range targets {
		if p, err := process.NewProcessWithContext(ctx, targets[i].PID); err == nil {
			targets[i].Name, _ = p.NameWithContext(ctx)
		}
	}
	return targets, nil
}

// Reap kills every target for port and returns what it found.
func (r *Reaper) Reap(ctx context.Context, port int) ([]Target, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithFields(map[string]interface{}{"component": "reaper", "port": port})

	targets, err := r.Targets(ctx, port)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		logger.Info("No process holds the port")
		return nil, nil
	}

	var errs []error
	for _, t := range targets {
		fields := map[string]interface{}{"pid": t.PID, "name": t.Name, "source": t.Source}
		if r.DryRun {
			logger.Info("Would kill process", fields)
			continue
		}
		p, err := process.NewProcessWithContext(ctx, t.PID)
		if err != nil {
			// Already gone.
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", t.PID, err))
			continue
		}
		logger.Warn("Killed stale worker process", fields)
	}
	return targets, errors.Join(errs...)
}
