package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Reaper kills whatever OS process is still bound to a slot's port after
// its worker died without cleaning up.
type Reaper interface {
	Reap(ctx context.Context, port int) error
}

// CommandReaper runs an external command with `--port <port>` appended.
type CommandReaper struct {
	Command []string
	Timeout time.Duration
}

// Reap implements Reaper.
func (c *CommandReaper) Reap(ctx context.Context, port int) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("no reaper command configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, c.Command[1:]...), "--port", strconv.Itoa(port))
	out, err := exec.CommandContext(ctx, c.Command[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reaper %s: %w: %s", c.Command[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ReaperFunc adapts a function to Reaper.
type ReaperFunc func(ctx context.Context, port int) error

// Reap implements Reaper.
func (f ReaperFunc) Reap(ctx context.Context, port int) error {
	return f(ctx, port)
}
