package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is a launched worker.
type Process interface {
	PID() int
	// Stdout streams the worker's standard output until it exits.
	Stdout() io.Reader
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
	// ExitErr is valid after Exited is closed.
	ExitErr() error
	// Terminate asks the process to exit.
	Terminate() error
	// Kill destroys the process tree.
	Kill() error
}

// ProcessLauncher starts a worker bound to port.
type ProcessLauncher interface {
	Launch(ctx context.Context, port int) (Process, error)
}

// ExecLauncher runs the worker binary as a child process in its own process
// group, with `--port <port> --log-dir <dir>` appended to Command. Its
// stderr goes to <dir>/worker/backend-worker-<port>.log.
type ExecLauncher struct {
	Command []string
	LogDir  string
	// ExtraArgs are appended after the port and log directory.
	ExtraArgs []string
	Env       []string
}

// Launch implements ProcessLauncher. The process outlives ctx.
func (l *ExecLauncher) Launch(ctx context.Context, port int) (Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append([]string{}, l.Command[1:]...)
	args = append(args, "--port", strconv.Itoa(port), "--log-dir", l.LogDir)
	args = append(args, l.ExtraArgs...)

	cmd := exec.Command(l.Command[0], args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderrDir := filepath.Join(l.LogDir, "worker")
	if err := os.MkdirAll(stderrDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Join(stderrDir, fmt.Sprintf("backend-worker-%d.log", port)),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open worker stderr log: %w", err)
	}
	cmd.Stderr = stderr

	// The status reader must keep draining this pipe for cmd.Wait to return.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		stderr.Close()
		pw.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &execProcess{cmd: cmd, stdout: pr, exited: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		pw.Close()
		stderr.Close()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	exited  chan struct{}
	exitErr error

	killOnce sync.Once
	killErr  error
}

func (p *execProcess) PID() int                { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader       { return p.stdout }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitErr() error {
	<-p.exited
	return p.exitErr
}

func (p *execProcess) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate() error {
	if !p.alive() {
		return nil
	}
	return signalGroup(p.cmd.Process.Pid, unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		// The group may still hold children after the leader exited.
		if err := signalGroup(p.cmd.Process.Pid, unix.SIGKILL); err != nil && p.alive() {
			p.killErr = p.cmd.Process.Kill()
		}
	})
	return p.killErr
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
