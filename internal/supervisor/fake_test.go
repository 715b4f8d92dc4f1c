package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/psantana5/backendpool/internal/worker"
)

type behavior int

const (
	behaveReady behavior = iota
	behaveFail
	behaveExit
	behaveSilent
)

type fakeProcess struct {
	pid        int
	stdout     *io.PipeReader
	w          *io.PipeWriter
	exited     chan struct{}
	once       sync.Once
	ignoreTerm bool

	terminated atomic.Int32
	killed     atomic.Int32
}

func newFakeProcess(pid int, ignoreTerm bool) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{pid: pid, stdout: r, w: w, exited: make(chan struct{}), ignoreTerm: ignoreTerm}
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		p.w.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) PID() int                { return p.pid }
func (p *fakeProcess) Stdout() io.Reader       { return p.stdout }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) ExitErr() error          { <-p.exited; return nil }

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	p.exit()
	return nil
}

type fakeLauncher struct {
	mu         sync.Mutex
	behavior   behavior
	ignoreTerm bool
	nextPID    int
	launched   []*fakeProcess
	ports      []int
}

func (l *fakeLauncher) Launch(ctx context.Context, port int) (Process, error) {
	l.mu.Lock()
	l.nextPID++
	p := newFakeProcess(1000+l.nextPID, l.ignoreTerm)
	l.launched = append(l.launched, p)
	l.ports = append(l.ports, port)
	b := l.behavior
	l.mu.Unlock()

	go func() {
		fmt.Fprintln(p.w, "loading backend library")
		switch b {
		case behaveReady:
			fmt.Fprintln(p.w, worker.ReadyLine(p.pid))
			fmt.Fprintln(p.w, "serving")
		case behaveFail:
			fmt.Fprintln(p.w, worker.FailedLine("cannot load driver"))
			p.exit()
		case behaveExit:
			p.exit()
		case behaveSilent:
		}
	}()
	return p, nil
}

func (l *fakeLauncher) processes() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.launched...)
}

type countingReaper struct {
	mu    sync.Mutex
	ports []int
	fn    func(port int)
}

func (r *countingReaper) Reap(ctx context.Context, port int) error {
	r.mu.Lock()
	r.ports = append(r.ports, port)
	r.mu.Unlock()
	if r.fn != nil {
		r.fn(port)
	}
	return nil
}

func (r *countingReaper) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ports...)
}

// gatedLauncher blocks inside Launch until release is closed.
type gatedLauncher struct {
	*fakeLauncher
	entered chan struct{}
	release chan struct{}
}

func newGatedLauncher() *gatedLauncher {
	return &gatedLauncher{
		fakeLauncher: &fakeLauncher{},
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (l *gatedLauncher) Launch(ctx context.Context, port int) (Process, error) {
	close(l.entered)
	<-l.release
	return l.fakeLauncher.Launch(ctx, port)
}
