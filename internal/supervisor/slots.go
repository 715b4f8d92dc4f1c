package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/backendpool/pkg/models"
)

type slot struct {
	port      int
	state     models.SlotState
	proc      Process
	pid       int
	startedAt time.Time
	readyAt   time.Time
}

// SlotRegistry owns the circular slot pointer and the port-to-worker map.
// All access goes through its methods under one lock.
type SlotRegistry struct {
	mu      sync.Mutex
	start   int
	size    int
	next    int
	slots   map[int]*slot
	changed chan struct{}
}

// NewSlotRegistry covers ports [start, start+size).
func NewSlotRegistry(start, size int) *SlotRegistry {
	return &SlotRegistry{
		start:   start,
		size:    size,
		slots:   make(map[int]*slot),
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes everyone waiting on Changed.
func (r *SlotRegistry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Changed returns a channel closed on the next slot release.
func (r *SlotRegistry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// Reserve advances the circular pointer to the next free port and marks it
// starting. ok is false when every slot is occupied.
func (r *SlotRegistry) Reserve() (port int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.size; i++ {
		candidate := r.start + (r.next+i)%r.size
		if _, taken := r.slots[candidate]; taken {
			continue
		}
		r.next = (r.next + i + 1) % r.size
		r.slots[candidate] = &slot{port: candidate, state: models.SlotStarting, startedAt: time.Now()}
		return candidate, true
	}
	return 0, false
}

// Attach records the process launched for a reserved port. It returns false
// when the slot was unregistered while the process was being launched.
func (r *SlotRegistry) Attach(port int, proc Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[port]
	if !ok || s.state != models.SlotStarting || s.proc != nil {
		return false
	}
	s.proc = proc
	s.pid = proc.PID()
	return true
}

// MarkReady flags the slot as serving, with the pid the worker reported.
func (r *SlotRegistry) MarkReady(port, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[port]; ok {
		s.state = models.SlotReady
		s.readyAt = time.Now()
		if pid > 0 {
			s.pid = pid
		}
	}
}

// MarkDead flags the slot as going away and returns its process.
func (r *SlotRegistry) MarkDead(port int) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[port]
	if !ok {
		return nil, false
	}
	s.state = models.SlotDead
	return s.proc, true
}

// Release frees port. With a non-nil proc it only frees the slot while that
// same process still owns it, so a late exit cannot free a relaunched slot.
func (r *SlotRegistry) Release(port int, proc Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[port]
	if !ok {
		return false
	}
	if proc != nil && s.proc != proc {
		return false
	}
	delete(r.slots, port)
	r.notifyLocked()
	return true
}

// Occupied reports whether a worker is tracked for port.
func (r *SlotRegistry) Occupied(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[port]
	return ok
}

// Ports returns the tracked ports in ascending order.
func (r *SlotRegistry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0, len(r.slots))
	for p := range r.slots {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Len returns the number of occupied slots.
func (r *SlotRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Snapshot copies every tracked slot.
func (r *SlotRegistry) Snapshot() []models.SlotInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SlotInfo, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, models.SlotInfo{
			Port:      s.port,
			State:     s.state,
			PID:       s.pid,
			StartedAt: s.startedAt,
			ReadyAt:   s.readyAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
