package handles

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/models"
)

// Releaser frees the native object behind a handle.
type Releaser interface {
	Release(h models.Handle) error
}

// Registry tracks the handles a session has handed out and not yet released.
type Registry struct {
	mu      sync.RWMutex
	handles map[int64]models.Handle

	created  uint64
	released uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[int64]models.Handle)}
}

// Register records a handle created by a backend call.
func (r *Registry) Register(h models.Handle) error {
	if !h.Kind.Valid() {
		return fmt.Errorf("invalid handle kind %q", h.Kind)
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[h.ID]; exists {
		return fmt.Errorf("handle %d already registered", h.ID)
	}
	r.handles[h.ID] = h
	r.created++
	return nil
}

// Get returns a registered handle.
func (r *Registry) Get(id int64) (models.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Release drops one handle, calling the backend when its kind holds native resources.
func (r *Registry) Release(id int64, rel Releaser) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
		r.released++
	}
	r.mu.Unlock()

	if !ok {
		return faults.Newf(faults.SessionInvalidState, "release", "handle %d is not registered", id)
	}
	if h.Kind.NeedsRelease() {
		return rel.Release(h)
	}
	return nil
}

// Leak describes handles that were still registered at teardown.
type Leak struct {
	Handles        []models.Handle
	NativeReleases int
}

// Count is the number of leaked handles.
func (l Leak) Count() int {
	return len(l.Handles)
}

// ByKind counts leaked handles per kind.
func (l Leak) ByKind() map[models.HandleKind]int {
	out := make(map[models.HandleKind]int)
	for _, h := range l.Handles {
		out[h.Kind]++
	}
	return out
}

// Warning returns a HandleLeakWarning for a non-empty leak, nil otherwise.
func (l Leak) Warning(op string) error {
	if l.Count() == 0 {
		return nil
	}
	return faults.Newf(faults.HandleLeakWarning, op, "%d handle(s) left registered %v, force-released", l.Count(), l.ByKind())
}

// ReleaseAll force-releases every registered handle. Release errors are
// collected; the registry is empty afterwards regardless.
func (r *Registry) ReleaseAll(rel Releaser) (Leak, error) {
	r.mu.Lock()
	leaked := make([]models.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		leaked = append(leaked, h)
	}
	r.handles = make(map[int64]models.Handle)
	r.released += uint64(len(leaked))
	r.mu.Unlock()

	sort.Slice(leaked, func(i, j int) bool { return leaked[i].ID < leaked[j].ID })

	leak := Leak{Handles: leaked}
	var errs []error
	for _, h := range leaked {
		if !h.Kind.NeedsRelease() {
			continue
		}
		leak.NativeReleases++
		if err := rel.Release(h); err != nil {
			errs = append(errs, fmt.Errorf("release handle %d (%s): %w", h.ID, h.Kind, err))
		}
	}
	return leak, errors.Join(errs...)
}

// Len returns the number of outstanding handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Stats returns lifetime created and released counts.
func (r *Registry) Stats() (created, released uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.created, r.released
}

// Snapshot returns the outstanding handles ordered by id.
func (r *Registry) Snapshot() []models.Handle {
	r.mu.RLock()
	out := make([]models.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
