package backend

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/psantana5/backendpool/pkg/models"
)

// Backend is one native session against the external resource.
// Implementations are NOT safe for concurrent use: every method must be
// called from the single goroutine that owns the session.
type Backend interface {
	// Open establishes the session. A second Open is an error.
	Open(cred models.Credential) error
	// IsConnected reports whether the native session is usable.
	IsConnected() bool
	// Invoke runs one generic operation. A result may carry a new handle.
	Invoke(op string, args []string) (models.CallResult, error)
	Begin() error
	Commit() error
	Rollback() error
	// Release frees the native object behind a handle.
	Release(h models.Handle) error
	// ClearLastError resets the backend's sticky error state.
	ClearLastError()
	Close() error
}

// Driver creates a fresh, unopened backend session.
type Driver func() Backend

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name. It panics on duplicates.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("backend: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("backend: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Load returns the driver registered under name.
func Load(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend driver %q (available: %v)", name, driverNamesLocked())
	}
	return d, nil
}

// Drivers returns the sorted names of registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return driverNamesLocked()
}

func driverNamesLocked() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseHandleID parses a handle argument as passed on the wire.
func ParseHandleID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	return id, nil
}
