// Package slotlock manages the per-port advisory lock files workers hold for
// their lifetime. A lock that is held while no live worker is tracked for the
// port marks a worker that died without cleaning up.
package slotlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned when another open file description holds the lock.
var ErrHeld = errors.New("slot lock is held")

// Lock is an exclusive flock on a slot's lock file.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock file for port inside dir.
func Path(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("backend-worker-%d.lck", port))
}

// Acquire takes the lock for port without blocking.
func Acquire(dir string, port int) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := Path(dir, port)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrHeld)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// Record the holder for whoever inspects the file by hand.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The file is left in place.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// IsHeld reports whether the lock for port is currently held by someone else.
// A free lock is acquired and released again immediately.
func IsHeld(dir string, port int) (bool, error) {
	l, err := Acquire(dir, port)
	if errors.Is(err, ErrHeld) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, l.Release()
}
