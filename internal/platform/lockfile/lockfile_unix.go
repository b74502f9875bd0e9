//go:build unix

// Package lockfile guards the data root against concurrent orchestrator
// instances. The lock is advisory; it protects the SQLite file and the scan
// state JSON from interleaved writers, not from hostile processes.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held exclusive lock on the data root.
type Lock struct {
	f *os.File
}

// Acquire takes a non-blocking exclusive flock on path, creating the file if
// needed. A second orchestrator on the same data root fails fast instead of
// corrupting shared state.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("data root already locked (another instance running?): %w", err)
	}
	// PID is informational only; the flock is the actual guard.
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release drops the lock and removes the file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	path := l.f.Name()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
