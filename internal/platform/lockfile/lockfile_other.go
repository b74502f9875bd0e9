//go:build !unix

package lockfile

import (
	"fmt"
	"os"
)

// Lock is a held lock on the data root. On platforms without flock the file
// is created O_EXCL and treated as best effort.
type Lock struct {
	path string
}

// Acquire creates the lock file exclusively. A stale file from a crashed
// process must be removed by the operator.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("data root already locked (stale %s?): %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	return os.Remove(l.path)
}
