//go:build unix

// Package dirlock implements an exclusive advisory lock over a
// directory, keeping two processes from opening the same index.
package dirlock

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Lock acquires an exclusive, non-blocking advisory lock on a file
// named "index.lck" inside the directory. The returned file must stay
// open for the duration of the lock.
func Lock(dir string) (*os.File, error) {
	path := filepath.Join(dir, "index.lck")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "dirlock: open lock file")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "dirlock: index directory %s already in use", dir)
	}
	return f, nil
}

// Unlock releases a lock acquired via Lock.
func Unlock(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
