//go:build windows

package dirlock

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// Lock acquires an exclusive lock on a file named "index.lck" inside
// the directory. The returned file must stay open for the duration of
// the lock.
func Lock(dir string) (*os.File, error) {
	path := filepath.Join(dir, "index.lck")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "dirlock: open lock file")
	}
	overlapped := new(windows.Overlapped)
	err = windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, overlapped)
	if err != nil {
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
	overlapped := new(windows.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, overlapped)
	_ = f.Close()
}
