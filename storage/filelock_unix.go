//go:build !windows && !js && !wasip1

package storage

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fileLock is an OS-level advisory lock (Unix, via flock) guarding a
// database file against concurrent access from another process.
type fileLock struct {
	file *os.File
}

// lockFile acquires an exclusive, non-blocking lock on path's sibling
// ".lock" file. Returns a fileLock that must be released with unlock().
func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "filelock: cannot open lock file")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Errorf("filelock: database %q is locked by another process", path)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the lock and removes the lock file.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
