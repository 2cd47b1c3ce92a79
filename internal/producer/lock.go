package producer

import (
	"fmt"
	"os"
	"syscall"
)

// FileLock is flock(2)-based mutual exclusion between producer processes
// sharing a host. Acquisition is non-blocking; a second producer exits
// instead of queueing behind the first.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts to acquire the lock without blocking. Returns false when
// another process holds it.
func (fl *FileLock) TryLock() (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", fl.path, err)
	}
	fl.file = f
	return true, nil
}

// Unlock releases the lock and closes the file. Safe to call when the lock
// was never acquired.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock %s: %w", fl.path, err)
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}
