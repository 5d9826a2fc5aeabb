package engine

import (
	"fmt"
	"os"
	"syscall"
)

// storeLock is the advisory file lock guaranteeing a single leader per
// store. The lock lives next to the database file and is held for the
// engine's whole lifetime; the OS releases it if the process dies.
type storeLock struct {
	path string
	f    *os.File
}

// acquireLock takes the leader lock for the store at path, failing with
// LockHeldError if another process already holds it.
func acquireLock(path string) (*storeLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, &LockHeldError{Path: path}
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &storeLock{path: path, f: f}, nil
}

func (l *storeLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
