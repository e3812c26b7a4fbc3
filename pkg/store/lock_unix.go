//go:build linux || darwin

package store

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// rootLock holds an advisory flock on the storage root so two server
// processes cannot serve the same tree and race each other's renames.
type rootLock struct {
	f *os.File
}

func acquireRootLock(base string) (*rootLock, error) {
	path := filepath.Join(base, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("storage root %s is locked by another process: %w", base, err)
	}
	return &rootLock{f: f}, nil
}

func (l *rootLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
