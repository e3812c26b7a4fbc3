//go:build !linux && !darwin

package store

// rootLock is a no-op on platforms without flock.
type rootLock struct{}

func acquireRootLock(string) (*rootLock, error) {
	return &rootLock{}, nil
}

func (l *rootLock) release() {}
