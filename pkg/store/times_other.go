//go:build !linux && !darwin

package store

import (
	"os"
	"time"
)

// fileTimes returns the modification time for all three slots on platforms
// without portable access and change times in the stat result.
func fileTimes(info os.FileInfo) (mtime, atime, ctime time.Time) {
	mtime = info.ModTime()
	return mtime, mtime, mtime
}
