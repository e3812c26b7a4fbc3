//go:build darwin

package store

import (
	"os"
	"syscall"
	"time"
)

// fileTimes extracts modification, access, and change times from a stat
// result. Listings carry all three.
func fileTimes(info os.FileInfo) (mtime, atime, ctime time.Time) {
	mtime = info.ModTime()
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return mtime, time.Unix(st.Atimespec.Unix()), time.Unix(st.Ctimespec.Unix())
	}
	return mtime, mtime, mtime
}
