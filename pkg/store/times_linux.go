//go:build linux

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
		return mtime, time.Unix(st.Atim.Unix()), time.Unix(st.Ctim.Unix())
	}
	return mtime, mtime, mtime
}
