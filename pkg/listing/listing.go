// Package listing defines the textual directory-listing format carried in
// LIST_SERVER_RES payloads, and the entry model shared by the store and the
// client-side reconciler.
//
// One line per file:
//
//	<name>\t<size> bytes\tmtime:<YYYY-MM-DD HH:MM:SS>\tatime:<...>\tctime:<...>\n
//
// Times are local time. Parsers anchor on the "\t<size> bytes\t" token; the
// reconciler consumes only name and size, the timestamps are informational.
package listing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the timestamp layout used in listing lines.
const TimeFormat = "2006-01-02 15:04:05"

// Entry describes one regular file in a sync directory.
type Entry struct {
	Name  string
	Size  int64
	MTime time.Time
	ATime time.Time
	CTime time.Time
}

// lineRE anchors on the size token. The name group is greedy so names
// containing a tab still parse.
var lineRE = regexp.MustCompile(`^(.+)\t(\d+) bytes\t(.*)$`)

// timesRE picks the informational timestamps out of a line's tail.
var timesRE = regexp.MustCompile(`^mtime:(.+)\tatime:(.+)\tctime:(.+)$`)

// Format renders entries into the wire listing text. The output ends with a
// newline when at least one entry is present.
func Format(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\t%d bytes\tmtime:%s\tatime:%s\tctime:%s\n",
			e.Name, e.Size,
			e.MTime.Format(TimeFormat),
			e.ATime.Format(TimeFormat),
			e.CTime.Format(TimeFormat))
	}
	return b.String()
}

// Parse decodes listing text into entries. Lines without the size anchor
// are skipped: the format promises name and size, everything else is
// best-effort. Timestamps that fail to parse are left as zero times.
func Parse(text string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		m := lineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		size, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		e := Entry{Name: m[1], Size: size}
		if tm := timesRE.FindStringSubmatch(m[3]); tm != nil {
			e.MTime = parseTime(tm[1])
			e.ATime = parseTime(tm[2])
			e.CTime = parseTime(tm[3])
		}
		entries = append(entries, e)
	}
	return entries
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeFormat, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
