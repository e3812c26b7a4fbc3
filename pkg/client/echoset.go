package client

import (
	"sync"
	"time"
)

// EchoSet remembers filenames the push listener is about to mutate
// locally, so the change watcher can tell the resulting filesystem events
// apart from genuine edits and swallow them instead of echoing them back
// to the server.
//
// Entries are consumed by the first matching watcher event. Because the
// OS may coalesce or drop events, an entry that nobody consumes would
// otherwise swallow the next genuine edit of the same file; entries
// therefore expire after a bounded TTL and are swept lazily on every
// operation.
type EchoSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // name -> expiry

	// now is replaceable in tests.
	now func() time.Time
}

// NewEchoSet creates an echo set whose entries expire after ttl.
func NewEchoSet(ttl time.Duration) *EchoSet {
	return &EchoSet{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Add marks name as about to be mutated by the listener. Adding an
// already-present name extends its expiry.
func (s *EchoSet) Add(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	s.entries[name] = now.Add(s.ttl)
}

// Consume reports whether name was marked and removes the mark. A watcher
// event whose name consumes an entry is an echo and must not be sent.
func (s *EchoSet) Consume(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	return true
}

// Len returns the number of live entries.
func (s *EchoSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.entries)
}

// sweep drops expired entries. Callers hold the mutex.
func (s *EchoSet) sweep(now time.Time) {
	for name, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, name)
		}
	}
}
