// Package bufpool provides a small tiered buffer pool for the hot paths of
// the sync protocol: encoding frames and chunking file content.
//
// Two size classes cover the traffic the protocol actually produces. The
// frame class fits one fully encoded frame (header plus maximum payload)
// and serves every send and every chunk loop. The listing class fits a
// large directory listing. Requests above the listing class are allocated
// directly and never pooled, so an unusually large buffer cannot pin memory
// for the life of the process.
//
// All operations are safe for concurrent use; the pooling itself is
// sync.Pool, so idle buffers are reclaimed by the garbage collector.
package bufpool

import "sync"

// Size classes.
const (
	// FrameSize fits one encoded frame with headroom for the 14-byte
	// header, so EncodeFrame never reallocates a pooled buffer.
	FrameSize = 4<<10 + 64

	// ListingSize fits directory listings and other medium payloads.
	ListingSize = 64 << 10
)

// Pool manages byte slices organized by size class.
type Pool struct {
	frame   sync.Pool
	listing sync.Pool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	p := &Pool{}
	p.frame.New = func() any {
		buf := make([]byte, FrameSize)
		return &buf
	}
	p.listing.New = func() any {
		buf := make([]byte, ListingSize)
		return &buf
	}
	return p
}

// Get returns a slice with length size, backed by a pooled buffer when the
// size fits a class. The caller must hand the slice back with Put.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte
	switch {
	case size <= FrameSize:
		bufPtr = p.frame.Get().(*[]byte)
	case size <= ListingSize:
		bufPtr = p.listing.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. Buffers that do not match a size
// class capacity are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	switch cap(buf) {
	case FrameSize:
		full := buf[:cap(buf)]
		p.frame.Put(&full)
	case ListingSize:
		full := buf[:cap(buf)]
		p.listing.Put(&full)
	}
}

var globalPool = NewPool()

// Get returns a buffer from the package-level pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the package-level pool. Pair every Get with a
// deferred Put.
func Put(buf []byte) {
	globalPool.Put(buf)
}
