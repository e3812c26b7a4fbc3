package wire

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/syncbox/syncbox/pkg/bufpool"
)

// Transport wraps one net.Conn with the protocol's concurrency contract:
// Send may be called from any goroutine and serializes whole frames through
// an internal mutex; Recv and RecvTimeout must only be called by the
// connection's single designated reader.
type Transport struct {
	conn net.Conn
	br   *bufio.Reader

	// writeMu serializes frame writes. It is held per frame, never across
	// a multi-frame interaction, so pushes and responses may interleave on
	// the stream without tearing individual frames.
	writeMu sync.Mutex
}

// NewTransport wraps an established connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{
		conn: conn,
		br:   bufio.NewReaderSize(conn, HeaderSize+MaxPayload),
	}
}

// Send encodes and writes one frame. The encoded bytes go out in a single
// Write call under the write mutex, so concurrent senders never interleave.
func (t *Transport) Send(f *Frame) error {
	buf := bufpool.Get(HeaderSize + len(f.Payload))
	defer bufpool.Put(buf)

	encoded, err := EncodeFrame(buf[:0], f)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(encoded); err != nil {
		return NewTransportError("send", err)
	}
	return nil
}

// Recv blocks until a full frame arrives or the stream fails. Any deadline
// left over from a previous RecvTimeout is cleared first.
func (t *Transport) Recv() (*Frame, error) {
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, NewTransportError("recv", err)
	}
	return ReadFrame(t.br)
}

// RecvTimeout blocks until a full frame arrives or d elapses. A timeout
// with the stream still at a frame boundary satisfies IsTimeout and leaves
// the transport usable; a timeout mid-frame is a framing failure.
func (t *Transport) RecvTimeout(d time.Duration) (*Frame, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, NewTransportError("recv", err)
	}
	return ReadFrame(t.br)
}

// Close closes the underlying connection. Blocked reads and writes return
// with errors, which is how shutdown reaches the reader goroutine.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// LocalAddr reports the local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
