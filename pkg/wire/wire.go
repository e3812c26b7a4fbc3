// Package wire defines the frame-based message protocol spoken between
// syncbox clients and the server: the frame model, its binary codec, and a
// transport wrapper that enforces the protocol's concurrency contract on a
// net.Conn.
//
// # Frame layout
//
// Every message is one frame: a fixed 14-byte header followed by the payload.
//
//	type   : u16  frame type (see the Type constants)
//	seq    : u32  sequence number within one operation
//	total  : u32  reserved chunk count; 1 for single-frame messages
//	size   : u32  payload length, at most MaxPayload
//
// All integer fields are big-endian. Filenames and usernames travel as
// payload bytes with a trailing NUL. A data frame with size zero terminates
// a transfer and is never acknowledged.
//
// # Concurrency
//
// A Transport serializes writes with an internal mutex so concurrent
// components may send frames on one connection without interleaving bytes.
// Reads carry no such protection: the protocol requires exactly one reader
// goroutine per connection, which routes responses to waiting operations.
//
// # Errors
//
// Fallible operations return *Error carrying one of the Kind values. A
// decoded size above MaxPayload fails before any payload byte is consumed,
// so the stream position stays at a frame boundary for the caller's
// teardown path.
package wire

import (
	"bytes"
	"fmt"
)

// MaxPayload is the largest payload a single frame may carry. Transfers of
// larger content are chunked into consecutive data frames.
const MaxPayload = 4096

// HeaderSize is the fixed encoded size of a frame header in bytes.
const HeaderSize = 14

// MaxUsernameLen bounds the username accepted during the handshake.
const MaxUsernameLen = 255

// Type identifies the meaning of a frame.
type Type uint16

// Frame types. The numeric values are fixed by the wire protocol.
const (
	TypeUploadReq     Type = 0  // filename + NUL; either direction
	TypeUploadData    Type = 1  // file bytes; size==0 ends the transfer
	TypeDownloadReq   Type = 2  // filename + NUL; client to server
	TypeDownloadData  Type = 3  // file bytes; size==0 ends the transfer
	TypeDeleteReq     Type = 4  // filename + NUL; either direction
	TypeListServerReq Type = 5  // empty
	TypeListServerRes Type = 6  // textual listing
	TypeListClientReq Type = 7  // reserved
	TypeSyncEvent     Type = 8  // reserved; receivers ignore it
	TypeGetSyncDir    Type = 9  // username + NUL; handshake
	TypeAck           Type = 10 // empty; seq mirrors the acknowledged frame
	TypeNack          Type = 11 // optional reason text
)

// maxType is the highest assigned frame type; anything above it is a
// framing error on decode.
const maxType = TypeNack

func (t Type) String() string {
	switch t {
	case TypeUploadReq:
		return "UPLOAD_REQ"
	case TypeUploadData:
		return "UPLOAD_DATA"
	case TypeDownloadReq:
		return "DOWNLOAD_REQ"
	case TypeDownloadData:
		return "DOWNLOAD_DATA"
	case TypeDeleteReq:
		return "DELETE_REQ"
	case TypeListServerReq:
		return "LIST_SERVER_REQ"
	case TypeListServerRes:
		return "LIST_SERVER_RES"
	case TypeListClientReq:
		return "LIST_CLIENT_REQ"
	case TypeSyncEvent:
		return "SYNC_EVENT"
	case TypeGetSyncDir:
		return "GET_SYNC_DIR"
	case TypeAck:
		return "ACK"
	case TypeNack:
		return "NACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// Frame is one protocol message. Size is implicit: it is always
// len(Payload) on the wire.
type Frame struct {
	Type    Type
	Seq     uint32
	Total   uint32
	Payload []byte
}

// NewFrame builds a frame with Total defaulted to 1, the value for
// single-frame messages.
func NewFrame(t Type, seq uint32, payload []byte) *Frame {
	return &Frame{Type: t, Seq: seq, Total: 1, Payload: payload}
}

// NewAck builds an acknowledgement mirroring the given sequence number.
func NewAck(seq uint32) *Frame {
	return &Frame{Type: TypeAck, Seq: seq, Total: 1}
}

// NewNack builds a negative acknowledgement. The reason is optional and
// purely informational; receivers must not depend on its presence.
func NewNack(seq uint32, reason string) *Frame {
	var payload []byte
	if reason != "" {
		payload = []byte(reason)
	}
	return &Frame{Type: TypeNack, Seq: seq, Total: 1, Payload: payload}
}

// NewNameFrame builds a request frame whose payload is a name with the
// trailing NUL the protocol requires.
func NewNameFrame(t Type, seq uint32, name string) *Frame {
	return &Frame{Type: t, Seq: seq, Total: 1, Payload: NamePayload(name)}
}

// IsTerminator reports whether the frame ends a chunked stream.
func (f *Frame) IsTerminator() bool {
	switch f.Type {
	case TypeUploadData, TypeDownloadData, TypeListServerRes:
		return len(f.Payload) == 0
	}
	return false
}

// Name decodes a NUL-terminated name payload. Payloads without a NUL are
// accepted whole; validation of the decoded string is the caller's job.
func (f *Frame) Name() string {
	return stringFromNulPayload(f.Payload)
}

// Reason returns the optional NACK reason text.
func (f *Frame) Reason() string {
	return stringFromNulPayload(f.Payload)
}

// NamePayload encodes a name for the wire: the raw bytes plus a trailing NUL.
func NamePayload(name string) []byte {
	p := make([]byte, len(name)+1)
	copy(p, name)
	return p
}

// ChunkTotal returns the number of data frames, terminator included, needed
// to move size bytes. Producers place it in the Total field of data frames;
// receivers never rely on it.
func ChunkTotal(size int64) uint32 {
	chunks := size / MaxPayload
	if size%MaxPayload != 0 {
		chunks++
	}
	return uint32(chunks) + 1
}

func stringFromNulPayload(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		return string(p[:i])
	}
	return string(p)
}
