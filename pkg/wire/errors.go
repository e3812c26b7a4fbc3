package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Kind classifies a protocol-level failure. The classification decides the
// caller's recovery: transport and framing failures tear the connection
// down, validation failures answer with a NACK and keep the connection,
// local I/O failures NACK the one operation.
type Kind int

const (
	// KindTransport covers closed sockets and short reads.
	KindTransport Kind = iota + 1

	// KindFraming covers oversize payloads and impossible frame types.
	// Handled like a transport failure since the stream can no longer be
	// trusted to sit on a frame boundary.
	KindFraming

	// KindProtocol covers well-formed frames arriving in the wrong state.
	KindProtocol

	// KindValidation covers bad filenames, bad usernames, and the session
	// cap. Answered with a NACK.
	KindValidation

	// KindLocalIO covers open, read, write, and delete failures against the
	// local filesystem.
	KindLocalIO

	// KindNotFound covers download requests for absent files.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindFraming:
		return "Framing"
	case KindProtocol:
		return "Protocol"
	case KindValidation:
		return "Validation"
	case KindLocalIO:
		return "LocalIO"
	case KindNotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Error is the error type for every fallible wire and protocol operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "recv", "upload"
	Msg  string // optional human-readable detail
	Err  error  // optional underlying cause
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a socket-level failure.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NewFramingError reports an undecodable or oversize frame.
func NewFramingError(op, msg string) *Error {
	return &Error{Kind: KindFraming, Op: op, Msg: msg}
}

// NewProtocolError reports a frame that is legal on the wire but wrong in
// the current state.
func NewProtocolError(op, msg string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Msg: msg}
}

// NewValidationError reports input the protocol refuses with a NACK.
func NewValidationError(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// NewLocalIOError wraps a filesystem failure behind one protocol operation.
func NewLocalIOError(op string, err error) *Error {
	return &Error{Kind: KindLocalIO, Op: op, Err: err}
}

// NewNotFoundError reports a request against an absent file.
func NewNotFoundError(op, name string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: name}
}

// kindOf extracts the Kind of err, or zero when err is not a wire error.
func kindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return 0
}

// IsTransport reports whether err is a transport or framing failure, the
// two kinds that require connection teardown.
func IsTransport(err error) bool {
	k := kindOf(err)
	return k == KindTransport || k == KindFraming
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return kindOf(err) == KindValidation
}

// IsNotFound reports whether err is an absent-file failure.
func IsNotFound(err error) bool {
	return kindOf(err) == KindNotFound
}

// IsTimeout reports whether err stems from a read deadline rather than a
// broken connection. Loops using RecvTimeout continue on timeout and exit
// on everything else.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// IsClosed reports whether err indicates the peer ended the stream in an
// orderly way. Used to log disconnects at a quieter level than faults.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
