package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// header is the decoded fixed prefix of a frame.
type header struct {
	Type  Type
	Seq   uint32
	Total uint32
	Size  uint32
}

// putHeader encodes h into buf, which must hold at least HeaderSize bytes.
func putHeader(buf []byte, h header) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[2:6], h.Seq)
	binary.BigEndian.PutUint32(buf[6:10], h.Total)
	binary.BigEndian.PutUint32(buf[10:14], h.Size)
}

// parseHeader decodes buf and validates the fields that make the rest of
// the stream untrustworthy when wrong: the type range and the size bound.
func parseHeader(buf []byte) (header, error) {
	h := header{
		Type:  Type(binary.BigEndian.Uint16(buf[0:2])),
		Seq:   binary.BigEndian.Uint32(buf[2:6]),
		Total: binary.BigEndian.Uint32(buf[6:10]),
		Size:  binary.BigEndian.Uint32(buf[10:14]),
	}
	if h.Type > maxType {
		return header{}, NewFramingError("decode", fmt.Sprintf("impossible frame type %d", uint16(h.Type)))
	}
	if h.Size > MaxPayload {
		return header{}, NewFramingError("decode", fmt.Sprintf("payload size %d exceeds maximum %d", h.Size, MaxPayload))
	}
	return h, nil
}

// EncodeFrame appends the wire encoding of f to dst and returns the
// extended slice. It fails if the payload exceeds MaxPayload.
func EncodeFrame(dst []byte, f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return dst, NewFramingError("encode", fmt.Sprintf("payload size %d exceeds maximum %d", len(f.Payload), MaxPayload))
	}
	var hdr [HeaderSize]byte
	putHeader(hdr[:], header{Type: f.Type, Seq: f.Seq, Total: f.Total, Size: uint32(len(f.Payload))})
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	return dst, nil
}

// WriteFrame encodes f and writes it to w as a single write call, so a
// serialized writer emits each frame contiguously.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := EncodeFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return NewTransportError("send", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. The header is validated before
// any payload byte is consumed: an oversize or impossible header fails with
// a framing error and leaves the payload unread. Reads are full-frame; a
// stream ending mid-frame surfaces as a transport error.
//
// A clean end of stream before the first header byte returns io.EOF
// unwrapped so callers can tell orderly disconnects from faults. A read
// deadline expiring before the first header byte keeps its timeout identity
// (IsTimeout matches) because the stream is still at a frame boundary; a
// deadline expiring mid-frame desynchronizes the stream and is reported as
// a framing failure instead.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if n > 0 && IsTimeout(err) {
			return nil, NewFramingError("recv", "read deadline expired mid-header")
		}
		return nil, NewTransportError("recv", err)
	}

	h, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	f := &Frame{Type: h.Type, Seq: h.Seq, Total: h.Total}
	if h.Size > 0 {
		f.Payload = make([]byte, h.Size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if IsTimeout(err) {
				return nil, NewFramingError("recv", "read deadline expired mid-payload")
			}
			return nil, NewTransportError("recv", err)
		}
	}
	return f, nil
}
