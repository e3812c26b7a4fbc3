package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// Session and connection
	KeyUsername = "username" // Sync account the connection belongs to
	KeyConnID   = "conn_id"  // Unique connection identifier
	KeyRemote   = "remote"   // Remote address of the peer
	KeyAddr     = "addr"     // Local listen address

	// Protocol frames
	KeyFrameType = "frame_type" // Frame type name: UPLOAD_REQ, ACK, etc.
	KeySeq       = "seq"        // Frame sequence number
	KeyOp        = "op"         // High-level operation: upload, download, delete, list

	// File transfer
	KeyFilename = "filename" // Name of the file within the sync directory
	KeyPath     = "path"     // Local filesystem path
	KeySize     = "size"     // File size in bytes
	KeyBytes    = "bytes"    // Bytes transferred
	KeyChunks   = "chunks"   // Number of data chunks in a transfer

	// Fan-out
	KeyPeers = "peers" // Number of peer devices notified

	// Operation metadata
	KeyError      = "error"       // Error message
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// Username returns a slog.Attr for the sync account name
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// ConnID returns a slog.Attr for a connection identifier
func ConnID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}

// Remote returns a slog.Attr for the remote peer address
func Remote(addr string) slog.Attr {
	return slog.String(KeyRemote, addr)
}

// Addr returns a slog.Attr for a local listen address
func Addr(addr string) slog.Attr {
	return slog.String(KeyAddr, addr)
}

// FrameType returns a slog.Attr for a frame type name
func FrameType(t string) slog.Attr {
	return slog.String(KeyFrameType, t)
}

// Seq returns a slog.Attr for a frame sequence number
func Seq(seq uint32) slog.Attr {
	return slog.Uint64(KeySeq, uint64(seq))
}

// Op returns a slog.Attr for a high-level operation name
func Op(op string) slog.Attr {
	return slog.String(KeyOp, op)
}

// Filename returns a slog.Attr for a file name within the sync directory
func Filename(name string) slog.Attr {
	return slog.String(KeyFilename, name)
}

// Path returns a slog.Attr for a local filesystem path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Size returns a slog.Attr for a file size in bytes
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// Bytes returns a slog.Attr for transferred bytes
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// Chunks returns a slog.Attr for the number of data chunks in a transfer
func Chunks(n uint32) slog.Attr {
	return slog.Uint64(KeyChunks, uint64(n))
}

// Peers returns a slog.Attr for the number of peer devices notified
func Peers(n int) slog.Attr {
	return slog.Int(KeyPeers, n)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
