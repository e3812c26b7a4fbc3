package metrics

import (
	"time"
)

// SyncMetrics provides observability for sync server operations.
//
// Implementations can collect metrics about protocol requests, connection
// lifecycle, transfer throughput, and fan-out delivery. This interface is
// optional - pass nil to disable metrics collection with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	m := prometheus.NewSyncMetrics()
//	srv := server.New(cfg, root, m)
//
//	// Without metrics (pass nil for zero overhead)
//	srv := server.New(cfg, root, nil)
type SyncMetrics interface {
	// RecordRequest records a completed protocol operation with its
	// duration and outcome.
	//
	// Parameters:
	//   - op: operation name ("handshake", "upload", "download", "delete", "list")
	//   - duration: Time taken to process the operation
	//   - errorKind: error kind name if the operation failed, empty if successful
	RecordRequest(op string, duration time.Duration, errorKind string)

	// RecordBytesTransferred records file bytes moved over the wire.
	//
	// Parameters:
	//   - op: operation name ("upload", "download", "push")
	//   - direction: "in" (client to server) or "out" (server to client)
	//   - bytes: Number of bytes transferred
	RecordBytesTransferred(op string, direction string, bytes uint64)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the total accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the total closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionRejected increments the rejected connections counter.
	//
	// Parameters:
	//   - reason: why the connection was refused ("session_full", "handshake", "capacity")
	RecordConnectionRejected(reason string)

	// RecordFanoutPush records the outcome of one peer notification.
	//
	// Parameters:
	//   - outcome: "delivered", "failed", or "skipped"
	RecordFanoutPush(outcome string)
}
