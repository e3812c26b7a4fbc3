package server

import (
	"context"
	"sync"

	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/metrics"
)

// ChangeKind classifies a change observed at the server.
type ChangeKind int

const (
	// ChangeUpload is a file created or replaced by an upload.
	ChangeUpload ChangeKind = iota + 1

	// ChangeDelete is a file removed by a delete request.
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeUpload:
		return "upload"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one observed mutation of a user's sync directory, handed from
// the protocol engine to the fan-out engine after the local side effect
// has been committed.
type Change struct {
	Kind   ChangeKind
	User   string
	Name   string
	Origin *Conn
}

// fanoutQueueSize bounds the per-user change queue. A full queue drops the
// change rather than blocking the originating engine; the peers repair on
// their next reconciliation.
const fanoutQueueSize = 256

// Fanout propagates changes to the originating user's other devices.
//
// One worker goroutine runs per user, started lazily on the first change
// and stopped when the engine shuts down. A single worker per user gives
// the per-user ordering guarantee: changes are delivered to each peer in
// the order they arrived at the queue, regardless of which connection
// originated them. There is no ordering across users.
//
// Delivery is at-most-once. A peer that fails any step of a push is
// skipped for that change; nothing is retried, and the originating change
// stands. Content for upload pushes is read from the server's store at
// delivery time, so a file replaced or deleted before its push simply
// propagates the newer state.
type Fanout struct {
	registry *Registry
	metrics  metrics.SyncMetrics

	mu     sync.Mutex
	queues map[string]chan Change
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewFanout creates a fan-out engine over the given registry. The metrics
// recorder may be nil.
func NewFanout(registry *Registry, m metrics.SyncMetrics) *Fanout {
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		registry: registry,
		metrics:  m,
		queues:   make(map[string]chan Change),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit queues a change for delivery to the user's peers. It never
// blocks: when the user's queue is full the change is dropped with a
// warning and the peers converge on their next reconciliation.
func (f *Fanout) Submit(ch Change) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	q := f.queues[ch.User]
	if q == nil {
		q = make(chan Change, fanoutQueueSize)
		f.queues[ch.User] = q
		f.workers.Add(1)
		go f.run(ch.User, q)
	}
	f.mu.Unlock()

	select {
	case q <- ch:
	default:
		logger.Warn("fan-out queue full, dropping change",
			logger.KeyUsername, ch.User,
			logger.KeyFilename, ch.Name,
			logger.KeyOp, ch.Kind.String())
		if f.metrics != nil {
			f.metrics.RecordFanoutPush("skipped")
		}
	}
}

// Close stops all workers. Queued changes that have not started delivery
// are dropped, which is within the at-most-once contract.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.workers.Wait()
}

// run is the per-user delivery worker.
func (f *Fanout) run(user string, q chan Change) {
	defer f.workers.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case ch := <-q:
			f.deliver(ch)
		}
	}
}

// deliver pushes one change to every peer of the originating connection.
// Peers fail independently: an unresponsive device does not hold up the
// others, and never undoes the originating change.
func (f *Fanout) deliver(ch Change) {
	peers := f.registry.Peers(ch.User, ch.Origin)
	if len(peers) == 0 {
		return
	}

	logger.Debug("fan-out delivering change",
		logger.KeyUsername, ch.User,
		logger.KeyFilename, ch.Name,
		logger.KeyOp, ch.Kind.String(),
		logger.KeyPeers, len(peers))

	for _, peer := range peers {
		var outcome string
		if err := peer.EnqueuePush(ch); err != nil {
			logger.Warn("fan-out push skipped",
				logger.KeyUsername, ch.User,
				logger.KeyFilename, ch.Name,
				logger.KeyConnID, peer.ID(),
				"error", err)
			outcome = "skipped"
		} else {
			outcome = "queued"
		}
		if f.metrics != nil && outcome == "skipped" {
			f.metrics.RecordFanoutPush(outcome)
		}
	}
}
