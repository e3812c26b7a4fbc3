// Package client implements the syncbox client runtime: the connection
// to the sync server, the server-push listener that applies remote
// changes, the filesystem watcher that publishes local changes with echo
// suppression, and the reconciliation that runs at connect time.
//
// # Transport discipline
//
// The client owns exactly one connection. The push listener is its sole
// reader: every incoming frame passes through it, and frames answering a
// client-initiated operation are routed to that operation's response
// channel. Client-initiated operations (upload, download, delete,
// listing) are serialized by an interaction mutex, so at most one is in
// flight and every routed response is unambiguous.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/store"
	"github.com/syncbox/syncbox/pkg/wire"
)

// ErrSessionRefused is returned by Dial when the server answers the
// handshake with a NACK, typically because the account already has its
// maximum number of devices connected.
var ErrSessionRefused = errors.New("server refused the session")

// ErrClosed is returned by operations attempted after the connection has
// ended.
var ErrClosed = errors.New("client connection closed")

// respChanSize buffers routed response frames so the listener never
// blocks on a slow interaction; every multi-frame response stream is
// acknowledged chunk by chunk, so at most a couple of frames are ever
// in flight.
const respChanSize = 32

// Config holds the sync client settings.
type Config struct {
	// User is the account name presented in the handshake.
	User string

	// Address is the server's host:port.
	Address string

	// SyncDir is the local mirror directory, created if missing.
	SyncDir string

	// DebounceInterval is the quiet window after the last write event
	// before a file is considered complete and uploaded.
	DebounceInterval time.Duration

	// EchoTTL bounds how long a self-caused change is remembered for echo
	// suppression.
	EchoTTL time.Duration

	// AckTimeout bounds every wait for a response frame.
	AckTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncDir == "" {
		c.SyncDir = "sync_dir"
	}
	if c.DebounceInterval == 0 {
		c.DebounceInterval = 200 * time.Millisecond
	}
	if c.EchoTTL == 0 {
		c.EchoTTL = 5 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// Client is one connected sync device.
type Client struct {
	cfg  Config
	tr   *wire.Transport
	dir  *store.Dir
	echo *EchoSet

	// interactMu serializes client-initiated operations.
	interactMu sync.Mutex

	// resp is the in-flight operation's response channel, nil when idle.
	respMu sync.Mutex
	resp   chan *wire.Frame

	watcher *Watcher

	// done is closed when the listener exits; the connection is unusable
	// from then on.
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server, performs the handshake, and opens the
// local sync directory. The push listener is not yet running; call Run
// to start it, reconcile, and begin watching.
func Dial(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if err := wire.ValidateUsername(cfg.User); err != nil {
		return nil, err
	}

	dir, err := store.NewDir(store.DefaultConfig(cfg.SyncDir))
	if err != nil {
		return nil, fmt.Errorf("open sync dir: %w", err)
	}

	nc, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Address, err)
	}

	c := &Client{
		cfg:  cfg,
		tr:   wire.NewTransport(nc),
		dir:  dir,
		echo: NewEchoSet(cfg.EchoTTL),
		done: make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		_ = c.tr.Close()
		return nil, err
	}

	logger.Info("connected",
		logger.KeyUsername, cfg.User,
		logger.KeyAddr, cfg.Address,
		logger.KeyPath, dir.Path())
	return c, nil
}

// handshake runs before the listener exists, so it reads the transport
// directly. This is the only read outside the listener.
func (c *Client) handshake() error {
	if err := c.tr.Send(wire.NewNameFrame(wire.TypeGetSyncDir, 0, c.cfg.User)); err != nil {
		return err
	}
	f, err := c.tr.RecvTimeout(c.cfg.AckTimeout)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch f.Type {
	case wire.TypeAck:
		return nil
	case wire.TypeNack:
		if reason := f.Reason(); reason != "" {
			return fmt.Errorf("%w: %s", ErrSessionRefused, reason)
		}
		return ErrSessionRefused
	default:
		return wire.NewProtocolError("handshake", fmt.Sprintf("unexpected %s reply", f.Type))
	}
}

// Run starts the push listener, performs the initial reconciliation, and
// starts the change watcher. It returns once the client is fully
// running; Done signals when the connection ends.
func (c *Client) Run(ctx context.Context) error {
	go c.listen(ctx)

	// The watcher starts only after this pass, so none of its events can
	// consume echo marks; marking here would swallow the first genuine
	// edit of every pulled file.
	if err := c.reconcile(false); err != nil {
		c.Close()
		return fmt.Errorf("initial reconciliation: %w", err)
	}

	w, err := newWatcher(c)
	if err != nil {
		c.Close()
		return fmt.Errorf("start watcher: %w", err)
	}
	c.watcher = w
	return nil
}

// Done is closed when the push listener exits, which means the
// connection is gone and the process should terminate.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Dir returns the local sync directory.
func (c *Client) Dir() *store.Dir {
	return c.dir
}

// User returns the account name.
func (c *Client) User() string {
	return c.cfg.User
}

// Close stops the watcher and closes the transport, which unblocks the
// listener. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.watcher != nil {
			c.watcher.Stop()
		}
		_ = c.tr.Close()
	})
}

// begin opens a client-initiated interaction: it takes the interaction
// mutex and installs the response channel the listener routes into. The
// caller must call the returned end function.
func (c *Client) begin() (chan *wire.Frame, func()) {
	c.interactMu.Lock()
	ch := make(chan *wire.Frame, respChanSize)
	c.respMu.Lock()
	c.resp = ch
	c.respMu.Unlock()

	return ch, func() {
		c.respMu.Lock()
		c.resp = nil
		c.respMu.Unlock()
		c.interactMu.Unlock()
	}
}

// route hands a response-class frame to the in-flight interaction. With
// no interaction waiting the frame is a late straggler from an aborted
// operation and is dropped.
func (c *Client) route(f *wire.Frame) {
	c.respMu.Lock()
	ch := c.resp
	c.respMu.Unlock()

	if ch == nil {
		logger.Debug("dropping stray response frame",
			logger.KeyFrameType, f.Type.String(), logger.KeySeq, f.Seq)
		return
	}
	select {
	case ch <- f:
	default:
		logger.Warn("response channel full, dropping frame",
			logger.KeyFrameType, f.Type.String(), logger.KeySeq, f.Seq)
	}
}

// await blocks for the next routed response frame.
func (c *Client) await(ch chan *wire.Frame) (*wire.Frame, error) {
	select {
	case f := <-ch:
		return f, nil
	case <-c.done:
		return nil, ErrClosed
	case <-time.After(c.cfg.AckTimeout):
		return nil, wire.NewProtocolError("await", "timed out waiting for server response")
	}
}

// awaitAck expects the next response to be an ACK; a NACK surfaces its
// reason as the operation's failure.
func (c *Client) awaitAck(ch chan *wire.Frame, op string) error {
	f, err := c.await(ch)
	if err != nil {
		return err
	}
	switch f.Type {
	case wire.TypeAck:
		return nil
	case wire.TypeNack:
		reason := f.Reason()
		if reason == "" {
			reason = "rejected"
		}
		return wire.NewProtocolError(op, "server refused: "+reason)
	default:
		return wire.NewProtocolError(op, fmt.Sprintf("unexpected %s reply", f.Type))
	}
}
