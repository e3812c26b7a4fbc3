package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/bufpool"
	"github.com/syncbox/syncbox/pkg/listing"
	"github.com/syncbox/syncbox/pkg/store"
	"github.com/syncbox/syncbox/pkg/wire"
)

// pushQueueSize bounds the per-connection queue of pending fan-out pushes.
const pushQueueSize = 64

// maxDeferredFrames bounds the client requests the engine parks while a
// push to the same connection awaits its acknowledgements. A client that
// floods requests during a push is a protocol violator.
const maxDeferredFrames = 16

// Conn is the server-side protocol engine for one accepted connection.
//
// The engine is the sole reader of its transport. It alternates between
// serving the client's requests and executing fan-out pushes queued by
// other devices of the same user; because it does only one of these at a
// time, every incoming ACK or NACK belongs unambiguously to the operation
// in flight. Client requests that arrive while a push is waiting for its
// acknowledgements are deferred and served right after the push completes.
type Conn struct {
	id  string
	srv *Server
	tr  *wire.Transport
	log *connLogger

	// Bound by the handshake.
	user        string
	dir         *store.Dir
	connectedAt time.Time

	// pushes carries fan-out jobs targeted at this connection's device.
	pushes   chan Change
	pushMu   sync.Mutex
	pushDone bool

	// pending holds client frames read while a push awaited its responses.
	pending []*wire.Frame
}

// connLogger carries connection-scoped attributes so engine code logs
// without threading them through every call.
type connLogger struct {
	attrs []any
}

func (l *connLogger) with(args ...any) *connLogger {
	return &connLogger{attrs: append(append([]any{}, l.attrs...), args...)}
}

func (l *connLogger) debug(msg string, args ...any) {
	logger.Debug(msg, append(append([]any{}, l.attrs...), args...)...)
}

func (l *connLogger) info(msg string, args ...any) {
	logger.Info(msg, append(append([]any{}, l.attrs...), args...)...)
}

func (l *connLogger) warn(msg string, args ...any) {
	logger.Warn(msg, append(append([]any{}, l.attrs...), args...)...)
}

func newConn(srv *Server, nc net.Conn) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:          id,
		srv:         srv,
		tr:          wire.NewTransport(nc),
		connectedAt: time.Now(),
		pushes:      make(chan Change, pushQueueSize),
		log: &connLogger{attrs: []any{
			logger.KeyConnID, id,
			logger.KeyRemote, nc.RemoteAddr().String(),
		}},
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// User returns the username bound by the handshake, or "" before it.
func (c *Conn) User() string { return c.user }

// RemoteAddr returns the peer address for logging and the admin API.
func (c *Conn) RemoteAddr() string { return c.tr.RemoteAddr().String() }

// ConnectedAt returns the accept time.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// EnqueuePush queues a fan-out push for delivery on this connection. It
// never blocks: a full queue or a connection past teardown rejects the
// push, and the device converges on its next reconciliation.
func (c *Conn) EnqueuePush(ch Change) error {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.pushDone {
		return errors.New("connection closed")
	}
	select {
	case c.pushes <- ch:
		return nil
	default:
		return errors.New("push queue full")
	}
}

// closePushes stops accepting fan-out jobs during teardown.
func (c *Conn) closePushes() {
	c.pushMu.Lock()
	c.pushDone = true
	c.pushMu.Unlock()
}

// Serve runs the engine until the client disconnects, a fatal protocol
// failure occurs, or the server shuts down. It recovers panics so one
// misbehaving connection cannot take down the server.
func (c *Conn) Serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection engine",
				logger.KeyConnID, c.id, "panic", r, "stack", string(debug.Stack()))
		}
		c.teardown()
	}()

	if err := c.handshake(); err != nil {
		c.log.debug("handshake failed", logger.KeyError, err.Error())
		return
	}

	c.loop(ctx)
}

// teardown detaches the connection from its session and closes the
// transport. Safe to call when the handshake never completed.
func (c *Conn) teardown() {
	c.closePushes()
	if c.user != "" {
		c.srv.registry.Detach(c.user, c)
		c.log.info("device detached", logger.KeyUsername, c.user)
	}
	_ = c.tr.Close()
}

// handshake consumes the first frame, which must be GET_SYNC_DIR carrying
// the username, binds the connection to the user's session, and ensures
// the user's sync directory exists. Any other first frame closes the
// connection without a reply.
func (c *Conn) handshake() error {
	start := time.Now()

	f, err := c.tr.Recv()
	if err != nil {
		return err
	}
	if f.Type != wire.TypeGetSyncDir {
		return wire.NewProtocolError("handshake", fmt.Sprintf("first frame is %s, want GET_SYNC_DIR", f.Type))
	}

	user := f.Name()
	if err := wire.ValidateUsername(user); err != nil {
		_ = c.tr.Send(wire.NewNack(f.Seq, "invalid username"))
		return err
	}

	dir, err := c.srv.root.UserDir(user)
	if err != nil {
		_ = c.tr.Send(wire.NewNack(f.Seq, "storage unavailable"))
		return wire.NewLocalIOError("handshake", err)
	}

	if err := c.srv.registry.Attach(user, c); err != nil {
		_ = c.tr.Send(wire.NewNack(f.Seq, "session full"))
		if c.srv.metrics != nil {
			c.srv.metrics.RecordConnectionRejected("session_full")
		}
		return err
	}

	c.user = user
	c.dir = dir
	c.log = c.log.with(logger.KeyUsername, user)

	if err := c.tr.Send(wire.NewAck(f.Seq)); err != nil {
		return err
	}

	c.recordRequest("handshake", start, nil)
	c.log.info("device attached",
		"devices", c.srv.registry.Count(user),
		logger.KeyDurationMs, logger.Duration(start))
	return nil
}

// loop is the READY state: it alternates between executing queued fan-out
// pushes and dispatching the client's next request. Reads poll with a
// short deadline so the loop stays responsive to pushes and shutdown.
func (c *Conn) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.srv.shutdown:
			return
		default:
		}

		c.drainPushes()

		f, err := c.nextFrame()
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			if wire.IsClosed(err) || errors.Is(err, io.EOF) {
				c.log.debug("connection closed by client")
			} else {
				c.log.debug("read failed", logger.KeyError, err.Error())
			}
			return
		}

		if err := c.dispatch(f); err != nil {
			if wire.IsTransport(err) {
				c.log.warn("connection failed", logger.KeyError, err.Error())
				return
			}
			// Non-fatal failures were already answered with a NACK.
			c.log.debug("request failed",
				logger.KeyFrameType, f.Type.String(),
				logger.KeyError, err.Error())
		}
	}
}

// nextFrame returns a deferred frame if one is parked, else reads from the
// transport with the poll deadline.
func (c *Conn) nextFrame() (*wire.Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	return c.tr.RecvTimeout(c.srv.cfg.PollInterval)
}

// dispatch routes one READY-state frame to its handler.
func (c *Conn) dispatch(f *wire.Frame) error {
	switch f.Type {
	case wire.TypeGetSyncDir:
		return c.handleRehandshake(f)
	case wire.TypeUploadReq:
		return c.handleUpload(f)
	case wire.TypeDownloadReq:
		return c.handleDownload(f)
	case wire.TypeDeleteReq:
		return c.handleDelete(f)
	case wire.TypeListServerReq:
		return c.handleList(f)
	case wire.TypeSyncEvent:
		// Reserved; clients must not send it. Dropped without a reply.
		c.log.debug("ignoring SYNC_EVENT frame")
		return nil
	case wire.TypeAck, wire.TypeNack:
		// A response with no operation in flight is a stray, likely a
		// leftover from an aborted transfer. Dropping it is unambiguous.
		c.log.debug("dropping stray response frame",
			logger.KeyFrameType, f.Type.String(), logger.KeySeq, f.Seq)
		return nil
	default:
		err := wire.NewProtocolError("dispatch", fmt.Sprintf("unexpected frame type %s", f.Type))
		if serr := c.tr.Send(wire.NewNack(f.Seq, "unexpected frame type")); serr != nil {
			return serr
		}
		return err
	}
}

// handleRehandshake serves GET_SYNC_DIR after the session is bound. The
// operation is idempotent for the bound user; switching users on a live
// connection is refused.
func (c *Conn) handleRehandshake(f *wire.Frame) error {
	if user := f.Name(); user != c.user {
		if err := c.tr.Send(wire.NewNack(f.Seq, "connection already bound")); err != nil {
			return err
		}
		return wire.NewProtocolError("handshake", "re-handshake with different username")
	}
	return c.tr.Send(wire.NewAck(f.Seq))
}

// handleUpload validates the requested name, opens a staged writer, and
// receives the data frames. The file becomes visible atomically on the
// terminator; any earlier failure leaves nothing behind.
func (c *Conn) handleUpload(req *wire.Frame) error {
	start := time.Now()
	name := req.Name()

	if err := wire.ValidateFilename(name); err != nil {
		c.recordRequest("upload", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "invalid filename")); serr != nil {
			return serr
		}
		return err
	}

	w, err := c.dir.Create(name)
	if err != nil {
		err = wire.NewLocalIOError("upload", err)
		c.recordRequest("upload", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "cannot open file for writing")); serr != nil {
			return serr
		}
		return err
	}

	if err := c.tr.Send(wire.NewAck(req.Seq)); err != nil {
		w.Abort()
		return err
	}

	received, err := c.receiveUpload(w)
	if err != nil {
		w.Abort()
		c.recordRequest("upload", start, err)
		return err
	}
	if err := w.Commit(); err != nil {
		err = wire.NewLocalIOError("upload", err)
		c.recordRequest("upload", start, err)
		return err
	}

	c.recordRequest("upload", start, nil)
	if c.srv.metrics != nil {
		c.srv.metrics.RecordBytesTransferred("upload", "in", uint64(received))
	}
	c.log.info("upload complete",
		logger.KeyFilename, name,
		logger.KeyBytes, received,
		logger.KeyDurationMs, logger.Duration(start))

	c.srv.fanout.Submit(Change{Kind: ChangeUpload, User: c.user, Name: name, Origin: c})
	return nil
}

// receiveUpload is the UPLOAD_RECV sub-state: data frames are written and
// acknowledged one by one until the unacknowledged zero-size terminator.
func (c *Conn) receiveUpload(w io.Writer) (int64, error) {
	var received int64
	for {
		f, err := c.tr.RecvTimeout(c.srv.cfg.AckTimeout)
		if err != nil {
			if wire.IsTimeout(err) {
				return received, wire.NewProtocolError("upload", "client stalled mid-transfer")
			}
			return received, err
		}
		if f.Type != wire.TypeUploadData {
			// A well-formed non-data frame mid-transfer fails the upload
			// but the stream is still framed; park it for READY dispatch.
			c.pending = append(c.pending, f)
			return received, wire.NewProtocolError("upload", fmt.Sprintf("%s frame during transfer", f.Type))
		}
		if f.IsTerminator() {
			return received, nil
		}
		if _, err := w.Write(f.Payload); err != nil {
			return received, wire.NewLocalIOError("upload", err)
		}
		received += int64(len(f.Payload))
		if err := c.tr.Send(wire.NewAck(f.Seq)); err != nil {
			return received, err
		}
	}
}

// handleDownload streams the requested file back to the client, one
// acknowledged chunk at a time.
func (c *Conn) handleDownload(req *wire.Frame) error {
	start := time.Now()
	name := req.Name()

	if err := wire.ValidateFilename(name); err != nil {
		c.recordRequest("download", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "invalid filename")); serr != nil {
			return serr
		}
		return err
	}

	f, err := c.dir.Open(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = wire.NewNotFoundError("download", name)
		} else {
			err = wire.NewLocalIOError("download", err)
		}
		c.recordRequest("download", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "no such file")); serr != nil {
			return serr
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.recordRequest("download", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "cannot stat file")); serr != nil {
			return serr
		}
		return wire.NewLocalIOError("download", err)
	}

	if err := c.tr.Send(wire.NewAck(req.Seq)); err != nil {
		return err
	}

	sent, err := c.sendChunks(wire.TypeDownloadData, f, info.Size())
	c.recordRequest("download", start, err)
	if err != nil {
		return err
	}

	if c.srv.metrics != nil {
		c.srv.metrics.RecordBytesTransferred("download", "out", uint64(sent))
	}
	c.log.info("download complete",
		logger.KeyFilename, name,
		logger.KeyBytes, sent,
		logger.KeyDurationMs, logger.Duration(start))
	return nil
}

// sendChunks streams src as data frames of the given type. Every chunk
// waits for the ACK mirroring its sequence number before the next one
// goes out; a NACK or a mismatched sequence fails the transfer. The final
// zero-size terminator is sent without waiting.
func (c *Conn) sendChunks(t wire.Type, src io.Reader, size int64) (int64, error) {
	total := wire.ChunkTotal(size)
	buf := bufpool.Get(wire.MaxPayload)
	defer bufpool.Put(buf)

	var sent int64
	var seq uint32
	for {
		n, rerr := io.ReadFull(src, buf[:wire.MaxPayload])
		if n > 0 {
			seq++
			frame := &wire.Frame{Type: t, Seq: seq, Total: total, Payload: buf[:n]}
			if err := c.tr.Send(frame); err != nil {
				return sent, err
			}
			resp, err := c.awaitResponse()
			if err != nil {
				return sent, err
			}
			if resp.Type != wire.TypeAck {
				return sent, wire.NewProtocolError("send-chunks", fmt.Sprintf("chunk %d refused: %s", seq, resp.Reason()))
			}
			if resp.Seq != seq {
				return sent, wire.NewProtocolError("send-chunks", fmt.Sprintf("ack for chunk %d, want %d", resp.Seq, seq))
			}
			sent += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			return sent, wire.NewLocalIOError("send-chunks", rerr)
		}
	}

	seq++
	return sent, c.tr.Send(&wire.Frame{Type: t, Seq: seq, Total: total})
}

// handleDelete removes the named file. Deleting an absent file succeeds,
// which keeps replayed deletes idempotent.
func (c *Conn) handleDelete(req *wire.Frame) error {
	start := time.Now()
	name := req.Name()

	if err := wire.ValidateFilename(name); err != nil {
		c.recordRequest("delete", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "invalid filename")); serr != nil {
			return serr
		}
		return err
	}

	if err := c.dir.Remove(name); err != nil {
		err = wire.NewLocalIOError("delete", err)
		c.recordRequest("delete", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "delete failed")); serr != nil {
			return serr
		}
		return err
	}

	if err := c.tr.Send(wire.NewAck(req.Seq)); err != nil {
		return err
	}

	c.recordRequest("delete", start, nil)
	c.log.info("delete complete", logger.KeyFilename, name)
	c.srv.fanout.Submit(Change{Kind: ChangeDelete, User: c.user, Name: name, Origin: c})
	return nil
}

// handleList renders the user's directory listing and streams it back
// the way a download streams: acknowledged chunks closed by a zero-size
// terminator. Receivers reassemble on the terminator alone; Total is
// advisory, as everywhere else.
func (c *Conn) handleList(req *wire.Frame) error {
	start := time.Now()

	entries, err := c.dir.List()
	if err != nil {
		err = wire.NewLocalIOError("list", err)
		c.recordRequest("list", start, err)
		if serr := c.tr.Send(wire.NewNack(req.Seq, "listing failed")); serr != nil {
			return serr
		}
		return err
	}

	text := listing.Format(entries)
	sent, err := c.sendChunks(wire.TypeListServerRes, strings.NewReader(text), int64(len(text)))
	c.recordRequest("list", start, err)
	if err != nil {
		return err
	}

	c.log.debug("listing sent", "files", len(entries), logger.KeyBytes, sent)
	return nil
}

// drainPushes executes every queued fan-out push. Pushes run on the
// engine goroutine so they never race the engine's own reads.
func (c *Conn) drainPushes() {
	for {
		select {
		case ch := <-c.pushes:
			c.executePush(ch)
		default:
			return
		}
	}
}

// executePush delivers one change to this connection's device using the
// same framing a client-originated operation would use. Failures skip the
// push; the device repairs on its next reconciliation.
func (c *Conn) executePush(ch Change) {
	start := time.Now()
	var err error
	switch ch.Kind {
	case ChangeUpload:
		err = c.pushUpload(ch.Name)
	case ChangeDelete:
		err = c.pushDelete(ch.Name)
	}

	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		c.log.warn("push failed",
			logger.KeyOp, ch.Kind.String(),
			logger.KeyFilename, ch.Name,
			logger.KeyError, err.Error())
	} else {
		c.log.debug("push delivered",
			logger.KeyOp, ch.Kind.String(),
			logger.KeyFilename, ch.Name,
			logger.KeyDurationMs, logger.Duration(start))
	}
	if c.srv.metrics != nil {
		c.srv.metrics.RecordFanoutPush(outcome)
	}
}

// pushUpload sends the current content of name to the device. A file
// removed since the change was queued is skipped: the delete that removed
// it is behind it in the same per-user queue.
func (c *Conn) pushUpload(name string) error {
	f, err := c.dir.Open(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return wire.NewLocalIOError("push", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return wire.NewLocalIOError("push", err)
	}

	if err := c.tr.Send(wire.NewNameFrame(wire.TypeUploadReq, 0, name)); err != nil {
		return err
	}
	resp, err := c.awaitResponse()
	if err != nil {
		return err
	}
	if resp.Type != wire.TypeAck {
		return wire.NewProtocolError("push", "device refused upload: "+resp.Reason())
	}

	sent, err := c.sendChunks(wire.TypeUploadData, f, info.Size())
	if err != nil {
		return err
	}
	if c.srv.metrics != nil {
		c.srv.metrics.RecordBytesTransferred("push", "out", uint64(sent))
	}
	return nil
}

// pushDelete propagates a delete to the device.
func (c *Conn) pushDelete(name string) error {
	if err := c.tr.Send(wire.NewNameFrame(wire.TypeDeleteReq, 0, name)); err != nil {
		return err
	}
	resp, err := c.awaitResponse()
	if err != nil {
		return err
	}
	if resp.Type != wire.TypeAck {
		return wire.NewProtocolError("push", "device refused delete: "+resp.Reason())
	}
	return nil
}

// awaitResponse reads until an ACK or NACK arrives. Because the engine
// runs one operation at a time, any response frame read here belongs to
// that operation. Client request frames arriving in the meantime are
// deferred for READY dispatch; data frames cannot legally appear, since
// the request that would start them is itself deferred.
func (c *Conn) awaitResponse() (*wire.Frame, error) {
	deadline := time.Now().Add(c.srv.cfg.AckTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, wire.NewProtocolError("await", "timed out waiting for acknowledgement")
		}
		f, err := c.tr.RecvTimeout(remaining)
		if err != nil {
			if wire.IsTimeout(err) {
				return nil, wire.NewProtocolError("await", "timed out waiting for acknowledgement")
			}
			return nil, err
		}
		switch f.Type {
		case wire.TypeAck, wire.TypeNack:
			return f, nil
		case wire.TypeUploadReq, wire.TypeDownloadReq, wire.TypeDeleteReq,
			wire.TypeListServerReq, wire.TypeGetSyncDir, wire.TypeSyncEvent:
			if len(c.pending) >= maxDeferredFrames {
				return nil, wire.NewProtocolError("await", "too many frames deferred during push")
			}
			c.pending = append(c.pending, f)
		default:
			return nil, wire.NewProtocolError("await", fmt.Sprintf("unexpected %s frame while awaiting acknowledgement", f.Type))
		}
	}
}

// recordRequest reports one completed operation to the metrics recorder.
func (c *Conn) recordRequest(op string, start time.Time, err error) {
	if c.srv.metrics == nil {
		return
	}
	var kind string
	if err != nil {
		var werr *wire.Error
		if errors.As(err, &werr) {
			kind = werr.Kind.String()
		} else {
			kind = "Unknown"
		}
	}
	c.srv.metrics.RecordRequest(op, time.Since(start), kind)
}
