package client

import (
	"context"
	"fmt"
	"time"

	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/wire"
)

// listenPollInterval is the read deadline of the listener loop; it bounds
// how long shutdown waits for the reader to notice.
const listenPollInterval = 250 * time.Millisecond

// listen is the single reader of the client's transport. Server pushes
// are applied inline; frames answering the in-flight client operation are
// routed to it; everything else is dropped. The loop exits on transport
// failure or context cancellation, closing Done.
func (c *Client) listen(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := c.tr.RecvTimeout(listenPollInterval)
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			if wire.IsClosed(err) {
				logger.Info("server closed the connection")
			} else {
				logger.Error("connection failed", logger.KeyError, err.Error())
			}
			return
		}

		switch f.Type {
		case wire.TypeUploadReq:
			if err := c.applyPushUpload(f); err != nil {
				if wire.IsTransport(err) {
					logger.Error("connection failed during push", logger.KeyError, err.Error())
					return
				}
				logger.Warn("server push failed",
					logger.KeyFilename, f.Name(), logger.KeyError, err.Error())
			}
		case wire.TypeDeleteReq:
			if err := c.applyPushDelete(f); err != nil {
				if wire.IsTransport(err) {
					logger.Error("connection failed during push", logger.KeyError, err.Error())
					return
				}
				logger.Warn("server delete push failed",
					logger.KeyFilename, f.Name(), logger.KeyError, err.Error())
			}
		case wire.TypeAck, wire.TypeNack, wire.TypeDownloadData, wire.TypeListServerRes:
			c.route(f)
		default:
			// SYNC_EVENT and anything else the server should not send.
			logger.Debug("ignoring unexpected frame",
				logger.KeyFrameType, f.Type.String(), logger.KeySeq, f.Seq)
		}
	}
}

// applyPushUpload receives a server-initiated upload into the sync
// directory. The filename is marked in the echo set before any local
// mutation so the watcher swallows the resulting event. On failure the
// staged file is discarded and nothing becomes visible; the echo entry is
// left to be consumed or to expire, never removed early, so a genuine
// edit made during the transfer is not swallowed by mistake.
func (c *Client) applyPushUpload(req *wire.Frame) error {
	name := req.Name()
	if err := wire.ValidateFilename(name); err != nil {
		if serr := c.tr.Send(wire.NewNack(req.Seq, "invalid filename")); serr != nil {
			return serr
		}
		return err
	}

	c.echo.Add(name)

	w, err := c.dir.Create(name)
	if err != nil {
		if serr := c.tr.Send(wire.NewNack(req.Seq, "cannot open file for writing")); serr != nil {
			return serr
		}
		return wire.NewLocalIOError("push", err)
	}

	if err := c.tr.Send(wire.NewAck(req.Seq)); err != nil {
		w.Abort()
		return err
	}

	var received int64
	for {
		f, err := c.recvPushData()
		if err != nil {
			w.Abort()
			return err
		}
		if f.IsTerminator() {
			break
		}
		if _, err := w.Write(f.Payload); err != nil {
			w.Abort()
			return wire.NewLocalIOError("push", err)
		}
		received += int64(len(f.Payload))
		if err := c.tr.Send(wire.NewAck(f.Seq)); err != nil {
			w.Abort()
			return err
		}
	}

	if err := w.Commit(); err != nil {
		return wire.NewLocalIOError("push", err)
	}

	logger.Info("applied server push",
		logger.KeyFilename, name, logger.KeyBytes, received)
	return nil
}

// recvPushData reads the next UPLOAD_DATA frame of an in-flight push,
// routing any interleaved response frames to the waiting client
// operation. Only data and response frames can legally arrive here: the
// server engine runs one operation per connection at a time.
func (c *Client) recvPushData() (*wire.Frame, error) {
	deadline := time.Now().Add(c.cfg.AckTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, wire.NewProtocolError("push", "server stalled mid-transfer")
		}
		f, err := c.tr.RecvTimeout(remaining)
		if err != nil {
			if wire.IsTimeout(err) {
				return nil, wire.NewProtocolError("push", "server stalled mid-transfer")
			}
			return nil, err
		}
		switch f.Type {
		case wire.TypeUploadData:
			return f, nil
		case wire.TypeAck, wire.TypeNack, wire.TypeDownloadData, wire.TypeListServerRes:
			c.route(f)
		case wire.TypeSyncEvent:
			// Reserved; ignored.
		default:
			return nil, wire.NewProtocolError("push", fmt.Sprintf("unexpected %s frame during transfer", f.Type))
		}
	}
}

// applyPushDelete removes a file the server deleted elsewhere. Absence is
// not an error; the echo entry covers the watcher event when the file
// did exist.
func (c *Client) applyPushDelete(req *wire.Frame) error {
	name := req.Name()
	if err := wire.ValidateFilename(name); err != nil {
		if serr := c.tr.Send(wire.NewNack(req.Seq, "invalid filename")); serr != nil {
			return serr
		}
		return err
	}

	c.echo.Add(name)

	if err := c.tr.Send(wire.NewAck(req.Seq)); err != nil {
		return err
	}
	if err := c.dir.Remove(name); err != nil {
		return wire.NewLocalIOError("push", err)
	}

	logger.Info("applied server delete", logger.KeyFilename, name)
	return nil
}
