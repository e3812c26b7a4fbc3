package client

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/bufpool"
	"github.com/syncbox/syncbox/pkg/listing"
	"github.com/syncbox/syncbox/pkg/store"
	"github.com/syncbox/syncbox/pkg/wire"
)

// Upload sends the file at path to the server under its basename. The
// transfer is chunked, every chunk individually acknowledged, and closed
// by an unacknowledged zero-size terminator.
func (c *Client) Upload(path string) error {
	start := time.Now()
	name := filepath.Base(path)
	if err := wire.ValidateFilename(name); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	ch, end := c.begin()
	defer end()

	if err := c.tr.Send(wire.NewNameFrame(wire.TypeUploadReq, 0, name)); err != nil {
		return err
	}
	if err := c.awaitAck(ch, "upload"); err != nil {
		return err
	}

	sent, err := c.sendChunks(ch, wire.TypeUploadData, f, info.Size())
	if err != nil {
		return err
	}

	logger.Info("upload complete",
		logger.KeyFilename, name,
		logger.KeyBytes, sent,
		logger.KeyDurationMs, logger.Duration(start))
	return nil
}

// sendChunks streams src as acknowledged data frames, then sends the
// terminator without waiting for it.
func (c *Client) sendChunks(ch chan *wire.Frame, t wire.Type, src io.Reader, size int64) (int64, error) {
	total := wire.ChunkTotal(size)
	buf := bufpool.Get(wire.MaxPayload)
	defer bufpool.Put(buf)

	var sent int64
	var seq uint32
	for {
		n, rerr := io.ReadFull(src, buf[:wire.MaxPayload])
		if n > 0 {
			seq++
			if err := c.tr.Send(&wire.Frame{Type: t, Seq: seq, Total: total, Payload: buf[:n]}); err != nil {
				return sent, err
			}
			resp, err := c.await(ch)
			if err != nil {
				return sent, err
			}
			if resp.Type != wire.TypeAck {
				return sent, wire.NewProtocolError("upload", fmt.Sprintf("chunk %d refused: %s", seq, resp.Reason()))
			}
			if resp.Seq != seq {
				return sent, wire.NewProtocolError("upload", fmt.Sprintf("ack for chunk %d, want %d", resp.Seq, seq))
			}
			sent += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			return sent, wire.NewLocalIOError("upload", rerr)
		}
	}

	seq++
	return sent, c.tr.Send(&wire.Frame{Type: t, Seq: seq, Total: total})
}

// Delete asks the server to remove name from the sync directory.
func (c *Client) Delete(name string) error {
	if err := wire.ValidateFilename(name); err != nil {
		return err
	}

	ch, end := c.begin()
	defer end()

	if err := c.tr.Send(wire.NewNameFrame(wire.TypeDeleteReq, 0, name)); err != nil {
		return err
	}
	if err := c.awaitAck(ch, "delete"); err != nil {
		return err
	}

	logger.Info("delete complete", logger.KeyFilename, name)
	return nil
}

// ListServer retrieves and parses the server's directory listing. The
// raw text is returned alongside the entries for display purposes.
//
// The listing arrives the way a download does: each chunk is
// acknowledged and the stream ends on a zero-size terminator, so a
// listing of any length never outruns the response channel. Total is
// advisory and ignored.
func (c *Client) ListServer() ([]listing.Entry, string, error) {
	ch, end := c.begin()
	defer end()

	if err := c.tr.Send(wire.NewFrame(wire.TypeListServerReq, 0, nil)); err != nil {
		return nil, "", err
	}

	var text []byte
	var want uint32
	for {
		f, err := c.await(ch)
		if err != nil {
			return nil, "", err
		}
		if f.Type == wire.TypeNack {
			return nil, "", wire.NewProtocolError("list", "server refused: "+f.Reason())
		}
		if f.Type != wire.TypeListServerRes {
			return nil, "", wire.NewProtocolError("list", fmt.Sprintf("unexpected %s frame in listing", f.Type))
		}
		if f.IsTerminator() {
			break
		}
		want++
		if f.Seq != want {
			return nil, "", wire.NewProtocolError("list", fmt.Sprintf("chunk %d arrived, want %d", f.Seq, want))
		}
		text = append(text, f.Payload...)
		if err := c.tr.Send(wire.NewAck(f.Seq)); err != nil {
			return nil, "", err
		}
	}

	s := string(text)
	return listing.Parse(s), s, nil
}

// ListLocal lists the local sync directory with the same entry model the
// server listing uses.
func (c *Client) ListLocal() ([]listing.Entry, error) {
	return c.dir.List()
}

// Download fetches name from the server into destDir, which defaults to
// the current working directory. It is a manual export: the sync
// directory is not touched and no echo marking happens.
func (c *Client) Download(name, destDir string) error {
	if destDir == "" {
		destDir = "."
	}
	dest, err := store.NewDir(store.DefaultConfig(destDir))
	if err != nil {
		return err
	}
	return c.downloadTo(dest, name, false)
}

// downloadTo pulls name into dir. With markEcho set the filename is
// added to the echo set right before the atomic commit, so the watcher
// swallows the resulting event; reconciliation downloads use this.
func (c *Client) downloadTo(dir *store.Dir, name string, markEcho bool) error {
	start := time.Now()
	if err := wire.ValidateFilename(name); err != nil {
		return err
	}

	ch, end := c.begin()
	defer end()

	if err := c.tr.Send(wire.NewNameFrame(wire.TypeDownloadReq, 0, name)); err != nil {
		return err
	}
	if err := c.awaitAck(ch, "download"); err != nil {
		return err
	}

	w, err := dir.Create(name)
	if err != nil {
		return wire.NewLocalIOError("download", err)
	}

	var received int64
	var want uint32
	for {
		f, err := c.await(ch)
		if err != nil {
			w.Abort()
			return err
		}
		if f.Type != wire.TypeDownloadData {
			w.Abort()
			return wire.NewProtocolError("download", fmt.Sprintf("unexpected %s frame during transfer", f.Type))
		}
		if f.IsTerminator() {
			break
		}
		want++
		if f.Seq != want {
			w.Abort()
			return wire.NewProtocolError("download", fmt.Sprintf("chunk %d arrived, want %d", f.Seq, want))
		}
		if _, err := w.Write(f.Payload); err != nil {
			w.Abort()
			return wire.NewLocalIOError("download", err)
		}
		received += int64(len(f.Payload))
		if err := c.tr.Send(wire.NewAck(f.Seq)); err != nil {
			w.Abort()
			return err
		}
	}

	if markEcho {
		c.echo.Add(name)
	}
	if err := w.Commit(); err != nil {
		return wire.NewLocalIOError("download", err)
	}

	logger.Info("download complete",
		logger.KeyFilename, name,
		logger.KeyBytes, received,
		logger.KeyDurationMs, logger.Duration(start))
	return nil
}

// GetSyncDir re-runs the handshake on the live connection and follows it
// with a full reconciliation pass. The operation is idempotent and is
// how a user forces convergence without reconnecting.
func (c *Client) GetSyncDir() error {
	ch, end := c.begin()
	if err := c.tr.Send(wire.NewNameFrame(wire.TypeGetSyncDir, 0, c.cfg.User)); err != nil {
		end()
		return err
	}
	if err := c.awaitAck(ch, "get_sync_dir"); err != nil {
		end()
		return err
	}
	end()

	return c.Reconcile()
}
