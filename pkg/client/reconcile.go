package client

import (
	"errors"
	"time"

	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/store"
)

// Reconcile pulls every server file that is missing locally or differs
// in size. Files with equal sizes are assumed identical; content hashing
// is deliberately out of scope, and a same-size divergence heals on the
// next edit of either copy.
//
// Individual download failures are logged and skipped so one bad file
// cannot leave the rest of the directory stale; the pass as a whole only
// fails when the listing itself cannot be retrieved.
func (c *Client) Reconcile() error {
	return c.reconcile(true)
}

// reconcile runs one pull pass. markEcho must be false when the watcher
// is not running: with nobody to consume them, the marks would outlive
// their events and swallow the first genuine edit of a pulled file.
func (c *Client) reconcile(markEcho bool) error {
	start := time.Now()

	entries, _, err := c.ListServer()
	if err != nil {
		return err
	}

	var pulled, failed int
	for _, e := range entries {
		local, err := c.dir.Stat(e.Name)
		switch {
		case err == nil && local.Size == e.Size:
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			logger.Warn("cannot stat local file, skipping",
				logger.KeyFilename, e.Name, logger.KeyError, err.Error())
			failed++
			continue
		}

		if err := c.downloadTo(c.dir, e.Name, markEcho); err != nil {
			logger.Warn("reconciliation pull failed",
				logger.KeyFilename, e.Name, logger.KeyError, err.Error())
			failed++
			continue
		}
		pulled++
	}

	logger.Info("reconciliation complete",
		"server_files", len(entries),
		"pulled", pulled,
		"failed", failed,
		logger.KeyDurationMs, logger.Duration(start))
	return nil
}
