package client

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/syncbox/syncbox/internal/logger"
)

// watchQueueSize bounds the normalized-event queue between the fsnotify
// loop and the sequential publisher.
const watchQueueSize = 256

type eventKind int

const (
	eventUpload eventKind = iota + 1
	eventDelete
)

type watchEvent struct {
	kind eventKind
	name string
}

// Watcher observes the local sync directory and publishes genuine local
// changes to the server.
//
// fsnotify reports raw Create/Write/Remove/Rename operations; there is no
// close-after-write event, so writes are debounced per filename: a file
// is uploaded once it has been quiet for the debounce interval. Deletes
// are published immediately. Events caused by the push listener's own
// writes are swallowed through the echo set. Hidden names (leading dot,
// which includes the store's staging files) and directories are ignored.
//
// Normalized events are funneled through a single publisher goroutine,
// so requests leave in observation order.
type Watcher struct {
	client   *Client
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	queue chan watchEvent
	stop  chan struct{}
	wg    sync.WaitGroup
}

// newWatcher starts watching the client's sync directory.
func newWatcher(c *Client) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(c.dir.Path()); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		client:   c,
		fsw:      fsw,
		debounce: c.cfg.DebounceInterval,
		timers:   make(map[string]*time.Timer),
		queue:    make(chan watchEvent, watchQueueSize),
		stop:     make(chan struct{}),
	}

	w.wg.Add(2)
	go w.watch()
	go w.publish()

	logger.Info("watching sync directory", logger.KeyPath, c.dir.Path())
	return w, nil
}

// Stop ends both goroutines and discards pending debounce timers.
func (w *Watcher) Stop() {
	close(w.stop)
	_ = w.fsw.Close()

	w.mu.Lock()
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// watch consumes raw fsnotify events and normalizes them.
func (w *Watcher) watch() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", logger.KeyError, err.Error())
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if name == "" || name == "." || strings.HasPrefix(name, ".") {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		// A rename within the directory produces a Rename for the old
		// name (treated as a delete) and a Create for the new one.
		w.cancelTimer(name)
		w.enqueue(watchEvent{kind: eventDelete, name: name})

	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
			// Gone already, or a subdirectory; the directory is flat.
			return
		}
		w.scheduleUpload(name)
	}
}

// scheduleUpload arms (or re-arms) the per-name quiet-window timer.
func (w *Watcher) scheduleUpload(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		w.enqueue(watchEvent{kind: eventUpload, name: name})
	})
}

func (w *Watcher) cancelTimer(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[name]; ok {
		t.Stop()
		delete(w.timers, name)
	}
}

func (w *Watcher) enqueue(ev watchEvent) {
	select {
	case w.queue <- ev:
	case <-w.stop:
	default:
		logger.Warn("watcher queue full, dropping event", logger.KeyFilename, ev.name)
	}
}

// publish drains normalized events sequentially, applying echo
// suppression before anything reaches the wire. Failures are logged and
// dropped: there is no retry, the next reconciliation repairs.
func (w *Watcher) publish() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case ev := <-w.queue:
			w.handle(ev)
		}
	}
}

func (w *Watcher) handle(ev watchEvent) {
	if w.client.echo.Consume(ev.name) {
		logger.Debug("suppressed echo event", logger.KeyFilename, ev.name)
		return
	}

	switch ev.kind {
	case eventUpload:
		path, err := w.client.dir.FilePath(ev.name)
		if err != nil {
			return
		}
		if _, err := os.Stat(path); err != nil {
			// Deleted during the quiet window; the delete event follows.
			return
		}
		if err := w.client.Upload(path); err != nil {
			logger.Warn("upload of local change failed",
				logger.KeyFilename, ev.name, logger.KeyError, err.Error())
		}
	case eventDelete:
		if err := w.client.Delete(ev.name); err != nil {
			logger.Warn("delete of local change failed",
				logger.KeyFilename, ev.name, logger.KeyError, err.Error())
		}
	}
}
