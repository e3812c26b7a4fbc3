// Package store provides flat-directory file storage for sync directories.
//
// A Dir is one synced directory: list, read, streaming write, delete. Writes
// go to a hidden temp file in the same directory and become visible only on
// Commit via an atomic rename, so a listing never observes a half-written
// file regardless of how the writing transfer ends.
//
// A Root is the server-side layout: one sync directory per user under
// <base>/<user>/sync_dir/. The filesystem is the only source of truth; there
// is no metadata database.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/syncbox/syncbox/pkg/listing"
	"github.com/syncbox/syncbox/pkg/wire"
)

// ErrNotFound reports an operation against a file absent from the directory.
var ErrNotFound = errors.New("file not found")

// syncDirName is the per-user directory component on the server.
const syncDirName = "sync_dir"

// Config holds configuration for a Dir or a Root.
type Config struct {
	// Path is the directory (for Dir) or storage root (for Root).
	Path string

	// Create creates the directory if it doesn't exist. Default: true via
	// DefaultConfig.
	Create bool

	// Lock takes an exclusive advisory lock on the root so a second server
	// process cannot serve the same tree. Only meaningful for NewRoot.
	Lock bool

	// DirMode is the permission mode for created directories. Default 0755.
	DirMode os.FileMode

	// FileMode is the permission mode for created files. Default 0644.
	FileMode os.FileMode
}

// DefaultConfig returns the default configuration for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		Create:   true,
		DirMode:  0755,
		FileMode: 0644,
	}
}

func (c *Config) applyDefaults() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.DirMode == 0 {
		c.DirMode = 0755
	}
	if c.FileMode == 0 {
		c.FileMode = 0644
	}
	return nil
}

// Dir is one flat sync directory.
type Dir struct {
	path     string
	fileMode os.FileMode
}

// NewDir opens (and optionally creates) a sync directory.
func NewDir(cfg Config) (*Dir, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cfg.Create {
		if err := os.MkdirAll(cfg.Path, cfg.DirMode); err != nil {
			return nil, fmt.Errorf("create sync dir: %w", err)
		}
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Path)
	}
	return &Dir{path: cfg.Path, fileMode: cfg.FileMode}, nil
}

// Path returns the directory's filesystem path.
func (d *Dir) Path() string {
	return d.path
}

// FilePath returns the full path for name after checking the protocol's
// name hygiene, the last line of defense before the filesystem.
func (d *Dir) FilePath(name string) (string, error) {
	if err := wire.ValidateFilename(name); err != nil {
		return "", err
	}
	return filepath.Join(d.path, name), nil
}

// List returns the regular files directly under the directory, sorted by
// name. Hidden files (leading dot) are skipped, which also hides in-flight
// temp files; unreadable entries are omitted rather than failing the whole
// listing.
func (d *Dir) List() ([]listing.Entry, error) {
	dirents, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.path, err)
	}

	entries := make([]listing.Entry, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		e := listing.Entry{Name: de.Name(), Size: info.Size()}
		e.MTime, e.ATime, e.CTime = fileTimes(info)
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Open opens name for reading. Absent files map to ErrNotFound.
func (d *Dir) Open(name string) (*os.File, error) {
	path, err := d.FilePath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Stat returns the entry for name, or ErrNotFound.
func (d *Dir) Stat(name string) (listing.Entry, error) {
	path, err := d.FilePath(name)
	if err != nil {
		return listing.Entry{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return listing.Entry{}, fmt.Errorf("stat %s: %w", name, ErrNotFound)
		}
		return listing.Entry{}, err
	}
	e := listing.Entry{Name: name, Size: info.Size()}
	e.MTime, e.ATime, e.CTime = fileTimes(info)
	return e, nil
}

// Create opens a streaming writer for name. Content lands in a hidden temp
// file and replaces any existing file atomically on Commit; Abort discards
// it. Exactly one of Commit or Abort must be called.
func (d *Dir) Create(name string) (*FileWriter, error) {
	path, err := d.FilePath(name)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(d.path, "."+name+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", name, err)
	}
	if err := tmp.Chmod(d.fileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("chmod temp for %s: %w", name, err)
	}
	return &FileWriter{f: tmp, tmpPath: tmp.Name(), finalPath: path}, nil
}

// Remove deletes name. An absent file is not an error.
func (d *Dir) Remove(name string) error {
	path, err := d.FilePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// FileWriter streams content into a temp file and commits it atomically.
type FileWriter struct {
	f         *os.File
	tmpPath   string
	finalPath string
	done      bool
}

var _ io.Writer = (*FileWriter)(nil)

func (w *FileWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit closes the temp file and renames it over the final path.
func (w *FileWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("commit %s: %w", w.finalPath, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("commit %s: %w", w.finalPath, err)
	}
	return nil
}

// Abort discards the temp file. Safe to call after Commit or repeatedly.
func (w *FileWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
	_ = os.Remove(w.tmpPath)
}

// Root is the server-side storage layout: <base>/<user>/sync_dir/.
type Root struct {
	base     string
	dirMode  os.FileMode
	fileMode os.FileMode
	lock     *rootLock
}

// NewRoot opens (and optionally creates) the storage root.
func NewRoot(cfg Config) (*Root, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cfg.Create {
		if err := os.MkdirAll(cfg.Path, cfg.DirMode); err != nil {
			return nil, fmt.Errorf("create storage root: %w", err)
		}
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Path)
	}

	r := &Root{base: cfg.Path, dirMode: cfg.DirMode, fileMode: cfg.FileMode}
	if cfg.Lock {
		lock, err := acquireRootLock(cfg.Path)
		if err != nil {
			return nil, err
		}
		r.lock = lock
	}
	return r, nil
}

// BasePath returns the storage root path.
func (r *Root) BasePath() string {
	return r.base
}

// Close releases the root lock, if held.
func (r *Root) Close() error {
	r.lock.release()
	return nil
}

// UserDir ensures and returns the sync directory for user. The username is
// validated with the handshake rules before it touches a path.
func (r *Root) UserDir(user string) (*Dir, error) {
	if err := wire.ValidateUsername(user); err != nil {
		return nil, err
	}
	return NewDir(Config{
		Path:     filepath.Join(r.base, user, syncDirName),
		Create:   true,
		DirMode:  r.dirMode,
		FileMode: r.fileMode,
	})
}
