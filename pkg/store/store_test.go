package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/syncbox/syncbox/pkg/wire"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()

	d, err := NewDir(DefaultConfig(filepath.Join(t.TempDir(), "sync_dir")))
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	return d
}

func writeFile(t *testing.T, d *Dir, name string, content []byte) {
	t.Helper()

	w, err := d.Create(name)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", name, err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestDir_WriteAndRead(t *testing.T) {
	d := newTestDir(t)
	writeFile(t, d, "hello.txt", []byte("hi\n"))

	f, err := d.Open("hello.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "hi\n" {
		t.Errorf("read %q, want %q", got, "hi\n")
	}
}

func TestDir_OpenNotFound(t *testing.T) {
	d := newTestDir(t)

	_, err := d.Open("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Open returned %v, want ErrNotFound", err)
	}
}

func TestDir_CreateReplacesAtomically(t *testing.T) {
	d := newTestDir(t)
	writeFile(t, d, "f.bin", []byte("old content"))
	writeFile(t, d, "f.bin", []byte("new"))

	e, err := d.Stat("f.bin")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if e.Size != 3 {
		t.Errorf("size = %d, want 3", e.Size)
	}
}

func TestDir_UncommittedWriteInvisible(t *testing.T) {
	d := newTestDir(t)

	w, err := d.Create("pending.bin")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("half")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := d.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("uncommitted file visible in listing: %v", entries)
	}
	if _, err := d.Stat("pending.bin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat on uncommitted file returned %v, want ErrNotFound", err)
	}

	w.Abort()

	// The temp file must be gone after Abort.
	dirents, err := os.ReadDir(d.Path())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(dirents) != 0 {
		t.Errorf("temp artifacts left after Abort: %v", dirents)
	}
}

func TestDir_AbortAfterCommitIsNoop(t *testing.T) {
	d := newTestDir(t)

	w, err := d.Create("keep.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("stay")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	w.Abort()

	if _, err := d.Stat("keep.txt"); err != nil {
		t.Errorf("file missing after Commit+Abort: %v", err)
	}
}

func TestDir_RemoveAbsentIsNotAnError(t *testing.T) {
	d := newTestDir(t)

	if err := d.Remove("ghost.txt"); err != nil {
		t.Errorf("Remove of absent file returned %v", err)
	}
}

func TestDir_ListSkipsHiddenAndDirs(t *testing.T) {
	d := newTestDir(t)
	writeFile(t, d, "a.txt", []byte("a"))
	writeFile(t, d, "b.txt", []byte("bb"))

	if err := os.WriteFile(filepath.Join(d.Path(), ".hidden"), []byte("x"), 0644); err != nil {
		t.Fatalf("write dotfile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(d.Path(), "subdir"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	entries, err := d.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2: %v", len(entries), entries)
	}
	if entries[0].Name != "a.txt" || entries[1].Name != "b.txt" {
		t.Errorf("unexpected names: %q, %q", entries[0].Name, entries[1].Name)
	}
	if entries[1].Size != 2 {
		t.Errorf("b.txt size = %d, want 2", entries[1].Size)
	}
	if entries[0].MTime.IsZero() {
		t.Errorf("mtime not populated")
	}
}

func TestDir_RejectsBadNames(t *testing.T) {
	d := newTestDir(t)

	for _, name := range []string{"", "../escape", "a/b", `a\b`} {
		if _, err := d.Create(name); err == nil || !wire.IsValidation(err) {
			t.Errorf("Create(%q) = %v, want validation error", name, err)
		}
		if _, err := d.Open(name); err == nil || !wire.IsValidation(err) {
			t.Errorf("Open(%q) = %v, want validation error", name, err)
		}
		if err := d.Remove(name); err == nil || !wire.IsValidation(err) {
			t.Errorf("Remove(%q) = %v, want validation error", name, err)
		}
	}
}

func TestRoot_UserDirLayout(t *testing.T) {
	base := t.TempDir()
	r, err := NewRoot(DefaultConfig(filepath.Join(base, "storage")))
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	defer r.Close()

	d, err := r.UserDir("alice")
	if err != nil {
		t.Fatalf("UserDir failed: %v", err)
	}

	want := filepath.Join(base, "storage", "alice", "sync_dir")
	if d.Path() != want {
		t.Errorf("UserDir path = %s, want %s", d.Path(), want)
	}
	if info, err := os.Stat(want); err != nil || !info.IsDir() {
		t.Errorf("sync dir not created: %v", err)
	}
}

func TestRoot_RejectsBadUsernames(t *testing.T) {
	r, err := NewRoot(DefaultConfig(filepath.Join(t.TempDir(), "storage")))
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	defer r.Close()

	for _, user := range []string{"", "../root", "a/b"} {
		if _, err := r.UserDir(user); err == nil {
			t.Errorf("UserDir(%q) succeeded, want error", user)
		}
	}
}

