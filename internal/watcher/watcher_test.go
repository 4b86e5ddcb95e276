package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/ccsc-client/internal/lsp"
)

func TestOp_String(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpCreate, "CREATE"},
		{OpCreate | OpWrite, "CREATE|WRITE"},
		{OpRemove | OpRename, "REMOVE|RENAME"},
		{0, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestNetChange(t *testing.T) {
	tests := []struct {
		name   string
		op     Op
		exists bool
		want   lsp.FileChangeType
		ok     bool
	}{
		{"created", OpCreate | OpWrite, true, lsp.FileChangeTypeCreated, true},
		{"written", OpWrite, true, lsp.FileChangeTypeChanged, true},
		{"replaced", OpRemove | OpWrite, true, lsp.FileChangeTypeChanged, true},
		{"removed", OpRemove, false, lsp.FileChangeTypeDeleted, true},
		{"renamed away", OpRename, false, lsp.FileChangeTypeDeleted, true},
		{"transient", OpCreate | OpWrite | OpRemove, false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := netChange(tt.op, tt.exists)
			if got != tt.want || ok != tt.ok {
				t.Errorf("netChange() = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestConfig_Matches(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		path string
		want bool
	}{
		{"/w/main.err", true},
		{"/w/MAIN.ERR", true},
		{"/w/main.c", false},
		{"/w/main.err.bak", false},
		{"relative/x.err", true},
	}

	for _, tt := range tests {
		if got := cfg.Matches(tt.path); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	if !(Config{}).Matches("/anything") {
		t.Error("empty pattern list should match everything")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	cfg := Config{Patterns: []string{"[bad"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestFileEvents(t *testing.T) {
	batch := []Event{
		{Path: "/w/a.err", Type: lsp.FileChangeTypeCreated},
		{Path: "/w/b.err", Type: lsp.FileChangeTypeDeleted},
	}
	got := FileEvents(batch)
	if len(got) != 2 {
		t.Fatalf("got %d events", len(got))
	}
	if got[0].URI != lsp.FilePathToURI("/w/a.err") || got[0].Type != lsp.FileChangeTypeCreated {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Type != lsp.FileChangeTypeDeleted {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Debounce = 50 * time.Millisecond
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	dir := t.TempDir()
	// Resolve symlinks (macOS /var -> /private/var) so paths compare equal.
	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return w, dir
}

func nextBatch(t *testing.T, w *Watcher) []Event {
	t.Helper()
	select {
	case batch, ok := <-w.Batches():
		if !ok {
			t.Fatal("batch channel closed")
		}
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return nil
	}
}

func expectQuiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case batch := <-w.Batches():
		t.Fatalf("unexpected batch %+v", batch)
	case <-time.After(d):
	}
}

func TestWatcher_Lifecycle(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "main.err")

	if err := os.WriteFile(path, []byte("*** Error 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	batch := nextBatch(t, w)
	if len(batch) != 1 || batch[0].Path != path || batch[0].Type != lsp.FileChangeTypeCreated {
		t.Fatalf("create batch = %+v", batch)
	}

	if err := os.WriteFile(path, []byte("*** Error 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	batch = nextBatch(t, w)
	if len(batch) != 1 || batch[0].Type != lsp.FileChangeTypeChanged {
		t.Fatalf("write batch = %+v", batch)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	batch = nextBatch(t, w)
	if len(batch) != 1 || batch[0].Type != lsp.FileChangeTypeDeleted {
		t.Fatalf("remove batch = %+v", batch)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	w, dir := newTestWatcher(t)

	if err := os.WriteFile(filepath.Join(dir, "main.c"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	expectQuiet(t, w, 300*time.Millisecond)
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	w, dir := newTestWatcher(t)

	for _, name := range []string{"a.err", "b.err"} {
		path := filepath.Join(dir, name)
		for i := range 5 {
			if err := os.WriteFile(path, []byte{byte('0' + i)}, 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	batch := nextBatch(t, w)
	if len(batch) != 2 {
		t.Fatalf("batch = %+v, want one event per file", batch)
	}
	if batch[0].Path != filepath.Join(dir, "a.err") || batch[1].Path != filepath.Join(dir, "b.err") {
		t.Errorf("batch not sorted: %+v", batch)
	}
	expectQuiet(t, w, 200*time.Millisecond)
}

func TestWatcher_NewSubdirectory(t *testing.T) {
	w, dir := newTestWatcher(t)

	sub := filepath.Join(dir, "build")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory.
	deadline := time.Now().Add(5 * time.Second)
	for len(w.Dirs()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("new directory was not watched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	path := filepath.Join(sub, "main.err")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	batch := nextBatch(t, w)
	if len(batch) != 1 || batch[0].Path != path {
		t.Errorf("batch = %+v", batch)
	}
}

func TestWatcher_SkipsIgnoredDirs(t *testing.T) {
	cfg := DefaultConfig()
	w, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	dir := t.TempDir()
	for _, d := range []string{".git", "src"} {
		if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Add(dir); err != nil {
		t.Fatal(err)
	}

	dirs := w.Dirs()
	if len(dirs) != 2 {
		t.Errorf("Dirs() = %v, want root and src", dirs)
	}
	for _, d := range dirs {
		if filepath.Base(d) == ".git" {
			t.Errorf("ignored dir watched: %s", d)
		}
	}
}

func TestWatcher_AddErrors(t *testing.T) {
	w, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Add(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrPathNotExist) {
		t.Errorf("Add(missing) error = %v, want ErrPathNotExist", err)
	}

	file := filepath.Join(t.TempDir(), "f.err")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(file); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("Add(file) error = %v, want ErrNotDirectory", err)
	}
}

func TestWatcher_Close(t *testing.T) {
	w, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, ok := <-w.Batches(); ok {
		t.Error("Batches() should be closed")
	}
	if err := w.Add(t.TempDir()); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("Add() after Close error = %v, want ErrWatcherClosed", err)
	}
}

func TestWatcher_Flush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = time.Hour
	w, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	dir := t.TempDir()
	if err := w.Add(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x.err"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().PendingEvents == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never became pending")
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Flush()

	if batch := nextBatch(t, w); len(batch) != 1 {
		t.Errorf("batch = %+v", batch)
	}
	if w.Stats().TotalBatches != 1 {
		t.Errorf("TotalBatches = %d", w.Stats().TotalBatches)
	}
}
