// Package watcher reports changes to files matching a set of patterns
// below a workspace root.
//
// Changes are debounced: every event within the debounce window is
// coalesced per path and delivered as one batch once the tree has been quiet
// for the window. Each batched event carries the net change type, so a file
// created and removed inside one window is not reported at all.
package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dshills/ccsc-client/internal/lsp"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
	ErrNotDirectory  = errors.New("path is not a directory")
)

// Op represents the file system operations seen for a path.
type Op uint32

const (
	// OpCreate indicates a file was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates a file was written to.
	OpWrite
	// OpRemove indicates a file was removed.
	OpRemove
	// OpRename indicates a file was renamed away.
	OpRename
)

// Has returns true if the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// String returns a human-readable representation of the operations.
func (op Op) String() string {
	var parts []string
	for _, o := range []struct {
		op   Op
		name string
	}{
		{OpCreate, "CREATE"},
		{OpWrite, "WRITE"},
		{OpRemove, "REMOVE"},
		{OpRename, "RENAME"},
	} {
		if op.Has(o.op) {
			parts = append(parts, o.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// Event is the net change of one file over a debounce window.
type Event struct {
	// Path is the absolute path of the file.
	Path string

	// Op holds every operation seen during the window.
	Op Op

	// Type is the net change.
	Type lsp.FileChangeType

	// Timestamp is when the last operation was seen.
	Timestamp time.Time
}

// FileEvent converts e for workspace/didChangeWatchedFiles.
func (e Event) FileEvent() lsp.FileEvent {
	return lsp.FileEvent{
		URI:  lsp.FilePathToURI(e.Path),
		Type: e.Type,
	}
}

// FileEvents converts a batch for workspace/didChangeWatchedFiles.
func FileEvents(batch []Event) []lsp.FileEvent {
	out := make([]lsp.FileEvent, len(batch))
	for i, e := range batch {
		out[i] = e.FileEvent()
	}
	return out
}

// netChange decides what a window of operations amounts to given whether
// the file exists once the window closes. ok is false when nothing changed
// from the outside point of view.
func netChange(op Op, exists bool) (lsp.FileChangeType, bool) {
	switch {
	case exists && op.Has(OpCreate):
		return lsp.FileChangeTypeCreated, true
	case exists:
		return lsp.FileChangeTypeChanged, true
	case op.Has(OpCreate):
		// Created and gone again within the window.
		return 0, false
	default:
		return lsp.FileChangeTypeDeleted, true
	}
}

// Config holds watcher configuration options.
type Config struct {
	// Patterns are filepath.Match patterns applied to file base names.
	// Default: ["*.err"]
	Patterns []string

	// Debounce is the quiet period before a batch is delivered.
	// Default: 200ms
	Debounce time.Duration

	// IgnoreDirs are directory names that are never descended into.
	// Default: [".git", ".svn", "node_modules"]
	IgnoreDirs []string

	// BufferSize is the size of the batch and error channels.
	// Default: 16
	BufferSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Patterns:   []string{"*.err"},
		Debounce:   200 * time.Millisecond,
		IgnoreDirs: []string{".git", ".svn", "node_modules"},
		BufferSize: 16,
	}
}

// Matches reports whether the base name of path matches one of the
// configured patterns. An empty pattern list matches everything.
func (c Config) Matches(path string) bool {
	if len(c.Patterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, p := range c.Patterns {
		if ok, err := filepath.Match(p, base); err == nil && ok {
			return true
		}
		// Patterns are matched case-insensitively so *.err finds MAIN.ERR.
		if ok, err := filepath.Match(strings.ToLower(p), strings.ToLower(base)); err == nil && ok {
			return true
		}
	}
	return false
}

func (c Config) ignoreDir(name string) bool {
	return slices.Contains(c.IgnoreDirs, name)
}

// Validate checks the patterns.
func (c Config) Validate() error {
	for _, p := range c.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("watch pattern %q: %w", p, err)
		}
	}
	return nil
}
