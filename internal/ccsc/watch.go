package ccsc

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dshills/ccsc-client/internal/compiler"
	"github.com/dshills/ccsc-client/internal/lsp"
	"github.com/dshills/ccsc-client/internal/watcher"
)

// notifyTimeout bounds forwarding one batch to the server.
const notifyTimeout = 5 * time.Second

// watchLoop forwards watcher batches until the watcher is closed.
func (e *Extension) watchLoop(w *watcher.Watcher, done chan<- struct{}) {
	defer close(done)

	batches, errs := w.Batches(), w.Errors()
	for batches != nil || errs != nil {
		select {
		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			e.handleBatch(batch)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.logger.Warn("watch error", "error", err)
		}
	}
}

// handleBatch tells the server about the changes and reloads compiler
// diagnostics from changed error files.
func (e *Extension) handleBatch(batch []watcher.Event) {
	if e.client.IsReady() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := e.client.DidChangeWatchedFiles(ctx, watcher.FileEvents(batch)); err != nil {
			e.logger.Warn("forward watched files", "count", len(batch), "error", err)
		}
		cancel()
	}

	for _, ev := range batch {
		if !compiler.IsErrFile(ev.Path) {
			continue
		}
		if ev.Type == lsp.FileChangeTypeDeleted {
			e.publishProblems(ev.Path, nil)
			continue
		}
		e.loadErrFile(ev.Path)
	}
}

// scanErrFiles loads the error files already present in dirs.
func (e *Extension) scanErrFiles(dirs []string) {
	patterns := e.config.WatcherConfig()
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			e.logger.Debug("scan error files", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() || !compiler.IsErrFile(path) || !patterns.Matches(path) {
				continue
			}
			e.loadErrFile(path)
		}
	}
}

func (e *Extension) loadErrFile(path string) {
	problems, err := compiler.ParseFile(path)
	if err != nil {
		e.logger.Warn("read error file", "path", path, "error", err)
		return
	}
	e.publishProblems(path, problems)
}

// publishProblems replaces the compiler diagnostics that came from errFile.
// A file's diagnostics are the union over every error file that mentions it,
// so it is cleared only when none does.
func (e *Extension) publishProblems(errFile string, problems []compiler.Problem) {
	errFile = filepath.Clean(errFile)
	byURI := compiler.Diagnostics(problems, filepath.Dir(errFile))

	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	affected := make([]lsp.DocumentURI, 0, len(byURI)+len(e.published[errFile]))
	for uri := range e.published[errFile] {
		affected = append(affected, uri)
	}
	for uri := range byURI {
		affected = append(affected, uri)
	}
	slices.Sort(affected)
	affected = slices.Compact(affected)

	if len(byURI) == 0 {
		delete(e.published, errFile)
	} else {
		e.published[errFile] = byURI
	}

	sources := make([]string, 0, len(e.published))
	for file := range e.published {
		sources = append(sources, file)
	}
	slices.Sort(sources)

	store := e.client.Diagnostics()
	for _, uri := range affected {
		var merged []lsp.Diagnostic
		for _, file := range sources {
			merged = append(merged, e.published[file][uri]...)
		}
		store.Publish(lsp.OwnerCompiler, uri, 0, merged)
	}
	e.logger.Debug("compiler diagnostics", "err_file", errFile, "problems", len(problems), "files", len(byURI))
}
