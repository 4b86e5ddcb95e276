package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/ccsc-client/internal/logging"
)

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logging.OrDiscard(logger)
	}
}

// Stats provides watcher status information.
type Stats struct {
	// WatchedDirs is the number of directories being watched.
	WatchedDirs int

	// PendingEvents is the number of paths waiting for the debounce window.
	PendingEvents int

	// TotalBatches is the number of batches delivered.
	TotalBatches int64

	// DroppedBatches counts batches lost to a full channel.
	DroppedBatches int64

	// Errors is the total number of errors encountered.
	Errors int64
}

// Watcher watches directory trees with fsnotify and delivers debounced
// batches of matching file changes.
//
// Thread Safety: all methods are safe for concurrent use.
type Watcher struct {
	config Config
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	mu      sync.Mutex
	dirs    map[string]bool
	pending map[string]*Event
	timer   *time.Timer
	closed  bool

	batches chan []Event
	errors  chan error
	closeCh chan struct{}
	wg      sync.WaitGroup

	totalBatches   atomic.Int64
	droppedBatches atomic.Int64
	totalErrors    atomic.Int64
}

// New creates a Watcher. Nothing is watched until Add is called.
func New(config Config, opts ...Option) (*Watcher, error) {
	defaults := DefaultConfig()
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		config:  config,
		logger:  logging.Discard(),
		fsw:     fsw,
		dirs:    make(map[string]bool),
		pending: make(map[string]*Event),
		batches: make(chan []Event, config.BufferSize),
		errors:  make(chan error, config.BufferSize),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.processLoop()
	return w, nil
}

// Add watches root and every directory below it, except ignored ones.
func (w *Watcher) Add(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPathNotExist, abs)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && w.config.ignoreDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watchDir(p)
	})
}

func (w *Watcher) watchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.dirs[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = true
	w.logger.Debug("watching directory", "path", dir)
	return nil
}

// Batches returns the channel of debounced change batches, sorted by path.
// The channel is closed by Close.
func (w *Watcher) Batches() <-chan []Event {
	return w.batches
}

// Errors returns the channel of watcher errors. The channel is closed by
// Close.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Dirs returns the watched directories, sorted.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirs := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		WatchedDirs:    len(w.dirs),
		PendingEvents:  len(w.pending),
		TotalBatches:   w.totalBatches.Load(),
		DroppedBatches: w.droppedBatches.Load(),
		Errors:         w.totalErrors.Load(),
	}
}

// Flush delivers pending changes now instead of waiting for the window.
func (w *Watcher) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.fire()
}

// Close stops the watcher. Pending changes are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	if w.timer != nil {
		w.timer.Stop()
	}
	clear(w.pending)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()

	// fire sends only while holding mu with closed unset.
	w.mu.Lock()
	close(w.batches)
	close(w.errors)
	w.mu.Unlock()
	return err
}

func (w *Watcher) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	op := convertOp(ev.Op)
	if op == 0 {
		return
	}

	// New directories are watched so files created in them are seen.
	if op.Has(OpCreate) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.config.ignoreDir(filepath.Base(ev.Name)) {
				if err := w.Add(ev.Name); err != nil && !errors.Is(err, ErrWatcherClosed) {
					w.reportError(err)
				}
			}
			return
		}
	}

	if !w.config.Matches(ev.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, ok := w.pending[ev.Name]; ok {
		p.Op |= op
		p.Timestamp = time.Now()
	} else {
		w.pending[ev.Name] = &Event{Path: ev.Name, Op: op, Timestamp: time.Now()}
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.config.Debounce, w.fire)
	} else {
		w.timer.Reset(w.config.Debounce)
	}
}

// fire delivers the pending changes as one batch.
func (w *Watcher) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || len(w.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(w.pending))
	for path, p := range w.pending {
		_, err := os.Stat(path)
		typ, ok := netChange(p.Op, err == nil)
		if !ok {
			continue
		}
		ev := *p
		ev.Type = typ
		batch = append(batch, ev)
	}
	clear(w.pending)

	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })

	select {
	case w.batches <- batch:
		w.totalBatches.Add(1)
		w.logger.Debug("file changes", "count", len(batch))
	default:
		w.droppedBatches.Add(1)
		w.logger.Warn("watch batch dropped, consumer too slow", "count", len(batch))
	}
}

func (w *Watcher) reportError(err error) {
	w.totalErrors.Add(1)
	w.logger.Warn("watch error", "error", err)
	select {
	case w.errors <- err:
	default:
	}
}

// convertOp converts fsnotify.Op to Op. Chmod alone is not a change.
func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	return op
}
