package ccsc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/ccsc-client/internal/command"
	"github.com/dshills/ccsc-client/internal/compiler"
	"github.com/dshills/ccsc-client/internal/config"
	"github.com/dshills/ccsc-client/internal/logging"
	"github.com/dshills/ccsc-client/internal/lsp"
	"github.com/dshills/ccsc-client/internal/watcher"
)

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger shared by every component of the extension.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logging.OrDiscard(logger)
	}
}

// WithDiagnosticsHandler registers a callback for merged diagnostics
// changes, from the server and from the compiler.
func WithDiagnosticsHandler(handler lsp.DiagnosticsHandler) Option {
	return func(e *Extension) {
		e.clientOpts = append(e.clientOpts, lsp.WithDiagnosticsHandler(handler))
	}
}

// WithStateChangeHandler registers an observer of language server state.
func WithStateChangeHandler(handler lsp.StateChangeHandler) Option {
	return func(e *Extension) {
		e.clientOpts = append(e.clientOpts, lsp.WithSessionOptions(lsp.WithStateChangeHandler(handler)))
	}
}

// WithCompilerOutput streams compiler output lines to handler as they arrive.
func WithCompilerOutput(handler command.LineHandler) Option {
	return func(e *Extension) {
		e.compilerOpts = append(e.compilerOpts, compiler.WithLineHandler(handler))
	}
}

// WithVersion sets the client version reported to the server.
func WithVersion(version string) Option {
	return func(e *Extension) {
		e.version = version
	}
}

// Extension hosts the ccsc tooling for one workspace: the language server
// client, the compiler, the command runner and the error file watcher.
//
// Thread Safety: Extension is safe for concurrent use.
type Extension struct {
	config   *config.Config
	root     string
	logger   *slog.Logger
	version  string
	selector lsp.DocumentSelector

	clientOpts   []lsp.ClientOption
	compilerOpts []compiler.Option

	client   *lsp.Client
	compiler *compiler.Compiler
	runner   *command.Runner

	mu        sync.Mutex
	active    bool
	watcher   *watcher.Watcher
	watchDone chan struct{}

	// pubMu orders compiler diagnostics updates. published holds the
	// diagnostics of each error file by document.
	pubMu     sync.Mutex
	published map[string]map[lsp.DocumentURI][]lsp.Diagnostic
}

// New creates an extension for the workspace at root. A nil cfg uses the
// defaults. Nothing is started until Activate.
func New(cfg *config.Config, root string, opts ...Option) (*Extension, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("workspace root: %w", err)
		}
		root = abs
	}

	e := &Extension{
		config:    cfg,
		root:      root,
		logger:    logging.Discard(),
		published: make(map[string]map[lsp.DocumentURI][]lsp.Diagnostic),
	}
	for _, opt := range opts {
		opt(e)
	}

	clientCfg := cfg.ClientConfig(root)
	clientCfg.ClientVersion = e.version
	e.selector = clientCfg.Selector

	e.client = lsp.NewClient(clientCfg, append([]lsp.ClientOption{lsp.WithClientLogger(e.logger)}, e.clientOpts...)...)
	e.client.Session().OnStateChange(func(from, to lsp.State) {
		e.logger.Debug("language server state", "from", from.String(), "to", to.String())
	})

	e.compiler = compiler.New(cfg.CompilerConfig(), append([]compiler.Option{compiler.WithLogger(e.logger)}, e.compilerOpts...)...)
	e.runner = command.NewRunner(command.DefaultConfig(), command.WithLogger(e.logger))
	return e, nil
}

// Activate starts the language server and, when enabled, the error file
// watcher. Error files already present in the workspace are loaded as
// compiler diagnostics.
func (e *Extension) Activate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return ErrAlreadyActive
	}

	if err := e.client.Start(ctx); err != nil {
		return opError("activate", e.config.Server.Command, err)
	}

	if e.config.Watch.Enabled && e.root != "" {
		if err := e.startWatcher(); err != nil {
			_ = e.client.Shutdown(ctx)
			return opError("watch", e.root, err)
		}
	}

	e.active = true
	e.logger.Info("extension activated", "root", e.root, "watch", e.watcher != nil)
	return nil
}

// startWatcher must be called with e.mu held.
func (e *Extension) startWatcher() error {
	w, err := watcher.New(e.config.WatcherConfig(), watcher.WithLogger(e.logger))
	if err != nil {
		return err
	}
	if err := w.Add(e.root); err != nil {
		_ = w.Close()
		return err
	}

	e.watcher = w
	e.watchDone = make(chan struct{})
	go e.watchLoop(w, e.watchDone)

	e.scanErrFiles(w.Dirs())
	return nil
}

// Deactivate stops the watcher and shuts the language server down. Compiler
// diagnostics are dropped. Deactivating an inactive extension is a no-op.
func (e *Extension) Deactivate(ctx context.Context) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = false
	w, done := e.watcher, e.watchDone
	e.watcher, e.watchDone = nil, nil
	e.mu.Unlock()

	if w != nil {
		_ = w.Close()
		<-done
	}

	err := e.client.Shutdown(ctx)

	e.pubMu.Lock()
	clear(e.published)
	e.pubMu.Unlock()
	e.client.Diagnostics().Clear(lsp.OwnerCompiler)

	e.logger.Info("extension deactivated", "root", e.root)
	return opError("deactivate", "", err)
}

// IsActive reports whether Activate has succeeded and Deactivate has not
// been called since.
func (e *Extension) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Extension) requireActive() error {
	if !e.IsActive() {
		return ErrNotActive
	}
	return nil
}

// Root returns the absolute workspace root, or "" when there is none.
func (e *Extension) Root() string { return e.root }

// Client returns the language server client.
func (e *Extension) Client() *lsp.Client { return e.client }

// Diagnostics returns the diagnostics of the server and the compiler.
func (e *Extension) Diagnostics() *lsp.DiagnosticsStore { return e.client.Diagnostics() }

// State returns the language server session state.
func (e *Extension) State() lsp.State { return e.client.State() }

// Selector returns the document selector for ccsc sources.
func (e *Extension) Selector() lsp.DocumentSelector { return e.selector }

// Handles reports whether path is a ccsc source.
func (e *Extension) Handles(path string) bool {
	return e.selector.Matches(path)
}

// Request sends a request to the language server and waits for the result.
func (e *Extension) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	call, err := e.client.Session().Request(ctx, method, params)
	if err != nil {
		return nil, opError("request", method, err)
	}
	result, err := call.Wait(ctx)
	if err != nil {
		return nil, opError("request", method, err)
	}
	return result, nil
}

// Notify sends a notification to the language server.
func (e *Extension) Notify(ctx context.Context, method string, params any) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	return opError("notify", method, e.client.Session().Notify(ctx, method, params))
}

// Shutdown shuts the language server down and leaves the watcher running.
// Restart brings it back.
func (e *Extension) Shutdown(ctx context.Context) error {
	return opError("shutdown", "", e.client.Shutdown(ctx))
}

// Restart starts the language server again after Shutdown or after its
// restart budget ran out. Open documents are replayed.
func (e *Extension) Restart(ctx context.Context) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	return opError("restart", e.config.Server.Command, e.client.Reset(ctx))
}

// RunCommand runs executable with args in dir, without a shell. A non-zero
// exit is reported in the result.
func (e *Extension) RunCommand(ctx context.Context, executable string, args []string, dir string) (*command.Result, error) {
	spec, err := command.NewSpec(executable, args, dir)
	if err != nil {
		return nil, opError("run", executable, err)
	}
	res, err := e.runner.Run(ctx, spec)
	if err != nil {
		return res, opError("run", executable, err)
	}
	return res, nil
}

// OpenFile reads path and opens it on the language server.
func (e *Extension) OpenFile(ctx context.Context, path string) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return opError("open", path, err)
	}
	if !e.Handles(abs) {
		return opError("open", path, ErrNotHandled)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return opError("open", path, err)
	}
	return opError("open", path, e.client.OpenDocument(ctx, abs, string(data)))
}

// CloseFile closes a document opened with OpenFile.
func (e *Extension) CloseFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return opError("close", path, err)
	}
	return opError("close", path, e.client.CloseDocument(ctx, abs))
}

// Compile runs the compiler on file and publishes its problems as
// diagnostics. The extension need not be active.
func (e *Extension) Compile(ctx context.Context, file string) (*compiler.Report, error) {
	report, err := e.compiler.Compile(ctx, file)
	if err != nil {
		return nil, err
	}
	e.publishProblems(report.ErrFile, report.Problems)
	return report, nil
}

// Compiler returns the compiler used by Compile.
func (e *Extension) Compiler() *compiler.Compiler { return e.compiler }
