package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dshills/ccsc-client/internal/logging"
)

// ClientConfig contains configuration for the LSP client.
type ClientConfig struct {
	// Session configures the server process and request handling.
	Session SessionConfig

	// RootPath is the workspace root sent as rootUri. Empty means none.
	RootPath string

	// LanguageID is sent with every opened document.
	// Default: "ccsc"
	LanguageID string

	// Selector decides which files belong to this server.
	Selector DocumentSelector

	// ClientName and ClientVersion are reported in clientInfo.
	ClientName    string
	ClientVersion string

	// InitializationOptions is passed through in the initialize request.
	InitializationOptions any

	// Settings answers workspace/configuration requests by section name.
	Settings map[string]any
}

// DefaultClientConfig returns the configuration for the ccsc language server.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session:    DefaultSessionConfig(),
		LanguageID: "ccsc",
		Selector: DocumentSelector{
			{Language: "ccsc", Scheme: "file", Pattern: "*.c"},
			{Language: "ccsc", Scheme: "file", Pattern: "*.h"},
		},
		ClientName: "ccsc-client",
	}
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client and its session.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logging.OrDiscard(logger)
	}
}

// WithDiagnosticsHandler sets a callback for diagnostics updates.
func WithDiagnosticsHandler(handler DiagnosticsHandler) ClientOption {
	return func(c *Client) {
		c.diagnostics.OnChange(handler)
	}
}

// WithSessionOptions passes extra options to the underlying session.
func WithSessionOptions(opts ...SessionOption) ClientOption {
	return func(c *Client) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// Client provides the language-level operations on top of a Session: the
// initialize handshake, document synchronization, hover, diagnostics and
// file watching.
//
// Open documents are replayed to the server after every automatic restart.
type Client struct {
	config      ClientConfig
	logger      *slog.Logger
	session     *Session
	sessionOpts []SessionOption

	docs        *documentStore
	diagnostics *DiagnosticsStore

	// syncMu orders document notifications with the replay in initialize.
	syncMu sync.Mutex

	mu            sync.RWMutex
	initResult    *InitializeResult
	registrations map[string]Registration
	launches      int
}

// NewClient creates a client. The server is not started until Start.
func NewClient(config ClientConfig, opts ...ClientOption) *Client {
	if config.LanguageID == "" {
		config.LanguageID = "ccsc"
	}

	c := &Client{
		config:        config,
		logger:        logging.Discard(),
		docs:          newDocumentStore(),
		diagnostics:   NewDiagnosticsStore(),
		registrations: make(map[string]Registration),
	}
	for _, opt := range opts {
		opt(c)
	}

	sessionOpts := append([]SessionOption{
		WithLogger(c.logger),
		WithInitializer(c.initialize),
	}, c.sessionOpts...)
	c.session = NewSession(config.Session, sessionOpts...)
	c.registerHandlers()
	return c
}

// Session returns the underlying session.
func (c *Client) Session() *Session {
	return c.session
}

// Diagnostics returns the diagnostics store.
func (c *Client) Diagnostics() *DiagnosticsStore {
	return c.diagnostics
}

// Start launches the server and performs the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Shutdown shuts the server down. Open documents are forgotten.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.session.Shutdown(ctx)

	c.syncMu.Lock()
	c.docs.reset()
	c.syncMu.Unlock()
	return err
}

// Reset restarts a crashed or closed client. Documents still open are
// replayed to the new server.
func (c *Client) Reset(ctx context.Context) error {
	return c.session.Reset(ctx)
}

// State returns the session state.
func (c *Client) State() State {
	return c.session.State()
}

// IsReady reports whether the server accepts requests.
func (c *Client) IsReady() bool {
	return c.session.State() == StateReady
}

// Capabilities returns the capabilities of the running server.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.initResult == nil {
		return ServerCapabilities{}
	}
	return c.initResult.Capabilities
}

// ServerInfo returns the server name and version, if the server reported them.
func (c *Client) ServerInfo() *InitializeServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.initResult == nil {
		return nil
	}
	return c.initResult.ServerInfo
}

// Launches returns how many times the handshake has completed.
func (c *Client) Launches() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.launches
}

// Registrations returns the dynamic registrations made by the server.
func (c *Client) Registrations() []Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	regs := make([]Registration, 0, len(c.registrations))
	for _, r := range c.registrations {
		regs = append(regs, r)
	}
	slices.SortFunc(regs, func(a, b Registration) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return regs
}

// HasRegistration reports whether the server registered method dynamically.
func (c *Client) HasRegistration(method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.registrations {
		if r.Method == method {
			return true
		}
	}
	return false
}

// Handles reports whether path is selected for this server.
func (c *Client) Handles(path string) bool {
	return c.config.Selector.Matches(path)
}

// initialize runs after every launch.
func (c *Client) initialize(ctx context.Context, s *Session) error {
	params := InitializeParams{
		ClientInfo: &ClientInfo{
			Name:    c.config.ClientName,
			Version: c.config.ClientVersion,
		},
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: c.config.InitializationOptions,
	}
	pid := os.Getpid()
	params.ProcessID = &pid

	if c.config.RootPath != "" {
		root := FilePathToURI(c.config.RootPath)
		params.RootURI = &root
		params.WorkspaceFolders = []WorkspaceFolder{{
			URI:  root,
			Name: filepath.Base(c.config.RootPath),
		}}
	}

	var result InitializeResult
	if err := s.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.initResult = &result
	clear(c.registrations)
	c.mu.Unlock()

	if err := s.Notify(ctx, "initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	docs := c.docs.all()
	for _, doc := range docs {
		if err := s.Notify(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{TextDocument: doc.Item()}); err != nil {
			return fmt.Errorf("reopen %s: %w", doc.Path, err)
		}
	}

	c.mu.Lock()
	c.launches++
	launches := c.launches
	c.mu.Unlock()

	attrs := []any{"launch", launches, "reopened", len(docs)}
	if result.ServerInfo != nil {
		attrs = append(attrs, "server", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	}
	c.logger.Info("language server initialized", attrs...)
	return nil
}

// OpenDocument opens a document on the server.
func (c *Client) OpenDocument(ctx context.Context, path, content string) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	doc, err := c.docs.open(path, c.config.LanguageID, content)
	if err != nil {
		return err
	}

	err = c.session.Notify(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{TextDocument: doc.Item()})
	if err != nil {
		_, _ = c.docs.close(path)
		return fmt.Errorf("open %s: %w", path, err)
	}
	return nil
}

// ChangeDocument applies changes to an open document and sends them in the
// form the server asked for. The local copy keeps the change even when the
// notification fails, so a later replay carries it.
func (c *Client) ChangeDocument(ctx context.Context, path string, changes []TextDocumentContentChangeEvent) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	doc, err := c.docs.change(path, changes)
	if err != nil {
		return err
	}

	switch c.Capabilities().TextDocumentSyncKind() {
	case TextDocumentSyncKindNone:
		return nil
	case TextDocumentSyncKindFull:
		changes = []TextDocumentContentChangeEvent{{Text: doc.Content}}
	}

	params := DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: doc.URI},
			Version:                doc.Version,
		},
		ContentChanges: changes,
	}
	if err := c.session.Notify(ctx, "textDocument/didChange", params); err != nil {
		return fmt.Errorf("change %s: %w", path, err)
	}
	return nil
}

// ReplaceContent replaces the whole content of an open document.
func (c *Client) ReplaceContent(ctx context.Context, path, content string) error {
	return c.ChangeDocument(ctx, path, []TextDocumentContentChangeEvent{{Text: content}})
}

// SaveDocument tells the server an open document was saved.
func (c *Client) SaveDocument(ctx context.Context, path string) error {
	doc, ok := c.docs.get(path)
	if !ok {
		return ErrDocumentNotOpen
	}

	params := DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: doc.URI}}
	if err := c.session.Notify(ctx, "textDocument/didSave", params); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// CloseDocument closes a document on the server. The document is forgotten
// even when the notification fails.
func (c *Client) CloseDocument(ctx context.Context, path string) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	doc, err := c.docs.close(path)
	if err != nil {
		return err
	}

	params := DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: doc.URI}}
	if err := c.session.Notify(ctx, "textDocument/didClose", params); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Document returns a copy of an open document.
func (c *Client) Document(path string) (*Document, bool) {
	return c.docs.get(path)
}

// OpenDocuments returns copies of all open documents.
func (c *Client) OpenDocuments() []*Document {
	return c.docs.all()
}

// Hover requests hover information. A nil Hover means the server had none.
func (c *Client) Hover(ctx context.Context, path string, pos Position) (*Hover, error) {
	if !c.Capabilities().SupportsHover() {
		return nil, ErrNotSupported
	}

	params := HoverParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
			Position:     pos,
		},
	}

	var hover *Hover
	if err := c.session.Call(ctx, "textDocument/hover", params, &hover); err != nil {
		return nil, fmt.Errorf("hover: %w", err)
	}
	return hover, nil
}

// DidChangeWatchedFiles forwards file system events to the server.
func (c *Client) DidChangeWatchedFiles(ctx context.Context, changes []FileEvent) error {
	if len(changes) == 0 {
		return nil
	}
	params := DidChangeWatchedFilesParams{Changes: changes}
	if err := c.session.Notify(ctx, "workspace/didChangeWatchedFiles", params); err != nil {
		return fmt.Errorf("watched files: %w", err)
	}
	return nil
}

func (c *Client) registerHandlers() {
	s := c.session

	s.OnNotification("textDocument/publishDiagnostics", func(_ context.Context, raw json.RawMessage) {
		var params PublishDiagnosticsParams
		if err := json.Unmarshal(raw, &params); err != nil {
			c.logger.Warn("invalid publishDiagnostics", "error", err)
			return
		}
		c.diagnostics.Publish(OwnerServer, params.URI, params.Version, params.Diagnostics)
	})

	logMessage := func(_ context.Context, raw json.RawMessage) {
		var params LogMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return
		}
		c.logger.Log(context.Background(), messageLevel(params.Type), params.Message, "source", "server")
	}
	s.OnNotification("window/logMessage", logMessage)
	s.OnNotification("window/showMessage", logMessage)

	s.OnNotification("$/progress", func(_ context.Context, raw json.RawMessage) {
		c.logger.Debug("server progress", "params", string(raw))
	})

	s.OnRequest("client/registerCapability", func(_ context.Context, raw json.RawMessage) (any, error) {
		var params RegistrationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		c.mu.Lock()
		for _, r := range params.Registrations {
			c.registrations[r.ID] = r
		}
		c.mu.Unlock()
		for _, r := range params.Registrations {
			c.logger.Debug("capability registered", "id", r.ID, "method", r.Method)
		}
		return nil, nil
	})

	s.OnRequest("client/unregisterCapability", func(_ context.Context, raw json.RawMessage) (any, error) {
		var params UnregistrationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		c.mu.Lock()
		for _, r := range params.Unregisterations {
			delete(c.registrations, r.ID)
		}
		c.mu.Unlock()
		return nil, nil
	})

	s.OnRequest("window/workDoneProgress/create", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	s.OnRequest("workspace/configuration", func(_ context.Context, raw json.RawMessage) (any, error) {
		var params ConfigurationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		result := make([]any, len(params.Items))
		for i, item := range params.Items {
			if item.Section == "" {
				result[i] = c.config.Settings
				continue
			}
			result[i] = c.config.Settings[item.Section]
		}
		return result, nil
	})

	s.OnRequest("workspace/workspaceFolders", func(context.Context, json.RawMessage) (any, error) {
		if c.config.RootPath == "" {
			return nil, nil
		}
		return []WorkspaceFolder{{
			URI:  FilePathToURI(c.config.RootPath),
			Name: filepath.Base(c.config.RootPath),
		}}, nil
	})
}

func messageLevel(t MessageType) slog.Level {
	switch t {
	case MessageTypeError:
		return slog.LevelError
	case MessageTypeWarning:
		return slog.LevelWarn
	case MessageTypeInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
