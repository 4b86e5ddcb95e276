package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/ccsc-client/internal/compiler"
	"github.com/dshills/ccsc-client/internal/logging"
	"github.com/dshills/ccsc-client/internal/lsp"
	"github.com/dshills/ccsc-client/internal/watcher"
)

// Duration is a time.Duration written as a Go duration string ("5s",
// "500ms") in config files.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// String returns the duration in Go syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the complete ccsc-client configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Session  SessionConfig  `toml:"session" yaml:"session"`
	Compiler CompilerConfig `toml:"compiler" yaml:"compiler"`
	Watch    WatchConfig    `toml:"watch" yaml:"watch"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`

	// Settings is returned to the server for workspace/configuration.
	Settings map[string]any `toml:"settings" yaml:"settings"`
}

// ServerConfig describes the language server process.
type ServerConfig struct {
	Command      string   `toml:"command" yaml:"command"`
	Args         []string `toml:"args" yaml:"args"`
	Env          []string `toml:"env" yaml:"env"`
	LanguageID   string   `toml:"language_id" yaml:"language_id"`
	FilePatterns []string `toml:"file_patterns" yaml:"file_patterns"`
}

// SessionConfig holds session timing and limits.
type SessionConfig struct {
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout"`
	StartTimeout    Duration `toml:"start_timeout" yaml:"start_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	TerminateGrace  Duration `toml:"terminate_grace" yaml:"terminate_grace"`
	MaxRestarts     int      `toml:"max_restarts" yaml:"max_restarts"`
	RestartBackoff  Duration `toml:"restart_backoff" yaml:"restart_backoff"`
	MaxBackoff      Duration `toml:"max_backoff" yaml:"max_backoff"`
	MaxMessageSize  int      `toml:"max_message_size" yaml:"max_message_size"`
}

// CompilerConfig describes the compiler invocation.
type CompilerConfig struct {
	Path      string   `toml:"path" yaml:"path"`
	Flags     []string `toml:"flags" yaml:"flags"`
	Env       []string `toml:"env" yaml:"env"`
	Timeout   Duration `toml:"timeout" yaml:"timeout"`
	MaxOutput int      `toml:"max_output" yaml:"max_output"`
}

// WatchConfig configures error file watching.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	Patterns []string `toml:"patterns" yaml:"patterns"`
	Debounce Duration `toml:"debounce" yaml:"debounce"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	File   string `toml:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	session := lsp.DefaultSessionConfig()
	comp := compiler.DefaultConfig()
	watch := watcher.DefaultConfig()
	client := lsp.DefaultClientConfig()

	patterns := make([]string, 0, len(client.Selector))
	for _, f := range client.Selector {
		patterns = append(patterns, f.Pattern)
	}

	return &Config{
		Server: ServerConfig{
			Command:      session.Server.Command,
			LanguageID:   client.LanguageID,
			FilePatterns: patterns,
		},
		Session: SessionConfig{
			RequestTimeout:  Duration(session.RequestTimeout),
			StartTimeout:    Duration(session.StartTimeout),
			ShutdownTimeout: Duration(session.ShutdownTimeout),
			TerminateGrace:  Duration(session.Supervisor.TerminateGrace),
			MaxRestarts:     session.Supervisor.MaxRestarts,
			RestartBackoff:  Duration(session.Supervisor.InitialBackoff),
			MaxBackoff:      Duration(session.Supervisor.MaxBackoff),
			MaxMessageSize:  session.MaxMessageSize,
		},
		Compiler: CompilerConfig{
			Path:      comp.Path,
			Flags:     comp.Flags,
			Timeout:   Duration(comp.Timeout),
			MaxOutput: comp.MaxOutput,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Patterns: watch.Patterns,
			Debounce: Duration(watch.Debounce),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
	}
}

// Validate checks every section and returns a *ValidationError listing all
// invalid settings, or nil.
func (c *Config) Validate() error {
	var fields []FieldError
	bad := func(path, msg string, value any) {
		fields = append(fields, FieldError{Path: path, Message: msg, Value: value})
	}

	if strings.TrimSpace(c.Server.Command) == "" {
		bad("server.command", "must not be empty", c.Server.Command)
	}
	if c.Server.LanguageID == "" {
		bad("server.language_id", "must not be empty", c.Server.LanguageID)
	}
	for _, p := range c.Server.FilePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			bad("server.file_patterns", "malformed pattern", p)
		}
	}
	for _, kv := range c.Server.Env {
		if !strings.Contains(kv, "=") {
			bad("server.env", "entries must be KEY=VALUE", kv)
		}
	}

	s := c.Session
	for _, d := range []struct {
		path string
		v    Duration
	}{
		{"session.request_timeout", s.RequestTimeout},
		{"session.start_timeout", s.StartTimeout},
		{"session.shutdown_timeout", s.ShutdownTimeout},
		{"session.terminate_grace", s.TerminateGrace},
		{"session.restart_backoff", s.RestartBackoff},
		{"session.max_backoff", s.MaxBackoff},
	} {
		if d.v < 0 {
			bad(d.path, "must not be negative", d.v)
		}
	}
	if s.MaxRestarts < 0 {
		bad("session.max_restarts", "must not be negative", s.MaxRestarts)
	}
	if s.MaxBackoff > 0 && s.MaxBackoff < s.RestartBackoff {
		bad("session.max_backoff", "must not be less than restart_backoff", s.MaxBackoff)
	}
	if s.MaxMessageSize <= 0 {
		bad("session.max_message_size", "must be positive", s.MaxMessageSize)
	}

	if strings.TrimSpace(c.Compiler.Path) == "" {
		bad("compiler.path", "must not be empty", c.Compiler.Path)
	}
	if c.Compiler.Timeout < 0 {
		bad("compiler.timeout", "must not be negative", c.Compiler.Timeout)
	}
	if c.Compiler.MaxOutput < 0 {
		bad("compiler.max_output", "must not be negative", c.Compiler.MaxOutput)
	}
	for _, kv := range c.Compiler.Env {
		if !strings.Contains(kv, "=") {
			bad("compiler.env", "entries must be KEY=VALUE", kv)
		}
	}

	for _, p := range c.Watch.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			bad("watch.patterns", "malformed pattern", p)
		}
	}
	if c.Watch.Debounce < 0 {
		bad("watch.debounce", "must not be negative", c.Watch.Debounce)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		bad("logging.level", "must be debug, info, warn or error", c.Logging.Level)
	}
	switch logging.Format(c.Logging.Format) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		bad("logging.format", "must be text or json", c.Logging.Format)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// SessionConfig converts the server and session sections.
func (c *Config) SessionConfig() lsp.SessionConfig {
	cfg := lsp.DefaultSessionConfig()
	cfg.Server = lsp.ServerConfig{
		Command: c.Server.Command,
		Args:    slices.Clone(c.Server.Args),
		Env:     slices.Clone(c.Server.Env),
	}
	cfg.RequestTimeout = c.Session.RequestTimeout.D()
	cfg.StartTimeout = c.Session.StartTimeout.D()
	cfg.ShutdownTimeout = c.Session.ShutdownTimeout.D()
	cfg.MaxMessageSize = c.Session.MaxMessageSize
	cfg.Supervisor.MaxRestarts = c.Session.MaxRestarts
	cfg.Supervisor.InitialBackoff = c.Session.RestartBackoff.D()
	cfg.Supervisor.MaxBackoff = c.Session.MaxBackoff.D()
	cfg.Supervisor.TerminateGrace = c.Session.TerminateGrace.D()
	return cfg
}

// ClientConfig converts the configuration for a client rooted at root.
func (c *Config) ClientConfig(root string) lsp.ClientConfig {
	cfg := lsp.DefaultClientConfig()
	cfg.Session = c.SessionConfig()
	cfg.RootPath = root
	cfg.LanguageID = c.Server.LanguageID
	cfg.Selector = make(lsp.DocumentSelector, 0, len(c.Server.FilePatterns))
	for _, p := range c.Server.FilePatterns {
		cfg.Selector = append(cfg.Selector, lsp.DocumentFilter{Language: c.Server.LanguageID, Scheme: "file", Pattern: p})
	}
	cfg.Settings = c.Settings
	return cfg
}

// CompilerConfig converts the compiler section.
func (c *Config) CompilerConfig() compiler.Config {
	return compiler.Config{
		Path:      c.Compiler.Path,
		Flags:     slices.Clone(c.Compiler.Flags),
		Env:       slices.Clone(c.Compiler.Env),
		Timeout:   c.Compiler.Timeout.D(),
		MaxOutput: c.Compiler.MaxOutput,
	}
}

// WatcherConfig converts the watch section.
func (c *Config) WatcherConfig() watcher.Config {
	cfg := watcher.DefaultConfig()
	cfg.Patterns = slices.Clone(c.Watch.Patterns)
	cfg.Debounce = c.Watch.Debounce.D()
	return cfg
}

// LoggingConfig converts the logging section.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: logging.Format(c.Logging.Format),
		File:   c.Logging.File,
	}
}
