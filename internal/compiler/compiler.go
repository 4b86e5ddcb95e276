package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/dshills/ccsc-client/internal/command"
	"github.com/dshills/ccsc-client/internal/logging"
)

// ErrNoSource indicates Compile was given an empty file name.
var ErrNoSource = errors.New("no source file")

// DefaultFlags is the flag list passed to the compiler before the source
// file. The flags belong to the compiler and are passed through untouched.
func DefaultFlags() []string {
	return []string{"+FM", "+DF", "+LN", "+T", "+A", "+M", "+Z", "+Y=9", "+EA"}
}

// Config configures the compiler invocation.
type Config struct {
	// Path is the compiler executable.
	// Default: "ccsc"
	Path string

	// Flags precede the source file on the command line.
	Flags []string

	// Env holds extra KEY=VALUE entries for the compiler environment.
	Env []string

	// Timeout bounds a single compile.
	// Default: 2 minutes
	Timeout time.Duration

	// MaxOutput caps the captured output per stream.
	// Default: 1 MiB
	MaxOutput int
}

// DefaultConfig returns the default compiler configuration.
func DefaultConfig() Config {
	return Config{
		Path:      "ccsc",
		Flags:     DefaultFlags(),
		Timeout:   2 * time.Minute,
		MaxOutput: 1 << 20,
	}
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) {
		c.logger = logging.OrDiscard(logger)
	}
}

// WithLineHandler streams compiler output lines while it runs.
func WithLineHandler(h command.LineHandler) Option {
	return func(c *Compiler) {
		c.lines = h
	}
}

// Report is the outcome of one compile.
type Report struct {
	// File is the absolute source path.
	File string

	// ErrFile is the error file read after the run.
	ErrFile string

	// Result holds the exit code and captured output.
	Result *command.Result

	// Problems are the problems found in the output and the error file,
	// without duplicates, in the order first seen.
	Problems []Problem
}

// Errors returns the number of error problems.
func (r *Report) Errors() int {
	n, _, _ := Count(r.Problems)
	return n
}

// Warnings returns the number of warning problems.
func (r *Report) Warnings() int {
	_, n, _ := Count(r.Problems)
	return n
}

// Success reports whether the compiler exited cleanly with no errors.
func (r *Report) Success() bool {
	return r.Result != nil && r.Result.Success() && r.Errors() == 0
}

// Compiler runs the external compiler on single source files.
type Compiler struct {
	config Config
	logger *slog.Logger
	lines  command.LineHandler
}

// New creates a Compiler.
func New(config Config, opts ...Option) *Compiler {
	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}
	c := &Compiler{
		config: config,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the compiler configuration.
func (c *Compiler) Config() Config {
	cfg := c.config
	cfg.Flags = slices.Clone(cfg.Flags)
	cfg.Env = slices.Clone(cfg.Env)
	return cfg
}

// Spec builds the command for compiling file: the configured flags followed
// by the absolute source path, run from the source directory.
func (c *Compiler) Spec(file string) (command.Spec, error) {
	if file == "" {
		return command.Spec{}, ErrNoSource
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return command.Spec{}, fmt.Errorf("resolve %s: %w", file, err)
	}

	args := append(slices.Clone(c.config.Flags), abs)
	spec, err := command.NewSpec(c.config.Path, args, filepath.Dir(abs))
	if err != nil {
		return command.Spec{}, err
	}
	if len(c.config.Env) > 0 {
		spec = spec.WithEnv(c.config.Env...)
	}
	return spec, nil
}

// Compile compiles file and collects the problems the compiler reported on
// its output and in the error file beside the source.
//
// A compile that runs and reports errors is not an error; check
// Report.Success. Launch failures and cancellation are returned as errors.
func (c *Compiler) Compile(ctx context.Context, file string) (*Report, error) {
	spec, err := c.Spec(file)
	if err != nil {
		return nil, err
	}
	abs := spec.Args()[len(spec.Args())-1]

	runner := command.NewRunner(command.Config{
		Timeout:   c.config.Timeout,
		MaxOutput: c.config.MaxOutput,
		KillGrace: command.DefaultConfig().KillGrace,
	}, command.WithLogger(c.logger), command.WithLineHandler(c.lines))

	c.logger.Info("compiling", "file", abs, "command", spec.String())
	res, err := runner.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", abs, err)
	}

	report := &Report{
		File:    abs,
		ErrFile: ErrFile(abs),
		Result:  res,
	}

	seen := make(map[Problem]bool)
	add := func(problems []Problem) {
		for _, p := range problems {
			if !seen[p] {
				seen[p] = true
				report.Problems = append(report.Problems, p)
			}
		}
	}

	out, _ := Parse(bytes.NewReader(res.Stdout))
	add(out)
	stderr, _ := Parse(bytes.NewReader(res.Stderr))
	add(stderr)

	fromFile, err := ParseFile(report.ErrFile)
	if err != nil {
		c.logger.Warn("read error file", "path", report.ErrFile, "error", err)
	}
	add(fromFile)

	c.logger.Info("compiled",
		"file", abs,
		"exit_code", res.ExitCode,
		"errors", report.Errors(),
		"warnings", report.Warnings(),
		"duration", res.Duration,
	)
	return report, nil
}

// ByFile groups the report's problems by absolute path, resolving relative
// file names against the source directory.
func (r *Report) ByFile() map[string][]Problem {
	out := make(map[string][]Problem)
	dir := filepath.Dir(r.File)
	for _, p := range r.Problems {
		path := p.Resolve(dir)
		out[path] = append(out[path], p)
	}
	return out
}
