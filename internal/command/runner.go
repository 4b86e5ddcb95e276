package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/ccsc-client/internal/logging"
	"github.com/dshills/ccsc-client/internal/process"
)

// drainTimeout bounds how long output is read after the process exits, in
// case a child it left behind still holds the pipe open.
const drainTimeout = 500 * time.Millisecond

// Config configures a Runner.
type Config struct {
	// Timeout bounds each run. Zero means only the caller's context applies.
	Timeout time.Duration

	// MaxOutput caps the bytes kept per stream; the rest is discarded and
	// Result.Truncated is set. Zero means unlimited.
	// Default: 1 MiB
	MaxOutput int

	// KillGrace is how long a cancelled command gets between each step of
	// closing stdin, SIGTERM and SIGKILL.
	// Default: 2 seconds
	KillGrace time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		MaxOutput: 1 << 20,
		KillGrace: 2 * time.Second,
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logging.OrDiscard(logger)
	}
}

// WithLineHandler streams output lines to h while the command runs.
func WithLineHandler(h LineHandler) Option {
	return func(r *Runner) {
		r.lines = h
	}
}

// Result is the outcome of a command that ran. A non-zero ExitCode is a
// result, not an error.
type Result struct {
	// ExitCode is the exit status, or -1 when the process was killed by a signal.
	ExitCode int

	// Stdout and Stderr hold the captured output.
	Stdout []byte
	Stderr []byte

	// Truncated reports whether either stream exceeded MaxOutput.
	Truncated bool

	// Duration is the wall time from start to exit.
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes commands from an argument vector, never through a shell.
// Runner keeps no state between runs and is safe for concurrent use.
type Runner struct {
	config Config
	logger *slog.Logger
	lines  LineHandler
}

// NewRunner creates a Runner.
func NewRunner(config Config, opts ...Option) *Runner {
	r := &Runner{
		config: config,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes spec to completion.
//
// It returns a *LaunchError when the program cannot be started. When ctx is
// cancelled or the timeout elapses the process group is terminated and the
// partial Result is returned with the context error.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	ex, err := r.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return ex.Wait()
}

// Start launches spec and returns without waiting for it to finish.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Execution, error) {
	if spec.IsZero() {
		return nil, fmt.Errorf("%w: empty spec", ErrInvalidSpec)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run %s: %w", spec.path, err)
	}

	stdout := newCapture(r.config.MaxOutput, Stdout, r.lines)
	stderr := newCapture(r.config.MaxOutput, Stderr, r.lines)

	h, err := process.Spawn(process.Spec{
		Name:   spec.path,
		Path:   spec.path,
		Args:   spec.args,
		Env:    spec.env,
		Dir:    spec.dir,
		Stderr: stderr,
	})
	if err != nil {
		var spawnErr *process.SpawnError
		if errors.As(err, &spawnErr) {
			err = spawnErr.Err
		}
		return nil, &LaunchError{Path: spec.path, Err: err}
	}
	// The command gets no input.
	_ = h.Stdin.Close()

	ctx, cancel := context.WithCancel(ctx)
	if r.config.Timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, r.config.Timeout)
	}

	ex := &Execution{
		ID:      h.ID,
		Spec:    spec,
		Started: h.Started,
		handle:  h,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(stdout, h.Stdout)
	}()

	r.logger.Debug("command started", "id", ex.ID, "command", spec.String(), "pid", h.PID())
	go r.supervise(ctx, ex, stdout, stderr, copied)
	return ex, nil
}

func withTimeout(parent context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

// supervise waits for the process or the context and records the result.
func (r *Runner) supervise(ctx context.Context, ex *Execution, stdout, stderr *capture, copied <-chan struct{}) {
	defer ex.cancel()
	h := ex.handle

	var runErr error
	select {
	case <-h.Done():
	case <-ctx.Done():
		runErr = fmt.Errorf("run %s: %w", ex.Spec.path, ctx.Err())
		if err := h.Terminate(r.config.KillGrace); err != nil {
			r.logger.Warn("terminate command", "id", ex.ID, "error", err)
		}
	}

	select {
	case <-copied:
	case <-time.After(drainTimeout):
		_ = h.Stdout.Close()
		<-copied
	}
	_ = h.Stdout.Close()
	stdout.flush()
	stderr.flush()

	res := &Result{
		ExitCode: h.ExitCode(),
		Duration: h.Runtime(),
	}
	var outTrunc, errTrunc bool
	res.Stdout, outTrunc = stdout.bytes()
	res.Stderr, errTrunc = stderr.bytes()
	res.Truncated = outTrunc || errTrunc

	r.logger.Debug("command finished",
		"id", ex.ID, "exit_code", res.ExitCode, "duration", res.Duration, "truncated", res.Truncated)

	ex.finish(res, runErr)
}

// Execution is a command started by Runner.Start.
type Execution struct {
	// ID identifies the execution in logs.
	ID string

	// Spec is the command being run.
	Spec Spec

	// Started is when the process was started.
	Started time.Time

	handle *process.Handle
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *Result
	err    error
}

func (ex *Execution) finish(res *Result, err error) {
	ex.mu.Lock()
	ex.result = res
	ex.err = err
	ex.mu.Unlock()
	close(ex.done)
}

// Done returns a channel closed when the command has finished.
func (ex *Execution) Done() <-chan struct{} {
	return ex.done
}

// Wait blocks until the command finishes and returns its result.
func (ex *Execution) Wait() (*Result, error) {
	<-ex.done
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.result, ex.err
}

// Cancel terminates the command. Wait then returns context.Canceled.
func (ex *Execution) Cancel() {
	ex.cancel()
}

// PID returns the process id.
func (ex *Execution) PID() int {
	return ex.handle.PID()
}
