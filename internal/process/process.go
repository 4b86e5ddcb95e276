package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// State represents the liveness of a process.
type State int

const (
	// StateStarting indicates the process is being launched.
	StateStarting State = iota
	// StateRunning indicates the process is running.
	StateRunning
	// StateExited indicates the process ended with an exit status.
	StateExited
	// StateCrashed indicates the process ended unexpectedly.
	StateCrashed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Sentinel errors.
var (
	// ErrSpawn is matched by every *SpawnError.
	ErrSpawn = errors.New("spawn failed")

	// ErrNotRunning is returned when signalling a process that has exited.
	ErrNotRunning = errors.New("process not running")
)

// SpawnError reports that an executable could not be started.
type SpawnError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrSpawn.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

// Spec describes a process to spawn.
type Spec struct {
	// Name is a human-readable name used in logs.
	Name string

	// Path is the executable. Bare names are resolved through PATH.
	Path string

	// Args are passed to the program verbatim.
	Args []string

	// Env holds extra KEY=VALUE entries appended to the current environment.
	Env []string

	// Dir is the working directory (empty means the current one).
	Dir string

	// Stderr receives the process's standard error. Writes stop before
	// Handle.Done is closed. When nil, Handle.Stderr is a pipe the caller
	// must drain.
	Stderr io.Writer
}

// Handle is a spawned child process and its standard streams.
type Handle struct {
	// ID uniquely identifies this process within the client.
	ID string

	// Name is the human-readable name from the Spec.
	Name string

	// Stdin is the write side of the process's standard input.
	Stdin io.WriteCloser

	// Stdout is the read side of the process's standard output.
	Stdout io.ReadCloser

	// Stderr is the read side of standard error, nil when Spec.Stderr was set.
	Stderr io.ReadCloser

	// Started is the time the process was started.
	Started time.Time

	cmd  *exec.Cmd
	done chan struct{}

	state       atomic.Int32
	exitCode    atomic.Int32
	terminating atomic.Bool

	mu      sync.RWMutex
	exitErr error

	terminateOnce sync.Once

	// stderr is the read side copied into Spec.Stderr; stderrCopied is
	// closed when that copy ends.
	stderr       *os.File
	stderrCopied chan struct{}
}

// StderrDrainTimeout bounds how long an exited process's forwarded stderr
// is read before Done is closed.
const StderrDrainTimeout = 500 * time.Millisecond

// Spawn starts the program described by spec.
//
// The executable is resolved before anything is started; a missing or
// non-executable file yields a *SpawnError.
func Spawn(spec Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, &SpawnError{Path: spec.Path, Err: errors.New("empty executable path")}
	}

	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	name := spec.Name
	if name == "" {
		name = spec.Path
	}

	h := &Handle{
		ID:   uuid.New().String(),
		Name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	h.state.Store(int32(StateStarting))
	h.exitCode.Store(-1)

	var created []io.Closer
	cleanup := func() {
		for _, c := range created {
			_ = c.Close()
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	created = append(created, stdin)

	// os.Pipe instead of StdoutPipe: Wait must not close the read side
	// before the reader has drained the last frames.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, &SpawnError{Path: spec.Path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	created = append(created, stdout, stdoutW)
	cmd.Stdout = stdoutW
	childEnds := []io.Closer{stdoutW}

	// Stderr is always an *os.File for the child, so Wait never waits on a
	// copy that a surviving grandchild keeps open.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, &SpawnError{Path: spec.Path, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	created = append(created, stderr, stderrW)
	cmd.Stderr = stderrW
	childEnds = append(childEnds, stderrW)
	if spec.Stderr == nil {
		h.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	for _, c := range childEnds {
		_ = c.Close()
	}

	h.Stdin = stdin
	h.Stdout = stdout
	h.Started = time.Now()
	h.state.Store(int32(StateRunning))

	if spec.Stderr != nil {
		h.stderr = stderr
		h.stderrCopied = make(chan struct{})
		go func() {
			defer close(h.stderrCopied)
			_, _ = io.Copy(spec.Stderr, stderr)
		}()
	}

	go h.waitLoop()

	return h, nil
}

// waitLoop waits for the process to exit and records how it ended.
func (h *Handle) waitLoop() {
	err := h.cmd.Wait()

	exitCode := 0
	signaled := false
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signaled = true
			}
		} else {
			exitCode = -1
		}
	}

	state := StateExited
	if !h.terminating.Load() && (err != nil || signaled) {
		state = StateCrashed
	}

	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()

	h.drainStderr()

	h.exitCode.Store(int32(exitCode))
	h.state.Store(int32(state))
	close(h.done)
}

// drainStderr waits for forwarded stderr to reach EOF. A grandchild that
// inherited the pipe can hold it open, so after StderrDrainTimeout the read
// side is closed and whatever it writes later is lost.
func (h *Handle) drainStderr() {
	if h.stderrCopied == nil {
		return
	}
	select {
	case <-h.stderrCopied:
	case <-time.After(StderrDrainTimeout):
		_ = h.stderr.Close()
		<-h.stderrCopied
	}
	_ = h.stderr.Close()
}

// State returns the current liveness state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (h *Handle) ExitCode() int {
	return int(h.exitCode.Load())
}

// ExitError returns the error reported by Wait, nil for a clean exit.
func (h *Handle) ExitError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitErr
}

// Done returns a channel closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// IsRunning reports whether the process is still running.
func (h *Handle) IsRunning() bool {
	return h.State() == StateRunning
}

// Terminating reports whether Terminate has been called.
func (h *Handle) Terminating() bool {
	return h.terminating.Load()
}

// PID returns the operating system process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Signal sends sig to the process.
func (h *Handle) Signal(sig os.Signal) error {
	if !h.IsRunning() {
		return ErrNotRunning
	}
	return h.cmd.Process.Signal(sig)
}

// Kill force-kills the process and its process group.
func (h *Handle) Kill() error {
	if !h.IsRunning() {
		return nil
	}
	return killGroup(h.cmd)
}

// Terminate shuts the process down and waits for it to exit.
//
// Stdin is closed first so a well-behaved program can finish on its own. After
// grace the process receives SIGTERM, and after another grace it is killed.
// Only the first call acts; later calls wait for the same exit.
func (h *Handle) Terminate(grace time.Duration) error {
	var err error
	h.terminateOnce.Do(func() {
		h.terminating.Store(true)
		err = h.terminate(grace)
	})
	<-h.done
	return err
}

func (h *Handle) terminate(grace time.Duration) error {
	if h.Stdin != nil {
		_ = h.Stdin.Close()
	}
	if h.wait(grace) {
		return nil
	}

	if err := terminateGroup(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return h.forceKill()
	}
	if h.wait(grace) {
		return nil
	}

	return h.forceKill()
}

func (h *Handle) forceKill() error {
	if err := killGroup(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", h.Name, err)
	}
	<-h.done
	return nil
}

// wait blocks for up to d and reports whether the process exited.
func (h *Handle) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Runtime returns how long the process has been (or was) running.
func (h *Handle) Runtime() time.Duration {
	if h.Started.IsZero() {
		return 0
	}
	return time.Since(h.Started)
}
