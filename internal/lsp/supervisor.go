package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/ccsc-client/internal/logging"
	"github.com/dshills/ccsc-client/internal/process"
)

// ServerConfig describes how to launch the language server.
type ServerConfig struct {
	// Command is the server executable. Bare names are resolved through PATH.
	Command string

	// Args are passed verbatim, without shell interpretation.
	Args []string

	// Env holds extra KEY=VALUE entries for the server environment.
	Env []string

	// WorkDir is the server's working directory.
	WorkDir string
}

// SupervisorState represents the state of a supervised server.
type SupervisorState int

const (
	// SupervisorStateIdle means no server has been started.
	SupervisorStateIdle SupervisorState = iota
	// SupervisorStateRunning means the server is running normally.
	SupervisorStateRunning
	// SupervisorStateRestarting means the server crashed and is being restarted.
	SupervisorStateRestarting
	// SupervisorStateFailed means the restart budget is exhausted.
	SupervisorStateFailed
	// SupervisorStateStopped means the supervisor was explicitly stopped.
	SupervisorStateStopped
)

// String returns a human-readable state name.
func (s SupervisorState) String() string {
	switch s {
	case SupervisorStateIdle:
		return "idle"
	case SupervisorStateRunning:
		return "running"
	case SupervisorStateRestarting:
		return "restarting"
	case SupervisorStateFailed:
		return "failed"
	case SupervisorStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures the restart policy.
type SupervisorConfig struct {
	// MaxRestarts is the number of automatic restarts allowed before the
	// server is declared failed.
	// Default: 1
	MaxRestarts int

	// InitialBackoff is the delay before the first restart.
	// Default: 500 milliseconds
	InitialBackoff time.Duration

	// MaxBackoff caps the restart delay.
	// Default: 10 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the delay after each restart.
	// Default: 2.0
	BackoffMultiplier float64

	// TerminateGrace is how long each termination step waits for the process
	// to exit before escalating.
	// Default: 2 seconds
	TerminateGrace time.Duration
}

// DefaultSupervisorConfig returns the default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:       1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		TerminateGrace:    2 * time.Second,
	}
}

// SupervisorEvent reports a change in the supervised server's health.
type SupervisorEvent struct {
	Type      SupervisorEventType
	ProcessID string
	Error     error
	Attempt   int
	NextRetry time.Duration
}

// SupervisorEventType identifies the type of supervisor event.
type SupervisorEventType int

const (
	// SupervisorEventCrash indicates the server crashed.
	SupervisorEventCrash SupervisorEventType = iota
	// SupervisorEventRestarting indicates a restart is scheduled.
	SupervisorEventRestarting
	// SupervisorEventRecovered indicates the restarted server is ready.
	SupervisorEventRecovered
	// SupervisorEventFailed indicates the server has permanently failed.
	SupervisorEventFailed
)

// String returns a human-readable event type name.
func (t SupervisorEventType) String() string {
	switch t {
	case SupervisorEventCrash:
		return "crash"
	case SupervisorEventRestarting:
		return "restarting"
	case SupervisorEventRecovered:
		return "recovered"
	case SupervisorEventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Supervisor launches the language server process and applies the restart
// policy when it crashes. It knows nothing about the protocol; the Session
// reports crashes and asks whether to restart.
//
// Thread Safety: Supervisor is safe for concurrent use. The state field
// uses atomic operations for lock-free reads. Other fields are protected by mu.
type Supervisor struct {
	mu sync.Mutex

	config SupervisorConfig
	server ServerConfig
	logger *slog.Logger

	// Process management (protected by mu)
	handle       *process.Handle
	restartCount int
	lastStart    time.Time
	lastErr      error

	state atomic.Int32

	eventCh   chan SupervisorEvent
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSupervisor creates a supervisor for the given server.
func NewSupervisor(server ServerConfig, config SupervisorConfig, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		config:  config,
		server:  server,
		logger:  logging.OrDiscard(logger),
		eventCh: make(chan SupervisorEvent, 16),
	}
	s.state.Store(int32(SupervisorStateIdle))
	return s
}

// Spawn starts a new server process. The server's stderr is forwarded to the
// log at debug level.
func (s *Supervisor) Spawn() (*process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == SupervisorStateStopped {
		return nil, ErrSessionClosed
	}

	stderr := logging.NewLineWriter(
		s.logger.With("source", "server-stderr", "command", s.server.Command),
		slog.LevelDebug,
		"server stderr",
	)

	h, err := process.Spawn(process.Spec{
		Name:   s.server.Command,
		Path:   s.server.Command,
		Args:   s.server.Args,
		Env:    s.server.Env,
		Dir:    s.server.WorkDir,
		Stderr: stderr,
	})
	if err != nil {
		s.lastErr = err
		return nil, err
	}

	go func() {
		<-h.Done()
		_ = stderr.Close()
	}()

	s.handle = h
	s.lastStart = time.Now()
	if s.State() != SupervisorStateRestarting {
		s.state.Store(int32(SupervisorStateRunning))
	}

	s.logger.Info("server started", "command", s.server.Command, "pid", h.PID(), "process_id", h.ID)
	return h, nil
}

// RecordCrash registers an unexpected exit of h and reports whether an
// automatic restart is allowed, and after which delay.
func (s *Supervisor) RecordCrash(h *process.Handle, exitErr error) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.State()
	if state == SupervisorStateStopped {
		return false, 0
	}

	s.lastErr = exitErr
	s.restartCount++

	s.emitEventLocked(SupervisorEvent{
		Type:      SupervisorEventCrash,
		ProcessID: h.ID,
		Error:     exitErr,
		Attempt:   s.restartCount,
	})

	if s.restartCount > s.config.MaxRestarts {
		s.failLocked(h.ID, exitErr)
		return false, 0
	}

	delay := CalculateBackoff(
		s.restartCount,
		s.config.InitialBackoff,
		s.config.MaxBackoff,
		s.config.BackoffMultiplier,
	)

	s.state.Store(int32(SupervisorStateRestarting))
	s.emitEventLocked(SupervisorEvent{
		Type:      SupervisorEventRestarting,
		ProcessID: h.ID,
		Attempt:   s.restartCount,
		NextRetry: delay,
	})

	s.logger.Warn("server crashed, restarting",
		"process_id", h.ID, "exit_code", h.ExitCode(), "attempt", s.restartCount, "backoff", delay)
	return true, delay
}

// Recovered marks a restarted server as healthy again.
func (s *Supervisor) Recovered() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != SupervisorStateRestarting {
		return
	}
	s.state.Store(int32(SupervisorStateRunning))

	id := ""
	if s.handle != nil {
		id = s.handle.ID
	}
	s.emitEventLocked(SupervisorEvent{
		Type:      SupervisorEventRecovered,
		ProcessID: id,
		Attempt:   s.restartCount,
	})
	s.logger.Info("server recovered", "process_id", id, "attempt", s.restartCount)
}

// Fail marks the server as permanently failed, for example when a restart
// could not complete.
func (s *Supervisor) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state := s.State(); state == SupervisorStateStopped || state == SupervisorStateFailed {
		return
	}

	id := ""
	if s.handle != nil {
		id = s.handle.ID
	}
	s.lastErr = err
	s.failLocked(id, err)
}

func (s *Supervisor) failLocked(processID string, err error) {
	s.state.Store(int32(SupervisorStateFailed))
	s.emitEventLocked(SupervisorEvent{
		Type:      SupervisorEventFailed,
		ProcessID: processID,
		Error:     err,
		Attempt:   s.restartCount,
	})
	s.logger.Error("server failed permanently", "process_id", processID, "restarts", s.restartCount, "error", err)
}

// Terminate shuts h down using the configured grace period.
func (s *Supervisor) Terminate(h *process.Handle) error {
	if h == nil {
		return nil
	}
	if err := h.Terminate(s.config.TerminateGrace); err != nil {
		return fmt.Errorf("terminate server: %w", err)
	}
	s.logger.Debug("server terminated", "process_id", h.ID, "exit_code", h.ExitCode(), "state", h.State())
	return nil
}

// Reset clears the restart budget so the server can be started again.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == SupervisorStateStopped {
		return
	}
	s.restartCount = 0
	s.lastErr = nil
	s.handle = nil
	s.state.Store(int32(SupervisorStateIdle))
}

// Stop stops supervision and closes the event channel. The caller is
// responsible for terminating the current process.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.state.Store(int32(SupervisorStateStopped))
	s.handle = nil
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.eventCh)
	})
}

// emitEventLocked sends an event to listeners (must hold mu).
// Events are dropped if the channel is full or closed.
func (s *Supervisor) emitEventLocked(event SupervisorEvent) {
	if s.closed.Load() {
		return
	}
	select {
	case s.eventCh <- event:
	default:
		// Channel full, drop event
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// Handle returns the most recently spawned process.
func (s *Supervisor) Handle() *process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// RestartCount returns the number of crashes since the last reset.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Events returns the event channel for monitoring supervisor events.
// The channel is closed when the supervisor is stopped.
func (s *Supervisor) Events() <-chan SupervisorEvent {
	return s.eventCh
}

// SupervisorStats provides statistics about the supervisor.
type SupervisorStats struct {
	State          SupervisorState
	RestartCount   int
	LastStartTime  time.Time
	LastError      error
	CurrentBackoff time.Duration
}

// Stats returns current supervisor statistics.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	restartCount := s.restartCount
	lastStart := s.lastStart
	lastErr := s.lastErr
	s.mu.Unlock()

	return SupervisorStats{
		State:         s.State(),
		RestartCount:  restartCount,
		LastStartTime: lastStart,
		LastError:     lastErr,
		CurrentBackoff: CalculateBackoff(
			restartCount,
			s.config.InitialBackoff,
			s.config.MaxBackoff,
			s.config.BackoffMultiplier,
		),
	}
}

// waitBackoff sleeps for d or until ctx is done.
func waitBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CalculateBackoff calculates the backoff duration for a given attempt.
// attempt=0 or attempt=1 returns initial, subsequent attempts use exponential growth.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
