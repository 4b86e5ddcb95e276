package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/ccsc-client/internal/logging"
	"github.com/dshills/ccsc-client/internal/process"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateUninitialized means the session has not been started.
	StateUninitialized State = iota
	// StateStarting means the server is being launched or initialized.
	StateStarting
	// StateReady means the server accepts requests.
	StateReady
	// StateCrashed means the server exited unexpectedly.
	StateCrashed
	// StateShuttingDown means Shutdown is in progress.
	StateShuttingDown
	// StateClosed means the session is shut down.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// readerDrainTimeout bounds how long the exit watcher waits for the reader to
// consume output the server wrote before it exited.
const readerDrainTimeout = 500 * time.Millisecond

// SessionConfig configures a Session.
type SessionConfig struct {
	// Server describes the process to launch.
	Server ServerConfig

	// Supervisor holds the restart policy.
	Supervisor SupervisorConfig

	// RequestTimeout fails requests that receive no response in time.
	// Zero means no deadline beyond the caller's context.
	RequestTimeout time.Duration

	// StartTimeout bounds the initializer run after each launch.
	// Default: 30 seconds
	StartTimeout time.Duration

	// ShutdownTimeout bounds the shutdown request sent to a healthy server.
	// Default: 5 seconds
	ShutdownTimeout time.Duration

	// MaxMessageSize limits the size of one incoming message body.
	// Default: 64 MiB
	MaxMessageSize int

	// CancelRequests sends $/cancelRequest when a pending request is
	// cancelled or times out.
	// Default: true
	CancelRequests bool
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Server:          ServerConfig{Command: "ls-ccsc"},
		Supervisor:      DefaultSupervisorConfig(),
		StartTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxMessageSize:  DefaultMaxMessageSize,
		CancelRequests:  true,
	}
}

// NotificationHandler handles a notification from the server.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// RequestHandler answers a request from the server. Returning an *RPCError
// sends that error; any other error is reported as an internal error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Initializer runs after every launch, before the session becomes ready. It
// typically performs the initialize handshake.
type Initializer func(ctx context.Context, s *Session) error

// StateChangeHandler observes session state transitions.
type StateChangeHandler func(from, to State)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logging.OrDiscard(logger)
	}
}

// WithInitializer sets the function run after each launch.
func WithInitializer(init Initializer) SessionOption {
	return func(s *Session) {
		s.initializer = init
	}
}

// WithStateChangeHandler registers a state change observer.
func WithStateChangeHandler(h StateChangeHandler) SessionOption {
	return func(s *Session) {
		s.stateHandlers = append(s.stateHandlers, h)
	}
}

// conn is one connection to one server process.
type conn struct {
	handle     *process.Handle
	framer     *Framer
	sup        *Supervisor
	dispatch   *dispatcher
	ctx        context.Context
	readerDone chan struct{}
}

// Session manages a JSON-RPC session with one language server process.
//
// Requests are written in the order Request is called and responses are
// routed by id. Notifications and server requests are handled on a single
// goroutine in arrival order.
//
// Thread Safety: Session is safe for concurrent use. Start, Shutdown and
// Reset are serialized with each other.
type Session struct {
	// ID identifies the session in logs.
	ID string

	config      SessionConfig
	logger      *slog.Logger
	initializer Initializer

	// smu serializes Start, Shutdown and Reset.
	smu sync.Mutex

	// wmu is held across id allocation and the write so requests reach the
	// server in call order.
	wmu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       *conn
	supervisor *Supervisor
	nextID     int64
	pending    map[ID]*Call
	fatal      error
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	dispatch   *dispatcher

	hmu                  sync.RWMutex
	notificationHandlers map[string]NotificationHandler
	requestHandlers      map[string]RequestHandler
	stateHandlers        []StateChangeHandler
}

// NewSession creates a session. The server is not launched until Start.
func NewSession(config SessionConfig, opts ...SessionOption) *Session {
	s := &Session{
		ID:                   uuid.NewString(),
		config:               config,
		logger:               logging.Discard(),
		pending:              make(map[ID]*Call),
		notificationHandlers: make(map[string]NotificationHandler),
		requestHandlers:      make(map[string]RequestHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.ID)
	s.supervisor = NewSupervisor(config.Server, config.Supervisor, s.logger)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error once the restart budget is exhausted.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Supervisor returns the supervisor of the current lifecycle. Reset replaces it.
func (s *Session) Supervisor() *Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supervisor
}

// PendingCount returns the number of requests awaiting a response.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnNotification registers the handler for a notification method, replacing
// any previous one.
func (s *Session) OnNotification(method string, handler NotificationHandler) {
	s.hmu.Lock()
	s.notificationHandlers[method] = handler
	s.hmu.Unlock()
}

// OnRequest registers the handler for a server-to-client request method.
// Requests without a handler are answered with MethodNotFound.
func (s *Session) OnRequest(method string, handler RequestHandler) {
	s.hmu.Lock()
	s.requestHandlers[method] = handler
	s.hmu.Unlock()
}

// OnStateChange registers a state change observer.
func (s *Session) OnStateChange(handler StateChangeHandler) {
	s.hmu.Lock()
	s.stateHandlers = append(s.stateHandlers, handler)
	s.hmu.Unlock()
}

// Start launches the server and runs the initializer.
func (s *Session) Start(ctx context.Context) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.start(ctx)
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized:
	case StateShuttingDown, StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	s.lifeCtx, s.lifeCancel = context.WithCancel(context.Background())
	s.dispatch = newDispatcher(s.logger)
	notify := s.setStateLocked(StateStarting)
	s.mu.Unlock()
	notify()

	err := s.launch()
	if err == nil {
		err = s.runInitializer(ctx)
	}
	if err == nil {
		err = s.becomeReady()
	}
	if err != nil {
		s.abortStart()
		return fmt.Errorf("start session: %w", err)
	}

	s.logger.Info("session ready")
	return nil
}

// launch spawns a server process and starts its reader and exit watcher.
func (s *Session) launch() error {
	sup := s.Supervisor()
	h, err := sup.Spawn()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		_ = sup.Terminate(h)
		return ErrSessionClosed
	}

	c := &conn{
		handle:     h,
		framer:     NewFramer(h.Stdout, h.Stdin),
		sup:        sup,
		dispatch:   s.dispatch,
		ctx:        s.lifeCtx,
		readerDone: make(chan struct{}),
	}
	c.framer.SetMaxMessageSize(s.config.MaxMessageSize)
	s.conn = c
	s.mu.Unlock()

	go s.readLoop(c)
	go s.watchExit(c)
	return nil
}

type initializingKey struct{}

func (s *Session) runInitializer(ctx context.Context) error {
	if s.initializer == nil {
		return nil
	}

	ctx = context.WithValue(ctx, initializingKey{}, s)
	if s.config.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.StartTimeout)
		defer cancel()
	}
	return s.initializer(ctx, s)
}

// initializing reports whether ctx belongs to this session's initializer.
func (s *Session) initializing(ctx context.Context) bool {
	owner, _ := ctx.Value(initializingKey{}).(*Session)
	return owner == s
}

func (s *Session) becomeReady() error {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn == nil {
		s.mu.Unlock()
		return ErrServerCrashed
	}
	notify := s.setStateLocked(StateReady)
	s.mu.Unlock()
	notify()
	return nil
}

// abortStart undoes a failed Start and returns the session to Uninitialized.
func (s *Session) abortStart() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	pending := s.takePendingLocked()
	s.lifeCancel()
	d := s.dispatch
	sup := s.supervisor
	notify := s.setStateLocked(StateUninitialized)
	s.mu.Unlock()

	failCalls(pending, ErrServerNotReady)
	if c != nil {
		_ = sup.Terminate(c.handle)
	}
	d.stop()
	sup.Reset()
	notify()
}

// Request sends a request and returns a Call that completes with the response.
//
// The call fails with ErrTimeout when ctx's deadline or the configured request
// timeout elapses, with ErrCancelled when ctx is cancelled or Cancel is
// called, and with ErrServerCrashed when the server exits first.
func (s *Session) Request(ctx context.Context, method string, params any) (*Call, error) {
	return s.request(ctx, method, params, false)
}

func (s *Session) request(ctx context.Context, method string, params any, internal bool) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	c, err := s.connLocked(s.initializing(ctx), internal)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := NumberID(s.nextID)
	s.nextID++
	call := &Call{
		ID:      id,
		Method:  method,
		Created: time.Now(),
		session: s,
		done:    make(chan struct{}),
	}
	s.pending[id] = call
	s.mu.Unlock()

	data, err := Encode(Message{Kind: KindRequest, ID: id, Method: method, Params: raw})
	if err == nil {
		err = c.framer.Send(data)
	}
	if err != nil {
		s.takePending(id)
		err = fmt.Errorf("send %s: %w", method, err)
		call.complete(nil, err)
		return nil, err
	}

	s.logger.Debug("request sent", "id", id, "method", method)
	s.watchCall(ctx, call)
	return call, nil
}

// Call sends a request, waits for the response and decodes the result into
// result, which may be nil.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	call, err := s.Request(ctx, method, params)
	if err != nil {
		return err
	}
	raw, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification. It returns once the message is written.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	return s.notify(ctx, method, params, false)
}

func (s *Session) notify(ctx context.Context, method string, params any, internal bool) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	c, err := s.connLocked(s.initializing(ctx), internal)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.framer.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	s.logger.Debug("notification sent", "method", method)
	return nil
}

// connLocked returns the connection requests may be written to in the current
// state (must hold mu).
func (s *Session) connLocked(initializing, internal bool) (*conn, error) {
	switch s.state {
	case StateUninitialized:
		return nil, ErrNotStarted
	case StateStarting:
		if !initializing && !internal {
			return nil, ErrServerNotReady
		}
	case StateReady:
	case StateCrashed:
		if s.fatal != nil {
			return nil, s.fatal
		}
		return nil, ErrServerCrashed
	case StateShuttingDown:
		if !internal {
			return nil, ErrSessionClosed
		}
	default:
		return nil, ErrSessionClosed
	}

	if s.conn == nil {
		return nil, ErrServerNotReady
	}
	return s.conn, nil
}

// watchCall enforces the caller's context and the request timeout.
func (s *Session) watchCall(ctx context.Context, call *Call) {
	timeout := s.config.RequestTimeout
	if ctx.Done() == nil && timeout <= 0 {
		return
	}

	go func() {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case <-call.done:
		case <-ctx.Done():
			s.abandon(call, contextError(ctx.Err()))
		case <-expired:
			s.abandon(call, fmt.Errorf("%w: %s after %v", ErrTimeout, call.Method, timeout))
		}
	}()
}

// abandon fails a pending call that will not wait for its response and
// tells the server it may stop working on it.
func (s *Session) abandon(call *Call, err error) {
	if s.takePending(call.ID) == nil {
		return
	}
	call.complete(nil, err)
	s.logger.Debug("request abandoned", "id", call.ID, "method", call.Method, "error", err)

	if s.config.CancelRequests {
		params := struct {
			ID ID `json:"id"`
		}{ID: call.ID}
		// Best effort: the server may already be gone.
		_ = s.notify(context.Background(), "$/cancelRequest", params, true)
	}
}

func (s *Session) takePending(id ID) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return call
}

// takePendingLocked removes and returns every pending call (must hold mu).
func (s *Session) takePendingLocked() []*Call {
	if len(s.pending) == 0 {
		return nil
	}
	calls := make([]*Call, 0, len(s.pending))
	for id, call := range s.pending {
		calls = append(calls, call)
		delete(s.pending, id)
	}
	return calls
}

func failCalls(calls []*Call, err error) {
	for _, call := range calls {
		call.complete(nil, err)
	}
}

// readLoop decodes frames from the server until the stream ends.
func (s *Session) readLoop(c *conn) {
	defer close(c.readerDone)

	for {
		data, err := c.framer.Receive()
		if err != nil {
			if c.handle.Terminating() || s.closing() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.logger.Debug("server closed its output", "process_id", c.handle.ID)
			} else {
				s.logger.Error("server stream corrupted", "process_id", c.handle.ID, "error", err)
			}
			// The stream cannot be resynchronized; the exit watcher runs the crash path.
			_ = c.handle.Kill()
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateShuttingDown || s.state == StateClosed
}

func (s *Session) handleMessage(c *conn, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		var malformed *MalformedMessageError
		if errors.As(err, &malformed) && malformed.ID != nil {
			if call := s.takePending(*malformed.ID); call != nil {
				s.logger.Warn("malformed response", "id", call.ID, "method", call.Method, "error", err)
				call.complete(nil, err)
				return
			}
		}
		s.logger.Warn("dropping malformed message", "error", err)
		return
	}

	switch msg.Kind {
	case KindResponse:
		s.handleResponse(msg)
	case KindNotification:
		c.dispatch.enqueue(func() { s.handleNotification(c.ctx, msg) })
	case KindRequest:
		c.dispatch.enqueue(func() { s.handleServerRequest(c, msg) })
	}
}

func (s *Session) handleResponse(msg Message) {
	if msg.ID.IsNull() {
		s.logger.Warn("error response without id", "error", msg.Error)
		return
	}

	call := s.takePending(msg.ID)
	if call == nil {
		s.logger.Debug("response for unknown request", "id", msg.ID)
		return
	}

	if msg.Error != nil {
		call.complete(nil, msg.Error)
		return
	}
	call.complete(msg.Result, nil)
}

func (s *Session) handleNotification(ctx context.Context, msg Message) {
	s.hmu.RLock()
	handler := s.notificationHandlers[msg.Method]
	s.hmu.RUnlock()

	if handler == nil {
		s.logger.Debug("unhandled notification", "method", msg.Method)
		return
	}
	handler(ctx, msg.Params)
}

func (s *Session) handleServerRequest(c *conn, msg Message) {
	s.hmu.RLock()
	handler := s.requestHandlers[msg.Method]
	s.hmu.RUnlock()

	var reply Message
	if handler == nil {
		s.logger.Debug("unhandled server request", "id", msg.ID, "method", msg.Method)
		reply = NewErrorResponse(msg.ID, &RPCError{
			Code:    CodeMethodNotFound,
			Message: "method not found: " + msg.Method,
		})
	} else {
		result, err := handler(c.ctx, msg.Params)
		if err == nil {
			reply, err = NewResponse(msg.ID, result)
		}
		if err != nil {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
			}
			reply = NewErrorResponse(msg.ID, rpcErr)
		}
	}

	data, err := Encode(reply)
	if err == nil {
		err = c.framer.Send(data)
	}
	if err != nil {
		s.logger.Warn("reply to server request", "id", msg.ID, "method", msg.Method, "error", err)
	}
}

// watchExit waits for the process behind c to exit and runs the crash path
// when the exit was not requested.
func (s *Session) watchExit(c *conn) {
	<-c.handle.Done()

	select {
	case <-c.readerDone:
	case <-time.After(readerDrainTimeout):
		// A grandchild may still hold the pipe open.
		_ = c.handle.Stdout.Close()
		<-c.readerDone
	}
	_ = c.handle.Stdout.Close()
	_ = c.handle.Stdin.Close()

	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil

	exitErr := &ExitError{Kind: ErrServerCrashed, ExitCode: c.handle.ExitCode(), Err: c.handle.ExitError()}

	switch s.state {
	case StateShuttingDown, StateClosed:
		pending := s.takePendingLocked()
		s.mu.Unlock()
		failCalls(pending, ErrSessionClosed)
		return

	case StateStarting:
		// The starter sees its initializer fail and decides.
		pending := s.takePendingLocked()
		s.mu.Unlock()
		failCalls(pending, exitErr)
		s.logger.Warn("server exited during startup", "process_id", c.handle.ID, "exit_code", c.handle.ExitCode())
		return
	}

	notify := s.setStateLocked(StateCrashed)
	pending := s.takePendingLocked()
	s.mu.Unlock()

	failCalls(pending, exitErr)
	notify()
	s.logger.Warn("server exited unexpectedly",
		"process_id", c.handle.ID, "exit_code", c.handle.ExitCode(), "failed_requests", len(pending))

	restart, delay := c.sup.RecordCrash(c.handle, exitErr)
	if !restart {
		s.fail(exitErr)
		return
	}
	s.restart(delay)
}

// restart relaunches the server after a crash.
func (s *Session) restart(delay time.Duration) {
	s.mu.Lock()
	ctx := s.lifeCtx
	s.mu.Unlock()

	if err := waitBackoff(ctx, delay); err != nil {
		return
	}

	s.mu.Lock()
	if s.state != StateCrashed {
		s.mu.Unlock()
		return
	}
	notify := s.setStateLocked(StateStarting)
	s.mu.Unlock()
	notify()

	err := s.launch()
	if err == nil {
		err = s.runInitializer(ctx)
	}
	if err == nil {
		err = s.becomeReady()
	}
	if err != nil {
		if s.closing() {
			return
		}
		s.fail(err)
		return
	}

	s.Supervisor().Recovered()
}

// fail makes the session unusable until Reset.
func (s *Session) fail(cause error) {
	fatal := &ExitError{Kind: ErrFatalServer, ExitCode: -1, Err: cause}
	var exitErr *ExitError
	if errors.As(cause, &exitErr) {
		fatal.ExitCode = exitErr.ExitCode
	}

	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.fatal = fatal
	c := s.conn
	s.conn = nil
	sup := s.supervisor
	notify := s.setStateLocked(StateCrashed)
	pending := s.takePendingLocked()
	s.mu.Unlock()

	failCalls(pending, fatal)
	if c != nil {
		_ = sup.Terminate(c.handle)
	}
	sup.Fail(fatal)
	notify()
}

// Shutdown ends the session. A healthy server receives the shutdown request
// and exit notification first; then the process is terminated. Pending
// requests fail with ErrSessionClosed. Calling Shutdown again is a no-op.
func (s *Session) Shutdown(ctx context.Context) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.shutdown(ctx)
}

func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateUninitialized:
		sup := s.supervisor
		notify := s.setStateLocked(StateClosed)
		s.mu.Unlock()
		sup.Stop()
		notify()
		return nil
	}

	prev := s.state
	notify := s.setStateLocked(StateShuttingDown)
	c := s.conn
	sup := s.supervisor
	d := s.dispatch
	pending := s.takePendingLocked()
	s.lifeCancel()
	s.mu.Unlock()

	notify()
	failCalls(pending, ErrSessionClosed)

	if prev == StateReady && c != nil && c.handle.IsRunning() {
		s.sendShutdown(ctx)
	}

	var err error
	if c != nil {
		err = sup.Terminate(c.handle)
	}

	s.mu.Lock()
	s.conn = nil
	pending = s.takePendingLocked()
	notify = s.setStateLocked(StateClosed)
	s.mu.Unlock()

	failCalls(pending, ErrSessionClosed)
	sup.Stop()
	d.stop()
	notify()

	s.logger.Info("session closed")
	return err
}

// sendShutdown performs the protocol-level shutdown handshake.
func (s *Session) sendShutdown(ctx context.Context) {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	call, err := s.request(ctx, "shutdown", nil, true)
	if err == nil {
		_, err = call.Wait(ctx)
	}
	if err != nil {
		s.logger.Warn("shutdown request failed", "error", err)
	}

	if err := s.notify(ctx, "exit", nil, true); err != nil {
		s.logger.Debug("exit notification failed", "error", err)
	}
}

// Reset recovers a crashed or closed session: any remaining process is
// terminated, the restart budget is cleared and the server is started again.
func (s *Session) Reset(ctx context.Context) error {
	s.smu.Lock()
	defer s.smu.Unlock()

	switch state := s.State(); state {
	case StateCrashed:
		if err := s.shutdown(ctx); err != nil {
			s.logger.Warn("reset: terminate server", "error", err)
		}
	case StateClosed, StateUninitialized:
	default:
		return fmt.Errorf("reset in state %s: %w", state, ErrAlreadyStarted)
	}

	s.mu.Lock()
	s.fatal = nil
	s.supervisor = NewSupervisor(s.config.Server, s.config.Supervisor, s.logger)
	notify := s.setStateLocked(StateUninitialized)
	s.mu.Unlock()
	notify()

	s.logger.Info("session reset")
	return s.start(ctx)
}

// setStateLocked records a transition (must hold mu). The returned function
// runs the observers and must be called after mu is released.
func (s *Session) setStateLocked(to State) func() {
	from := s.state
	if from == to {
		return func() {}
	}
	s.state = to
	s.logger.Debug("session state changed", "from", from, "to", to)

	s.hmu.RLock()
	handlers := slices.Clone(s.stateHandlers)
	s.hmu.RUnlock()

	return func() {
		for _, h := range handlers {
			h(from, to)
		}
	}
}

// contextError maps a context error onto the session taxonomy.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Call is a request awaiting its response.
type Call struct {
	// ID is the request id.
	ID ID

	// Method is the request method.
	Method string

	// Created is when the request was sent.
	Created time.Time

	session *Session
	done    chan struct{}
	once    sync.Once
	result  json.RawMessage
	err     error
}

func (c *Call) complete(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Done returns a channel closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx is done. When ctx ends first
// the call is abandoned with ErrTimeout or ErrCancelled.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.session.abandon(c, contextError(ctx.Err()))
		<-c.done
	}
	return c.result, c.err
}

// Cancel fails the call with ErrCancelled if it has not completed yet.
func (c *Call) Cancel() {
	c.session.abandon(c, ErrCancelled)
}

// dispatcher runs notification and server request handlers one at a time in
// arrival order, so the reader never waits on a handler.
type dispatcher struct {
	logger *slog.Logger

	mu    sync.Mutex
	queue []func()

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-d.wake:
				continue
			case <-d.quit:
				return
			}
		}

		for _, fn := range batch {
			select {
			case <-d.quit:
				return
			default:
			}
			d.invoke(fn)
		}
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "panic", r)
		}
	}()
	fn()
}

// stop discards queued work. It does not wait for a running handler.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}
