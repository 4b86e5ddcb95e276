package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/dshills/ccsc-client/internal/process"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process groups and signals are unix only")
	}
}

func testSessionConfig(t *testing.T, mode string) SessionConfig {
	t.Helper()
	cfg := DefaultSessionConfig()
	cfg.Server = fakeServerConfig(t, mode)
	cfg.Supervisor.InitialBackoff = 10 * time.Millisecond
	cfg.Supervisor.TerminateGrace = 500 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.StartTimeout = 10 * time.Second
	return cfg
}

func newTestSession(t *testing.T, cfg SessionConfig, opts ...SessionOption) *Session {
	t.Helper()
	skipOnWindows(t)

	s := NewSession(cfg, opts...)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})
	return s
}

func startTestSession(t *testing.T, mode string, opts ...SessionOption) *Session {
	t.Helper()
	s := newTestSession(t, testSessionConfig(t, mode), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateUninitialized, "uninitialized"},
		{StateStarting, "starting"},
		{StateReady, "ready"},
		{StateCrashed, "crashed"},
		{StateShuttingDown, "shutting-down"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()

	if cfg.Server.Command != "ls-ccsc" {
		t.Errorf("expected ls-ccsc, got %q", cfg.Server.Command)
	}
	if cfg.RequestTimeout != 0 {
		t.Errorf("expected no request timeout by default, got %v", cfg.RequestTimeout)
	}
	if cfg.Supervisor.MaxRestarts != 1 {
		t.Errorf("expected 1 restart, got %d", cfg.Supervisor.MaxRestarts)
	}
	if !cfg.CancelRequests {
		t.Error("expected cancel notifications enabled")
	}
}

func TestSession_RequestBeforeStart(t *testing.T) {
	s := NewSession(DefaultSessionConfig())

	if _, err := s.Request(context.Background(), "x", nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := s.Notify(context.Background(), "x", nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() of unstarted session error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}
}

func TestSession_StartMissingExecutable(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Server.Command = "definitely-not-a-ccsc-server"
	s := NewSession(cfg)

	err := s.Start(context.Background())
	if !errors.Is(err, process.ErrSpawn) {
		t.Fatalf("expected process.ErrSpawn, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Errorf("expected uninitialized after failed start, got %v", s.State())
	}
}

func TestSession_StartTwice(t *testing.T) {
	s := startTestSession(t, "normal")

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSession_InitializeHandshake(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	s := startTestSession(t, "normal", WithStateChangeHandler(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}))
	ctx := testContext(t)

	call, err := s.Request(ctx, "initialize", map[string]any{"processId": nil})
	if err != nil {
		t.Fatalf("Request(initialize) error = %v", err)
	}
	if call.ID != NumberID(0) {
		t.Errorf("first request id = %v, want 0", call.ID)
	}

	raw, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("initialize error = %v", err)
	}
	var result struct {
		Capabilities map[string]any `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Capabilities == nil {
		t.Errorf("missing capabilities in %s", raw)
	}

	if err := s.Notify(ctx, "initialized", struct{}{}); err != nil {
		t.Fatalf("Notify(initialized) error = %v", err)
	}

	h := s.Supervisor().Handle()
	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("shutdown took %v", elapsed)
	}
	if h.IsRunning() {
		t.Error("server still running after Shutdown")
	}
	if h.ExitCode() != 0 {
		t.Errorf("expected clean exit code 0, got %d", h.ExitCode())
	}
	if h.State() != process.StateExited {
		t.Errorf("expected exited, got %v", h.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateReady, StateShuttingDown, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestSession_IDsIncrease(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	for i := int64(0); i < 5; i++ {
		call, err := s.Request(ctx, "test/echo", map[string]int64{"i": i})
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		if call.ID != NumberID(i) {
			t.Errorf("request %d got id %v", i, call.ID)
		}
		if _, err := call.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
}

func TestSession_ConcurrentRequestsRoutedByID(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			// Earlier requests sleep longer, so responses arrive reversed.
			params := map[string]int{"ms": (n - i) * 10, "value": i}
			var got int
			if err := s.Call(ctx, "test/delay", params, &got); err != nil {
				t.Errorf("request %d error = %v", i, err)
				return
			}
			if got != i {
				t.Errorf("request %d received response for %d", i, got)
			}
		}(i)
	}
	wg.Wait()

	if s.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", s.PendingCount())
	}
}

func TestSession_RPCError(t *testing.T) {
	s := startTestSession(t, "normal")

	err := s.Call(testContext(t), "no/such/method", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestSession_RequestTimeout(t *testing.T) {
	cfg := testSessionConfig(t, "normal")
	cfg.RequestTimeout = 100 * time.Millisecond
	s := newTestSession(t, cfg)

	cancelled := make(chan json.RawMessage, 1)
	s.OnNotification("test/cancelled", func(_ context.Context, params json.RawMessage) {
		cancelled <- params
	})

	ctx := testContext(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	call, err := s.Request(ctx, "test/hang", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	_, err = call.Wait(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.PendingCount() != 0 {
		t.Errorf("timed out request still pending")
	}

	select {
	case params := <-cancelled:
		var p struct {
			ID ID `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("decode cancel params: %v", err)
		}
		if p.ID != call.ID {
			t.Errorf("cancelled id = %v, want %v", p.ID, call.ID)
		}
	case <-time.After(5 * time.Second):
		t.Error("server never received $/cancelRequest")
	}
}

func TestSession_ContextDeadline(t *testing.T) {
	s := startTestSession(t, "normal")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Call(ctx, "test/hang", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped context.DeadlineExceeded, got %v", err)
	}
}

func TestSession_Cancel(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	call, err := s.Request(ctx, "test/hang", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	call.Cancel()

	if _, err := call.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}

	// Cancelling a finished call is a no-op.
	call.Cancel()

	// The session keeps working.
	if err := s.Call(ctx, "test/echo", map[string]int{"a": 1}, nil); err != nil {
		t.Errorf("Call() after cancel error = %v", err)
	}
}

func TestSession_CancelledContextBeforeSend(t *testing.T) {
	s := startTestSession(t, "normal")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Request(ctx, "test/echo", nil); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestSession_NotificationOrder(t *testing.T) {
	const count = 200

	got := make(chan int, count)
	s := startTestSession(t, "normal")
	s.OnNotification("test/seq", func(_ context.Context, params json.RawMessage) {
		var p struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(params, &p)
		got <- p.N
	})

	if err := s.Call(testContext(t), "test/emit", map[string]int{"count": count}, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	for want := 0; want < count; want++ {
		select {
		case n := <-got:
			if n != want {
				t.Fatalf("notification %d arrived as %d", want, n)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d notifications", want)
		}
	}
}

func TestSession_HandlerMayCallSession(t *testing.T) {
	s := startTestSession(t, "normal")

	done := make(chan error, 1)
	s.OnNotification("test/seq", func(ctx context.Context, _ json.RawMessage) {
		done <- s.Call(ctx, "test/echo", map[string]bool{"nested": true}, nil)
	})

	if err := s.Call(testContext(t), "test/emit", map[string]int{"count": 1}, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("nested Call() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler deadlocked")
	}
}

func TestSession_ServerRequestMethodNotFound(t *testing.T) {
	s := startTestSession(t, "normal")

	var answer struct {
		Error *RPCError `json:"error"`
	}
	if err := s.Call(testContext(t), "test/ask", map[string]string{"method": "custom/unknown"}, &answer); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if answer.Error == nil || answer.Error.Code != CodeMethodNotFound {
		t.Errorf("expected MethodNotFound, got %+v", answer.Error)
	}
}

func TestSession_ServerRequestHandler(t *testing.T) {
	s := startTestSession(t, "normal")
	s.OnRequest("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
		return []any{map[string]string{"compiler": "ccsc"}}, nil
	})
	s.OnRequest("custom/fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "bad"}
	})

	var answer struct {
		Result []map[string]string `json:"result"`
	}
	if err := s.Call(testContext(t), "test/ask", map[string]string{"method": "workspace/configuration"}, &answer); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(answer.Result) != 1 || answer.Result[0]["compiler"] != "ccsc" {
		t.Errorf("unexpected answer %+v", answer)
	}

	var failed struct {
		Error *RPCError `json:"error"`
	}
	if err := s.Call(testContext(t), "test/ask", map[string]string{"method": "custom/fail"}, &failed); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if failed.Error == nil || failed.Error.Code != CodeInvalidParams {
		t.Errorf("expected InvalidParams, got %+v", failed.Error)
	}
}

func TestSession_MalformedResponseFailsOnlyThatCall(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	err := s.Call(ctx, "test/malformed", nil, nil)
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}

	if err := s.Call(ctx, "test/echo", map[string]int{"x": 1}, nil); err != nil {
		t.Errorf("session unusable after malformed message: %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("expected ready, got %v", s.State())
	}
}

func TestSession_CrashFailsPendingAndRestarts(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	const k = 5
	calls := make([]*Call, 0, k)
	for i := 0; i < k; i++ {
		call, err := s.Request(ctx, "test/hang", nil)
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		calls = append(calls, call)
	}

	first := s.Supervisor().Handle()
	if _, err := s.Request(ctx, "test/crash", map[string]int{"code": 3}); err != nil {
		t.Fatalf("Request(test/crash) error = %v", err)
	}

	for i, call := range calls {
		select {
		case <-call.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("pending request %d not failed after crash", i)
		}
		_, err := call.Wait(ctx)
		if !errors.Is(err, ErrServerCrashed) {
			t.Errorf("request %d: expected ErrServerCrashed, got %v", i, err)
		}
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode != 3 {
			t.Errorf("exit code = %d, want 3", exitErr.ExitCode)
		}
	}

	waitFor(t, "automatic restart", func() bool { return s.State() == StateReady })

	if s.Supervisor().Handle() == first {
		t.Error("expected a new server process after restart")
	}
	if err := s.Call(ctx, "test/echo", map[string]int{"after": 1}, nil); err != nil {
		t.Errorf("Call() after restart error = %v", err)
	}
	if got := s.Supervisor().RestartCount(); got != 1 {
		t.Errorf("restart count = %d, want 1", got)
	}
}

func TestSession_SecondCrashIsFatal(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	_ = s.Call(ctx, "test/crash", map[string]int{"code": 4}, nil)
	waitFor(t, "first restart", func() bool { return s.State() == StateReady })

	_ = s.Call(ctx, "test/crash", map[string]int{"code": 5}, nil)
	waitFor(t, "fatal state", func() bool { return s.Err() != nil })

	if s.State() != StateCrashed {
		t.Errorf("expected crashed, got %v", s.State())
	}
	if _, err := s.Request(ctx, "test/echo", nil); !errors.Is(err, ErrFatalServer) {
		t.Errorf("expected ErrFatalServer, got %v", err)
	}
	if s.Supervisor().State() != SupervisorStateFailed {
		t.Errorf("supervisor state = %v, want failed", s.Supervisor().State())
	}

	// Reset brings the session back with a fresh restart budget.
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected ready after reset, got %v", s.State())
	}
	if s.Err() != nil {
		t.Errorf("fatal error not cleared: %v", s.Err())
	}
	if err := s.Call(ctx, "test/echo", map[string]int{"reset": 1}, nil); err != nil {
		t.Errorf("Call() after reset error = %v", err)
	}
}

func TestSession_FramingErrorRunsCrashPath(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	err := s.Call(ctx, "test/garbage", nil, nil)
	if !errors.Is(err, ErrServerCrashed) {
		t.Fatalf("expected ErrServerCrashed, got %v", err)
	}
	waitFor(t, "restart after corrupted stream", func() bool { return s.State() == StateReady })
}

func TestSession_InitializerRunsAfterRestart(t *testing.T) {
	var (
		mu    sync.Mutex
		inits int
	)
	init := func(ctx context.Context, s *Session) error {
		if err := s.Call(ctx, "initialize", map[string]any{"processId": nil}, nil); err != nil {
			return err
		}
		mu.Lock()
		inits++
		mu.Unlock()
		return s.Notify(ctx, "initialized", struct{}{})
	}

	s := startTestSession(t, "normal", WithInitializer(init))
	ctx := testContext(t)

	_ = s.Call(ctx, "test/crash", map[string]int{"code": 1}, nil)
	waitFor(t, "restart", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inits == 2 && s.State() == StateReady
	})
}

func TestSession_InitializerFailure(t *testing.T) {
	s := newTestSession(t, testSessionConfig(t, "normal"), WithInitializer(func(ctx context.Context, s *Session) error {
		return s.Call(ctx, "no/such/initialize", nil, nil)
	}))

	err := s.Start(testContext(t))
	if err == nil {
		t.Fatal("expected Start() to fail")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("expected *RPCError cause, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Errorf("expected uninitialized, got %v", s.State())
	}
}

func TestSession_ServerExitsDuringStart(t *testing.T) {
	s := newTestSession(t, testSessionConfig(t, "exit-immediately"), WithInitializer(func(ctx context.Context, s *Session) error {
		return s.Call(ctx, "initialize", nil, nil)
	}))

	err := s.Start(testContext(t))
	if err == nil {
		t.Fatal("expected Start() to fail")
	}
	if s.State() != StateUninitialized {
		t.Errorf("expected uninitialized, got %v", s.State())
	}
}

func TestSession_CrashWithBackgroundChildHoldingPipes(t *testing.T) {
	cfg := testSessionConfig(t, "normal")
	// The background sleep keeps stdout and stderr open after the shell exits.
	cfg.Server = ServerConfig{Command: "sh", Args: []string{"-c", "sleep 5 & sleep 0.5; exit 3"}}
	cfg.Supervisor.MaxRestarts = 0

	s := newTestSession(t, cfg)
	ctx := testContext(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	call, err := s.Request(ctx, "test/hang", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	select {
	case <-call.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("pending request not failed after the server exited")
	}
	if _, err := call.Wait(ctx); !errors.Is(err, ErrServerCrashed) {
		t.Errorf("expected ErrServerCrashed, got %v", err)
	}
	waitFor(t, "fatal state", func() bool { return s.Err() != nil })
}

func TestSession_RequestDuringStartRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := newTestSession(t, testSessionConfig(t, "normal"), WithInitializer(func(ctx context.Context, s *Session) error {
		close(started)
		<-release
		return nil
	}))

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()

	<-started
	if _, err := s.Request(context.Background(), "test/echo", nil); !errors.Is(err, ErrServerNotReady) {
		t.Errorf("expected ErrServerNotReady while starting, got %v", err)
	}
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestSession_ShutdownIdempotent(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}
	if _, err := s.Request(ctx, "test/echo", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from Start, got %v", err)
	}
}

func TestSession_ConcurrentShutdown(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}
}

func TestSession_ShutdownFailsPending(t *testing.T) {
	s := startTestSession(t, "normal")
	ctx := testContext(t)

	call, err := s.Request(ctx, "test/hang", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("pending request not completed by Shutdown")
	}
	if _, err := call.Wait(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_ShutdownStubbornServer(t *testing.T) {
	cfg := testSessionConfig(t, "stubborn")
	cfg.ShutdownTimeout = 200 * time.Millisecond
	cfg.Supervisor.TerminateGrace = 200 * time.Millisecond
	s := newTestSession(t, cfg)
	ctx := testContext(t)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h := s.Supervisor().Handle()

	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown took %v", elapsed)
	}
	if h.IsRunning() {
		t.Error("stubborn server still running")
	}
}

func TestSession_SupervisorEvents(t *testing.T) {
	s := startTestSession(t, "normal")
	events := s.Supervisor().Events()

	_ = s.Call(testContext(t), "test/crash", map[string]int{"code": 7}, nil)

	want := []SupervisorEventType{SupervisorEventCrash, SupervisorEventRestarting, SupervisorEventRecovered}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				t.Fatalf("event = %v, want %v", ev.Type, typ)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %v", typ)
		}
	}
}
