package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// helperEnv switches the test binary into a small scripted program.
const helperEnv = "CCSC_COMMAND_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runHelper(mode string, args []string) int {
	switch mode {
	case "argv":
		_ = json.NewEncoder(os.Stdout).Encode(args)
	case "exit":
		fmt.Fprint(os.Stdout, "out")
		fmt.Fprint(os.Stderr, "err")
		code, _ := strconv.Atoi(args[0])
		return code
	case "sleep":
		time.Sleep(time.Hour)
	case "flood":
		n, _ := strconv.Atoi(args[0])
		_, _ = os.Stdout.Write([]byte(strings.Repeat("x", n)))
	case "pwd":
		wd, _ := os.Getwd()
		fmt.Fprint(os.Stdout, wd)
	case "env":
		fmt.Fprint(os.Stdout, os.Getenv(args[0]))
	case "lines":
		fmt.Fprint(os.Stdout, "a\nb\r\nc")
		fmt.Fprint(os.Stderr, "e1\n")
	}
	return 0
}

func helperSpec(t *testing.T, mode string, args ...string) Spec {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	spec, err := NewSpec(exe, args, "")
	if err != nil {
		t.Fatalf("NewSpec() error = %v", err)
	}
	return spec.WithEnv(helperEnv + "=" + mode)
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
}

func testRunner(opts ...Option) *Runner {
	cfg := DefaultConfig()
	cfg.KillGrace = 200 * time.Millisecond
	return NewRunner(cfg, opts...)
}

func TestRun_ArgumentsStayIntact(t *testing.T) {
	skipOnWindows(t)

	args := []string{
		"C:\\Program Files\\PICC\\my file.c",
		`say "hi"`,
		"it's",
		"$(touch /tmp/pwned)",
		"; rm -rf /",
		"`id`",
		"a|b&c>d",
		"",
		"*.c",
	}

	res, err := testRunner().Run(context.Background(), helperSpec(t, "argv", args...))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success() {
		t.Fatalf("exit code = %d, stderr = %s", res.ExitCode, res.Stderr)
	}

	var got []string
	if err := json.Unmarshal(res.Stdout, &got); err != nil {
		t.Fatalf("decode argv: %v (%s)", err, res.Stdout)
	}
	if !slices.Equal(got, args) {
		t.Errorf("argv = %q, want %q", got, args)
	}
}

func TestRun_NonZeroExitIsResult(t *testing.T) {
	skipOnWindows(t)

	res, err := testRunner().Run(context.Background(), helperSpec(t, "exit", "3"))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil for a failing command", err)
	}
	if res.ExitCode != 3 || res.Success() {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if string(res.Stdout) != "out" || string(res.Stderr) != "err" {
		t.Errorf("stdout = %q, stderr = %q", res.Stdout, res.Stderr)
	}
	if res.Duration <= 0 {
		t.Error("expected a positive duration")
	}
}

func TestRun_LaunchError(t *testing.T) {
	spec := MustSpec(filepath.Join(t.TempDir(), "no-such-ccsc"), nil, "")

	res, err := testRunner().Run(context.Background(), spec)
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("Run() error = %v, want ErrLaunch", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Path != spec.Path() {
		t.Errorf("expected *LaunchError for %s, got %v", spec.Path(), err)
	}
}

func TestRun_NotExecutable(t *testing.T) {
	skipOnWindows(t)

	path := filepath.Join(t.TempDir(), "ccsc")
	if err := os.WriteFile(path, []byte("not a program"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := testRunner().Run(context.Background(), MustSpec(path, nil, "")); !errors.Is(err, ErrLaunch) {
		t.Errorf("Run() error = %v, want ErrLaunch", err)
	}
}

func TestRun_BackgroundChildDoesNotBlock(t *testing.T) {
	skipOnWindows(t)

	// The background sleep inherits both output pipes and outlives the shell.
	spec := MustSpec("sh", []string{"-c", "sleep 3 & echo done; echo warn >&2"}, "")

	start := time.Now()
	res, err := testRunner().Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("Run() took %v, want it bounded by the output drain", elapsed)
	}
	if string(res.Stdout) != "done\n" || string(res.Stderr) != "warn\n" {
		t.Errorf("stdout = %q, stderr = %q", res.Stdout, res.Stderr)
	}
}

func TestRun_WorkingDirectory(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	base := helperSpec(t, "pwd")
	spec, err := NewSpec(base.Path(), nil, dir)
	if err != nil {
		t.Fatal(err)
	}
	spec = spec.WithEnv(base.Env()...)

	res, err := testRunner().Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(string(res.Stdout))
	if got != want {
		t.Errorf("working dir = %q, want %q", got, want)
	}
}

func TestRun_Environment(t *testing.T) {
	skipOnWindows(t)

	spec := helperSpec(t, "env", "CCSC_DEVICE").WithEnv("CCSC_DEVICE=PIC18F452")
	res, err := testRunner().Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(res.Stdout) != "PIC18F452" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_Cancel(t *testing.T) {
	skipOnWindows(t)

	ctx, cancel := context.WithCancel(context.Background())
	ex, err := testRunner().Start(ctx, helperSpec(t, "sleep"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	cancel()

	select {
	case <-ex.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("command was not terminated")
	}

	res, err := ex.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	if res == nil || res.Success() {
		t.Errorf("expected a failed partial result, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
}

func TestRun_ExecutionCancel(t *testing.T) {
	skipOnWindows(t)

	ex, err := testRunner().Start(context.Background(), helperSpec(t, "sleep"))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ex.PID() <= 0 {
		t.Errorf("PID() = %d", ex.PID())
	}

	ex.Cancel()
	if _, err := ex.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestRun_Timeout(t *testing.T) {
	skipOnWindows(t)

	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.KillGrace = 100 * time.Millisecond

	_, err := NewRunner(cfg).Run(context.Background(), helperSpec(t, "sleep"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := testRunner().Start(ctx, MustSpec("ccsc", nil, "")); !errors.Is(err, context.Canceled) {
		t.Errorf("Start() error = %v, want context.Canceled", err)
	}
}

func TestRun_ZeroSpec(t *testing.T) {
	if _, err := testRunner().Run(context.Background(), Spec{}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("Run() error = %v, want ErrInvalidSpec", err)
	}
}

func TestRun_OutputLimit(t *testing.T) {
	skipOnWindows(t)

	cfg := DefaultConfig()
	cfg.MaxOutput = 1000

	res, err := NewRunner(cfg).Run(context.Background(), helperSpec(t, "flood", "100000"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Stdout) != 1000 {
		t.Errorf("kept %d bytes, want 1000", len(res.Stdout))
	}
	if !res.Truncated {
		t.Error("expected Truncated")
	}
	if !res.Success() {
		t.Errorf("ExitCode = %d; a full buffer must not block the child", res.ExitCode)
	}
}

func TestRun_LineHandler(t *testing.T) {
	skipOnWindows(t)

	var mu sync.Mutex
	var lines []string
	r := testRunner(WithLineHandler(func(stream Stream, line string) {
		mu.Lock()
		lines = append(lines, stream.String()+":"+line)
		mu.Unlock()
	}))

	if _, err := r.Run(context.Background(), helperSpec(t, "lines")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	slices.Sort(lines)
	want := []string{"stderr:e1", "stdout:a", "stdout:b", "stdout:c"}
	if !slices.Equal(lines, want) {
		t.Errorf("lines = %q, want %q", lines, want)
	}
}

func TestRun_Concurrent(t *testing.T) {
	skipOnWindows(t)

	r := testRunner()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		arg := strconv.Itoa(i)
		spec := helperSpec(t, "argv", arg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Run(context.Background(), spec)
			if err != nil {
				errs <- err
				return
			}
			if !strings.Contains(string(res.Stdout), `"`+arg+`"`) {
				errs <- fmt.Errorf("run %d got %s", i, res.Stdout)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
