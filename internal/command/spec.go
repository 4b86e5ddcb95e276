package command

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Sentinel errors.
var (
	// ErrInvalidSpec indicates a Spec that cannot be run.
	ErrInvalidSpec = errors.New("invalid command spec")

	// ErrLaunch is matched by every *LaunchError.
	ErrLaunch = errors.New("command could not be started")
)

// LaunchError reports that the executable could not be started. A command
// that starts and then fails is not a LaunchError; its exit code is in Result.
type LaunchError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrLaunch.
func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}

// Spec is an executable, its argument vector and working directory.
// A Spec is immutable; its accessors return copies.
type Spec struct {
	path string
	args []string
	dir  string
	env  []string
}

// NewSpec builds a Spec. Arguments are passed to the program as they are,
// one argv entry each, with no shell in between.
func NewSpec(path string, args []string, dir string) (Spec, error) {
	if strings.TrimSpace(path) == "" {
		return Spec{}, fmt.Errorf("%w: empty executable path", ErrInvalidSpec)
	}
	if strings.ContainsRune(path, 0) || strings.ContainsRune(dir, 0) {
		return Spec{}, fmt.Errorf("%w: NUL byte in path", ErrInvalidSpec)
	}
	for i, arg := range args {
		if strings.ContainsRune(arg, 0) {
			return Spec{}, fmt.Errorf("%w: NUL byte in argument %d", ErrInvalidSpec, i)
		}
	}

	return Spec{
		path: path,
		args: slices.Clone(args),
		dir:  dir,
	}, nil
}

// MustSpec is NewSpec that panics on error. It is meant for fixed commands.
func MustSpec(path string, args []string, dir string) Spec {
	s, err := NewSpec(path, args, dir)
	if err != nil {
		panic(err)
	}
	return s
}

// WithEnv returns a copy of s with extra KEY=VALUE environment entries.
func (s Spec) WithEnv(env ...string) Spec {
	c := s
	c.args = slices.Clone(s.args)
	c.env = append(slices.Clone(s.env), env...)
	return c
}

// Path returns the executable.
func (s Spec) Path() string { return s.path }

// Args returns a copy of the argument vector.
func (s Spec) Args() []string { return slices.Clone(s.args) }

// Dir returns the working directory; empty means the current one.
func (s Spec) Dir() string { return s.dir }

// Env returns a copy of the extra environment entries.
func (s Spec) Env() []string { return slices.Clone(s.env) }

// IsZero reports whether s was never built.
func (s Spec) IsZero() bool { return s.path == "" }

// String renders the command line for display, quoting arguments the way a
// POSIX shell would need them. It is never executed.
func (s Spec) String() string {
	parts := make([]string, 0, len(s.args)+1)
	parts = append(parts, Quote(s.path))
	for _, arg := range s.args {
		parts = append(parts, Quote(arg))
	}
	return strings.Join(parts, " ")
}

// Quote returns s quoted for display in a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}

	safe := true
	for _, c := range s {
		if !isShellSafe(c) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}

	// Use single quotes and escape any single quotes in the string
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isShellSafe(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/' || c == '=' || c == '+' || c == ':' || c == ','
}
