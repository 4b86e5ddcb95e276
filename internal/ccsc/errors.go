package ccsc

import (
	"errors"
	"fmt"
)

// Extension errors.
var (
	// ErrAlreadyActive indicates Activate was called on an active extension.
	ErrAlreadyActive = errors.New("extension already active")

	// ErrNotActive indicates the extension has not been activated.
	ErrNotActive = errors.New("extension not active")

	// ErrNotHandled indicates a file outside the document selector.
	ErrNotHandled = errors.New("file not handled by the language server")
)

// OperationError records which operation failed and on what.
type OperationError struct {
	Op     string // Operation name (e.g., "activate", "compile", "open")
	Target string // Target of the operation (e.g., file path, method)
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Target: target, Err: err}
}
