package lsp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard errors returned by the session and client.
var (
	// ErrIO indicates the underlying stream failed.
	ErrIO = errors.New("stream i/o error")

	// ErrFraming indicates a malformed header or a message cut short.
	ErrFraming = errors.New("framing error")

	// ErrMalformedMessage indicates a payload that is not a valid JSON-RPC message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("server crashed")

	// ErrFatalServer indicates the restart budget is exhausted. The session
	// stays unusable until Reset.
	ErrFatalServer = errors.New("server failed permanently")

	// ErrTimeout indicates a request deadline elapsed.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled indicates the caller cancelled a request.
	ErrCancelled = errors.New("request cancelled")

	// ErrSessionClosed indicates the session has been shut down.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotStarted indicates the session has not been started.
	ErrNotStarted = errors.New("session not started")

	// ErrAlreadyStarted indicates Start was called on a running session.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrServerNotReady indicates the server is not ready to handle requests.
	ErrServerNotReady = errors.New("server not ready")

	// ErrNotSupported indicates the server does not support the requested feature.
	ErrNotSupported = errors.New("feature not supported by server")

	// ErrDocumentNotOpen indicates the document is not open.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrDocumentAlreadyOpen indicates the document is already open.
	ErrDocumentAlreadyOpen = errors.New("document already open")
)

// IOError wraps a failure of the underlying byte stream.
type IOError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrIO.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// FramingError reports a violation of the Content-Length framing.
type FramingError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *FramingError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrFraming.
func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}

// MalformedMessageError reports a payload that cannot be decoded.
// ID is set when the id could still be recovered from the payload.
type MalformedMessageError struct {
	ID     *ID
	Reason string
}

// Error implements the error interface.
func (e *MalformedMessageError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("malformed message (id %s): %s", e.ID, e.Reason)
	}
	return "malformed message: " + e.Reason
}

// Is reports whether target is ErrMalformedMessage.
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// ExitError describes how the server process ended. It wraps
// ErrServerCrashed or ErrFatalServer.
type ExitError struct {
	Kind     error
	ExitCode int
	Err      error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (exit code %d): %v", e.Kind, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%v (exit code %d)", e.Kind, e.ExitCode)
}

// Unwrap returns the kind and the process error.
func (e *ExitError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// RPCError represents a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)
