package sandbox

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Runtime matches exactly one of these
// through errors.Is.
var (
	// ErrConnection means the runtime could not be reached. Retryable.
	ErrConnection = errors.New("runtime unreachable")
	// ErrCreation means the runtime rejected the sandbox spec. Not retryable.
	ErrCreation = errors.New("sandbox creation rejected")
	// ErrNotFound means the runtime does not know the sandbox.
	ErrNotFound = errors.New("sandbox not found")
	// ErrStream means the log stream failed mid-read.
	ErrStream = errors.New("log stream failed")
	// ErrDecode means a single log record was not valid UTF-8.
	ErrDecode = errors.New("malformed log record")
	// ErrRuntime is any other failure reported by the runtime.
	ErrRuntime = errors.New("runtime operation failed")
)

// Error is the structured error returned by runtimes and the log demultiplexer.
type Error struct {
	Kind error
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind error, op, id, format string, args ...any) error {
	return newError(kind, op, id, fmt.Errorf(format, args...))
}

// SandboxID returns the sandbox identifier carried by err, if any.
func SandboxID(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.ID
	}
	return ""
}
