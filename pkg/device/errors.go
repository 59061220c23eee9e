package device

import (
	"errors"
	"fmt"
)

// Sentinel conditions reported by runtimes. Match them with errors.Is.
var (
	// ErrBackendUnavailable is returned when no accelerator backend is configured.
	ErrBackendUnavailable = errors.New("device BLAS not available")

	// ErrUnsupportedOperation is returned when the configured backend cannot
	// perform the requested operation.
	ErrUnsupportedOperation = errors.New("unsupported function for backend")

	ErrInvalidDevice  = errors.New("invalid device")
	ErrInvalidPointer = errors.New("invalid device pointer")
	ErrOutOfMemory    = errors.New("out of device memory")
	ErrStreamClosed   = errors.New("stream closed")
)

// Error is a runtime failure annotated with the operation that raised it.
type Error struct {
	Op      string // Operation that failed, e.g. "set_device"
	Backend string // Runtime name
	Kind    error  // One of the sentinel errors above, or nil
	Err     error  // Underlying cause if any
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Backend != "" {
		msg = e.Backend + ": " + msg
	}
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg + ": unknown error"
}

// Unwrap exposes both the condition and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(backend, op string, kind error, format string, args ...any) *Error {
	e := &Error{Op: op, Backend: backend, Kind: kind}
	if format != "" {
		e.Err = fmt.Errorf(format, args...)
	}
	return e
}

func unavailable(backend, op string) error {
	return &Error{Op: op, Backend: backend, Kind: ErrBackendUnavailable}
}

func unsupported(backend, op string) error {
	return &Error{Op: op, Backend: backend, Kind: ErrUnsupportedOperation}
}
