package domain

import (
	"errors"
	"fmt"
)

// BackendErrorKind says which step of a backend call failed.
type BackendErrorKind string

const (
	BackendTransport BackendErrorKind = "transport" // network failure, timeout
	BackendStatus    BackendErrorKind = "status"    // non-2xx response
	BackendShape     BackendErrorKind = "shape"     // body missing the expected fields
)

// BackendError is any failure of a call to the Q&A backend.
type BackendError struct {
	Kind       BackendErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *BackendError) Error() string {
	switch e.Kind {
	case BackendStatus:
		return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Body)
	case BackendShape:
		return fmt.Sprintf("backend: unexpected response (HTTP %d): %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("backend: %v", e.Err)
	}
}

func (e *BackendError) Unwrap() error { return e.Err }

// CloseClass groups disconnect reasons by the recovery they need.
type CloseClass int

const (
	CloseRetryable CloseClass = iota
	CloseInvalidating
	CloseFatal
)

func (c CloseClass) String() string {
	switch c {
	case CloseInvalidating:
		return "invalidating"
	case CloseFatal:
		return "fatal"
	default:
		return "retryable"
	}
}

// ClassOf returns the recovery class of a reason. Every recognized reason
// other than logged-out and bad-session is retried.
func ClassOf(r DisconnectReason) CloseClass {
	switch r {
	case ReasonLoggedOut, ReasonBadSession:
		return CloseInvalidating
	case ReasonUnrecognized:
		return CloseFatal
	default:
		return CloseRetryable
	}
}

// TransportCloseError reports that a session ended.
type TransportCloseError struct {
	Reason DisconnectReason
	Code   int
	Err    error
}

func (e *TransportCloseError) Error() string {
	msg := fmt.Sprintf("transport closed: %s", e.Reason)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportCloseError) Unwrap() error { return e.Err }

func (e *TransportCloseError) Class() CloseClass { return ClassOf(e.Reason) }

// StorageError is a failure to save a document or write a log record.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrSessionUnavailable is returned when no session is open to send on.
var ErrSessionUnavailable = errors.New("no open session")

// ErrUnsupported is returned by sessions for operations the network lacks.
var ErrUnsupported = errors.New("operation not supported by transport")
