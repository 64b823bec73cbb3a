// Package errclass defines the stable error classes returned by a backup.
package errclass

import (
	"errors"
	"fmt"
)

// BackupError is a stable, machine-readable error class with an optional cause.
type BackupError struct {
	Code    string
	Message string
	Err     error
}

func (e *BackupError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

// Is matches on Code so that a derived error still matches its class.
func (e *BackupError) Is(target error) bool {
	t, ok := target.(*BackupError)

	return ok && e.Code == t.Code
}

func (e *BackupError) Unwrap() error {
	return e.Err
}

// WithMessage returns a new BackupError with the same Code but a specific message.
func (e *BackupError) WithMessage(msg string) *BackupError {
	return &BackupError{Code: e.Code, Message: msg, Err: e.Err}
}

// WithMessagef returns a new BackupError with a formatted message.
func (e *BackupError) WithMessagef(format string, args ...any) *BackupError {
	return &BackupError{Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// Wrap returns a new BackupError of the same class caused by err.
func (e *BackupError) Wrap(err error) *BackupError {
	return &BackupError{Code: e.Code, Message: e.Message, Err: err}
}

var (
	// ErrTypeMismatch: an argument is not a usable database handle of a known engine.
	ErrTypeMismatch = &BackupError{Code: "E_TYPE_MISMATCH"}
	// ErrSameHandle: source and destination resolve to the same database.
	ErrSameHandle = &BackupError{Code: "E_SAME_HANDLE"}
	// ErrSchemaMismatch: the destination is structurally incompatible with the source.
	ErrSchemaMismatch = &BackupError{Code: "E_SCHEMA_MISMATCH"}
	// ErrTransientLock: a step could not run because a page or table is locked.
	// The engine retries it and only surfaces it inside ErrRetriesExhausted.
	ErrTransientLock = &BackupError{Code: "E_TRANSIENT_LOCK"}
	// ErrRetriesExhausted: transient contention outlasted the retry policy.
	ErrRetriesExhausted = &BackupError{Code: "E_RETRIES_EXHAUSTED"}
	// ErrPermanentIO: unrecoverable read/write failure or a handle lost mid-session.
	ErrPermanentIO = &BackupError{Code: "E_PERMANENT_IO"}
	// ErrSessionAborted: the session ended for any other non-retryable reason.
	ErrSessionAborted = &BackupError{Code: "E_SESSION_ABORTED"}
	// ErrInvalidArgument: a copy option is out of range.
	ErrInvalidArgument = &BackupError{Code: "E_INVALID_ARGUMENT"}
)

// Retryable reports whether err is a transient condition worth another attempt.
// Only the outermost class counts, so ErrRetriesExhausted is never retryable even
// though it wraps ErrTransientLock.
func Retryable(err error) bool {
	var be *BackupError
	if !errors.As(err, &be) {
		return false
	}

	return be.Code == ErrTransientLock.Code
}
