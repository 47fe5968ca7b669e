package crawler

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrRateLimitExceeded is returned when a source has used its budget for the current window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrUnknownSource is returned when a source id is not configured.
	ErrUnknownSource = errors.New("unknown source")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// FatalError marks a failure that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal error"
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// RetriableError marks a transient failure.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string {
	if e.Err == nil {
		return "retriable error"
	}
	return e.Err.Error()
}

func (e *RetriableError) Unwrap() error { return e.Err }

// Fatal wraps err so that retry policies give up immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf formats a fatal error.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// Retriable wraps err to mark it transient explicitly.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// Retriablef formats a retriable error.
func Retriablef(format string, args ...any) error {
	return &RetriableError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether any error in the chain is fatal.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRetriable reports whether err should be retried. Anything not marked
// fatal is considered retriable.
func IsRetriable(err error) bool {
	return err != nil && !IsFatal(err)
}

const maxErrorMessage = 2048

// ErrorMessage renders cause for persistence, bounded in length.
func ErrorMessage(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	msg := cause.Error()
	if len(msg) <= maxErrorMessage {
		return msg
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
