package llm

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets, rate limits, upstream overload.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure retries cannot fix: bad credentials, malformed
// requests, unknown models.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func NewTransientError(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func NewFatalError(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
