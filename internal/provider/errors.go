package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by SaveScopeInfo on a stale version.
	ErrVersionConflict = errors.New("scope version conflict")
	// ErrTransient marks errors worth retrying (connection drops, deadlocks).
	ErrTransient = errors.New("transient provider error")
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("session is closed")
	ErrNoTransaction = errors.New("no active transaction")
	ErrTxActive      = errors.New("transaction already active")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

// MarkTransient wraps err so that IsTransient reports true.
func MarkTransient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Transientf builds a transient error from a format string.
func Transientf(format string, args ...any) error {
	return MarkTransient(fmt.Errorf(format, args...))
}
