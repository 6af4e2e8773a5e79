package mailjobs

import (
	"errors"
	"fmt"
)

var (
	// Validation errors. No job record is created.
	ErrEmptySelection = errors.New("empty selection")
	ErrTooManyItems   = errors.New("exceeds maximum per operation")
	ErrUnknownKind    = errors.New("unknown job kind")
	ErrInvalidPayload = errors.New("invalid payload")

	// Lookup and authorization errors.
	ErrNotFound  = errors.New("job not found")
	ErrForbidden = errors.New("not allowed for this user")
	ErrNotReady  = errors.New("job has not completed")
	ErrGone      = errors.New("artifact already downloaded or expired")

	// Handoff errors.
	ErrTooLarge = errors.New("id list exceeds handoff size limit")
	ErrExpired  = errors.New("handoff token expired or unknown")

	// Worker subsystem errors.
	ErrWorkersUnavailable = errors.New("worker subsystem unavailable")
	ErrPoolSaturated      = errors.New("worker queue is full")
	ErrPoolClosed         = errors.New("worker pool is closed")

	// errTotalExceeded is returned by the store when an exact total would be overrun.
	errTotalExceeded = errors.New("processed count would exceed exact total")
	// errFinished is returned by the store when a terminal record is mutated.
	errFinished = errors.New("job already finished")
)

// fatalError marks an error that must stop the whole job rather than count as
// one failed item.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so that the executor aborts the job instead of counting a
// failed item. Fatal(nil) returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Fatalf is Fatal(fmt.Errorf(format, args...)).
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
