package resilience

import (
	"context"
	"errors"
	"fmt"

	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
)

// ErrCircuitOpen matches every *CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("streamsink: circuit breaker is open")

// CircuitOpenError is returned when the breaker rejects an attempt without
// running it. Rejected entries are not dead-lettered; they stay pending.
type CircuitOpenError struct {
	Breaker string
	Cause   error
}

func (e *CircuitOpenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("streamsink: circuit %q open: %v", e.Breaker, e.Cause)
	}
	return fmt.Sprintf("streamsink: circuit %q open", e.Breaker)
}

func (e *CircuitOpenError) Unwrap() error {
	return e.Cause
}

func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

type permanent interface {
	Permanent() bool
}

type permanentError struct {
	err error
}

// Permanent marks err as non-retryable: it is dead-lettered after the first
// attempt and does not count against the circuit breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// IsPermanent reports whether any error in err's chain is marked permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// ErrorKind is the coarse classification recorded with dead letters and
// metrics.
type ErrorKind string

const (
	KindNone        ErrorKind = "none"
	KindInvalid     ErrorKind = "invalid_event"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindTimeout     ErrorKind = "timeout"
	KindCanceled    ErrorKind = "canceled"
	KindTransient   ErrorKind = "transient"
)

// Classify maps err onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case IsPermanent(err):
		return KindInvalid
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, sserrors.ErrProcessingTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindTransient
	}
}
