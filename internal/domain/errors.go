package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected means there is no broker session.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrNotInitialized means a registry or queue was used before its backing resource exists.
	ErrNotInitialized = errors.New("not initialized")
	// ErrNotFound means a registry entry, DLQ item or stream does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTimeout means a bounded wait finished without a result.
	ErrTimeout = errors.New("timeout")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports a malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// BrokerError wraps a broker-reported failure with the operation and target that failed.
type BrokerError struct {
	Op     string
	Target string
	Err    error
}

func (e *BrokerError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// WrapBroker returns nil when err is nil, otherwise a *BrokerError.
func WrapBroker(op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &BrokerError{Op: op, Target: target, Err: err}
}

// NotFoundf returns an error matching ErrNotFound that names the missing thing.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
