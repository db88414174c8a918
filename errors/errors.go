// Package errors provides classified error handling for stream-viewer
// components. Errors are tagged with a class (transient, timeout, invalid,
// fatal) so callers such as the refresh scheduler and the transport layer can
// decide between retrying, surfacing, and aborting without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass partitions failures by how the caller should react.
type ErrorClass int

const (
	// ErrorTransient marks temporary failures worth retrying, such as a
	// dropped broker connection or an unreachable advertisement bucket.
	ErrorTransient ErrorClass = iota
	// ErrorTimeout marks operations that exceeded their deadline. A timed-out
	// discovery pass is retryable but reported distinctly from transport
	// failures so schedulers can widen the timeout instead of hammering.
	ErrorTimeout
	// ErrorInvalid marks failures caused by bad input or configuration.
	ErrorInvalid
	// ErrorFatal marks unrecoverable failures that should stop the session.
	ErrorFatal
)

// String returns the lowercase name of the class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorTimeout:
		return "timeout"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors shared across packages.
var (
	// Registry errors
	ErrRefreshInFlight = errors.New("refresh already in flight")
	ErrRegistryClosed  = errors.New("registry closed")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrShuttingDown   = errors.New("shutting down")

	// Connection and transport errors
	ErrNotConnected    = errors.New("not connected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrSubscribeFailed = errors.New("subscribe failed")
	ErrPublishFailed   = errors.New("publish failed")
	ErrAdvertGone      = errors.New("advertisement expired")
	ErrBucketNotFound  = errors.New("bucket not found")
	ErrKeyNotFound     = errors.New("key not found")
	ErrCircuitOpen     = errors.New("circuit breaker open")

	// Data errors
	ErrInvalidChunk   = errors.New("invalid sample chunk")
	ErrDecodingFailed = errors.New("decoding failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Plugin errors
	ErrUnknownPlugin   = errors.New("unknown plugin key")
	ErrDuplicatePlugin = errors.New("plugin key already registered")
	ErrSchemaViolation = errors.New("config schema violation")
)

// ClassifiedError wraps an error with its class and origin.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the class of err. Unclassified errors default to
// transient so unknown failures stay retryable; context errors map to
// timeout since they always originate from an expired or cancelled bound.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTimeout
	}
	if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrInvalidChunk) || errors.Is(err, ErrSchemaViolation) {
		return ErrorInvalid
	}
	return ErrorTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorTransient
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return err != nil && Classify(err) == ErrorTimeout
}

// IsInvalid reports whether err stems from bad input or configuration.
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

// IsFatal reports whether err should stop the owning session.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// Wrap builds the standard "component.method: action failed: %w" error.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as transient with origin context.
func WrapTransient(err error, component, method, action string) error {
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapTimeout wraps err as a deadline failure with origin context.
func WrapTimeout(err error, component, method, action string) error {
	return newClassified(ErrorTimeout, err, component, method, action)
}

// WrapInvalid wraps err as invalid with origin context.
func WrapInvalid(err error, component, method, action string) error {
	return newClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err as fatal with origin context.
func WrapFatal(err error, component, method, action string) error {
	return newClassified(ErrorFatal, err, component, method, action)
}
