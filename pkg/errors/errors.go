package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes used across the engine
const (
	CodeSplitFailure       = "SPLIT_FAILURE"
	CodeWorkerFailure      = "WORKER_FAILURE"
	CodeTimeout            = "TIMEOUT"
	CodeAggregationFailure = "AGGREGATION_FAILURE"
	CodePoolFailure        = "POOL_FAILURE"
	CodeLifecycleFailure   = "LIFECYCLE_FAILURE"
)

var (
	// ErrTimeout indicates that the invocation deadline passed while waiting
	ErrTimeout = errors.New("operation timed out")

	// ErrSplitFailed indicates that the splitter could not produce its messages
	ErrSplitFailed = errors.New("split failed")

	// ErrWorkerFailed indicates that a service invocation on a split message failed
	ErrWorkerFailed = errors.New("worker failed")

	// ErrAggregationFailed indicates that the aggregator failed
	ErrAggregationFailed = errors.New("aggregation failed")

	// ErrPoolFailed indicates that a worker could not be created or started
	ErrPoolFailed = errors.New("worker pool failure")

	// ErrPoolClosed indicates that the worker pool has been closed
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrNotStarted indicates that the engine is not in the started state
	ErrNotStarted = errors.New("engine not started")

	// ErrInvalidConfig indicates that the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error is a structured engine error.
// Err is the primary cause; Secondary holds sibling causes that occurred
// alongside it (for example other worker failures of the same invocation).
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying primary error, if any
	Err error

	// Secondary holds additional causes attached to the primary one
	Secondary []error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if n := len(e.Secondary); n > 0 {
		b.WriteString(fmt.Sprintf(" (+%d more)", n))
	}
	return b.String()
}

// Unwrap returns the primary error followed by every secondary error,
// so errors.Is and errors.As walk the whole cause tree.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 1+len(e.Secondary))
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return append(errs, e.Secondary...)
}

// NewError creates a new engine error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithSecondary attaches additional causes and returns the receiver
func (e *Error) WithSecondary(errs ...error) *Error {
	for _, err := range errs {
		if err != nil {
			e.Secondary = append(e.Secondary, err)
		}
	}
	return e
}

// Timeout builds a TIMEOUT error for the named wait. cause may be nil.
func Timeout(waiting string, cause error) *Error {
	if cause == nil {
		cause = ErrTimeout
	} else {
		cause = fmt.Errorf("%w: %w", ErrTimeout, cause)
	}
	return NewError(CodeTimeout, "deadline exceeded while "+waiting, cause)
}

// SplitFailure wraps an error raised by the splitter
func SplitFailure(err error) *Error {
	return NewError(CodeSplitFailure, "splitter failed", fmt.Errorf("%w: %w", ErrSplitFailed, err))
}

// WorkerFailure wraps an error raised by a service while handling split message index
func WorkerFailure(index int, err error) *Error {
	return NewError(CodeWorkerFailure, fmt.Sprintf("split message %d failed", index), fmt.Errorf("%w: %w", ErrWorkerFailed, err))
}

// AggregationFailure wraps an error raised by the aggregator
func AggregationFailure(err error) *Error {
	return NewError(CodeAggregationFailure, "aggregator failed", fmt.Errorf("%w: %w", ErrAggregationFailed, err))
}

// PoolFailure wraps an error raised while creating or starting a worker
func PoolFailure(message string, err error) *Error {
	return NewError(CodePoolFailure, message, fmt.Errorf("%w: %w", ErrPoolFailed, err))
}

// LifecycleFailure reports an illegal or failed engine state transition
func LifecycleFailure(message string, err error) *Error {
	return NewError(CodeLifecycleFailure, message, err)
}

// FromContext converts a context error observed during a blocking wait into a
// TIMEOUT error. Other errors are returned unchanged.
func FromContext(waiting string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout(waiting, err)
	}
	return err
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if none
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsSplitFailure checks if an error originated in the splitter
func IsSplitFailure(err error) bool {
	return errors.Is(err, ErrSplitFailed)
}

// IsWorkerFailure checks if an error originated in a service invocation
func IsWorkerFailure(err error) bool {
	return errors.Is(err, ErrWorkerFailed)
}

// IsAggregationFailure checks if an error originated in the aggregator
func IsAggregationFailure(err error) bool {
	return errors.Is(err, ErrAggregationFailed)
}

// IsPoolFailure checks if an error originated in worker creation or start
func IsPoolFailure(err error) bool {
	return errors.Is(err, ErrPoolFailed)
}
