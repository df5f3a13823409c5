package splitjoin

import (
	"context"
	"time"

	"github.com/wehubfusion/Hydra/pkg/message"
)

// MessageIterator is a lazy, single-pass, finite sequence of messages.
// Usage follows bufio.Scanner: call Next until it returns false, read each
// element with Message, then check Err. Close releases any resources held by
// the sequence and must be called exactly once by the party that obtained it.
type MessageIterator interface {
	// Next advances to the next message. Returns false at the end of the
	// sequence or on error.
	Next() bool
	// Message returns the current message. Only valid after Next returned true.
	Message() *message.Message
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources held by the iterator.
	Close() error
}

// Splitter divides one message into a lazy sequence of split messages.
type Splitter interface {
	// Split returns the sequence of split messages for msg.
	// An error here aborts the invocation before any work is submitted.
	Split(ctx context.Context, msg *message.Message) (MessageIterator, error)
}

// Service is the unit of work executed on every split message.
// Each worker owns its own Service instance, so implementations may keep
// per-instance state without synchronisation.
type Service interface {
	// Init prepares the service. Called once, before Start.
	Init(ctx context.Context) error
	// Start makes the service ready to execute messages.
	Start(ctx context.Context) error
	// Execute processes msg, mutating it in place.
	Execute(ctx context.Context, msg *message.Message) error
	// Stop halts the service. Called once, before Close.
	Stop(ctx context.Context) error
	// Close releases resources held by the service.
	Close(ctx context.Context) error
}

// ServiceFactory builds a fresh, independent Service instance.
// One configuration yields N runtime instances by calling the factory N times.
type ServiceFactory func() (Service, error)

// Validator is an optional liveness check a Service may implement.
// The worker pool consults it before handing an idle worker out again.
type Validator interface {
	IsValid() bool
}

// Aggregator combines processed split messages back into the original message.
type Aggregator interface {
	// Aggregate consumes processed and updates original. The sequence ends
	// once every split message has been processed; if it stops with an error
	// (for example a timeout) processed.Err reports it.
	Aggregate(ctx context.Context, original *message.Message, processed MessageIterator) error
}

// FailureContext describes where a worker failure happened.
type FailureContext struct {
	// WorkerID identifies the worker that ran the message, empty if none was borrowed
	WorkerID string
	// Index is the 1-based split index of the message
	Index int
	// Message is the split message that failed
	Message *message.Message
}

// ErrorAggregator collects per-message outcomes of a single invocation and
// decides once, at the end, whether the invocation fails.
// OnFailure and OnSuccess are called concurrently from worker goroutines.
type ErrorAggregator interface {
	// OnFailure records a failed split message.
	OnFailure(fc FailureContext, err error)
	// OnSuccess records a successfully processed split message.
	OnSuccess(msg *message.Message)
	// Decide returns a non-nil error if the invocation should fail.
	Decide() error
}

// ErrorPolicy creates a fresh ErrorAggregator for each invocation.
type ErrorPolicy func() ErrorAggregator

// EventHandler receives engine lifecycle events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// MetricsCollector collects engine metrics.
type MetricsCollector interface {
	// RecordInvocation records a finished invocation with its status
	RecordInvocation(status string, duration time.Duration)
	// RecordTask records a finished split message task with its status
	RecordTask(status string, duration time.Duration)
	// RecordSplitCount records how many split messages an invocation produced
	RecordSplitCount(count int)
	// SetActiveWorkers records the number of tasks currently executing
	SetActiveWorkers(count int)
	// GetMetrics returns the current metrics
	GetMetrics() Metrics
}

// Metrics holds engine metrics for observability.
type Metrics struct {
	// Invocations is the count of finished invocations
	Invocations int64
	// FailedInvocations is the count of invocations that returned an error
	FailedInvocations int64
	// TasksProcessed is the count of split messages processed successfully
	TasksProcessed int64
	// TaskErrors is the count of split messages whose service call failed
	TaskErrors int64
	// SplitMessages is the total number of split messages produced
	SplitMessages int64
	// TaskTimeNs is the total task processing time in nanoseconds
	TaskTimeNs int64
	// ActiveWorkers is the number of tasks executing at the time of the snapshot
	ActiveWorkers int
}

// Status values used when recording metrics
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)
