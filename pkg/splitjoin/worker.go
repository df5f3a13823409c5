package splitjoin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Hydra/pkg/message"
)

// WorkerState is the lifecycle state of a worker's service
type WorkerState int32

const (
	WorkerStateCreated WorkerState = iota
	WorkerStateStarted
	WorkerStateFailed
	WorkerStateClosed
)

// String returns the string representation of the worker state
func (s WorkerState) String() string {
	switch s {
	case WorkerStateCreated:
		return "created"
	case WorkerStateStarted:
		return "started"
	case WorkerStateFailed:
		return "failed"
	case WorkerStateClosed:
		return "closed"
	}
	return "unknown"
}

// Worker owns one Service instance built by the pool's factory.
// A worker serves exactly one task at a time; the pool guarantees a borrowed
// worker is never handed to anyone else until it has been returned.
type Worker struct {
	id      string
	service Service
	state   atomic.Int32

	createdAt  time.Time
	lastUsedAt time.Time // only touched by the current owner
	executions atomic.Int64
}

// newWorker builds a worker around a fresh service from factory
func newWorker(factory ServiceFactory) (*Worker, error) {
	svc, err := factory()
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, fmt.Errorf("service factory returned nil service")
	}

	now := time.Now()
	w := &Worker{
		id:         uuid.NewString(),
		service:    svc,
		createdAt:  now,
		lastUsedAt: now,
	}
	w.state.Store(int32(WorkerStateCreated))
	return w, nil
}

// ID returns the unique identifier of the worker
func (w *Worker) ID() string {
	return w.id
}

// State returns the current lifecycle state
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Executions returns how many messages this worker has executed
func (w *Worker) Executions() int64 {
	return w.executions.Load()
}

// start initialises and starts the underlying service
func (w *Worker) start(ctx context.Context) error {
	if err := w.service.Init(ctx); err != nil {
		w.state.Store(int32(WorkerStateFailed))
		return fmt.Errorf("init service: %w", err)
	}
	if err := w.service.Start(ctx); err != nil {
		w.state.Store(int32(WorkerStateFailed))
		return fmt.Errorf("start service: %w", err)
	}
	w.state.Store(int32(WorkerStateStarted))
	return nil
}

// Execute runs the service on msg. A panic inside the service is recovered and
// returned as an error; the worker is then marked failed so the pool discards it.
func (w *Worker) Execute(ctx context.Context, msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.state.Store(int32(WorkerStateFailed))
			err = fmt.Errorf("panic during execution: %v\n%s", r, debug.Stack())
		}
	}()

	w.executions.Add(1)
	return w.service.Execute(ctx, msg)
}

// IsValid reports whether the worker may be reused
func (w *Worker) IsValid() bool {
	if w.State() != WorkerStateStarted {
		return false
	}
	if v, ok := w.service.(Validator); ok {
		return v.IsValid()
	}
	return true
}

// idleFor returns how long the worker has been idle
func (w *Worker) idleFor(now time.Time) time.Duration {
	return now.Sub(w.lastUsedAt)
}

// destroy stops and closes the service. Safe to call once per worker.
func (w *Worker) destroy(ctx context.Context) error {
	prev := WorkerState(w.state.Swap(int32(WorkerStateClosed)))
	if prev == WorkerStateClosed {
		return nil
	}

	var stopErr error
	if prev == WorkerStateStarted {
		stopErr = w.service.Stop(ctx)
	}
	closeErr := w.service.Close(ctx)

	if stopErr != nil {
		return fmt.Errorf("stop service: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close service: %w", closeErr)
	}
	return nil
}
