package splitjoin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	sdkerrors "github.com/wehubfusion/Hydra/pkg/errors"
	"go.uber.org/zap"
)

// ErrExecutorClosed is returned when submitting to an executor that has been shut down.
var ErrExecutorClosed = errors.New("task executor is shut down")

// Task is a unit of work run by the TaskExecutor.
type Task func()

// TaskExecutor runs tasks on a fixed number of goroutines.
// Its size matches the worker pool so that every running task can hold a worker.
type TaskExecutor struct {
	size   int
	tasks  chan Task
	logger *zap.Logger
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	// closing is closed by Shutdown to release blocked submitters
	closing    chan struct{}
	submitting sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
}

// NewTaskExecutor creates a new executor with size goroutines.
func NewTaskExecutor(size int, logger *zap.Logger) *TaskExecutor {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TaskExecutor{
		size:    size,
		tasks:   make(chan Task, size),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the executor goroutines. Calling Start twice is a no-op.
func (e *TaskExecutor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true

	e.logger.Debug("Starting task executor", zap.Int("workers", e.size))

	for i := 0; i < e.size; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
}

// worker is a single executor goroutine. It exits once the task channel is
// closed and drained.
func (e *TaskExecutor) worker(id int) {
	defer e.wg.Done()

	for task := range e.tasks {
		e.run(id, task)
	}

	e.logger.Debug("Executor worker stopped", zap.Int("executor_id", id))
}

func (e *TaskExecutor) run(id int, task Task) {
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		e.completed.Add(1)
		if r := recover(); r != nil {
			e.logger.Error("Task panicked", zap.Int("executor_id", id), zap.Any("panic", r))
		}
	}()
	task()
}

// Submit queues task for execution. It blocks while the queue is full until
// ctx is done or the executor shuts down. Returns ErrExecutorClosed after Shutdown.
func (e *TaskExecutor) Submit(ctx context.Context, task Task) error {
	e.mu.RLock()
	if e.closed || !e.started {
		e.mu.RUnlock()
		return ErrExecutorClosed
	}
	e.submitting.Add(1)
	e.mu.RUnlock()
	defer e.submitting.Done()

	select {
	case <-e.closing:
		return ErrExecutorClosed
	default:
	}

	select {
	case e.tasks <- task:
		return nil
	case <-e.closing:
		return ErrExecutorClosed
	case <-ctx.Done():
		return sdkerrors.FromContext("submitting task", ctx.Err())
	}
}

// Shutdown stops accepting tasks, lets queued tasks finish, and waits for the
// goroutines to exit or ctx to end.
func (e *TaskExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closing)
	e.mu.Unlock()

	// tasks is only closed once no submitter can still send on it
	e.submitting.Wait()
	close(e.tasks)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()

	select {
	case <-done:
		e.logger.Debug("Task executor shut down", zap.Int64("completed", e.completed.Load()))
		return nil
	case <-ctx.Done():
		return sdkerrors.FromContext("shutting down task executor", ctx.Err())
	}
}

// Size returns the number of executor goroutines
func (e *TaskExecutor) Size() int {
	return e.size
}

// Active returns the number of tasks currently running
func (e *TaskExecutor) Active() int {
	return int(e.active.Load())
}

// Completed returns the number of tasks that have finished
func (e *TaskExecutor) Completed() int64 {
	return e.completed.Load()
}
