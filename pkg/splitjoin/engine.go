package splitjoin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Hydra/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Hydra/pkg/errors"
	"github.com/wehubfusion/Hydra/pkg/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EngineState is the lifecycle state of an Engine
type EngineState int32

const (
	EngineStateCreated EngineState = iota
	EngineStateInitialised
	EngineStateStarted
	EngineStateStopped
	EngineStateClosed
)

// String returns the string representation of the engine state
func (s EngineState) String() string {
	switch s {
	case EngineStateCreated:
		return "created"
	case EngineStateInitialised:
		return "initialised"
	case EngineStateStarted:
		return "started"
	case EngineStateStopped:
		return "stopped"
	case EngineStateClosed:
		return "closed"
	}
	return "unknown"
}

// Engine splits a message, runs a Service on every split message through a
// bounded worker pool, and aggregates the processed messages back into the
// original.
//
// The worker pool, task executor and backpressure limiter belong to the
// engine and are shared by concurrent Execute calls. Everything else is
// created per invocation.
type Engine struct {
	config     Config
	splitter   Splitter
	factory    ServiceFactory
	aggregator Aggregator

	policy  ErrorPolicy
	events  EventHandler
	metrics MetricsCollector
	logger  *zap.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	state    atomic.Int32
	limiter  *concurrency.Limiter
	executor *TaskExecutor
	pool     *WorkerPool
	inflight sync.WaitGroup
}

// NewEngine creates an engine in the created state. Call Init and Start
// before Execute.
func NewEngine(config Config, splitter Splitter, factory ServiceFactory, aggregator Aggregator, opts ...Option) (*Engine, error) {
	if splitter == nil {
		return nil, errors.New("splitter cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("service factory cannot be nil")
	}
	if aggregator == nil {
		return nil, errors.New("aggregator cannot be nil")
	}

	e := &Engine{
		config:     config,
		splitter:   splitter,
		factory:    factory,
		aggregator: aggregator,
		events:     NoOpEventHandler{},
		metrics:    NewMetricsCollector(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = NoOpEventHandler{}
	}
	e.state.Store(int32(EngineStateCreated))
	return e, nil
}

// State returns the current lifecycle state
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// Metrics returns a snapshot of the engine metrics
func (e *Engine) Metrics() Metrics {
	return e.metrics.GetMetrics()
}

// PoolStats returns worker pool statistics. Zero before Init.
func (e *Engine) PoolStats() PoolStats {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool == nil {
		return PoolStats{}
	}
	return pool.Stats()
}

// Init validates the configuration and builds the limiter, task executor and
// worker pool. An engine can be initialised again after Close.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if s := e.State(); s != EngineStateCreated && s != EngineStateClosed {
		e.mu.Unlock()
		return illegalTransition("init", s)
	}
	if err := e.config.Validate(); err != nil {
		e.mu.Unlock()
		return sdkerrors.LifecycleFailure("invalid engine configuration", err)
	}
	if e.policy == nil {
		policy, err := PolicyByName(e.config.ErrorPolicy)
		if err != nil {
			e.mu.Unlock()
			return sdkerrors.LifecycleFailure("invalid error policy", err)
		}
		e.policy = policy
	}

	e.limiter = concurrency.NewLimiter(e.config.PoolSize)
	e.executor = NewTaskExecutor(e.config.PoolSize, e.logger)
	e.executor.Start()
	e.pool = NewWorkerPool(e.factory, e.config.poolConfig(), e.logger)
	e.pool.StartEviction()
	e.state.Store(int32(EngineStateInitialised))
	e.mu.Unlock()

	e.logger.Info("Split-join engine initialised",
		zap.Int("pool_size", e.config.PoolSize),
		zap.Duration("timeout", e.config.Timeout),
		zap.String("error_policy", e.config.ErrorPolicy),
		zap.Bool("warm_start", e.config.WarmStart))
	e.emit(ctx, NewEvent(EventEngineInitialised))
	return nil
}

// Start makes the engine accept invocations. With WarmStart the pool is
// filled first; a worker creation failure aborts the transition.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	s := e.State()
	if s != EngineStateInitialised && s != EngineStateStopped {
		e.mu.Unlock()
		return illegalTransition("start", s)
	}
	pool := e.pool
	e.mu.Unlock()

	if e.config.WarmStart {
		if err := pool.Warmup(ctx); err != nil {
			e.logger.Error("Failed to warm worker pool", zap.Error(err))
			return err
		}
	}

	e.mu.Lock()
	if s := e.State(); s != EngineStateInitialised && s != EngineStateStopped {
		e.mu.Unlock()
		return illegalTransition("start", s)
	}
	e.state.Store(int32(EngineStateStarted))
	e.mu.Unlock()

	e.logger.Info("Split-join engine started", zap.String("pool", pool.Stats().String()))
	e.emit(ctx, NewEvent(EventEngineStarted))
	return nil
}

// Stop rejects new invocations and waits for running ones to finish or ctx to end.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if s := e.State(); s != EngineStateStarted {
		e.mu.Unlock()
		return illegalTransition("stop", s)
	}
	e.state.Store(int32(EngineStateStopped))
	e.mu.Unlock()

	err := e.awaitInflight(ctx)
	e.logger.Info("Split-join engine stopped")
	e.emit(ctx, NewEvent(EventEngineStopped))
	return err
}

// Close stops the engine if needed, shuts the task executor down and closes
// every pooled worker. Closing a closed engine is a no-op.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	s := e.State()
	if s == EngineStateClosed {
		e.mu.Unlock()
		return nil
	}
	executor, pool := e.executor, e.pool
	e.state.Store(int32(EngineStateClosed))
	e.mu.Unlock()

	var errs error
	if s == EngineStateStarted {
		errs = multierr.Append(errs, e.awaitInflight(ctx))
	}
	if executor != nil {
		errs = multierr.Append(errs, executor.Shutdown(ctx))
	}
	if pool != nil {
		errs = multierr.Append(errs, pool.Close(ctx))
	}

	if errs != nil {
		e.logger.Warn("Split-join engine closed with errors", zap.Error(errs))
	} else {
		e.logger.Info("Split-join engine closed")
	}
	e.emit(ctx, NewEvent(EventEngineClosed))
	return errs
}

func (e *Engine) awaitInflight(ctx context.Context) error {
	return waitGroup(ctx, &e.inflight, "waiting for running invocations")
}

// waitGroup waits for wg or fails with a timeout once ctx is done
func waitGroup(ctx context.Context, wg *sync.WaitGroup, waiting string) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return sdkerrors.FromContext(waiting, ctx.Err())
	}
}

// invocation holds the state of one Execute call. It is never shared
// between calls.
type invocation struct {
	id       string
	original *message.Message

	limiter  *concurrency.Limiter
	executor *TaskExecutor
	pool     *WorkerPool

	results   *ResultChannel
	pending   *PendingCount
	record    ErrorAggregator
	submitted atomic.Int64

	// tasks counts submitted tasks that have not yet recorded their outcome
	tasks sync.WaitGroup

	// panicked holds the first panic raised outside the service call
	panicked atomic.Pointer[sdkerrors.Error]

	// produceErr is written by the producer before done is closed
	done       chan struct{}
	produceErr error
}

func (inv *invocation) event(eventType EventType) Event {
	ev := NewEvent(eventType)
	ev.InvocationID = inv.id
	ev.MessageID = inv.original.ID
	return ev
}

// begin registers a new invocation if the engine is started
func (e *Engine) begin(msg *message.Message) (*invocation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != EngineStateStarted {
		return nil, sdkerrors.ErrNotStarted
	}
	e.inflight.Add(1)

	return &invocation{
		id:       uuid.NewString(),
		original: msg,
		limiter:  e.limiter,
		executor: e.executor,
		pool:     e.pool,
		results:  NewResultChannel(),
		pending:  NewPendingCount(),
		record:   e.policy(),
		done:     make(chan struct{}),
	}, nil
}

// Execute splits msg, processes every split message concurrently and
// aggregates the results into msg, which is returned. On success msg carries
// MetadataSplitCount. Any fatal condition is returned as one error wrapping
// the root cause; worker failures are attached as secondary causes.
//
// A Splitter failure, including one reported by the split iterator after some
// messages were already submitted, fails the invocation whatever the error
// policy. The policy only decides on worker failures.
func (e *Engine) Execute(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if msg == nil {
		return nil, errors.New("message cannot be nil")
	}
	inv, err := e.begin(msg)
	if err != nil {
		return msg, err
	}
	defer e.inflight.Done()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "splitjoin.Execute",
		trace.WithAttributes(
			attribute.String("invocation.id", inv.id),
			attribute.String("message.id", msg.ID),
			attribute.Int("pool.size", e.config.PoolSize),
			attribute.Int64("timeout_ms", e.config.Timeout.Milliseconds()),
		))
	defer span.End()

	e.logger.Debug("Invocation started",
		zap.String("invocation_id", inv.id),
		zap.String("message_id", msg.ID))
	e.emit(ctx, inv.event(EventInvocationStarted))

	err = e.run(ctx, inv)
	duration := time.Since(start)
	count := int(inv.submitted.Load())

	span.SetAttributes(
		attribute.Int("split.count", count),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)

	// ctx may already be past its deadline; events still go out
	eventCtx := context.WithoutCancel(ctx)

	if err != nil {
		code := sdkerrors.CodeOf(err)
		if code == "" {
			code = sdkerrors.CodeWorkerFailure
		}
		err = sdkerrors.NewError(code, fmt.Sprintf("split-join invocation %s failed", inv.id), err)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordInvocation(StatusFailed, duration)
		e.logger.Error("Invocation failed",
			zap.String("invocation_id", inv.id),
			zap.String("message_id", msg.ID),
			zap.String("code", code),
			zap.Int("split_count", count),
			zap.Duration("duration", duration),
			zap.Error(err))
		e.emit(eventCtx, inv.event(EventInvocationFailed).
			WithData("code", code).
			WithData("error", err.Error()))
		return msg, err
	}

	span.SetStatus(codes.Ok, "Invocation completed")
	e.metrics.RecordInvocation(StatusSuccess, duration)
	e.logger.Debug("Invocation completed",
		zap.String("invocation_id", inv.id),
		zap.String("message_id", msg.ID),
		zap.Int("split_count", count),
		zap.Duration("duration", duration))
	e.emit(eventCtx, inv.event(EventInvocationCompleted).
		WithData(MetadataSplitCount, strconv.Itoa(count)))
	return msg, nil
}

// run drives one invocation: split, process concurrently, aggregate, decide, annotate
func (e *Engine) run(ctx context.Context, inv *invocation) error {
	it, err := e.split(ctx, inv)
	if err != nil {
		return err
	}

	go e.produce(ctx, inv, it)

	processed := newResultIterator(ctx, inv.results, inv.pending, e.config.PollInterval)
	if err := e.aggregate(ctx, inv, processed); err != nil {
		return err
	}

	select {
	case <-inv.done:
	case <-ctx.Done():
		return sdkerrors.FromContext("waiting for split messages to be submitted", ctx.Err())
	}
	if inv.produceErr != nil {
		return inv.produceErr
	}
	if err := waitGroup(ctx, &inv.tasks, "waiting for split messages to finish"); err != nil {
		return err
	}
	if err := inv.panicked.Load(); err != nil {
		return err
	}

	count := int(inv.submitted.Load())
	e.metrics.RecordSplitCount(count)

	if err := inv.record.Decide(); err != nil {
		return err
	}

	inv.original.WithIntMetadata(MetadataSplitCount, count)
	return nil
}

// split obtains the split message sequence
func (e *Engine) split(ctx context.Context, inv *invocation) (it MessageIterator, err error) {
	ctx, span := e.tracer.Start(ctx, "splitjoin.split",
		trace.WithAttributes(attribute.String("invocation.id", inv.id)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			it, err = nil, sdkerrors.SplitFailure(fmt.Errorf("panic while splitting: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	it, err = e.splitter.Split(ctx, inv.original)
	if err != nil {
		return nil, sdkerrors.SplitFailure(err)
	}
	if it == nil {
		return nil, sdkerrors.SplitFailure(errors.New("splitter returned no messages"))
	}
	return it, nil
}

// produce runs on its own goroutine. It stamps each split message with its
// index, waits for capacity, and submits a task per message. PendingCount is
// set once the sequence is exhausted or submission stops.
func (e *Engine) produce(ctx context.Context, inv *invocation, it MessageIterator) {
	defer close(inv.done)
	defer func() {
		if r := recover(); r != nil {
			inv.produceErr = sdkerrors.SplitFailure(fmt.Errorf("panic while splitting: %v", r))
		}
		if err := it.Close(); err != nil {
			e.logger.Warn("Failed to close split message iterator",
				zap.String("invocation_id", inv.id),
				zap.Error(err))
		}
		inv.pending.Set(int(inv.submitted.Load()))
		inv.results.Wake()
	}()

	index := 0
	for it.Next() {
		msg := it.Message()
		if msg == nil {
			inv.produceErr = sdkerrors.SplitFailure(fmt.Errorf("split message %d is nil", index+1))
			return
		}
		index++
		msg.WithIntMetadata(MetadataSplitIndex, index)

		if err := inv.limiter.Acquire(ctx); err != nil {
			inv.produceErr = sdkerrors.FromContext("waiting for worker capacity", err)
			return
		}

		inv.tasks.Add(1)
		if err := inv.executor.Submit(ctx, e.task(ctx, inv, msg, index)); err != nil {
			inv.tasks.Done()
			inv.limiter.Release()
			if errors.Is(err, ErrExecutorClosed) {
				err = sdkerrors.LifecycleFailure("engine closed during invocation", err)
			}
			inv.produceErr = err
			return
		}
		inv.submitted.Add(1)
	}

	if err := it.Err(); err != nil {
		inv.produceErr = sdkerrors.SplitFailure(err)
	}
}

// task builds the unit of work for one split message. The message is always
// pushed to the result channel and the worker returned, whatever the outcome.
func (e *Engine) task(ctx context.Context, inv *invocation, msg *message.Message, index int) Task {
	return func() {
		defer inv.tasks.Done()
		defer inv.limiter.Release()

		var worker *Worker
		defer func() {
			if r := recover(); r != nil {
				err := sdkerrors.WorkerFailure(index, fmt.Errorf("panic in split message task: %v", r))
				inv.panicked.CompareAndSwap(nil, err)
				e.logger.Error("Split message task panicked",
					zap.String("invocation_id", inv.id),
					zap.Int("split_index", index),
					zap.Any("panic", r))
			}
			inv.results.Push(msg)
			if worker != nil {
				inv.pool.Return(worker)
			}
		}()

		start := time.Now()
		ctx, span := e.tracer.Start(ctx, "splitjoin.task",
			trace.WithAttributes(
				attribute.String("invocation.id", inv.id),
				attribute.Int("split.index", index),
			))
		defer span.End()

		e.metrics.SetActiveWorkers(int(inv.limiter.CurrentActive()))

		worker, err := inv.pool.Borrow(ctx)
		if err == nil {
			span.SetAttributes(attribute.String("worker.id", worker.ID()))
			if execErr := worker.Execute(ctx, msg); execErr != nil {
				err = sdkerrors.WorkerFailure(index, execErr)
			}
		}

		status := StatusSuccess
		if err != nil {
			status = StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			fc := FailureContext{Index: index, Message: msg}
			if worker != nil {
				fc.WorkerID = worker.ID()
			}
			inv.record.OnFailure(fc, err)

			e.logger.Debug("Split message failed",
				zap.String("invocation_id", inv.id),
				zap.Int("split_index", index),
				zap.String("worker_id", fc.WorkerID),
				zap.Error(err))
		} else {
			span.SetStatus(codes.Ok, "Split message processed")
			inv.record.OnSuccess(msg)
		}

		e.metrics.RecordTask(status, time.Since(start))
	}
}

// aggregate runs the aggregator over the processed messages, bounded by the
// invocation deadline. A deadline hit while polling results wins over
// whatever the aggregator made of it.
func (e *Engine) aggregate(ctx context.Context, inv *invocation, processed *resultIterator) error {
	ctx, span := e.tracer.Start(ctx, "splitjoin.aggregate",
		trace.WithAttributes(attribute.String("invocation.id", inv.id)))
	defer span.End()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic during aggregation: %v", r)
			}
		}()
		result <- e.aggregator.Aggregate(ctx, inv.original, processed)
	}()

	var err error
	select {
	case aggErr := <-result:
		switch {
		case processed.Err() != nil:
			err = processed.Err()
		case ctx.Err() != nil:
			err = sdkerrors.FromContext("waiting on the aggregator", ctx.Err())
		case aggErr != nil:
			err = sdkerrors.AggregationFailure(aggErr)
		}
	case <-ctx.Done():
		err = sdkerrors.FromContext("waiting on the aggregator", ctx.Err())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attribute.Int("aggregate.count", processed.Produced()))
	return nil
}

// emit sends event to the handler when events are enabled.
// Handler errors are logged and never fail the caller.
func (e *Engine) emit(ctx context.Context, event Event) {
	if !e.config.SendEvents {
		return
	}
	if err := e.events.HandleEvent(ctx, event); err != nil {
		e.logger.Warn("Event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("invocation_id", event.InvocationID),
			zap.Error(err))
	}
}

func illegalTransition(op string, state EngineState) error {
	return sdkerrors.LifecycleFailure(fmt.Sprintf("cannot %s engine in state %s", op, state), nil)
}
