// Package splitjoin provides the split-join execution engine for Hydra.
//
// An Engine divides one message into many with a Splitter, runs a Service on
// every split message concurrently through a bounded pool of workers, and
// hands the processed messages to an Aggregator that merges them back into
// the original message.
//
// # Key Components
//
// Engine: Owns the worker pool, the task executor and the backpressure
// limiter, and drives each invocation through
// Split → Process → Aggregate → Decide → Annotate.
//
// WorkerPool: Bounded pool of started Workers. Each Worker owns its own
// Service instance built by the configured ServiceFactory, so services may
// keep per-instance state. Idle workers are evicted on a timer.
//
// TaskExecutor: Fixed set of goroutines, one per pool slot, running one
// split message task each.
//
// ResultChannel: Unbounded FIFO from finished tasks to the aggregating
// goroutine, read through a deadline-aware MessageIterator.
//
// ErrorAggregator: Per-invocation record of failures and successes. The
// ErrorPolicy decides once, after aggregation, whether the invocation fails.
//
// # Invocation Flow
//
//	caller ──Execute──► split ──► producer goroutine ──Submit──► TaskExecutor
//	                                  │ limiter.Acquire            │ Borrow/Execute/Return
//	                                  ▼                            ▼
//	                             PendingCount               ResultChannel
//	                                  └──────────┬─────────────────┘
//	                                             ▼
//	                                 Aggregator (processed iterator)
//
// The producer stamps every split message with its 1-based index under
// MetadataSplitIndex and blocks while PoolSize tasks are in flight. The
// processed iterator has no known length until the producer has drained the
// splitter; it ends once the number of messages it has handed out equals
// PendingCount.
//
// # Ordering
//
// Processed messages reach the aggregator in completion order. Aggregators
// that need submission order must sort by MetadataSplitIndex.
//
// # Deadlines and Cancellation
//
// Each invocation has one deadline, Config.Timeout from the start of Execute
// (or the caller's deadline if earlier). Every wait (capacity, worker borrow,
// result polling, the aggregator itself) fails with a TIMEOUT error once it
// passes. Services receive the invocation context and should return when it
// is done; a service that ignores it keeps its worker until it returns.
//
// # Error Policies
//
//   - fail-first (default): the first failure is the cause, later ones are
//     attached as secondary causes
//   - ignore-all: worker failures never fail the invocation
//   - ignore-if-any-successful: fails only if no split message carries
//     MetadataSplitSuccessful=true
//
// Split failures, aggregation failures and timeouts always fail the
// invocation. Failed split messages are still passed to the aggregator.
//
// # Usage
//
//	cfg := splitjoin.DefaultConfig().WithPoolSize(4)
//	engine, err := splitjoin.NewEngine(cfg, split.NewLineSplitter(10), factory, aggregate.NewAppendingAggregator(),
//		splitjoin.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := engine.Init(ctx); err != nil {
//		return err
//	}
//	if err := engine.Start(ctx); err != nil {
//		return err
//	}
//	defer engine.Close(context.Background())
//
//	msg, err = engine.Execute(ctx, msg)
package splitjoin
