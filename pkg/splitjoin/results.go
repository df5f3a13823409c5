package splitjoin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	sdkerrors "github.com/wehubfusion/Hydra/pkg/errors"
	"github.com/wehubfusion/Hydra/pkg/message"
)

// ResultChannel is an unbounded FIFO handing processed split messages from
// workers to the aggregating goroutine. Push never blocks.
type ResultChannel struct {
	mu     sync.Mutex
	queue  []*message.Message
	signal chan struct{}
}

// NewResultChannel creates an empty result channel
func NewResultChannel() *ResultChannel {
	return &ResultChannel{
		signal: make(chan struct{}, 1),
	}
}

// Push appends msg and wakes a waiting consumer
func (c *ResultChannel) Push(msg *message.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.Wake()
}

// TryPop removes the oldest message without blocking
func (c *ResultChannel) TryPop() (*message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}
	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return msg, true
}

// Len returns the number of queued messages
func (c *ResultChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Wake signals a waiting consumer without queueing anything
func (c *ResultChannel) Wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until the channel is signalled, interval elapses, or ctx is done.
// It returns ctx.Err() only in the last case.
func (c *ResultChannel) Wait(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-c.signal:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingUnknown is the value of a PendingCount before the producer has
// finished enumerating split messages.
const PendingUnknown = -1

// PendingCount is the total number of split messages of one invocation.
// It starts unknown and is set exactly once by the producer.
type PendingCount struct {
	v atomic.Int64
}

// NewPendingCount creates a pending count in the unknown state
func NewPendingCount() *PendingCount {
	p := &PendingCount{}
	p.v.Store(PendingUnknown)
	return p
}

// Set records the final count. Only the first call has any effect.
// Returns false if the count was already set.
func (p *PendingCount) Set(n int) bool {
	return p.v.CompareAndSwap(PendingUnknown, int64(n))
}

// Get returns the count and whether it is known yet
func (p *PendingCount) Get() (int, bool) {
	v := p.v.Load()
	if v == PendingUnknown {
		return 0, false
	}
	return int(v), true
}

// resultIterator presents a ResultChannel as a finite MessageIterator.
// The sequence is unbounded until the pending count is known, and ends once
// that many messages have been produced.
type resultIterator struct {
	ctx          context.Context
	results      *ResultChannel
	pending      *PendingCount
	pollInterval time.Duration

	produced int
	cur      *message.Message
	err      error
	done     bool
}

func newResultIterator(ctx context.Context, results *ResultChannel, pending *PendingCount, pollInterval time.Duration) *resultIterator {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &resultIterator{
		ctx:          ctx,
		results:      results,
		pending:      pending,
		pollInterval: pollInterval,
	}
}

// Next waits for the next processed message
func (it *resultIterator) Next() bool {
	if it.done {
		return false
	}

	for {
		if err := it.ctx.Err(); err != nil {
			return it.fail(sdkerrors.FromContext("waiting for split message results", err))
		}

		if total, ok := it.pending.Get(); ok && it.produced >= total {
			it.done = true
			it.cur = nil
			return false
		}

		if msg, ok := it.results.TryPop(); ok {
			it.produced++
			it.cur = msg
			return true
		}

		if err := it.results.Wait(it.ctx, it.pollInterval); err != nil {
			return it.fail(sdkerrors.FromContext("waiting for split message results", err))
		}
	}
}

func (it *resultIterator) fail(err error) bool {
	it.err = err
	it.done = true
	it.cur = nil
	return false
}

func (it *resultIterator) Message() *message.Message { return it.cur }
func (it *resultIterator) Err() error                { return it.err }
func (it *resultIterator) Close() error              { return nil }

// Produced returns how many messages the iterator has handed out
func (it *resultIterator) Produced() int {
	return it.produced
}
