package splitjoin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sdkerrors "github.com/wehubfusion/Hydra/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	// Size is the maximum number of live workers.
	Size int

	// IdleTimeout is how long a worker may sit idle before eviction.
	// Zero disables idle eviction.
	IdleTimeout time.Duration

	// EvictionInterval is how often idle workers are inspected.
	// Zero disables the eviction loop.
	EvictionInterval time.Duration
}

// PoolStats contains worker pool statistics
type PoolStats struct {
	Size           int   `json:"size"`
	Live           int   `json:"live"`
	Idle           int   `json:"idle"`
	TotalCreated   int64 `json:"total_created"`
	TotalBorrowed  int64 `json:"total_borrowed"`
	TotalReturned  int64 `json:"total_returned"`
	TotalDestroyed int64 `json:"total_destroyed"`
}

// String returns a string representation of the stats
func (s PoolStats) String() string {
	return fmt.Sprintf(
		"Pool Stats: Size=%d, Live=%d, Idle=%d, Created=%d, Borrowed=%d, Returned=%d, Destroyed=%d",
		s.Size, s.Live, s.Idle, s.TotalCreated, s.TotalBorrowed, s.TotalReturned, s.TotalDestroyed,
	)
}

// WorkerPool is a bounded pool of started workers built from a ServiceFactory.
//
// Borrowing blocks while Size workers are out. Every borrower holds a token
// from tokens for as long as it holds a worker, which keeps the number of
// live workers at or below Size.
type WorkerPool struct {
	factory ServiceFactory
	config  WorkerPoolConfig
	logger  *zap.Logger

	idle   chan *Worker
	tokens chan struct{}
	live   atomic.Int32

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	totalCreated   atomic.Int64
	totalBorrowed  atomic.Int64
	totalReturned  atomic.Int64
	totalDestroyed atomic.Int64
}

// NewWorkerPool creates a new worker pool. No worker is created until Borrow or Warmup.
func NewWorkerPool(factory ServiceFactory, config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		factory: factory,
		config:  config,
		logger:  logger,
		idle:    make(chan *Worker, config.Size),
		tokens:  make(chan struct{}, config.Size),
		done:    make(chan struct{}),
	}
}

// StartEviction launches the periodic idle eviction loop.
// It is a no-op when eviction is disabled in the config.
func (p *WorkerPool) StartEviction() {
	if p.config.EvictionInterval <= 0 || p.config.IdleTimeout <= 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.EvictionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				if n := p.EvictIdle(); n > 0 {
					p.logger.Debug("Evicted idle workers", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// Warmup creates workers until Size are live, so that cold-start cost is paid
// up front rather than on the first messages. Any creation error is returned.
func (p *WorkerPool) Warmup(ctx context.Context) error {
	if p.isClosed() {
		return sdkerrors.ErrPoolClosed
	}

	created := 0
	for p.reserve() {
		w, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.putIdle(w)
		created++
	}

	p.logger.Info("Worker pool warmed up",
		zap.Int("created", created),
		zap.Int("pool_size", p.config.Size))
	return nil
}

// Borrow returns a started worker, creating one if the pool has spare
// capacity. It blocks while Size workers are borrowed until one is returned,
// ctx is done, or the pool is closed.
func (p *WorkerPool) Borrow(ctx context.Context) (*Worker, error) {
	if p.isClosed() {
		return nil, sdkerrors.ErrPoolClosed
	}

	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, sdkerrors.FromContext("borrowing worker", ctx.Err())
	case <-p.done:
		return nil, sdkerrors.ErrPoolClosed
	}

	for {
		select {
		case w := <-p.idle:
			if p.accept(w) {
				return w, nil
			}
			continue
		default:
		}

		if p.reserve() {
			w, err := p.create(ctx)
			if err != nil {
				p.releaseToken()
				return nil, err
			}
			p.totalBorrowed.Add(1)
			return w, nil
		}

		// Every live worker is idle-but-inspected by the evictor; wait for it.
		select {
		case w := <-p.idle:
			if p.accept(w) {
				return w, nil
			}
		case <-ctx.Done():
			p.releaseToken()
			return nil, sdkerrors.FromContext("borrowing worker", ctx.Err())
		case <-p.done:
			p.releaseToken()
			return nil, sdkerrors.ErrPoolClosed
		}
	}
}

// Return hands a borrowed worker back to the pool
func (p *WorkerPool) Return(w *Worker) {
	if w == nil {
		return
	}
	p.totalReturned.Add(1)

	if w.IsValid() {
		w.lastUsedAt = time.Now()
		p.putIdle(w)
	} else {
		p.destroy(w)
	}
	p.releaseToken()
}

// Invalidate discards a borrowed worker instead of returning it
func (p *WorkerPool) Invalidate(w *Worker) {
	if w == nil {
		return
	}
	p.totalReturned.Add(1)
	p.destroy(w)
	p.releaseToken()
}

// EvictIdle destroys idle workers that exceeded IdleTimeout or failed validation.
// Returns the number of destroyed workers.
func (p *WorkerPool) EvictIdle() int {
	evicted := 0
	candidates := len(p.idle)

	for i := 0; i < candidates; i++ {
		select {
		case p.tokens <- struct{}{}:
		default:
			return evicted
		}

		var w *Worker
		select {
		case w = <-p.idle:
		default:
			p.releaseToken()
			return evicted
		}

		expired := p.config.IdleTimeout > 0 && w.idleFor(time.Now()) >= p.config.IdleTimeout
		if expired || !w.IsValid() {
			p.destroy(w)
			evicted++
		} else {
			p.putIdle(w)
		}
		p.releaseToken()
	}

	return evicted
}

// Close stops the eviction loop and destroys every idle worker.
// Workers still borrowed are destroyed when they are returned.
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	var errs error
	for {
		select {
		case w := <-p.idle:
			errs = multierr.Append(errs, p.destroyWithContext(ctx, w))
			continue
		default:
		}
		break
	}

	p.logger.Info("Worker pool closed", zap.String("stats", p.Stats().String()))
	return errs
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Size:           p.config.Size,
		Live:           int(p.live.Load()),
		Idle:           len(p.idle),
		TotalCreated:   p.totalCreated.Load(),
		TotalBorrowed:  p.totalBorrowed.Load(),
		TotalReturned:  p.totalReturned.Load(),
		TotalDestroyed: p.totalDestroyed.Load(),
	}
}

// Size returns the configured capacity
func (p *WorkerPool) Size() int {
	return p.config.Size
}

// accept validates an idle worker before lending it out
func (p *WorkerPool) accept(w *Worker) bool {
	if !w.IsValid() {
		p.logger.Warn("Discarding invalid worker",
			zap.String("worker_id", w.ID()),
			zap.String("state", w.State().String()))
		p.destroy(w)
		return false
	}
	w.lastUsedAt = time.Now()
	p.totalBorrowed.Add(1)
	return true
}

// reserve claims capacity for one new worker
func (p *WorkerPool) reserve() bool {
	for {
		live := p.live.Load()
		if int(live) >= p.config.Size {
			return false
		}
		if p.live.CompareAndSwap(live, live+1) {
			return true
		}
	}
}

// create builds and starts a worker on reserved capacity.
// The reservation is released on failure.
func (p *WorkerPool) create(ctx context.Context) (*Worker, error) {
	w, err := newWorker(p.factory)
	if err != nil {
		p.live.Add(-1)
		return nil, sdkerrors.PoolFailure("failed to create worker", err)
	}

	if err := w.start(ctx); err != nil {
		_ = w.destroy(ctx)
		p.live.Add(-1)
		return nil, sdkerrors.PoolFailure("failed to start worker", err)
	}

	p.totalCreated.Add(1)
	p.logger.Debug("Worker created",
		zap.String("worker_id", w.ID()),
		zap.Int32("live", p.live.Load()))
	return w, nil
}

// putIdle places w back on the idle queue, or destroys it if the pool is closed
func (p *WorkerPool) putIdle(w *Worker) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(w)
		return
	}
	select {
	case p.idle <- w:
		p.mu.Unlock()
	default:
		// Should not happen: live workers never exceed the idle capacity
		p.mu.Unlock()
		p.destroy(w)
	}
}

func (p *WorkerPool) destroy(w *Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.destroyWithContext(ctx, w); err != nil {
		p.logger.Warn("Error destroying worker", zap.String("worker_id", w.ID()), zap.Error(err))
	}
}

func (p *WorkerPool) destroyWithContext(ctx context.Context, w *Worker) error {
	err := w.destroy(ctx)
	p.live.Add(-1)
	p.totalDestroyed.Add(1)
	return err
}

func (p *WorkerPool) releaseToken() {
	select {
	case <-p.tokens:
	default:
	}
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
