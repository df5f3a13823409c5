package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks concurrency limiter performance metrics
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter provides semaphore-based concurrency control with observability.
// It is the backpressure gate of the engine: a producer blocks in Acquire while
// the number of active slots equals the capacity.
type Limiter struct {
	sem      chan struct{}
	capacity int
	active   int64

	totalAcquired   int64
	totalReleased   int64
	peakConcurrent  int64
	totalWaitTimeNs int64
}

// NewLimiter creates a new concurrency limiter with the specified maximum concurrent operations
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:      make(chan struct{}, maxConcurrent),
		capacity: maxConcurrent,
	}
}

// Acquire blocks until a slot is free or ctx is done.
// Returns ctx.Err() if the context ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	// Fail fast on an already expired context even if a slot is free
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		l.onAcquired(time.Since(start))
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking. Returns false if none is free.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		l.onAcquired(0)
		return true
	default:
		return false
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.totalReleased, 1)
	default:
		// Should not happen in correct usage
	}
}

// Capacity returns the maximum number of concurrent slots
func (l *Limiter) Capacity() int {
	return l.capacity
}

// CurrentActive returns the current number of acquired slots
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.totalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.totalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.peakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.totalWaitTimeNs),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}

	avgNs := metrics.TotalWaitTimeNs / metrics.TotalAcquired
	return time.Duration(avgNs)
}

// Reset resets the metrics (useful for testing or periodic resets)
func (l *Limiter) Reset() {
	atomic.StoreInt64(&l.totalAcquired, 0)
	atomic.StoreInt64(&l.totalReleased, 0)
	atomic.StoreInt64(&l.peakConcurrent, atomic.LoadInt64(&l.active))
	atomic.StoreInt64(&l.totalWaitTimeNs, 0)
}

func (l *Limiter) onAcquired(wait time.Duration) {
	atomic.AddInt64(&l.totalWaitTimeNs, wait.Nanoseconds())
	atomic.AddInt64(&l.totalAcquired, 1)

	current := atomic.AddInt64(&l.active, 1)
	l.updatePeak(current)
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.peakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&l.peakConcurrent, peak, current) {
			break
		}
	}
}
