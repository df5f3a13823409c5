package splitjoin

import (
	"sync/atomic"
	"time"
)

// DefaultMetricsCollector is a thread-safe in-memory MetricsCollector.
type DefaultMetricsCollector struct {
	invocations       atomic.Int64
	failedInvocations atomic.Int64
	processed         atomic.Int64
	errors            atomic.Int64
	splitMessages     atomic.Int64
	totalTaskTime     atomic.Int64
	activeWorkers     atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{}
}

// RecordInvocation records a finished invocation.
func (m *DefaultMetricsCollector) RecordInvocation(status string, duration time.Duration) {
	m.invocations.Add(1)
	if status != StatusSuccess {
		m.failedInvocations.Add(1)
	}
}

// RecordTask records a finished split message task.
func (m *DefaultMetricsCollector) RecordTask(status string, duration time.Duration) {
	if status == StatusSuccess {
		m.processed.Add(1)
	} else {
		m.errors.Add(1)
	}
	m.totalTaskTime.Add(duration.Nanoseconds())
}

// RecordSplitCount records the number of split messages of one invocation.
func (m *DefaultMetricsCollector) RecordSplitCount(count int) {
	m.splitMessages.Add(int64(count))
}

// SetActiveWorkers records the number of executing tasks.
func (m *DefaultMetricsCollector) SetActiveWorkers(count int) {
	m.activeWorkers.Store(int64(count))
}

// GetMetrics returns the current metrics.
func (m *DefaultMetricsCollector) GetMetrics() Metrics {
	return Metrics{
		Invocations:       m.invocations.Load(),
		FailedInvocations: m.failedInvocations.Load(),
		TasksProcessed:    m.processed.Load(),
		TaskErrors:        m.errors.Load(),
		SplitMessages:     m.splitMessages.Load(),
		TaskTimeNs:        m.totalTaskTime.Load(),
		ActiveWorkers:     int(m.activeWorkers.Load()),
	}
}

// Reset resets all metrics.
func (m *DefaultMetricsCollector) Reset() {
	m.invocations.Store(0)
	m.failedInvocations.Store(0)
	m.processed.Store(0)
	m.errors.Store(0)
	m.splitMessages.Store(0)
	m.totalTaskTime.Store(0)
	m.activeWorkers.Store(0)
}

// AverageTaskTime returns the average processing time per split message.
func (m *DefaultMetricsCollector) AverageTaskTime() time.Duration {
	total := m.processed.Load() + m.errors.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.totalTaskTime.Load() / total)
}

// ErrorRate returns the task error rate as a percentage.
func (m *DefaultMetricsCollector) ErrorRate() float64 {
	processed := m.processed.Load()
	errors := m.errors.Load()
	total := processed + errors
	if total == 0 {
		return 0
	}
	return float64(errors) / float64(total) * 100
}

// Ensure DefaultMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*DefaultMetricsCollector)(nil)

// NoOpMetricsCollector is a metrics collector that does nothing.
type NoOpMetricsCollector struct{}

func (m *NoOpMetricsCollector) RecordInvocation(status string, duration time.Duration) {}
func (m *NoOpMetricsCollector) RecordTask(status string, duration time.Duration)       {}
func (m *NoOpMetricsCollector) RecordSplitCount(count int)                             {}
func (m *NoOpMetricsCollector) SetActiveWorkers(count int)                             {}
func (m *NoOpMetricsCollector) GetMetrics() Metrics                                    { return Metrics{} }

// Ensure NoOpMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*NoOpMetricsCollector)(nil)
