// Package prometheus exposes split-join engine metrics to Prometheus.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "hydra"

// Collector implements splitjoin.MetricsCollector using Prometheus.
// It also keeps an in-memory snapshot so GetMetrics keeps working.
type Collector struct {
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	tasks              *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	splitCount         prometheus.Histogram
	activeWorkers      prometheus.Gauge

	snapshot *splitjoin.DefaultMetricsCollector
}

// NewCollector registers the engine metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	return NewCollectorWithNamespace(reg, DefaultNamespace)
}

// NewCollectorWithNamespace registers the engine metrics under namespace
func NewCollectorWithNamespace(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "splitjoin",
				Name:      "invocations_total",
				Help:      "Total number of split-join invocations",
			},
			[]string{"status"},
		),
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "splitjoin",
				Name:      "invocation_duration_seconds",
				Help:      "Split-join invocation duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"status"},
		),
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "splitjoin",
				Name:      "tasks_total",
				Help:      "Total number of split messages processed",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "splitjoin",
				Name:      "task_duration_seconds",
				Help:      "Split message processing duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"status"},
		),
		splitCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "splitjoin",
				Name:      "split_messages",
				Help:      "Number of split messages produced per invocation",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		activeWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "splitjoin",
				Name:      "active_workers",
				Help:      "Number of split messages currently executing",
			},
		),
		snapshot: splitjoin.NewMetricsCollector(),
	}
}

// RecordInvocation implements splitjoin.MetricsCollector
func (c *Collector) RecordInvocation(status string, duration time.Duration) {
	c.invocations.WithLabelValues(status).Inc()
	c.invocationDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.snapshot.RecordInvocation(status, duration)
}

// RecordTask implements splitjoin.MetricsCollector
func (c *Collector) RecordTask(status string, duration time.Duration) {
	c.tasks.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.snapshot.RecordTask(status, duration)
}

// RecordSplitCount implements splitjoin.MetricsCollector
func (c *Collector) RecordSplitCount(count int) {
	c.splitCount.Observe(float64(count))
	c.snapshot.RecordSplitCount(count)
}

// SetActiveWorkers implements splitjoin.MetricsCollector
func (c *Collector) SetActiveWorkers(count int) {
	c.activeWorkers.Set(float64(count))
	c.snapshot.SetActiveWorkers(count)
}

// GetMetrics implements splitjoin.MetricsCollector
func (c *Collector) GetMetrics() splitjoin.Metrics {
	return c.snapshot.GetMetrics()
}

// RegisterPoolStats exposes worker pool statistics as gauges read from stats on every scrape
func RegisterPoolStats(reg prometheus.Registerer, namespace string, stats func() splitjoin.PoolStats) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	gauge := func(name, help string, value func(splitjoin.PoolStats) float64) {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker_pool",
				Name:      name,
				Help:      help,
			},
			func() float64 { return value(stats()) },
		)
	}

	gauge("size", "Configured worker pool size", func(s splitjoin.PoolStats) float64 { return float64(s.Size) })
	gauge("live", "Workers currently alive", func(s splitjoin.PoolStats) float64 { return float64(s.Live) })
	gauge("idle", "Workers waiting to be borrowed", func(s splitjoin.PoolStats) float64 { return float64(s.Idle) })
	gauge("created", "Workers created since start", func(s splitjoin.PoolStats) float64 { return float64(s.TotalCreated) })
	gauge("destroyed", "Workers destroyed since start", func(s splitjoin.PoolStats) float64 { return float64(s.TotalDestroyed) })
}

var _ splitjoin.MetricsCollector = (*Collector)(nil)
