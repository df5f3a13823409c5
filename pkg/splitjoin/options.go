package splitjoin

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures optional engine collaborators
type Option func(*Engine)

// WithLogger sets the engine logger. A nil logger disables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger == nil {
			logger = zap.NewNop()
		}
		e.logger = logger
	}
}

// WithEventHandler sets the sink for lifecycle events.
// Events are only sent when Config.SendEvents is on.
func WithEventHandler(handler EventHandler) Option {
	return func(e *Engine) {
		e.events = handler
	}
}

// WithMetricsCollector replaces the in-memory metrics collector
func WithMetricsCollector(metrics MetricsCollector) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithErrorPolicy sets the error policy, overriding Config.ErrorPolicy
func WithErrorPolicy(policy ErrorPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithTracer sets the tracer used for engine spans.
// The default is the global tracer provider's TracerName tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithTracerProvider builds the engine tracer from provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(e *Engine) {
		if provider != nil {
			e.tracer = provider.Tracer(TracerName)
		}
	}
}
