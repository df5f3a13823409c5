package splitjoin

import (
	"context"
	"time"

	internaltracing "github.com/wehubfusion/Hydra/internal/tracing"
	"go.uber.org/zap"
)

// TracerName is the instrumentation name of engine spans
const TracerName = "github.com/wehubfusion/Hydra/pkg/splitjoin"

// TracingConfig is the public tracing configuration used by engine hosts.
// It mirrors the internal tracing configuration but keeps the implementation private.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	SampleRatio    float64
}

// DefaultTracingConfig returns a development-friendly tracing configuration.
func DefaultTracingConfig(serviceName string) TracingConfig {
	return fromInternalConfig(internaltracing.DefaultConfig(serviceName))
}

// SetupTracing installs a global OTLP/HTTP tracer provider.
// Call the returned function through ShutdownTracing when the host exits.
func SetupTracing(ctx context.Context, config TracingConfig, logger *zap.Logger) (func(context.Context) error, error) {
	return internaltracing.Setup(ctx, config.toInternalConfig(), logger)
}

// ShutdownTracing flushes pending spans, waiting at most ten seconds.
func ShutdownTracing(shutdown func(context.Context) error, logger *zap.Logger) error {
	return internaltracing.Shutdown(shutdown, 10*time.Second, logger)
}

func (c TracingConfig) toInternalConfig() internaltracing.Config {
	return internaltracing.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		Insecure:       c.Insecure,
		SampleRatio:    c.SampleRatio,
	}
}

func fromInternalConfig(cfg internaltracing.Config) TracingConfig {
	return TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.Insecure,
		SampleRatio:    cfg.SampleRatio,
	}
}
