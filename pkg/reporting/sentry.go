// Package reporting forwards split-join worker failures to Sentry.
package reporting

import (
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// Config holds Sentry client settings
type Config struct {
	DSN         string  `env:"HYDRA_SENTRY_DSN" yaml:"dsn"`
	Environment string  `env:"HYDRA_SENTRY_ENVIRONMENT" yaml:"environment"`
	Release     string  `env:"HYDRA_SENTRY_RELEASE" yaml:"release"`
	SampleRate  float64 `env:"HYDRA_SENTRY_SAMPLE_RATE" yaml:"sampleRate"`
}

// NewHub creates a hub with its own client so reporting does not touch the global hub.
// An empty DSN yields a hub that drops every event.
func NewHub(cfg Config, opts ...func(*sentry.ClientOptions)) (*sentry.Hub, error) {
	options := sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}

// Flush waits up to timeout for buffered events to be sent
func Flush(hub *sentry.Hub, timeout time.Duration) bool {
	if hub == nil {
		return true
	}
	return hub.Flush(timeout)
}

// SentryPolicy decorates policy so every captured worker failure is also
// reported to hub, tagged with its split index and worker.
// The decision itself is left to policy.
func SentryPolicy(policy splitjoin.ErrorPolicy, hub *sentry.Hub) splitjoin.ErrorPolicy {
	if hub == nil {
		return policy
	}
	return func() splitjoin.ErrorAggregator {
		return &sentryAggregator{inner: policy(), hub: hub}
	}
}

type sentryAggregator struct {
	inner splitjoin.ErrorAggregator
	hub   *sentry.Hub
}

func (a *sentryAggregator) OnFailure(fc splitjoin.FailureContext, err error) {
	hub := a.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "splitjoin")
		scope.SetTag("split_index", strconv.Itoa(fc.Index))
		if fc.WorkerID != "" {
			scope.SetTag("worker_id", fc.WorkerID)
		}
		if fc.Message != nil {
			scope.SetTag("message_id", fc.Message.ID)
			if fc.Message.CorrelationID != "" {
				scope.SetTag("correlation_id", fc.Message.CorrelationID)
			}
			scope.SetContext("split_message", sentry.Context{
				"metadata":     fc.Message.Metadata,
				"payload_size": len(fc.Message.Payload),
			})
		}
	})
	hub.CaptureException(err)

	a.inner.OnFailure(fc, err)
}

func (a *sentryAggregator) OnSuccess(msg *message.Message) {
	a.inner.OnSuccess(msg)
}

func (a *sentryAggregator) Decide() error {
	return a.inner.Decide()
}
