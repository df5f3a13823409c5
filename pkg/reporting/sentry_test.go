package reporting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

const testDSN = "https://public@example.com/1"

type capturedEvents struct {
	mu     sync.Mutex
	events []*sentry.Event
}

// beforeSend records events and drops them before they reach the transport
func (c *capturedEvents) beforeSend(opts *sentry.ClientOptions) {
	opts.BeforeSend = func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
		return nil
	}
}

func (c *capturedEvents) all() []*sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sentry.Event(nil), c.events...)
}

func newTestHub(t *testing.T) (*sentry.Hub, *capturedEvents) {
	t.Helper()
	captured := &capturedEvents{}
	hub, err := NewHub(Config{DSN: testDSN, Environment: "test"}, captured.beforeSend)
	require.NoError(t, err)
	return hub, captured
}

func TestSentryPolicy_CapturesFailures(t *testing.T) {
	hub, captured := newTestHub(t)
	agg := SentryPolicy(splitjoin.FailFirst, hub)()

	msg := message.NewStringMessage("row").WithCorrelationID("parent-1")
	boom := errors.New("row rejected")
	agg.OnFailure(splitjoin.FailureContext{WorkerID: "w-1", Index: 4, Message: msg}, boom)
	agg.OnSuccess(message.NewStringMessage("fine"))

	err := agg.Decide()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom, "the wrapped policy still decides")

	events := captured.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "4", ev.Tags["split_index"])
	assert.Equal(t, "w-1", ev.Tags["worker_id"])
	assert.Equal(t, msg.ID, ev.Tags["message_id"])
	assert.Equal(t, "parent-1", ev.Tags["correlation_id"])
	assert.Equal(t, "test", ev.Environment)
	require.NotEmpty(t, ev.Exception)
	assert.Equal(t, "row rejected", ev.Exception[len(ev.Exception)-1].Value)
}

func TestSentryPolicy_IgnoreAllStillReports(t *testing.T) {
	hub, captured := newTestHub(t)
	agg := SentryPolicy(splitjoin.IgnoreAll, hub)()

	agg.OnFailure(splitjoin.FailureContext{Index: 1}, errors.New("first"))
	agg.OnFailure(splitjoin.FailureContext{Index: 2}, errors.New("second"))

	assert.NoError(t, agg.Decide())
	assert.Len(t, captured.all(), 2)
}

func TestSentryPolicy_NilHub(t *testing.T) {
	policy := SentryPolicy(splitjoin.IgnoreAll, nil)
	_, wrapped := policy().(*sentryAggregator)
	assert.False(t, wrapped)
	assert.True(t, Flush(nil, time.Millisecond))
}

func TestNewHub_InvalidDSN(t *testing.T) {
	_, err := NewHub(Config{DSN: "not a dsn"})
	assert.Error(t, err)
}

func TestSentryPolicy_WithEngine(t *testing.T) {
	hub, captured := newTestHub(t)

	cfg := splitjoin.DefaultConfig().
		WithPoolSize(2).
		WithTimeout(5 * time.Second).
		WithPollInterval(time.Millisecond)

	engine, err := splitjoin.NewEngine(cfg,
		splitjoin.SplitterFunc(func(ctx context.Context, msg *message.Message) (splitjoin.MessageIterator, error) {
			return splitjoin.NewSliceIterator([]*message.Message{
				message.NewStringMessage("ok"),
				message.NewStringMessage("bad"),
			}), nil
		}),
		splitjoin.FuncFactory(func(ctx context.Context, msg *message.Message) error {
			if msg.PayloadString() == "bad" {
				return errors.New("bad payload")
			}
			return nil
		}),
		splitjoin.AggregatorFunc(func(ctx context.Context, original *message.Message, processed splitjoin.MessageIterator) error {
			_, err := splitjoin.Collect(processed)
			return err
		}),
		splitjoin.WithErrorPolicy(SentryPolicy(splitjoin.IgnoreIfAnySuccessful, hub)),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() { _ = engine.Close(ctx) })

	_, err = engine.Execute(ctx, message.NewStringMessage("batch"))
	require.NoError(t, err, "one success is enough for the wrapped policy")

	events := captured.all()
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].Tags["split_index"])
	assert.NotEmpty(t, events[0].Tags["worker_id"])
}
