package splitjoin

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Hydra/pkg/errors"
	"github.com/wehubfusion/Hydra/pkg/message"
)

func testConfig(poolSize int) Config {
	return DefaultConfig().
		WithPoolSize(poolSize).
		WithTimeout(5 * time.Second).
		WithPollInterval(time.Millisecond)
}

func sliceSplitter(payloads ...string) Splitter {
	return SplitterFunc(func(ctx context.Context, msg *message.Message) (MessageIterator, error) {
		return NewSliceIterator(textMessages(payloads...)), nil
	})
}

// collectingAggregator keeps every processed message it receives
type collectingAggregator struct {
	mu    sync.Mutex
	got   []*message.Message
	calls int
}

func (a *collectingAggregator) Aggregate(ctx context.Context, original *message.Message, processed MessageIterator) error {
	msgs, err := Collect(processed)
	a.mu.Lock()
	a.got = msgs
	a.calls++
	a.mu.Unlock()
	return err
}

func (a *collectingAggregator) messages() []*message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.got
}

// concatAggregator appends processed payloads to the original in arrival order
func concatAggregator() Aggregator {
	return AggregatorFunc(func(ctx context.Context, original *message.Message, processed MessageIterator) error {
		var b strings.Builder
		for processed.Next() {
			b.WriteString(processed.Message().PayloadString())
		}
		if err := processed.Err(); err != nil {
			return err
		}
		original.WithStringPayload(b.String())
		return nil
	})
}

func newStartedEngine(t *testing.T, cfg Config, splitter Splitter, factory ServiceFactory, agg Aggregator, opts ...Option) *Engine {
	t.Helper()

	engine, err := NewEngine(cfg, splitter, factory, agg, opts...)
	require.NoError(t, err)
	require.NoError(t, engine.Init(context.Background()))
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})
	return engine
}

func splitIndex(t *testing.T, msg *message.Message) int {
	t.Helper()
	idx, ok := msg.IntMetadata(MetadataSplitIndex)
	require.True(t, ok, "split message without index")
	return idx
}

func TestEngine_AggregatesEverySplitMessage(t *testing.T) {
	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(4), sliceSplitter("a", "b", "c"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error {
			msg.WithStringPayload(strings.ToUpper(msg.PayloadString()))
			return nil
		}), agg)

	original := message.NewStringMessage("abc")
	out, err := engine.Execute(context.Background(), original)
	require.NoError(t, err)

	assert.Same(t, original, out)
	assert.Equal(t, "3", out.MetadataValue(MetadataSplitCount))

	got := agg.messages()
	require.Len(t, got, 3)

	var payloads []string
	var indexes []int
	for _, m := range got {
		payloads = append(payloads, m.PayloadString())
		indexes = append(indexes, splitIndex(t, m))
	}
	sort.Strings(payloads)
	sort.Ints(indexes)
	assert.Equal(t, []string{"A", "B", "C"}, payloads)
	assert.Equal(t, []int{1, 2, 3}, indexes)
}

func TestEngine_PeakConcurrencyNeverExceedsPoolSize(t *testing.T) {
	for _, poolSize := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("poolsize=%d", poolSize), func(t *testing.T) {
			var running, peak atomic.Int32
			service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
				n := running.Add(1)
				defer running.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
				return nil
			})

			payloads := make([]string, 20)
			for i := range payloads {
				payloads[i] = fmt.Sprint(i)
			}

			agg := &collectingAggregator{}
			engine := newStartedEngine(t, testConfig(poolSize), sliceSplitter(payloads...), service, agg)

			_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
			require.NoError(t, err)

			assert.Len(t, agg.messages(), 20)
			assert.LessOrEqual(t, peak.Load(), int32(poolSize))
			assert.LessOrEqual(t, engine.PoolStats().TotalCreated, int64(poolSize))
		})
	}
}

func TestEngine_SameMultisetAcrossRuns(t *testing.T) {
	payloads := []string{"p", "q", "r", "s", "t", "u"}
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return nil
	})

	var want []string
	for run := 0; run < 5; run++ {
		agg := &collectingAggregator{}
		engine := newStartedEngine(t, testConfig(3), sliceSplitter(payloads...), service, agg)

		_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
		require.NoError(t, err)

		var got []string
		for _, m := range agg.messages() {
			got = append(got, m.PayloadString())
		}
		sort.Strings(got)
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "run %d", run)
	}
}

func TestEngine_FiveMessagesTwoWorkers(t *testing.T) {
	var results sync.Map
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		msg.WithMetadata("done", "true")
		results.Store(msg.ID, msg)
		return nil
	})

	engine := newStartedEngine(t, testConfig(2), sliceSplitter("1", "2", "3", "4", "5"), service, concatAggregator())

	out, err := engine.Execute(context.Background(), message.NewStringMessage(""))
	require.NoError(t, err)

	count := 0
	results.Range(func(_, v any) bool {
		count++
		assert.Equal(t, "true", v.(*message.Message).MetadataValue("done"))
		return true
	})
	assert.Equal(t, 5, count)

	payload := []byte(out.PayloadString())
	sort.Slice(payload, func(i, j int) bool { return payload[i] < payload[j] })
	assert.Equal(t, "12345", string(payload))
	assert.Equal(t, "5", out.MetadataValue(MetadataSplitCount))
}

func TestEngine_FailFirstStillAggregatesEveryMessage(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		if idx, _ := msg.IntMetadata(MetadataSplitIndex); idx == 2 {
			return errors.New("cannot process 2")
		}
		msg.WithMetadata("touched", "true")
		return nil
	})

	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(2), sliceSplitter("a", "b", "c", "d"), service, agg)

	original := message.NewStringMessage("in")
	_, err := engine.Execute(context.Background(), original)
	require.Error(t, err)

	assert.True(t, sdkerrors.IsWorkerFailure(err))
	assert.Equal(t, sdkerrors.CodeWorkerFailure, sdkerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "cannot process 2")
	assert.False(t, original.HasMetadata(MetadataSplitCount))

	got := agg.messages()
	require.Len(t, got, 4)
	for _, m := range got {
		if splitIndex(t, m) == 2 {
			assert.Equal(t, "b", m.PayloadString())
			assert.False(t, m.HasMetadata("touched"))
		} else {
			assert.Equal(t, "true", m.MetadataValue("touched"))
		}
	}
}

func TestEngine_MultipleFailuresAttachedAsSecondary(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		return fmt.Errorf("failed %s", msg.PayloadString())
	})

	engine := newStartedEngine(t, testConfig(3), sliceSplitter("x", "y", "z"), service, &collectingAggregator{})

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)

	var policyErr *sdkerrors.Error
	require.ErrorAs(t, err, &policyErr)

	// the outermost error wraps the policy decision
	inner, ok := policyErr.Err.(*sdkerrors.Error)
	require.True(t, ok)
	assert.Len(t, inner.Secondary, 2)
	for _, p := range []string{"x", "y", "z"} {
		assert.Contains(t, collectMessages(err), "failed "+p)
	}
}

// collectMessages flattens the error tree into one string
func collectMessages(err error) string {
	var b strings.Builder
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		b.WriteString(err.Error())
		b.WriteString("\n")
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return b.String()
}

func TestEngine_IgnoreIfAnySuccessful(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		if idx, _ := msg.IntMetadata(MetadataSplitIndex); idx == 2 {
			return errors.New("second message fails")
		}
		return nil
	})

	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(2).WithErrorPolicy(PolicyIgnoreIfAnySuccessful),
		sliceSplitter("1", "2", "3"), service, agg)

	out, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.NoError(t, err)
	assert.Equal(t, "3", out.MetadataValue(MetadataSplitCount))

	got := agg.messages()
	require.Len(t, got, 3)
	for _, m := range got {
		if splitIndex(t, m) == 2 {
			assert.False(t, m.HasMetadata(MetadataSplitSuccessful))
		} else {
			assert.Equal(t, "true", m.MetadataValue(MetadataSplitSuccessful))
		}
	}
}

func TestEngine_IgnoreAllWithOption(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		return errors.New("always fails")
	})

	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(2), sliceSplitter("1", "2"), service, agg, WithErrorPolicy(IgnoreAll))

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.NoError(t, err)
	assert.Len(t, agg.messages(), 2)
	assert.Equal(t, int64(2), engine.Metrics().TaskErrors)
}

func TestEngine_TimeoutWithSlowService(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	cfg := testConfig(2).WithTimeout(time.Millisecond)
	engine := newStartedEngine(t, cfg, sliceSplitter("a", "b"), service, &collectingAggregator{})

	start := time.Now()
	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, sdkerrors.IsTimeout(err), "expected timeout, got %v", err)
	assert.Equal(t, sdkerrors.CodeTimeout, sdkerrors.CodeOf(err))
	assert.Less(t, elapsed, 400*time.Millisecond, "invocation must not wait for the service")
}

func TestEngine_TimeoutWhileWaitingOnAggregator(t *testing.T) {
	agg := AggregatorFunc(func(ctx context.Context, original *message.Message, processed MessageIterator) error {
		<-ctx.Done()
		return nil
	})

	cfg := testConfig(1).WithTimeout(20 * time.Millisecond)
	engine := newStartedEngine(t, cfg, sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), agg)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsTimeout(err))
}

func TestEngine_ServiceSeesCancellationAfterTimeout(t *testing.T) {
	cancelled := make(chan struct{})
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	cfg := testConfig(1).WithTimeout(10 * time.Millisecond)
	engine := newStartedEngine(t, cfg, sliceSplitter("a"), service, &collectingAggregator{})

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("service context was not cancelled")
	}
}

func TestEngine_ExecuteBeforeStart(t *testing.T) {
	engine, err := NewEngine(testConfig(1), sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), &collectingAggregator{})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), message.NewStringMessage("in"))
	assert.ErrorIs(t, err, sdkerrors.ErrNotStarted)

	require.NoError(t, engine.Init(context.Background()))
	_, err = engine.Execute(context.Background(), message.NewStringMessage("in"))
	assert.ErrorIs(t, err, sdkerrors.ErrNotStarted)
	require.NoError(t, engine.Close(context.Background()))
}

func TestEngine_SplitterError(t *testing.T) {
	agg := &collectingAggregator{}
	splitter := SplitterFunc(func(ctx context.Context, msg *message.Message) (MessageIterator, error) {
		return nil, errors.New("malformed input")
	})
	engine := newStartedEngine(t, testConfig(2), splitter, FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), agg)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsSplitFailure(err))
	assert.Equal(t, sdkerrors.CodeSplitFailure, sdkerrors.CodeOf(err))
	assert.Equal(t, 0, agg.calls)
}

// failingIterator yields its messages and then stops with err
type failingIterator struct {
	MessageIterator
	err    error
	closed atomic.Bool
}

func (it *failingIterator) Err() error {
	return it.err
}

func (it *failingIterator) Close() error {
	it.closed.Store(true)
	return nil
}

func TestEngine_SplitterFailsMidSequenceIsFatalEvenWhenIgnoringFailures(t *testing.T) {
	it := &failingIterator{
		MessageIterator: NewSliceIterator(textMessages("a", "b")),
		err:             errors.New("truncated input"),
	}
	splitter := SplitterFunc(func(ctx context.Context, msg *message.Message) (MessageIterator, error) {
		return it, nil
	})

	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(2).WithErrorPolicy(PolicyIgnoreAll), splitter, FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), agg)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsSplitFailure(err))
	assert.Contains(t, err.Error(), "truncated input")
	assert.Len(t, agg.messages(), 2, "already submitted messages still drain")
	assert.True(t, it.closed.Load(), "split iterator must be closed")
}

func TestEngine_AggregatorError(t *testing.T) {
	agg := AggregatorFunc(func(ctx context.Context, original *message.Message, processed MessageIterator) error {
		_, _ = Collect(processed)
		return errors.New("cannot merge")
	})
	engine := newStartedEngine(t, testConfig(2), sliceSplitter("a", "b"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), agg)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsAggregationFailure(err))
	assert.Equal(t, sdkerrors.CodeAggregationFailure, sdkerrors.CodeOf(err))
}

func TestEngine_AggregatorPanic(t *testing.T) {
	agg := AggregatorFunc(func(ctx context.Context, original *message.Message, processed MessageIterator) error {
		panic("aggregator bug")
	})
	engine := newStartedEngine(t, testConfig(1), sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), agg)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsAggregationFailure(err))
	assert.Contains(t, err.Error(), "aggregator bug")
}

func TestEngine_ServicePanicIsWorkerFailure(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		panic("service bug")
	})
	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(1), sliceSplitter("a", "b"), service, agg)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsWorkerFailure(err))
	assert.Len(t, agg.messages(), 2)
	assert.Eventually(t, func() bool {
		return engine.PoolStats().TotalDestroyed == 2
	}, time.Second, time.Millisecond, "panicked workers are discarded")
}

func TestEngine_EmptySplit(t *testing.T) {
	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(2), sliceSplitter(), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), agg)

	out, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.NoError(t, err)
	assert.Equal(t, "0", out.MetadataValue(MetadataSplitCount))
	assert.Equal(t, 1, agg.calls)
	assert.Empty(t, agg.messages())
}

func TestEngine_ConcurrentInvocationsShareThePool(t *testing.T) {
	var running, peak atomic.Int32
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	})

	engine := newStartedEngine(t, testConfig(2), sliceSplitter("a", "b", "c", "d"), service, concatAggregator())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := engine.Execute(context.Background(), message.NewStringMessage(""))
			if assert.NoError(t, err) {
				assert.Equal(t, "4", out.MetadataValue(MetadataSplitCount))
				assert.Len(t, out.PayloadString(), 4)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(4), engine.Metrics().Invocations)
	assert.Equal(t, int64(16), engine.Metrics().SplitMessages)
}

func TestEngine_WarmStart(t *testing.T) {
	counts := &lifecycleCounts{}
	engine := newStartedEngine(t, testConfig(3).WithWarmStart(true), sliceSplitter("a"),
		trackedFactory(counts, nil), &collectingAggregator{})

	assert.Equal(t, int32(3), counts.starts.Load())
	assert.Equal(t, 3, engine.PoolStats().Idle)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), counts.created.Load(), "no worker created after warm up")

	require.NoError(t, engine.Close(context.Background()))
	assert.Equal(t, int32(3), counts.stops.Load())
	assert.Equal(t, int32(3), counts.closes.Load())
}

func TestEngine_WarmStartFailureAbortsStart(t *testing.T) {
	engine, err := NewEngine(testConfig(2).WithWarmStart(true), sliceSplitter("a"),
		trackedFactory(&lifecycleCounts{}, errors.New("license expired")), &collectingAggregator{})
	require.NoError(t, err)
	require.NoError(t, engine.Init(context.Background()))
	defer engine.Close(context.Background())

	err = engine.Start(context.Background())
	require.Error(t, err)
	assert.True(t, sdkerrors.IsPoolFailure(err))
	assert.Equal(t, EngineStateInitialised, engine.State())
}

func TestEngine_Lifecycle(t *testing.T) {
	engine, err := NewEngine(testConfig(1), sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), &collectingAggregator{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, EngineStateCreated, engine.State())
	err = engine.Start(ctx)
	assert.Equal(t, sdkerrors.CodeLifecycleFailure, sdkerrors.CodeOf(err))

	require.NoError(t, engine.Init(ctx))
	assert.Equal(t, EngineStateInitialised, engine.State())
	assert.Equal(t, sdkerrors.CodeLifecycleFailure, sdkerrors.CodeOf(engine.Init(ctx)))

	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Stop(ctx))
	assert.Equal(t, EngineStateStopped, engine.State())
	_, err = engine.Execute(ctx, message.NewStringMessage("in"))
	assert.ErrorIs(t, err, sdkerrors.ErrNotStarted)

	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Close(ctx))
	assert.Equal(t, EngineStateClosed, engine.State())
	assert.NoError(t, engine.Close(ctx))

	require.NoError(t, engine.Init(ctx), "a closed engine can be initialised again")
	require.NoError(t, engine.Start(ctx))
	_, err = engine.Execute(ctx, message.NewStringMessage("in"))
	assert.NoError(t, err)
	require.NoError(t, engine.Close(ctx))
}

func TestEngine_InitRejectsInvalidConfig(t *testing.T) {
	engine, err := NewEngine(testConfig(0), sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), &collectingAggregator{})
	require.NoError(t, err)

	err = engine.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidConfig)
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	factory := FuncFactory(func(ctx context.Context, msg *message.Message) error { return nil })

	_, err := NewEngine(testConfig(1), nil, factory, &collectingAggregator{})
	assert.Error(t, err)
	_, err = NewEngine(testConfig(1), sliceSplitter(), nil, &collectingAggregator{})
	assert.Error(t, err)
	_, err = NewEngine(testConfig(1), sliceSplitter(), factory, nil)
	assert.Error(t, err)
}

// recordingHandler keeps every event it receives
type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingHandler) types() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func TestEngine_SendsLifecycleEvents(t *testing.T) {
	handler := &recordingHandler{err: errors.New("sink unavailable")}
	engine, err := NewEngine(testConfig(1).WithSendEvents(true), sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }), &collectingAggregator{},
		WithEventHandler(handler))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))
	require.NoError(t, engine.Start(ctx))

	msg := message.NewStringMessage("in")
	_, err = engine.Execute(ctx, msg)
	require.NoError(t, err, "event handler errors never fail an invocation")

	require.NoError(t, engine.Stop(ctx))
	require.NoError(t, engine.Close(ctx))

	assert.Equal(t, []EventType{
		EventEngineInitialised,
		EventEngineStarted,
		EventInvocationStarted,
		EventInvocationCompleted,
		EventEngineStopped,
		EventEngineClosed,
	}, handler.types())

	completed := handler.events[3]
	assert.Equal(t, msg.ID, completed.MessageID)
	assert.NotEmpty(t, completed.InvocationID)
	assert.Equal(t, "1", completed.Data[MetadataSplitCount])
}

func TestEngine_FailedInvocationEvent(t *testing.T) {
	handler := &recordingHandler{}
	engine := newStartedEngine(t, testConfig(1).WithSendEvents(true), sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return errors.New("boom") }),
		&collectingAggregator{}, WithEventHandler(handler))

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)

	types := handler.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventInvocationFailed, types[len(types)-1])
	handler.mu.Lock()
	assert.Equal(t, sdkerrors.CodeWorkerFailure, handler.events[len(handler.events)-1].Data["code"])
	handler.mu.Unlock()
}

func TestEngine_NoEventsWhenDisabled(t *testing.T) {
	handler := &recordingHandler{}
	engine := newStartedEngine(t, testConfig(1), sliceSplitter("a"), FuncFactory(
		func(ctx context.Context, msg *message.Message) error { return nil }),
		&collectingAggregator{}, WithEventHandler(handler))

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.NoError(t, err)
	require.NoError(t, engine.Close(context.Background()))
	assert.Empty(t, handler.types())
}

func TestEngine_RecordsMetrics(t *testing.T) {
	metrics := NewMetricsCollector()
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		if msg.PayloadString() == "bad" {
			return errors.New("bad message")
		}
		return nil
	})
	engine := newStartedEngine(t, testConfig(2).WithErrorPolicy(PolicyIgnoreAll),
		sliceSplitter("ok", "bad", "ok"), service, &collectingAggregator{}, WithMetricsCollector(metrics))

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.NoError(t, err)

	m := metrics.GetMetrics()
	assert.Equal(t, int64(1), m.Invocations)
	assert.Equal(t, int64(0), m.FailedInvocations)
	assert.Equal(t, int64(2), m.TasksProcessed)
	assert.Equal(t, int64(1), m.TaskErrors)
	assert.Equal(t, int64(3), m.SplitMessages)
	assert.InDelta(t, 33.3, metrics.ErrorRate(), 0.1)
}

func TestEngine_DecidesAfterEveryTaskFinishes(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		time.Sleep(50 * time.Millisecond)
		return errors.New("late failure")
	})
	// returns without reading a single processed message
	agg := AggregatorFunc(func(ctx context.Context, original *message.Message, processed MessageIterator) error {
		return nil
	})
	engine := newStartedEngine(t, testConfig(2), sliceSplitter("a", "b"), service, agg)

	original := message.NewStringMessage("in")
	_, err := engine.Execute(context.Background(), original)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsWorkerFailure(err))
	assert.Contains(t, err.Error(), "late failure")
	assert.False(t, original.HasMetadata(MetadataSplitCount))
	assert.Equal(t, int64(2), engine.Metrics().TaskErrors)
}

func TestEngine_UnfinishedTasksAfterAggregationTimeOut(t *testing.T) {
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	})
	agg := AggregatorFunc(func(ctx context.Context, original *message.Message, processed MessageIterator) error {
		return nil
	})
	engine := newStartedEngine(t, testConfig(1).WithTimeout(50*time.Millisecond), sliceSplitter("a"), service, agg)

	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsTimeout(err))
}

// panickingPolicy fails in OnSuccess, outside any service call
type panickingPolicy struct {
	ErrorAggregator
}

func (panickingPolicy) OnSuccess(msg *message.Message) {
	panic("policy bug")
}

func TestEngine_PanicOutsideServiceStillDeliversMessages(t *testing.T) {
	policy := func() ErrorAggregator { return panickingPolicy{FailFirst()} }
	service := FuncFactory(func(ctx context.Context, msg *message.Message) error { return nil })
	agg := &collectingAggregator{}
	engine := newStartedEngine(t, testConfig(2), sliceSplitter("a", "b", "c"), service, agg, WithErrorPolicy(policy))

	start := time.Now()
	_, err := engine.Execute(context.Background(), message.NewStringMessage("in"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, sdkerrors.IsTimeout(err))
	assert.True(t, sdkerrors.IsWorkerFailure(err))
	assert.Contains(t, err.Error(), "policy bug")
	assert.Len(t, agg.messages(), 3)

	stats := engine.PoolStats()
	assert.Equal(t, stats.TotalBorrowed, stats.TotalReturned, "every worker went back to the pool")
}
