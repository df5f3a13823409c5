package jsrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Hydra/pkg/aggregate"
	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/split"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

func startService(t *testing.T, cfg Config, logger *zap.Logger) *Service {
	t.Helper()
	factory, err := Factory(cfg, logger)
	require.NoError(t, err)

	svc, err := factory()
	require.NoError(t, err)
	require.NoError(t, svc.Init(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc.(*Service)
}

func TestExecute_StringResult(t *testing.T) {
	svc := startService(t, Config{Script: `function process(msg) { return msg.payload.toUpperCase(); }`}, nil)

	msg := message.NewStringMessage("hello")
	require.NoError(t, svc.Execute(context.Background(), msg))
	assert.Equal(t, "HELLO", msg.PayloadString())
	assert.EqualValues(t, 1, svc.Invocations())
}

func TestExecute_ObjectResultWithMetadata(t *testing.T) {
	svc := startService(t, Config{Script: `
		function process(msg) {
			return {
				payload: msg.payload + "!",
				metadata: { seen: msg.metadata.tenant, length: msg.payload.length }
			};
		}`}, nil)

	msg := message.NewStringMessage("hey").WithMetadata("tenant", "acme")
	require.NoError(t, svc.Execute(context.Background(), msg))
	assert.Equal(t, "hey!", msg.PayloadString())
	assert.Equal(t, "acme", msg.MetadataValue("seen"))
	assert.Equal(t, "3", msg.MetadataValue("length"))
}

func TestExecute_NonStringResultsAreJSONEncoded(t *testing.T) {
	svc := startService(t, Config{Script: `function process(msg) { return { count: msg.payload.split(",").length }; }`}, nil)

	msg := message.NewStringMessage("a,b,c")
	require.NoError(t, svc.Execute(context.Background(), msg))
	assert.JSONEq(t, `{"count":3}`, msg.PayloadString())
}

func TestExecute_UndefinedLeavesMessage(t *testing.T) {
	svc := startService(t, Config{Script: `function process(msg) {}`}, nil)

	msg := message.NewStringMessage("same")
	require.NoError(t, svc.Execute(context.Background(), msg))
	assert.Equal(t, "same", msg.PayloadString())
}

func TestExecute_CustomFunctionName(t *testing.T) {
	svc := startService(t, Config{
		Script:   `function shout(msg) { return msg.payload + msg.payload; }`,
		Function: "shout",
	}, nil)

	msg := message.NewStringMessage("ab")
	require.NoError(t, svc.Execute(context.Background(), msg))
	assert.Equal(t, "abab", msg.PayloadString())
}

func TestExecute_ThrownError(t *testing.T) {
	svc := startService(t, Config{Script: `function process(msg) { throw new Error("bad record " + msg.payload); }`}, nil)

	err := svc.Execute(context.Background(), message.NewStringMessage("7"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad record 7")
	assert.True(t, svc.IsValid(), "a thrown error keeps the runtime usable")
}

func TestExecute_TimeoutInterruptsRuntime(t *testing.T) {
	svc := startService(t, Config{
		Script:  `function process(msg) { while (true) {} }`,
		Timeout: 20 * time.Millisecond,
	}, nil)

	start := time.Now()
	err := svc.Execute(context.Background(), message.NewStringMessage("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, svc.IsValid(), "an interrupted runtime is discarded")
}

func TestExecute_CancelledContext(t *testing.T) {
	svc := startService(t, Config{Script: `function process(msg) { while (true) {} }`}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := svc.Execute(ctx, message.NewStringMessage("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSandbox(t *testing.T) {
	t.Run("host globals are removed", func(t *testing.T) {
		svc := startService(t, Config{Script: `function process(msg) { return typeof require + "," + typeof Buffer; }`}, nil)
		msg := message.NewStringMessage("")
		require.NoError(t, svc.Execute(context.Background(), msg))
		assert.Equal(t, "undefined,undefined", msg.PayloadString())
	})

	t.Run("strict mode blocks eval", func(t *testing.T) {
		svc := startService(t, Config{
			Script:        `function process(msg) { return eval("1+1"); }`,
			SecurityLevel: SecurityLevelStrict,
		}, nil)
		err := svc.Execute(context.Background(), message.NewStringMessage(""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "eval is not allowed")
	})

	t.Run("built-ins are frozen", func(t *testing.T) {
		svc := startService(t, Config{Script: `
			function process(msg) {
				Array.prototype.hacked = true;
				return String([].hacked === true);
			}`}, nil)
		msg := message.NewStringMessage("")
		require.NoError(t, svc.Execute(context.Background(), msg))
		assert.Equal(t, "false", msg.PayloadString())
	})
}

func TestConsoleLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	svc := startService(t, Config{Script: `function process(msg) { console.warn("saw", msg.payload); }`}, zap.New(core))

	require.NoError(t, svc.Execute(context.Background(), message.NewStringMessage("row-1")))
	entries := logs.FilterMessage("saw row-1").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestFactory_RejectsBadConfiguration(t *testing.T) {
	_, err := Factory(Config{}, nil)
	assert.Error(t, err, "script is required")

	_, err = Factory(Config{Script: "function process( {"}, nil)
	assert.Error(t, err, "syntax errors fail at compile time")

	_, err = Factory(Config{Script: "function f() {}", SecurityLevel: "lax"}, nil)
	assert.Error(t, err)

	factory, err := Factory(Config{Script: "var x = 1;"}, nil)
	require.NoError(t, err)
	svc, err := factory()
	require.NoError(t, err)
	assert.Error(t, svc.Start(context.Background()), "missing entry point")
}

func TestFactory_WithEngine(t *testing.T) {
	factory, err := Factory(Config{Script: `
		var calls = 0;
		function process(msg) {
			calls++;
			return msg.payload.split("").reverse().join("");
		}`}, nil)
	require.NoError(t, err)

	cfg := splitjoin.DefaultConfig().
		WithPoolSize(3).
		WithTimeout(5 * time.Second).
		WithPollInterval(time.Millisecond)

	engine, err := splitjoin.NewEngine(cfg, split.NewLineSplitter(1), factory,
		aggregate.NewAppendingAggregator(aggregate.WithSortBySequence(true)))
	require.NoError(t, err)
	require.NoError(t, engine.Init(context.Background()))
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	out, err := engine.Execute(context.Background(), message.NewStringMessage("abc\ndef\nghi"))
	require.NoError(t, err)
	assert.Equal(t, "cba\nfed\nihg", out.PayloadString())
	assert.LessOrEqual(t, engine.PoolStats().TotalCreated, int64(3))
}
