package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_FormatAndUnwrap(t *testing.T) {
	root := errors.New("boom")
	err := NewError(CodeWorkerFailure, "split message 2 failed", root)

	assert.Equal(t, "[WORKER_FAILURE] split message 2 failed: boom", err.Error())
	assert.True(t, errors.Is(err, root))

	bare := NewError(CodeLifecycleFailure, "already closed", nil)
	assert.Equal(t, "[LIFECYCLE_FAILURE] already closed", bare.Error())
	assert.Empty(t, bare.Unwrap())
}

func TestError_SecondaryCausesAreReachable(t *testing.T) {
	first := WorkerFailure(1, errors.New("first"))
	second := WorkerFailure(2, errors.New("second"))
	third := errors.New("third")

	err := NewError(CodeWorkerFailure, "2 split messages failed", first).WithSecondary(second, nil, third)

	assert.Len(t, err.Secondary, 2, "nil causes are skipped")
	assert.Contains(t, err.Error(), "(+2 more)")
	assert.True(t, errors.Is(err, third))
	assert.True(t, IsWorkerFailure(err))

	var inner *Error
	assert.True(t, errors.As(err, &inner))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		code  string
	}{
		{"split", SplitFailure(errors.New("x")), IsSplitFailure, CodeSplitFailure},
		{"worker", WorkerFailure(3, errors.New("x")), IsWorkerFailure, CodeWorkerFailure},
		{"aggregation", AggregationFailure(errors.New("x")), IsAggregationFailure, CodeAggregationFailure},
		{"pool", PoolFailure("create", errors.New("x")), IsPoolFailure, CodePoolFailure},
		{"timeout", Timeout("polling results", nil), IsTimeout, CodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.Equal(t, tt.code, CodeOf(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped))
			assert.Equal(t, tt.code, CodeOf(wrapped))
		})
	}

	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestFromContext(t *testing.T) {
	err := FromContext("waiting for capacity", context.DeadlineExceeded)
	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "waiting for capacity")

	cancelled := FromContext("borrowing worker", context.Canceled)
	assert.True(t, IsTimeout(cancelled))

	other := errors.New("other")
	assert.Same(t, other, FromContext("x", other))
	assert.Nil(t, FromContext("x", nil))
}
