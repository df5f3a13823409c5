// Package aggregate provides reference Aggregators for the split-join engine.
package aggregate

import (
	"bytes"
	"context"
	"sort"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// Option configures an AppendingAggregator
type Option func(*AppendingAggregator)

// WithSeparator sets the bytes written between two payloads
func WithSeparator(sep []byte) Option {
	return func(a *AppendingAggregator) {
		a.separator = append([]byte(nil), sep...)
	}
}

// WithSortBySequence restores split order before appending.
// Results otherwise arrive in completion order.
func WithSortBySequence(sorted bool) Option {
	return func(a *AppendingAggregator) {
		a.sortBySequence = sorted
	}
}

// AppendingAggregator replaces the original payload with the concatenation
// of every processed split message payload.
type AppendingAggregator struct {
	separator      []byte
	sortBySequence bool
}

// NewAppendingAggregator creates an aggregator joining payloads with "\n"
func NewAppendingAggregator(opts ...Option) *AppendingAggregator {
	a := &AppendingAggregator{separator: []byte("\n")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate implements splitjoin.Aggregator
func (a *AppendingAggregator) Aggregate(ctx context.Context, original *message.Message, processed splitjoin.MessageIterator) error {
	if a.sortBySequence {
		msgs, err := splitjoin.Collect(processed)
		if err != nil {
			return err
		}
		sort.SliceStable(msgs, func(i, j int) bool {
			return sequenceIndex(msgs[i]) < sequenceIndex(msgs[j])
		})
		original.WithPayload(a.join(splitjoin.NewSliceIterator(msgs)))
		return nil
	}

	defer processed.Close()
	payload := a.join(processed)
	if err := processed.Err(); err != nil {
		return err
	}
	original.WithPayload(payload)
	return nil
}

func (a *AppendingAggregator) join(it splitjoin.MessageIterator) []byte {
	var buf bytes.Buffer
	first := true
	for it.Next() {
		if !first {
			buf.Write(a.separator)
		}
		buf.Write(it.Message().Payload)
		first = false
	}
	return buf.Bytes()
}

// sequenceIndex returns the split index stamped by the engine; unstamped messages sort last
func sequenceIndex(msg *message.Message) int {
	if idx, ok := msg.IntMetadata(splitjoin.MetadataSplitIndex); ok {
		return idx
	}
	return int(^uint(0) >> 1)
}

// DiscardingAggregator drains processed results and leaves the original untouched.
// Use it when services only produce side effects.
type DiscardingAggregator struct{}

// NewDiscardingAggregator creates a DiscardingAggregator
func NewDiscardingAggregator() DiscardingAggregator {
	return DiscardingAggregator{}
}

// Aggregate implements splitjoin.Aggregator
func (DiscardingAggregator) Aggregate(ctx context.Context, original *message.Message, processed splitjoin.MessageIterator) error {
	defer processed.Close()
	for processed.Next() {
	}
	return processed.Err()
}

var (
	_ splitjoin.Aggregator = (*AppendingAggregator)(nil)
	_ splitjoin.Aggregator = DiscardingAggregator{}
)
