package splitjoin

import (
	"context"

	"github.com/wehubfusion/Hydra/pkg/message"
)

// Metadata keys stamped by the engine
const (
	// MetadataSplitCount is stamped on the original message with the total number of split messages
	MetadataSplitCount = "split-message-count"

	// MetadataSplitIndex is stamped on every split message with its 1-based sequence index
	MetadataSplitIndex = "current-split-message-count"

	// MetadataSplitSuccessful marks a split message whose service call succeeded
	MetadataSplitSuccessful = "split-message-successful"
)

// BaseService provides no-op lifecycle methods.
// Embed it in services that only need Execute.
type BaseService struct{}

func (BaseService) Init(ctx context.Context) error  { return nil }
func (BaseService) Start(ctx context.Context) error { return nil }
func (BaseService) Stop(ctx context.Context) error  { return nil }
func (BaseService) Close(ctx context.Context) error { return nil }

// ServiceFunc adapts a function into a stateless Service.
type ServiceFunc func(ctx context.Context, msg *message.Message) error

func (f ServiceFunc) Init(ctx context.Context) error  { return nil }
func (f ServiceFunc) Start(ctx context.Context) error { return nil }
func (f ServiceFunc) Stop(ctx context.Context) error  { return nil }
func (f ServiceFunc) Close(ctx context.Context) error { return nil }

// Execute calls f(ctx, msg).
func (f ServiceFunc) Execute(ctx context.Context, msg *message.Message) error {
	return f(ctx, msg)
}

// FuncFactory returns a ServiceFactory that hands out fn wrapped as a ServiceFunc.
func FuncFactory(fn func(ctx context.Context, msg *message.Message) error) ServiceFactory {
	return func() (Service, error) {
		return ServiceFunc(fn), nil
	}
}

// SplitterFunc adapts a function into a Splitter.
type SplitterFunc func(ctx context.Context, msg *message.Message) (MessageIterator, error)

// Split calls f(ctx, msg).
func (f SplitterFunc) Split(ctx context.Context, msg *message.Message) (MessageIterator, error) {
	return f(ctx, msg)
}

// AggregatorFunc adapts a function into an Aggregator.
type AggregatorFunc func(ctx context.Context, original *message.Message, processed MessageIterator) error

// Aggregate calls f(ctx, original, processed).
func (f AggregatorFunc) Aggregate(ctx context.Context, original *message.Message, processed MessageIterator) error {
	return f(ctx, original, processed)
}

// sliceIterator iterates over an in-memory slice of messages.
type sliceIterator struct {
	msgs []*message.Message
	pos  int
	cur  *message.Message
}

// NewSliceIterator returns a MessageIterator over msgs.
func NewSliceIterator(msgs []*message.Message) MessageIterator {
	return &sliceIterator{msgs: msgs}
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.msgs) {
		it.cur = nil
		return false
	}
	it.cur = it.msgs[it.pos]
	it.pos++
	return true
}

func (it *sliceIterator) Message() *message.Message { return it.cur }
func (it *sliceIterator) Err() error                { return nil }
func (it *sliceIterator) Close() error              { return nil }

// Collect drains it into a slice and closes it.
// Returns the messages read so far together with the iterator error, if any.
func Collect(it MessageIterator) ([]*message.Message, error) {
	defer it.Close()

	var msgs []*message.Message
	for it.Next() {
		msgs = append(msgs, it.Message())
	}
	return msgs, it.Err()
}
