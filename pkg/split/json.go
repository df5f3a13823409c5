package split

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// JSONArraySplitter emits one message per element of a JSON array.
// The array is the whole payload, or the value at a gjson path such as "data.items".
type JSONArraySplitter struct {
	path string
	opts options
}

// NewJSONArraySplitter creates a splitter for the array at path; "" means the payload itself
func NewJSONArraySplitter(path string, opts ...Option) *JSONArraySplitter {
	return &JSONArraySplitter{path: path, opts: buildOptions(opts)}
}

// Split implements splitjoin.Splitter
func (s *JSONArraySplitter) Split(ctx context.Context, msg *message.Message) (splitjoin.MessageIterator, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if !gjson.ValidBytes(msg.Payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	var array gjson.Result
	if s.path == "" {
		array = gjson.ParseBytes(msg.Payload)
	} else {
		array = gjson.GetBytes(msg.Payload, s.path)
	}
	if !array.IsArray() {
		return nil, fmt.Errorf("value at %q is not an array", s.path)
	}

	return &jsonIterator{ctx: ctx, parent: msg, items: array.Array(), opts: s.opts}, nil
}

type jsonIterator struct {
	ctx    context.Context
	parent *message.Message
	items  []gjson.Result
	pos    int
	opts   options

	cur *message.Message
	err error
}

func (it *jsonIterator) Next() bool {
	it.cur = nil
	if it.err != nil || it.pos >= len(it.items) {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}

	item := it.items[it.pos]
	it.pos++
	it.cur = it.opts.child(it.parent, []byte(item.Raw))
	return true
}

func (it *jsonIterator) Message() *message.Message { return it.cur }
func (it *jsonIterator) Err() error                { return it.err }
func (it *jsonIterator) Close() error              { it.pos = len(it.items); return nil }

var _ splitjoin.Splitter = (*JSONArraySplitter)(nil)
