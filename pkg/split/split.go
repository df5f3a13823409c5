// Package split provides reference Splitters for the split-join engine.
// Every splitter is lazy: split messages are built one at a time as the
// engine asks for them.
package split

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// MaxLineSize is the longest line LineSplitter accepts
const MaxLineSize = 16 * 1024 * 1024

// Option configures a splitter
type Option func(*options)

type options struct {
	copyMetadata bool
}

// WithCopyMetadata copies the original message's metadata onto every split message
func WithCopyMetadata(copy bool) Option {
	return func(o *options) {
		o.copyMetadata = copy
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// child builds a split message correlated with its parent
func (o options) child(parent *message.Message, payload []byte) *message.Message {
	msg := message.NewMessageWithPayload(payload).WithCorrelationID(parent.ID)
	if o.copyMetadata {
		msg.CopyMetadataFrom(parent)
	}
	return msg
}

// LineSplitter splits a text payload into messages of at most N lines each.
// Line terminators are dropped; lines inside one split message are joined with "\n".
type LineSplitter struct {
	linesPerMessage int
	opts            options
}

// NewLineSplitter creates a splitter emitting linesPerMessage lines per message
func NewLineSplitter(linesPerMessage int, opts ...Option) *LineSplitter {
	return &LineSplitter{
		linesPerMessage: linesPerMessage,
		opts:            buildOptions(opts),
	}
}

// Split implements splitjoin.Splitter
func (s *LineSplitter) Split(ctx context.Context, msg *message.Message) (splitjoin.MessageIterator, error) {
	if s.linesPerMessage <= 0 {
		return nil, fmt.Errorf("lines per message must be positive, got %d", s.linesPerMessage)
	}
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}

	scanner := bufio.NewScanner(bytes.NewReader(msg.Payload))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	return &lineIterator{
		ctx:      ctx,
		scanner:  scanner,
		parent:   msg,
		perChunk: s.linesPerMessage,
		opts:     s.opts,
	}, nil
}

type lineIterator struct {
	ctx      context.Context
	scanner  *bufio.Scanner
	parent   *message.Message
	perChunk int
	opts     options

	cur  *message.Message
	err  error
	done bool
}

func (it *lineIterator) Next() bool {
	if it.done {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		return it.stop(err)
	}

	var buf bytes.Buffer
	lines := 0
	for lines < it.perChunk && it.scanner.Scan() {
		if lines > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(it.scanner.Bytes())
		lines++
	}
	if err := it.scanner.Err(); err != nil {
		return it.stop(fmt.Errorf("failed to read lines: %w", err))
	}
	if lines == 0 {
		return it.stop(nil)
	}

	it.cur = it.opts.child(it.parent, buf.Bytes())
	return true
}

func (it *lineIterator) stop(err error) bool {
	it.err = err
	it.done = true
	it.cur = nil
	return false
}

func (it *lineIterator) Message() *message.Message { return it.cur }
func (it *lineIterator) Err() error                { return it.err }
func (it *lineIterator) Close() error              { it.done = true; return nil }

// SizeSplitter splits a payload into chunks of at most N bytes
type SizeSplitter struct {
	chunkSize int
	opts      options
}

// NewSizeSplitter creates a splitter emitting chunkSize bytes per message
func NewSizeSplitter(chunkSize int, opts ...Option) *SizeSplitter {
	return &SizeSplitter{
		chunkSize: chunkSize,
		opts:      buildOptions(opts),
	}
}

// Split implements splitjoin.Splitter
func (s *SizeSplitter) Split(ctx context.Context, msg *message.Message) (splitjoin.MessageIterator, error) {
	if s.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", s.chunkSize)
	}
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	return &sizeIterator{ctx: ctx, parent: msg, size: s.chunkSize, opts: s.opts}, nil
}

type sizeIterator struct {
	ctx    context.Context
	parent *message.Message
	size   int
	offset int
	opts   options

	cur *message.Message
	err error
}

func (it *sizeIterator) Next() bool {
	it.cur = nil
	if it.err != nil || it.offset >= len(it.parent.Payload) {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}

	end := min(it.offset+it.size, len(it.parent.Payload))
	chunk := make([]byte, end-it.offset)
	copy(chunk, it.parent.Payload[it.offset:end])
	it.offset = end

	it.cur = it.opts.child(it.parent, chunk)
	return true
}

func (it *sizeIterator) Message() *message.Message { return it.cur }
func (it *sizeIterator) Err() error                { return it.err }
func (it *sizeIterator) Close() error              { it.offset = len(it.parent.Payload); return nil }

var (
	_ splitjoin.Splitter = (*LineSplitter)(nil)
	_ splitjoin.Splitter = (*SizeSplitter)(nil)
)
