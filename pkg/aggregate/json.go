package aggregate

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// JSONArrayAggregator rebuilds a JSON array from processed split messages in
// split order and writes it back at path; "" replaces the whole payload.
// It is the counterpart of split.JSONArraySplitter.
type JSONArrayAggregator struct {
	path string
}

// NewJSONArrayAggregator creates an aggregator writing the array at path
func NewJSONArrayAggregator(path string) *JSONArrayAggregator {
	return &JSONArrayAggregator{path: path}
}

// Aggregate implements splitjoin.Aggregator
func (a *JSONArrayAggregator) Aggregate(ctx context.Context, original *message.Message, processed splitjoin.MessageIterator) error {
	msgs, err := splitjoin.Collect(processed)
	if err != nil {
		return err
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return sequenceIndex(msgs[i]) < sequenceIndex(msgs[j])
	})

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, msg := range msgs {
		if !gjson.ValidBytes(msg.Payload) {
			return fmt.Errorf("split message %s is not valid JSON", msg.MetadataValue(splitjoin.MetadataSplitIndex))
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(bytes.TrimSpace(msg.Payload))
	}
	buf.WriteByte(']')

	if a.path == "" {
		original.WithPayload(buf.Bytes())
		return nil
	}

	updated, err := sjson.SetRawBytes(original.Payload, a.path, buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", a.path, err)
	}
	original.WithPayload(updated)
	return nil
}

var _ splitjoin.Aggregator = (*JSONArrayAggregator)(nil)
