package render

import (
	"encoding/json"
	"sync"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/pkg/buffer"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/stream"
)

var mergeLastOnlySchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "merge-last formatter configuration",
	"type": "object",
	"additionalProperties": false
}`)

// MergeLastOnly retains only the newest sample per channel. Frames carry a
// single-column series, which suits snapshot displays such as bars or
// level meters where history does not matter.
type MergeLastOnly struct {
	desc stream.Descriptor

	mu     sync.Mutex
	time   float64
	values []float64
	marks  []string
	seen   bool
}

// NewMergeLastOnly builds the last-value formatter for one stream. The
// formatter takes no config; a non-empty document must decode to an empty
// object.
func NewMergeLastOnly(rawConfig json.RawMessage, desc stream.Descriptor) (Formatter, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.Wrap(err, "MergeLastOnlyFormatter", "New", "descriptor validation")
	}

	var cfg struct{}
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "MergeLastOnlyFormatter", "New", "config decoding")
	}

	return &MergeLastOnly{
		desc:   desc,
		values: make([]float64, desc.ChannelCount),
	}, nil
}

// Ingest replaces the retained sample field by field: values overwrite
// values, marks overwrite marks, and the timestamp always advances to the
// newest sample seen.
func (f *MergeLastOnly) Ingest(chunk stream.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range chunk.Samples {
		if len(s.Values) > 0 {
			copy(f.values, s.Values)
			f.seen = true
		}
		if len(s.Marks) > 0 {
			f.marks = append(f.marks[:0], s.Marks...)
			f.seen = true
		}
		f.time = s.Timestamp
	}
}

// Frame returns a single-column view of the retained sample, or an empty
// series when nothing has arrived yet.
func (f *MergeLastOnly) Frame() Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	frame := Frame{Descriptor: f.desc}
	if !f.seen {
		frame.Series = buffer.Series{Values: make([][]float64, len(f.values)), Cursor: -1}
		return frame
	}

	values := make([][]float64, len(f.values))
	for ch := range f.values {
		values[ch] = []float64{f.values[ch]}
	}
	frame.Series = buffer.Series{
		Times:  []float64{f.time},
		Values: values,
		Cursor: -1,
	}
	for _, label := range f.marks {
		frame.Marks = append(frame.Marks, Mark{Time: f.time, Label: label})
	}
	return frame
}

// Reset discards the retained sample.
func (f *MergeLastOnly) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.values {
		f.values[i] = 0
	}
	f.marks = nil
	f.time = 0
	f.seen = false
}

// RegisterMergeLastOnly adds the last-value formatter to a registry under
// the key "merge-last".
func RegisterMergeLastOnly(registry *plugin.Registry[FormatterFactory]) error {
	return registry.Register(plugin.Registration[FormatterFactory]{
		Key: "merge-last",
		Metadata: plugin.Metadata{
			Description: "retains only the newest sample per channel for snapshot displays",
			Version:     "1.0.0",
		},
		Schema:  mergeLastOnlySchema,
		Factory: NewMergeLastOnly,
	})
}
