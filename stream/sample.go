package stream

import (
	"fmt"

	"github.com/intheon/stream-viewer/errors"
)

// Sample is one multi-channel observation. Numeric streams fill Values with
// one entry per channel; marker (string-format) streams fill Marks instead.
// Timestamp is in seconds on the stream's clock.
type Sample struct {
	Timestamp float64   `json:"ts"`
	Values    []float64 `json:"values,omitempty"`
	Marks     []string  `json:"marks,omitempty"`
}

// Chunk is the transport unit: a batch of samples from one stream.
// Sequence increases monotonically per outlet so receivers can detect gaps.
type Chunk struct {
	UID      string   `json:"uid"`
	Sequence uint64   `json:"seq"`
	Samples  []Sample `json:"samples"`
}

// Validate checks the chunk is routable and internally consistent against
// the stream's channel count.
func (c Chunk) Validate(channels int) error {
	if c.UID == "" {
		return errors.WrapInvalid(errors.ErrInvalidChunk, "Chunk", "Validate",
			"missing stream uid")
	}
	if len(c.Samples) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidChunk, "Chunk", "Validate",
			"empty sample batch")
	}
	if channels <= 0 {
		return nil
	}
	for i, s := range c.Samples {
		if len(s.Values) > 0 && len(s.Values) != channels {
			return errors.WrapInvalid(errors.ErrInvalidChunk, "Chunk", "Validate",
				fmt.Sprintf("sample %d has %d values, want %d", i, len(s.Values), channels))
		}
	}
	return nil
}

// Count returns the number of samples in the chunk.
func (c Chunk) Count() int {
	return len(c.Samples)
}
