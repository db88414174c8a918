package testutil

import (
	"fmt"

	"github.com/intheon/stream-viewer/stream"
)

// EEGDescriptor returns a typical multichannel sampled stream.
func EEGDescriptor(uid string) stream.Descriptor {
	return stream.Descriptor{
		UID:           uid,
		Name:          "Test EEG",
		StreamType:    "EEG",
		Hostname:      "bench-host",
		ChannelCount:  8,
		ChannelFormat: stream.FormatFloat32,
		NominalRate:   250,
	}
}

// MarkerDescriptor returns an irregular string-channel marker stream.
func MarkerDescriptor(uid string) stream.Descriptor {
	return stream.Descriptor{
		UID:           uid,
		Name:          "Test Markers",
		StreamType:    "Markers",
		Hostname:      "bench-host",
		ChannelCount:  1,
		ChannelFormat: stream.FormatString,
		NominalRate:   0,
	}
}

// Descriptors returns n distinct sampled streams, uids "s1".."sN".
func Descriptors(n int) []stream.Descriptor {
	out := make([]stream.Descriptor, n)
	for i := range out {
		d := EEGDescriptor(fmt.Sprintf("s%d", i+1))
		d.Name = fmt.Sprintf("Stream %d", i+1)
		out[i] = d
	}
	return out
}

// Chunk builds one chunk of count samples for the descriptor, starting at
// the given timestamp and spaced by the nominal rate (or 1ms when
// irregular).
func Chunk(desc stream.Descriptor, seq uint64, start float64, count int) stream.Chunk {
	step := 0.001
	if desc.NominalRate > 0 {
		step = 1 / desc.NominalRate
	}
	samples := make([]stream.Sample, count)
	for i := range samples {
		values := make([]float64, desc.ChannelCount)
		for ch := range values {
			values[ch] = float64(i + ch)
		}
		samples[i] = stream.Sample{
			Timestamp: start + float64(i)*step,
			Values:    values,
		}
	}
	return stream.Chunk{UID: desc.UID, Sequence: seq, Samples: samples}
}
