// Package stream contains the shared domain types of the viewer: stream
// descriptors, channel formats, and the sample/chunk model moved between
// outlets, sources, and sinks.
package stream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"

	"github.com/intheon/stream-viewer/errors"
)

// Descriptor is an immutable snapshot of one discoverable stream's metadata.
// UID is the reconciliation key and must be unique among live streams.
// EffectiveRate starts at zero and is only ever filled in from live
// measurement; discovery rarely knows it.
type Descriptor struct {
	UID           string        `json:"uid"`
	Name          string        `json:"name"`
	StreamType    string        `json:"stream_type"`
	Hostname      string        `json:"hostname"`
	ChannelCount  int           `json:"channel_count"`
	ChannelFormat ChannelFormat `json:"channel_format"`
	NominalRate   float64       `json:"nominal_rate"`
	EffectiveRate float64       `json:"effective_rate,omitempty"`
}

// Validate ensures the descriptor can act as a registry row.
func (d Descriptor) Validate() error {
	if d.UID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Descriptor", "Validate",
			"uid cannot be empty")
	}
	if d.ChannelCount < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Descriptor", "Validate",
			fmt.Sprintf("negative channel count %d", d.ChannelCount))
	}
	if d.NominalRate < 0 || d.EffectiveRate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Descriptor", "Validate",
			"rates cannot be negative")
	}
	return nil
}

// IsIrregular reports whether the stream declares no fixed sampling rate.
func (d Descriptor) IsIrregular() bool {
	return d.NominalRate == 0
}

// Fingerprint hashes the metadata fields, excluding EffectiveRate, so
// reconciliation can detect metadata changes on retained rows without
// treating a live rate measurement as a discovery-side change.
func (d Descriptor) Fingerprint() uint64 {
	h := xxh3.New()
	// Length-prefixed fields keep adjacent strings from aliasing.
	for _, s := range []string{d.UID, d.Name, d.StreamType, d.Hostname, string(d.ChannelFormat)} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(s)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(d.ChannelCount))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(d.NominalRate))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Label returns a short human-readable identity for logs and the browser,
// in the form "name (type) @ host".
func (d Descriptor) Label() string {
	name := d.Name
	if name == "" {
		name = d.UID
	}
	if d.StreamType == "" && d.Hostname == "" {
		return name
	}
	return fmt.Sprintf("%s (%s) @ %s", name, d.StreamType, d.Hostname)
}
