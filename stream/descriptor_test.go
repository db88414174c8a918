package stream_test

import (
	"testing"

	"github.com/intheon/stream-viewer/stream"
)

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name        string
		desc        stream.Descriptor
		expectError bool
	}{
		{
			name: "valid eeg stream",
			desc: stream.Descriptor{
				UID:           "a1b2",
				Name:          "BioSemi",
				StreamType:    "EEG",
				Hostname:      "lab-pc",
				ChannelCount:  32,
				ChannelFormat: stream.FormatFloat32,
				NominalRate:   512,
			},
			expectError: false,
		},
		{
			name: "valid irregular marker stream",
			desc: stream.Descriptor{
				UID:           "m1",
				Name:          "Markers",
				StreamType:    "Markers",
				ChannelCount:  1,
				ChannelFormat: stream.FormatString,
				NominalRate:   0,
			},
			expectError: false,
		},
		{
			name:        "missing uid",
			desc:        stream.Descriptor{Name: "NoID"},
			expectError: true,
		},
		{
			name:        "negative channel count",
			desc:        stream.Descriptor{UID: "x", ChannelCount: -1},
			expectError: true,
		},
		{
			name:        "negative nominal rate",
			desc:        stream.Descriptor{UID: "x", NominalRate: -100},
			expectError: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.desc.Validate()
			if test.expectError && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !test.expectError && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDescriptorFingerprint(t *testing.T) {
	base := stream.Descriptor{
		UID:           "a1b2",
		Name:          "BioSemi",
		StreamType:    "EEG",
		Hostname:      "lab-pc",
		ChannelCount:  32,
		ChannelFormat: stream.FormatFloat32,
		NominalRate:   512,
	}

	if base.Fingerprint() != base.Fingerprint() {
		t.Fatal("fingerprint must be deterministic")
	}

	renamed := base
	renamed.Name = "BioSemi2"
	if renamed.Fingerprint() == base.Fingerprint() {
		t.Error("name change must alter fingerprint")
	}

	moved := base
	moved.Hostname = "other-pc"
	if moved.Fingerprint() == base.Fingerprint() {
		t.Error("hostname change must alter fingerprint")
	}

	// Adjacent string fields must not alias under concatenation.
	a := stream.Descriptor{UID: "ab", Name: "c"}
	b := stream.Descriptor{UID: "a", Name: "bc"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("field boundaries must be preserved in the hash")
	}

	measured := base
	measured.EffectiveRate = 511.7
	if measured.Fingerprint() != base.Fingerprint() {
		t.Error("effective rate must not contribute to the fingerprint")
	}
}

func TestDescriptorLabel(t *testing.T) {
	d := stream.Descriptor{UID: "u", Name: "BioSemi", StreamType: "EEG", Hostname: "lab-pc"}
	if got := d.Label(); got != "BioSemi (EEG) @ lab-pc" {
		t.Errorf("unexpected label %q", got)
	}

	bare := stream.Descriptor{UID: "u-only"}
	if got := bare.Label(); got != "u-only" {
		t.Errorf("unexpected bare label %q", got)
	}
}

func TestIsIrregular(t *testing.T) {
	if !(stream.Descriptor{UID: "x", NominalRate: 0}).IsIrregular() {
		t.Error("zero nominal rate must report irregular")
	}
	if (stream.Descriptor{UID: "x", NominalRate: 100}).IsIrregular() {
		t.Error("declared rate must not report irregular")
	}
}
