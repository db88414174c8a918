package stream_test

import (
	"testing"

	"github.com/intheon/stream-viewer/stream"
)

func TestFormatFromCode(t *testing.T) {
	tests := []struct {
		code     int
		expected stream.ChannelFormat
	}{
		{0, stream.FormatUndefined},
		{1, stream.FormatFloat32},
		{2, stream.FormatFloat64},
		{3, stream.FormatString},
		{4, stream.FormatInt32},
		{5, stream.FormatInt16},
		{6, stream.FormatInt8},
		{7, stream.FormatInt64},
		{99, stream.FormatUndefined},
		{-1, stream.FormatUndefined},
	}

	for _, test := range tests {
		if got := stream.FormatFromCode(test.code); got != test.expected {
			t.Errorf("code %d: expected %s, got %s", test.code, test.expected, got)
		}
	}
}

func TestFormatCodeRoundTrip(t *testing.T) {
	formats := []stream.ChannelFormat{
		stream.FormatFloat32, stream.FormatFloat64, stream.FormatString,
		stream.FormatInt32, stream.FormatInt16, stream.FormatInt8, stream.FormatInt64,
	}
	for _, f := range formats {
		if got := stream.FormatFromCode(f.Code()); got != f {
			t.Errorf("%s: round trip via code %d gave %s", f, f.Code(), got)
		}
	}
	if stream.FormatUndefined.Code() != 0 {
		t.Error("undefined must map to code 0")
	}
}

func TestParseFormat(t *testing.T) {
	if stream.ParseFormat("float32") != stream.FormatFloat32 {
		t.Error("float32 must parse")
	}
	if stream.ParseFormat("double64") != stream.FormatUndefined {
		t.Error("unknown tags must map to undefined")
	}
	if stream.ParseFormat("") != stream.FormatUndefined {
		t.Error("empty tag must map to undefined")
	}
}

func TestSampleBytes(t *testing.T) {
	tests := []struct {
		format   stream.ChannelFormat
		expected int
	}{
		{stream.FormatInt8, 1},
		{stream.FormatInt16, 2},
		{stream.FormatInt32, 4},
		{stream.FormatFloat32, 4},
		{stream.FormatInt64, 8},
		{stream.FormatFloat64, 8},
		{stream.FormatString, 0},
		{stream.FormatUndefined, 0},
	}
	for _, test := range tests {
		if got := test.format.SampleBytes(); got != test.expected {
			t.Errorf("%s: expected %d bytes, got %d", test.format, test.expected, got)
		}
	}
}

func TestIsNumeric(t *testing.T) {
	if stream.FormatString.IsNumeric() {
		t.Error("string format is a marker stream, not numeric")
	}
	if stream.FormatUndefined.IsNumeric() {
		t.Error("undefined format must not report numeric")
	}
	if !stream.FormatFloat32.IsNumeric() {
		t.Error("float32 must report numeric")
	}
}

func TestChunkValidate(t *testing.T) {
	valid := stream.Chunk{
		UID:      "a1",
		Sequence: 7,
		Samples: []stream.Sample{
			{Timestamp: 1.0, Values: []float64{0.1, 0.2}},
			{Timestamp: 1.1, Values: []float64{0.3, 0.4}},
		},
	}
	if err := valid.Validate(2); err != nil {
		t.Errorf("valid chunk rejected: %v", err)
	}
	if valid.Count() != 2 {
		t.Errorf("expected 2 samples, got %d", valid.Count())
	}

	if err := (stream.Chunk{Samples: valid.Samples}).Validate(2); err == nil {
		t.Error("chunk without uid must be rejected")
	}
	if err := (stream.Chunk{UID: "a1"}).Validate(2); err == nil {
		t.Error("empty chunk must be rejected")
	}

	mismatched := valid
	mismatched.Samples = []stream.Sample{{Timestamp: 1.0, Values: []float64{0.1}}}
	if err := mismatched.Validate(2); err == nil {
		t.Error("channel count mismatch must be rejected")
	}

	// Unknown channel count skips the width check.
	if err := mismatched.Validate(0); err != nil {
		t.Errorf("width check must be skipped when channels unknown: %v", err)
	}
}
