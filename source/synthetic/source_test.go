package synthetic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

func testDeps() source.Deps {
	return source.Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func numericDescriptor() stream.Descriptor {
	return stream.Descriptor{
		UID:           "uid-synth",
		Name:          "Tones",
		StreamType:    "Audio",
		Hostname:      "demo",
		ChannelCount:  2,
		ChannelFormat: stream.FormatFloat32,
		NominalRate:   1000,
	}
}

func markerDescriptor() stream.Descriptor {
	return stream.Descriptor{
		UID:           "uid-marks",
		Name:          "Events",
		StreamType:    "Markers",
		Hostname:      "demo",
		ChannelCount:  1,
		ChannelFormat: stream.FormatString,
		NominalRate:   0,
	}
}

func newSource(t *testing.T, raw json.RawMessage, desc stream.Descriptor) *Source {
	t.Helper()
	src, err := New(raw, desc, source.ModeData, testDeps())
	require.NoError(t, err)
	return src.(*Source)
}

func TestNewDefaults(t *testing.T) {
	s := newSource(t, nil, numericDescriptor())

	assert.Equal(t, SignalSine, s.signal)
	assert.Equal(t, defaultFrequency, s.frequency)
	assert.Equal(t, defaultAmplitude, s.amplitude)
	assert.Equal(t, 100, s.chunkSize) // 1000 Hz at 10 chunks/s
	assert.Equal(t, 100*time.Millisecond, s.period)
}

func TestNewHonorsConfig(t *testing.T) {
	raw := json.RawMessage(`{"signal": "counter", "frequency": 5, "amplitude": 2, "chunk_size": 8}`)
	s := newSource(t, raw, numericDescriptor())

	assert.Equal(t, SignalCounter, s.signal)
	assert.Equal(t, 5.0, s.frequency)
	assert.Equal(t, 2.0, s.amplitude)
	assert.Equal(t, 8, s.chunkSize)
	assert.Equal(t, 8*time.Millisecond, s.period)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown signal", `{"signal": "square"}`},
		{"negative frequency", `{"frequency": -1}`},
		{"negative amplitude", `{"amplitude": -0.5}`},
		{"negative chunk size", `{"chunk_size": -4}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(json.RawMessage(tc.raw), numericDescriptor(), source.ModeData, testDeps())
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestSineGeneration(t *testing.T) {
	raw := json.RawMessage(`{"chunk_size": 4, "frequency": 25, "amplitude": 2}`)
	s := newSource(t, raw, numericDescriptor())
	s.start = 100.0

	chunk := s.nextChunk()
	require.Equal(t, uint64(1), chunk.Sequence)
	require.Len(t, chunk.Samples, 4)

	for n, sample := range chunk.Samples {
		assert.InDelta(t, 100.0+float64(n)/1000.0, sample.Timestamp, 1e-9)
		require.Len(t, sample.Values, 2)
		for c, v := range sample.Values {
			ts := float64(n) / 1000.0
			want := 2.0 * math.Sin(2*math.Pi*(25.0*ts+float64(c)/2.0))
			assert.InDelta(t, want, v, 1e-9)
		}
	}

	// Second chunk continues the sample grid.
	chunk = s.nextChunk()
	assert.Equal(t, uint64(2), chunk.Sequence)
	assert.InDelta(t, 100.0+4.0/1000.0, chunk.Samples[0].Timestamp, 1e-9)
}

func TestCounterGeneration(t *testing.T) {
	raw := json.RawMessage(`{"signal": "counter", "chunk_size": 3}`)
	s := newSource(t, raw, numericDescriptor())

	chunk := s.nextChunk()
	require.Len(t, chunk.Samples, 3)
	assert.Equal(t, []float64{0, 1}, chunk.Samples[0].Values)
	assert.Equal(t, []float64{1, 2}, chunk.Samples[1].Values)
	assert.Equal(t, []float64{2, 3}, chunk.Samples[2].Values)
}

func TestMarkerGeneration(t *testing.T) {
	s := newSource(t, nil, markerDescriptor())

	// Irregular streams run at the fallback rate, one sample per chunk.
	assert.Equal(t, 1, s.chunkSize)
	assert.Equal(t, irregularRate, s.rate)

	first := s.nextChunk()
	require.Len(t, first.Samples, 1)
	assert.Equal(t, []string{"marker-0"}, first.Samples[0].Marks)
	assert.Empty(t, first.Samples[0].Values)

	second := s.nextChunk()
	assert.Equal(t, []string{"marker-1"}, second.Samples[0].Marks)
}

func TestStartStopDelivers(t *testing.T) {
	raw := json.RawMessage(`{"chunk_size": 10}`)
	s := newSource(t, raw, numericDescriptor()) // 10ms period
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))

	var got []stream.Chunk
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case chunk := <-s.Chunks():
			got = append(got, chunk)
		case <-timeout:
			t.Fatalf("timed out, received %d chunks", len(got))
		}
	}
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Len(t, got[0].Samples, 10)

	require.NoError(t, s.Stop(time.Second))
	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.ChunksReceived, int64(3))
	assert.Equal(t, stats.ChunksReceived*10, stats.SamplesSeen)

	// Channel drains then closes.
	for range s.Chunks() {
	}

	err := s.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestContextCancelHaltsGeneration(t *testing.T) {
	raw := json.RawMessage(`{"chunk_size": 10}`)
	s := newSource(t, raw, numericDescriptor())
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))
	cancel()

	time.Sleep(100 * time.Millisecond)
	before := s.Stats().ChunksReceived
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, s.Stats().ChunksReceived)

	require.NoError(t, s.Stop(time.Second))
}

func TestMonitorModeCountsWithoutForwarding(t *testing.T) {
	raw := json.RawMessage(`{"chunk_size": 10}`)
	src, err := New(raw, numericDescriptor(), source.ModeMonitor, testDeps())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, src.Start(ctx))
	deadline := time.Now().Add(2 * time.Second)
	for src.Stats().SamplesSeen < 20 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, src.Stop(time.Second))

	stats := src.Stats()
	assert.GreaterOrEqual(t, stats.SamplesSeen, int64(20))
	assert.Zero(t, stats.ChunksDropped)
	assert.Empty(t, src.Chunks())
}

func TestRegister(t *testing.T) {
	reg := source.NewRegistry()
	require.NoError(t, Register(reg))

	_, err := reg.Lookup("synthetic")
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateConfig("synthetic", json.RawMessage(`{"signal": "sine"}`)))

	err = reg.ValidateConfig("synthetic", json.RawMessage(`{"signal": "square"}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = reg.ValidateConfig("synthetic", json.RawMessage(`{"chunk_size": 0}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
