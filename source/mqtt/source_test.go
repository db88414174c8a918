package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

// fakeMessage satisfies pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testDeps() source.Deps {
	return source.Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func numericDescriptor(channels int) stream.Descriptor {
	return stream.Descriptor{
		UID:           "uid-mqtt",
		Name:          "Telemetry",
		StreamType:    "Environment",
		Hostname:      "bridge",
		ChannelCount:  channels,
		ChannelFormat: stream.FormatFloat64,
		NominalRate:   0,
	}
}

func markerDescriptor() stream.Descriptor {
	desc := numericDescriptor(1)
	desc.ChannelFormat = stream.FormatString
	return desc
}

func validConfig() json.RawMessage {
	return json.RawMessage(`{"broker_url": "tcp://localhost:1883", "topic": "sensors/temp"}`)
}

func newSource(t *testing.T, raw json.RawMessage, desc stream.Descriptor) *Source {
	t.Helper()
	src, err := New(raw, desc, source.ModeData, testDeps())
	require.NoError(t, err)
	return src.(*Source)
}

func TestNewRequiresBrokerAndTopic(t *testing.T) {
	cases := []struct {
		name string
		raw  json.RawMessage
	}{
		{"empty config", nil},
		{"missing broker", json.RawMessage(`{"topic": "sensors/temp"}`)},
		{"missing topic", json.RawMessage(`{"broker_url": "tcp://localhost:1883"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.raw, numericDescriptor(1), source.ModeData, testDeps())
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestNewDefaults(t *testing.T) {
	s := newSource(t, validConfig(), numericDescriptor(1))

	assert.Equal(t, PayloadChunk, s.payload)
	assert.Equal(t, "streamview-uid-mqtt", s.cfg.ClientID)
	assert.False(t, s.marker)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"qos too high", `{"broker_url": "tcp://x", "topic": "t", "qos": 3}`},
		{"unknown payload mode", `{"broker_url": "tcp://x", "topic": "t", "payload": "csv"}`},
		{"negative depth", `{"broker_url": "tcp://x", "topic": "t", "depth": -1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(json.RawMessage(tc.raw), numericDescriptor(1), source.ModeData, testDeps())
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDefaultClientID(t *testing.T) {
	assert.Equal(t, "streamview-short", defaultClientID("short"))
	assert.Equal(t, "streamview-01234567", defaultClientID("0123456789abcdef"))
}

func TestParseValues(t *testing.T) {
	values, err := parseValues([]byte("22.5"))
	require.NoError(t, err)
	assert.Equal(t, []float64{22.5}, values)

	values, err = parseValues([]byte(" [1, 2.5, -3] "))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, -3}, values)

	for _, bad := range []string{"", "not a number", `{"a": 1}`, `["x"]`} {
		_, err := parseValues([]byte(bad))
		require.Error(t, err, "payload %q", bad)
		assert.ErrorIs(t, err, errors.ErrDecodingFailed)
	}
}

func TestMessageHandlerChunkMode(t *testing.T) {
	raw := json.RawMessage(`{"broker_url": "tcp://x", "topic": "t", "payload": "chunk"}`)
	s := newSource(t, raw, numericDescriptor(2))

	data, err := stream.EncodeChunk(stream.Chunk{
		UID:      "uid-mqtt",
		Sequence: 7,
		Samples:  []stream.Sample{{Timestamp: 1, Values: []float64{1, 2}}},
	})
	require.NoError(t, err)

	s.messageHandler(nil, fakeMessage{topic: "t", payload: data})

	select {
	case chunk := <-s.Chunks():
		assert.Equal(t, uint64(7), chunk.Sequence)
	default:
		t.Fatal("expected chunk on consumer channel")
	}
}

func TestMessageHandlerValueMode(t *testing.T) {
	raw := json.RawMessage(`{"broker_url": "tcp://x", "topic": "t", "payload": "value"}`)
	s := newSource(t, raw, numericDescriptor(2))
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.messageHandler(nil, fakeMessage{topic: "t", payload: []byte("[1.5, 2.5]")})
	s.messageHandler(nil, fakeMessage{topic: "t", payload: []byte("[3.5, 4.5]")})

	first := <-s.Chunks()
	require.Len(t, first.Samples, 1)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, []float64{1.5, 2.5}, first.Samples[0].Values)
	assert.InDelta(t, float64(at.UnixNano())/1e9, first.Samples[0].Timestamp, 1e-6)

	second := <-s.Chunks()
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, []float64{3.5, 4.5}, second.Samples[0].Values)
}

func TestValueModeMarkerStream(t *testing.T) {
	raw := json.RawMessage(`{"broker_url": "tcp://x", "topic": "t", "payload": "value"}`)
	s := newSource(t, raw, markerDescriptor())

	s.messageHandler(nil, fakeMessage{topic: "t", payload: []byte(" button-press \n")})

	chunk := <-s.Chunks()
	require.Len(t, chunk.Samples, 1)
	assert.Equal(t, []string{"button-press"}, chunk.Samples[0].Marks)
	assert.Empty(t, chunk.Samples[0].Values)
}

func TestValueModeDecodeFailure(t *testing.T) {
	raw := json.RawMessage(`{"broker_url": "tcp://x", "topic": "t", "payload": "value"}`)
	s := newSource(t, raw, numericDescriptor(2))

	s.messageHandler(nil, fakeMessage{topic: "t", payload: []byte("garbage")})
	// Wrong shape for the descriptor is rejected by chunk validation.
	s.messageHandler(nil, fakeMessage{topic: "t", payload: []byte("[1.0]")})

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.DecodeErrors)
	assert.Zero(t, stats.ChunksReceived)
	assert.Empty(t, s.Chunks())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	s := newSource(t, validConfig(), numericDescriptor(1))
	assert.NoError(t, s.Stop(time.Second))
}

func TestRegister(t *testing.T) {
	reg := source.NewRegistry()
	require.NoError(t, Register(reg))

	_, err := reg.Lookup("mqtt")
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateConfig("mqtt",
		json.RawMessage(`{"broker_url": "tcp://x", "topic": "t", "qos": 1}`)))

	err = reg.ValidateConfig("mqtt", json.RawMessage(`{"broker_url": "tcp://x"}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = reg.ValidateConfig("mqtt",
		json.RawMessage(`{"broker_url": "tcp://x", "topic": "t", "qos": 3}`))
	require.Error(t, err)

	err = reg.ValidateConfig("mqtt",
		json.RawMessage(`{"broker_url": "tcp://x", "topic": "t", "payload": "csv"}`))
	require.Error(t, err)
}
