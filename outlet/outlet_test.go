package outlet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/stream"
)

func testClient(t *testing.T) *natsclient.Client {
	t.Helper()
	client, err := natsclient.NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)
	return client
}

func testDescriptor() stream.Descriptor {
	return stream.Descriptor{
		Name:          "BioSemi",
		StreamType:    "EEG",
		Hostname:      "lab-pc",
		ChannelCount:  8,
		ChannelFormat: stream.FormatFloat32,
		NominalRate:   256,
	}
}

func TestNewAssignsUID(t *testing.T) {
	client := testClient(t)

	o1, err := New(client, testDescriptor())
	require.NoError(t, err)
	o2, err := New(client, testDescriptor())
	require.NoError(t, err)

	assert.NotEmpty(t, o1.UID())
	assert.NotEmpty(t, o2.UID())
	assert.NotEqual(t, o1.UID(), o2.UID())
	assert.Equal(t, stream.DataSubject(o1.UID()), o1.Subject())
	assert.Equal(t, o1.UID(), o1.Descriptor().UID)
}

func TestNewKeepsProvidedUID(t *testing.T) {
	client := testClient(t)

	desc := testDescriptor()
	desc.UID = "fixed-uid"
	o, err := New(client, desc)
	require.NoError(t, err)
	assert.Equal(t, "fixed-uid", o.UID())
	assert.Equal(t, "streams.data.fixed-uid", o.Subject())
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, testDescriptor())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewRejectsInvalidDescriptor(t *testing.T) {
	client := testClient(t)

	desc := testDescriptor()
	desc.ChannelCount = -1
	_, err := New(client, desc)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewHeartbeatDefaultsToHalfTTL(t *testing.T) {
	client := testClient(t)

	o, err := New(client, testDescriptor(), WithAdvertTTL(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, o.heartbeat)
}

func TestNewRejectsHeartbeatAboveTTL(t *testing.T) {
	client := testClient(t)

	_, err := New(client, testDescriptor(),
		WithAdvertTTL(2*time.Second), WithHeartbeat(2*time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(client, testDescriptor(),
		WithAdvertTTL(2*time.Second), WithHeartbeat(500*time.Millisecond))
	assert.NoError(t, err)
}

func TestPushChunkRequiresStart(t *testing.T) {
	client := testClient(t)

	o, err := New(client, testDescriptor())
	require.NoError(t, err)

	err = o.PushChunk(context.Background(), []stream.Sample{
		{Timestamp: 1, Values: []float64{1, 2, 3, 4, 5, 6, 7, 8}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	client := testClient(t)

	o, err := New(client, testDescriptor())
	require.NoError(t, err)
	assert.NoError(t, o.Stop(time.Second))
}

func TestStatsInitial(t *testing.T) {
	client := testClient(t)

	o, err := New(client, testDescriptor())
	require.NoError(t, err)

	stats := o.Stats()
	assert.Equal(t, o.UID(), stats.UID)
	assert.Zero(t, stats.Published)
	assert.Zero(t, stats.PublishErrors)
	assert.Zero(t, stats.Uptime)
}
