//go:build integration

package outlet

import (
	"context"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/stream"
)

func waitChunk(t *testing.T, ch <-chan stream.Chunk) stream.Chunk {
	t.Helper()
	select {
	case chunk := <-ch:
		return chunk
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chunk")
		return stream.Chunk{}
	}
}

func TestIntegrationAdvertiseAndPush(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	o, err := New(tc.Client, testDescriptor(), WithAdvertTTL(30*time.Second))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx))
	defer func() { _ = o.Stop(5 * time.Second) }()

	// Advert is readable from the bucket
	bucket, err := tc.KVBucket(ctx, DefaultBucket)
	require.NoError(t, err)
	store := tc.Client.NewKVStore(bucket)

	entry, err := store.Get(ctx, o.UID())
	require.NoError(t, err)
	ad, err := stream.DecodeAdvert(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, o.Descriptor(), ad.Descriptor)
	assert.Equal(t, o.Subject(), ad.Subject)

	// Chunks arrive on the data subject in push order
	received := make(chan stream.Chunk, 4)
	sub, err := tc.NativeConnection().Subscribe(o.Subject(), func(msg *gonats.Msg) {
		if chunk, err := stream.DecodeChunk(msg.Data); err == nil {
			received <- chunk
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, o.PushSample(ctx, stream.Sample{
		Timestamp: 1.0,
		Values:    []float64{1, 2, 3, 4, 5, 6, 7, 8},
	}))
	require.NoError(t, o.PushChunk(ctx, []stream.Sample{
		{Timestamp: 1.1, Values: []float64{1, 2, 3, 4, 5, 6, 7, 8}},
		{Timestamp: 1.2, Values: []float64{1, 2, 3, 4, 5, 6, 7, 8}},
	}))

	first := waitChunk(t, received)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Len(t, first.Samples, 1)

	second := waitChunk(t, received)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Len(t, second.Samples, 2)

	stats := o.Stats()
	assert.EqualValues(t, 2, stats.Published)

	// Stop withdraws the advert immediately
	require.NoError(t, o.Stop(5*time.Second))
	_, err = store.Get(ctx, o.UID())
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestIntegrationChunkValidation(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	o, err := New(tc.Client, testDescriptor())
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx))
	defer func() { _ = o.Stop(5 * time.Second) }()

	// Wrong channel count is rejected before publication
	err = o.PushSample(ctx, stream.Sample{Timestamp: 1, Values: []float64{1, 2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidChunk)
	assert.Zero(t, o.Stats().Published)
}

func TestIntegrationStaleTakeover(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	desc := testDescriptor()
	desc.UID = "takeover-uid"

	// Simulate a previous run of the same outlet that died mid-TTL
	first, err := New(tc.Client, desc)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	bucket, err := tc.KVBucket(ctx, DefaultBucket)
	require.NoError(t, err)
	store := tc.Client.NewKVStore(bucket)
	before, err := store.Get(ctx, desc.UID)
	require.NoError(t, err)

	// A fresh outlet with the same identity takes the advert over
	second, err := New(tc.Client, desc)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer func() { _ = second.Stop(5 * time.Second) }()

	after, err := store.Get(ctx, desc.UID)
	require.NoError(t, err)
	assert.Greater(t, after.Revision, before.Revision)
}

func TestIntegrationDuplicateUIDRejected(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	desc := testDescriptor()
	desc.UID = "contested-uid"

	first, err := New(tc.Client, desc)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	defer func() { _ = first.Stop(5 * time.Second) }()

	// Same UID from a different host is a live duplicate, not a takeover
	other := desc
	other.Hostname = "other-host"
	second, err := New(tc.Client, other)
	require.NoError(t, err)

	err = second.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestIntegrationHeartbeatOutlivesTTL(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o, err := New(tc.Client, testDescriptor(),
		WithAdvertTTL(2*time.Second), WithHeartbeat(500*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx))
	defer func() { _ = o.Stop(5 * time.Second) }()

	bucket, err := tc.KVBucket(ctx, DefaultBucket)
	require.NoError(t, err)
	store := tc.Client.NewKVStore(bucket)

	// Well past the TTL, the heartbeat keeps the advert alive
	time.Sleep(3 * time.Second)
	_, err = store.Get(ctx, o.UID())
	assert.NoError(t, err)
}
