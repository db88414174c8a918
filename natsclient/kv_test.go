package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
)

func TestDefaultKVOptions(t *testing.T) {
	opts := DefaultKVOptions()
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 256*1024, opts.MaxValueSize)
}

func TestKVOptionFuncs(t *testing.T) {
	opts := DefaultKVOptions()
	WithKVTimeout(time.Second)(&opts)
	WithKVMaxValueSize(128)(&opts)

	assert.Equal(t, time.Second, opts.Timeout)
	assert.Equal(t, 128, opts.MaxValueSize)
}

func TestKVStore_SizeGuard(t *testing.T) {
	client, err := NewClient([]string{"nats://localhost:4222"})
	require.NoError(t, err)

	// The size check runs before the bucket is touched, so a nil bucket is
	// safe here.
	store := client.NewKVStore(nil, WithKVMaxValueSize(8))
	ctx := context.Background()

	oversized := make([]byte, 16)

	_, errPut := store.Put(ctx, "uid-1", oversized)
	assert.ErrorIs(t, errPut, errors.ErrInvalidConfig)

	_, errCreate := store.Create(ctx, "uid-1", oversized)
	assert.ErrorIs(t, errCreate, errors.ErrInvalidConfig)

	_, errUpdate := store.Update(ctx, "uid-1", oversized, 1)
	assert.ErrorIs(t, errUpdate, errors.ErrInvalidConfig)
}

func TestIsKVNotFound(t *testing.T) {
	assert.False(t, IsKVNotFound(nil))
	assert.False(t, IsKVNotFound(stderrors.New("boom")))

	assert.True(t, IsKVNotFound(errors.ErrKeyNotFound))
	assert.True(t, IsKVNotFound(fmt.Errorf("key uid-1: %w", errors.ErrKeyNotFound)))
	assert.True(t, IsKVNotFound(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFound(jetstream.ErrKeyDeleted))

	// Raw server phrasings.
	assert.True(t, IsKVNotFound(stderrors.New("nats: key not found")))
	assert.True(t, IsKVNotFound(stderrors.New("API error 10037")))
}

func TestIsKVConflict(t *testing.T) {
	assert.False(t, IsKVConflict(nil))
	assert.False(t, IsKVConflict(stderrors.New("boom")))

	assert.True(t, IsKVConflict(ErrKeyExists))
	assert.True(t, IsKVConflict(fmt.Errorf("key uid-1: %w", ErrRevisionMismatch)))
	assert.True(t, IsKVConflict(jetstream.ErrKeyExists))

	// Raw server phrasings.
	assert.True(t, IsKVConflict(stderrors.New("nats: wrong last sequence: 42")))
	assert.True(t, IsKVConflict(stderrors.New("API error 10071")))
	assert.True(t, IsKVConflict(stderrors.New("API error 10058")))
}

func TestIsBucketExistsError(t *testing.T) {
	assert.False(t, isBucketExistsError(nil))
	assert.False(t, isBucketExistsError(stderrors.New("boom")))

	assert.True(t, isBucketExistsError(jetstream.ErrBucketExists))
	assert.True(t, isBucketExistsError(stderrors.New("nats: bucket name already in use")))
	assert.True(t, isBucketExistsError(stderrors.New("stream name already in use")))
}
