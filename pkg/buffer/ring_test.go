package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
)

func TestRing_WriteRead(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 4, buf.Capacity())

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, 3, buf.Size())
	assert.False(t, buf.IsFull())

	for want := 1; want <= 3; want++ {
		got, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := buf.Read()
	assert.False(t, ok)
}

func TestRing_MinimumCapacity(t *testing.T) {
	buf, err := NewRing[string](0)
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Capacity())
}

func TestRing_DropOldest(t *testing.T) {
	var dropped []int
	buf, err := NewRing[int](3,
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, buf.ReadBatch(10))
	assert.Equal(t, int64(2), buf.Stats().Drops())
	assert.Equal(t, int64(2), buf.Stats().Overflows())
}

func TestRing_DropNewest(t *testing.T) {
	var dropped []int
	buf, err := NewRing[int](3,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{4, 5}, dropped)
	assert.Equal(t, []int{1, 2, 3}, buf.ReadBatch(10))
}

func TestRing_BlockPolicyWaitsForSpace(t *testing.T) {
	buf, err := NewRing[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	wrote := make(chan error, 1)
	go func() { wrote <- buf.Write(2) }()

	select {
	case err := <-wrote:
		t.Fatalf("write completed while full: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	got, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, got)

	select {
	case err := <-wrote:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write never completed")
	}

	got, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestRing_WriteWithContextCancellation(t *testing.T) {
	buf, err := NewRing[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = buf.WriteWithContext(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, buf.Size())
}

func TestRing_WriteWithTimeoutBypassForDropPolicies(t *testing.T) {
	buf, err := NewRing[int](1)
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	// DropOldest never blocks, so the timeout path is not taken.
	require.NoError(t, buf.WriteWithTimeout(2, time.Nanosecond))
	got, _ := buf.Read()
	assert.Equal(t, 2, got)
}

func TestRing_ReadWithContext(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)

	got := make(chan int, 1)
	go func() {
		item, err := buf.ReadWithContext(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Write(7))

	select {
	case item := <-got:
		assert.Equal(t, 7, item)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read never completed")
	}
}

func TestRing_ReadWithContextCancellation(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = buf.ReadWithContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRing_ReadWithContextAfterClose(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := buf.ReadWithContext(context.Background())
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, errors.ErrShuttingDown)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read did not observe close")
	}
}

func TestRing_ReadBatch(t *testing.T) {
	buf, err := NewRing[int](8)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1, 2, 3}, buf.ReadBatch(3))
	assert.Equal(t, []int{4, 5}, buf.ReadBatch(10))
	assert.Nil(t, buf.ReadBatch(10))
	assert.Nil(t, buf.ReadBatch(0))
}

func TestRing_Peek(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)
	require.NoError(t, buf.Write(9))

	got, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, 9, got)
	assert.Equal(t, 1, buf.Size())
	assert.Equal(t, int64(1), buf.Stats().Peeks())
}

func TestRing_Clear(t *testing.T) {
	var dropped []int
	buf, err := NewRing[int](4,
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []int{1, 2, 3}, dropped)
}

func TestRing_Close(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())

	err = buf.Write(2)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.True(t, errors.IsInvalid(err))

	// Buffered items survive close.
	got, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestRing_Stats(t *testing.T) {
	buf, err := NewRing[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // evicts 1
	buf.Read()

	stats := buf.Stats()
	assert.Equal(t, int64(3), stats.Writes())
	assert.Equal(t, int64(1), stats.Reads())
	assert.Equal(t, int64(1), stats.Drops())
	assert.Equal(t, int64(2), stats.PeakSize())
	assert.InDelta(t, 1.0/3.0, stats.DropRate(), 1e-9)
	assert.InDelta(t, 0.5, stats.Utilization(2), 1e-9)

	summary := stats.Summary()
	assert.Equal(t, int64(3), summary.Writes)
	assert.Equal(t, int64(1), summary.CurrentSize)
}

func TestRing_MetricsExport(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf, err := NewRing[int](4, WithMetrics[int](registry, "test_buffer"))
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	buf.Read()

	assert.Equal(t, 2.0, testutil.ToFloat64(buf.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(buf.metrics.reads))
	assert.Equal(t, 1.0, testutil.ToFloat64(buf.metrics.size))

	// A second buffer under the same component name collides.
	_, err = NewRing[int](4, WithMetrics[int](registry, "test_buffer"))
	assert.Error(t, err)
}
