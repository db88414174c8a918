package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/intheon/stream-viewer/errors"
)

// Ring is a fixed-capacity circular buffer with a configurable overflow
// policy. The zero value is not usable; construct with NewRing.
type Ring[T any] struct {
	mu      sync.RWMutex
	buf     []T
	count   int
	w, r    int
	stats   *Statistics
	metrics *ringMetrics
	policy  OverflowPolicy
	onDrop  DropCallback[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

var _ Buffer[int] = (*Ring[int])(nil)

func newRing[T any](capacity int, opts *ringOptions[T]) (*Ring[T], error) {
	if capacity < 1 {
		capacity = 1
	}

	var metrics *ringMetrics
	if opts.metricsReg != nil && opts.metricsComponent != "" {
		var err error
		metrics, err = newRingMetrics(opts.metricsReg, opts.metricsComponent)
		if err != nil {
			return nil, errors.WrapTransient(err, "Ring", "NewRing", "metrics registration")
		}
	}

	rb := &Ring[T]{
		buf:     make([]T, capacity),
		stats:   NewStatistics(),
		metrics: metrics,
		policy:  opts.policy,
		onDrop:  opts.onDrop,
	}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb, nil
}

// Write adds an item according to the overflow policy.
func (b *Ring[T]) Write(item T) error {
	victim, dropped, err := b.write(nil, item)
	if dropped && b.onDrop != nil {
		b.onDrop(victim)
	}
	return err
}

// WriteWithContext behaves like Write but abandons a blocked wait when ctx
// is done. For non-blocking policies it is identical to Write.
func (b *Ring[T]) WriteWithContext(ctx context.Context, item T) error {
	if b.policy != Block {
		return b.Write(item)
	}

	// A watcher wakes the blocked writer when the context fires; Broadcast
	// is safe without the lock.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.notFull.Broadcast()
		case <-done:
		}
	}()

	_, _, err := b.write(ctx, item)
	return err
}

// WriteWithTimeout is WriteWithContext with a deadline of now+timeout.
func (b *Ring[T]) WriteWithTimeout(item T, timeout time.Duration) error {
	if b.policy != Block {
		return b.Write(item)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return b.WriteWithContext(ctx, item)
}

// write performs the locked portion of a write. The evicted item, if any,
// is returned so the caller can run the drop callback outside the lock.
func (b *Ring[T]) write(ctx context.Context, item T) (victim T, dropped bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return victim, false, errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Write", "buffer closed")
	}

	if b.count == len(b.buf) {
		switch b.policy {
		case DropNewest:
			b.recordDrop()
			return item, true, nil

		case DropOldest:
			victim = b.buf[b.r]
			b.r = (b.r + 1) % len(b.buf)
			b.count--
			b.recordDrop()
			dropped = true

		case Block:
			for b.count == len(b.buf) && !b.closed {
				if ctx != nil && ctx.Err() != nil {
					return victim, dropped, ctx.Err()
				}
				b.notFull.Wait()
			}
			if ctx != nil && ctx.Err() != nil {
				return victim, dropped, ctx.Err()
			}
			if b.closed {
				return victim, dropped, errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Write",
					"buffer closed while blocked")
			}
		}
	}

	b.buf[b.w] = item
	b.w = (b.w + 1) % len(b.buf)
	b.count++

	b.stats.Write()
	b.stats.UpdateSize(int64(b.count))
	if b.metrics != nil {
		b.metrics.wrote(b.count, len(b.buf))
	}

	b.notEmpty.Signal()
	return victim, dropped, nil
}

// Read removes and returns the oldest item.
func (b *Ring[T]) Read() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.count == 0 {
		return zero, false
	}

	item := b.take()
	b.stats.Read()
	b.stats.UpdateSize(int64(b.count))
	if b.metrics != nil {
		b.metrics.read(b.count, len(b.buf))
	}

	b.notFull.Signal()
	return item, true
}

// ReadWithContext blocks until an item is available, the buffer closes, or
// ctx is done.
func (b *Ring[T]) ReadWithContext(ctx context.Context) (T, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.notEmpty.Broadcast()
		case <-done:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for b.count == 0 && !b.closed {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		b.notEmpty.Wait()
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if b.count == 0 && b.closed {
		return zero, errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "ReadWithContext", "buffer closed")
	}

	item := b.take()
	b.stats.Read()
	b.stats.UpdateSize(int64(b.count))
	if b.metrics != nil {
		b.metrics.read(b.count, len(b.buf))
	}

	b.notFull.Signal()
	return item, nil
}

// ReadBatch removes and returns up to max items in arrival order.
func (b *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := max
	if n > b.count {
		n = b.count
	}

	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = b.take()
		b.stats.Read()
	}
	b.stats.UpdateSize(int64(b.count))
	if b.metrics != nil {
		b.metrics.drained(n, b.count, len(b.buf))
	}

	for i := 0; i < n; i++ {
		b.notFull.Signal()
	}
	return out
}

// Peek returns the oldest item without removing it.
func (b *Ring[T]) Peek() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var zero T
	if b.count == 0 {
		return zero, false
	}

	b.stats.Peek()
	if b.metrics != nil {
		b.metrics.peeks.Inc()
	}
	return b.buf[b.r], true
}

// Size returns the current number of buffered items.
func (b *Ring[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the fixed maximum number of items.
func (b *Ring[T]) Capacity() int {
	return len(b.buf)
}

// IsFull reports whether the buffer is at capacity.
func (b *Ring[T]) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count == len(b.buf)
}

// IsEmpty reports whether the buffer holds no items.
func (b *Ring[T]) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count == 0
}

// Clear removes all buffered items. The drop callback sees each removed
// item, after the lock is released.
func (b *Ring[T]) Clear() {
	b.mu.Lock()

	var victims []T
	if b.onDrop != nil && b.count > 0 {
		victims = make([]T, 0, b.count)
		for i := 0; i < b.count; i++ {
			victims = append(victims, b.buf[(b.r+i)%len(b.buf)])
		}
	}

	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.w, b.r, b.count = 0, 0, 0

	b.stats.UpdateSize(0)
	if b.metrics != nil {
		b.metrics.resize(0, len(b.buf))
	}
	b.notFull.Broadcast()
	b.mu.Unlock()

	for _, item := range victims {
		b.onDrop(item)
	}
}

// Stats returns the always-on operation counters.
func (b *Ring[T]) Stats() *Statistics {
	return b.stats
}

// Close marks the buffer closed and wakes all blocked readers and writers.
// Buffered items remain readable. Close is idempotent.
func (b *Ring[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
	return nil
}

// take removes the oldest item. Caller holds the write lock and count > 0.
func (b *Ring[T]) take() T {
	var zero T
	item := b.buf[b.r]
	b.buf[b.r] = zero
	b.r = (b.r + 1) % len(b.buf)
	b.count--
	return item
}

// recordDrop tracks one overflow eviction. Caller holds the write lock.
func (b *Ring[T]) recordDrop() {
	b.stats.Overflow()
	b.stats.Drop()
	if b.metrics != nil {
		b.metrics.overflows.Inc()
		b.metrics.drops.Inc()
	}
}
