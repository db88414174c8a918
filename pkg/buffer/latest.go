package buffer

import "sync"

// Latest is a one-slot coalescing buffer: a new Put replaces whatever is
// pending, so a slow consumer always picks up the freshest item and never
// a backlog. Safe for concurrent use.
type Latest[T any] struct {
	mu      sync.Mutex
	item    T
	present bool
	signal  chan struct{}
}

// NewLatest creates an empty coalescing slot.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{signal: make(chan struct{}, 1)}
}

// Put stores item, replacing any pending one, and reports whether a
// pending item was displaced.
func (l *Latest[T]) Put(item T) (replaced bool) {
	l.mu.Lock()
	replaced = l.present
	l.item = item
	l.present = true
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return replaced
}

// Take removes and returns the pending item.
func (l *Latest[T]) Take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	if !l.present {
		return zero, false
	}
	item := l.item
	l.item = zero
	l.present = false
	return item, true
}

// Ready returns a channel that receives after each Put. The channel has a
// one-slot backlog, so a receive can cover several Puts; drain with Take
// until it reports empty.
func (l *Latest[T]) Ready() <-chan struct{} {
	return l.signal
}
