// Package static serves a fixed set of stream descriptors, standing in for
// live discovery in tests, demos, and offline replay.
package static

import (
	"context"
	"sync"

	"github.com/intheon/stream-viewer/registry"
	"github.com/intheon/stream-viewer/stream"
)

// Resolver returns a configured snapshot from every Discover call. The
// snapshot can be swapped at runtime so tests can script appearance and
// disappearance of streams across refreshes.
type Resolver struct {
	mu   sync.RWMutex
	rows []stream.Descriptor
}

var _ registry.DiscoveryPort = (*Resolver)(nil)

// New creates a resolver serving the given descriptors in order.
func New(rows ...stream.Descriptor) *Resolver {
	r := &Resolver{}
	r.Set(rows...)
	return r
}

// Discover returns a copy of the current snapshot. It honors context
// cancellation so it can stand in for a slow backend behind a deadline.
func (r *Resolver) Discover(ctx context.Context) ([]stream.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]stream.Descriptor, len(r.rows))
	copy(out, r.rows)
	return out, nil
}

// Set replaces the snapshot.
func (r *Resolver) Set(rows ...stream.Descriptor) {
	cloned := make([]stream.Descriptor, len(rows))
	copy(cloned, rows)

	r.mu.Lock()
	r.rows = cloned
	r.mu.Unlock()
}

// Add appends one descriptor to the snapshot.
func (r *Resolver) Add(d stream.Descriptor) {
	r.mu.Lock()
	r.rows = append(r.rows, d)
	r.mu.Unlock()
}

// Remove drops the descriptor with the given UID, reporting whether it was
// present.
func (r *Resolver) Remove(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.rows {
		if d.UID == uid {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the snapshot size.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
