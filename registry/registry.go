package registry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/stream"
)

// Registry is the authoritative in-memory view of currently known streams.
// It owns an ordered sequence of descriptors, reconciles it against
// discovery snapshots, and notifies observers with minimal, index-accurate
// change events instead of wholesale replacement.
//
// Ordering: rows keep their relative order across refreshes; newly
// discovered rows are appended after all survivors in discovery order.
// UIDs are unique among rows at all times.
//
// Ownership: the registry owns its descriptors. Accessors return copies;
// observers address rows by position and re-query after notifications.
type Registry struct {
	discovery DiscoveryPort
	logger    *slog.Logger
	metrics   *metric.Metrics

	// emitMu serializes mutation+delivery pairs so events are always
	// delivered in application order with indices still valid.
	emitMu    sync.Mutex
	observers []Observer

	// mu guards rows only. Observer callbacks may take read locks.
	mu   sync.RWMutex
	rows []stream.Descriptor

	inFlight atomic.Bool
	closed   atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger. Defaults to slog.Default with a
// component attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics wires the core platform metrics. A nil registry disables
// metrics collection.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Registry) {
		if registry != nil {
			r.metrics = registry.CoreMetrics()
		}
	}
}

// New creates an empty registry backed by the given discovery port.
func New(discovery DiscoveryPort, opts ...Option) (*Registry, error) {
	if discovery == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "New",
			"discovery port validation")
	}

	r := &Registry{discovery: discovery}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "registry")
	}
	return r, nil
}

// Refresh resolves the current stream set through the discovery port and
// reconciles it into the registry. The context bounds the discovery call.
//
// At most one refresh runs at a time: an overlapping call returns
// ErrRefreshInFlight without touching the port. Discovery failures and
// cancellation leave the registry in its last-known-good state with no
// partial notifications; timeouts surface as a classified timeout error,
// transport failures as transient.
//
// For a successful refresh the observers receive, in order: one RowRemoved
// per vanished row (highest index first), one RowInserted per new row
// (ascending final indices), then at most one RowsUpdated for retained rows
// whose fields changed. A refresh that changes nothing emits nothing.
// Retained rows keep their measured EffectiveRate unless the snapshot
// carries a non-zero value for it.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.closed.Load() {
		return errors.ErrRegistryClosed
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		r.countRefresh("suppressed")
		return errors.ErrRefreshInFlight
	}
	defer r.inFlight.Store(false)

	start := time.Now()
	discovered, err := r.discovery.Discover(ctx)
	if err != nil {
		return r.refreshFailed(err, start)
	}
	// Cancelled after the port returned: nothing may be applied.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return r.refreshFailed(ctxErr, start)
	}

	snapshot := r.sanitize(discovered)

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.closed.Load() {
		return errors.ErrRegistryClosed
	}

	events := r.apply(snapshot)
	r.deliver(events)

	removed, inserted, updated := tally(events)
	r.logger.Debug("refresh reconciled",
		"discovered", len(snapshot),
		"removed", removed,
		"inserted", inserted,
		"updated", updated,
		"duration", time.Since(start))
	r.countRefresh("ok")
	r.observeRefreshDuration(start)
	return nil
}

// ApplyRateUpdate sets the effective rate of the row with the given uid
// and notifies observers with a single-row update. An unknown uid is a
// silent no-op: measurements can legitimately outlive their stream. The
// call never blocks beyond the registry's short mutation section and is
// independent of any refresh in flight.
func (r *Registry) ApplyRateUpdate(uid string, rate float64) {
	if r.closed.Load() {
		return
	}
	if uid == "" || rate < 0 {
		r.countRate("rejected")
		return
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.closed.Load() {
		return
	}

	r.mu.Lock()
	idx := -1
	for i := range r.rows {
		if r.rows[i].UID == uid {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Debug("rate update for unknown stream", "uid", uid, "rate", rate)
		r.countRate("unknown_uid")
		return
	}
	r.rows[idx].EffectiveRate = rate
	r.mu.Unlock()

	r.countRate("applied")
	r.deliver([]event{{kind: eventUpdated, indices: []int{idx}}})
}

// ConsumeRates routes RateMeasured messages from ch into ApplyRateUpdate
// until ctx is done or ch closes. It is the binding point for monitor
// pipelines that deliver measurements over a channel.
func (r *Registry) ConsumeRates(ctx context.Context, ch <-chan RateMeasured) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.ApplyRateUpdate(m.UID, m.Rate)
		}
	}
}

// Get returns a copy of the row at index, with false for out-of-range
// positions.
func (r *Registry) Get(index int) (stream.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.rows) {
		return stream.Descriptor{}, false
	}
	return r.rows[index], true
}

// Size returns the number of rows.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rows)
}

// Snapshot returns a copy of all rows in display order.
func (r *Registry) Snapshot() []stream.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]stream.Descriptor, len(r.rows))
	copy(out, r.rows)
	return out
}

// Find returns a copy of the row with the given uid and its position.
func (r *Registry) Find(uid string) (stream.Descriptor, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.rows {
		if r.rows[i].UID == uid {
			return r.rows[i], i, true
		}
	}
	return stream.Descriptor{}, -1, false
}

// AddObserver registers an observer for subsequent change events.
// Observers are notified in registration order.
func (r *Registry) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.observers = append(r.observers, obs)
}

// RemoveObserver unregisters an observer previously added with AddObserver.
// Identity is interface equality, so the same value must be passed.
func (r *Registry) RemoveObserver(obs Observer) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	for i := range r.observers {
		if r.observers[i] == obs {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Close marks the registry as destroyed. Further refreshes fail with
// ErrRegistryClosed and rate updates are dropped; rows stay readable.
// Close is idempotent.
func (r *Registry) Close() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.closed.Store(true)
	r.observers = nil
}

// sanitize drops undescribable or duplicate entries from a discovery
// snapshot, keeping the first occurrence of each uid.
func (r *Registry) sanitize(discovered []stream.Descriptor) []stream.Descriptor {
	out := make([]stream.Descriptor, 0, len(discovered))
	seen := make(map[string]struct{}, len(discovered))
	for _, d := range discovered {
		if err := d.Validate(); err != nil {
			r.logger.Debug("dropping invalid discovery entry", "uid", d.UID, "error", err)
			continue
		}
		if _, dup := seen[d.UID]; dup {
			r.logger.Warn("dropping duplicate uid in discovery snapshot", "uid", d.UID)
			continue
		}
		seen[d.UID] = struct{}{}
		out = append(out, d)
	}
	return out
}

// apply reconciles the snapshot into the row sequence and returns the
// notifications to deliver, already in contract order. Caller holds emitMu.
func (r *Registry) apply(snapshot []stream.Descriptor) []event {
	r.mu.Lock()
	defer r.mu.Unlock()

	newIndex := make(map[string]int, len(snapshot))
	for i, d := range snapshot {
		newIndex[d.UID] = i
	}
	oldByUID := make(map[string]struct{}, len(r.rows))
	for _, row := range r.rows {
		oldByUID[row.UID] = struct{}{}
	}

	var events []event

	// Removal pass, top down so each emitted index is valid at delivery.
	for i := len(r.rows) - 1; i >= 0; i-- {
		if _, ok := newIndex[r.rows[i].UID]; !ok {
			events = append(events, event{kind: eventRemoved, index: i})
		}
	}
	survivors := make([]stream.Descriptor, 0, len(r.rows))
	for _, row := range r.rows {
		if _, ok := newIndex[row.UID]; ok {
			survivors = append(survivors, row)
		}
	}
	r.rows = survivors

	// Insertion pass: new rows appended after survivors in discovery order.
	for _, d := range snapshot {
		if _, existed := oldByUID[d.UID]; existed {
			continue
		}
		r.rows = append(r.rows, d)
		events = append(events, event{kind: eventInserted, index: len(r.rows) - 1})
	}

	// Update pass over survivors: take the snapshot's fields but keep a
	// measured rate that discovery does not know about.
	var updated []int
	for i := 0; i < len(survivors); i++ {
		old := r.rows[i]
		merged := snapshot[newIndex[old.UID]]
		if merged.EffectiveRate == 0 {
			merged.EffectiveRate = old.EffectiveRate
		}
		if merged != old {
			r.rows[i] = merged
			updated = append(updated, i)
		}
	}
	if len(updated) > 0 {
		events = append(events, event{kind: eventUpdated, indices: updated})
	}

	r.setRows(len(r.rows))
	return events
}

// deliver notifies all observers of each event in order. Caller holds
// emitMu; rows are unlocked so callbacks may re-query.
func (r *Registry) deliver(events []event) {
	for _, ev := range events {
		for _, obs := range r.observers {
			switch ev.kind {
			case eventInserted:
				obs.RowInserted(ev.index)
			case eventRemoved:
				obs.RowRemoved(ev.index)
			case eventUpdated:
				indices := make([]int, len(ev.indices))
				copy(indices, ev.indices)
				obs.RowsUpdated(indices)
			}
		}
		r.countEvent(ev.kind)
	}
}

// refreshFailed classifies a discovery failure, records it, and returns the
// wrapped error. Registry state is untouched.
func (r *Registry) refreshFailed(err error, start time.Time) error {
	r.observeRefreshDuration(start)

	switch {
	case stderrors.Is(err, context.Canceled):
		r.countRefresh("cancelled")
		r.logger.Debug("refresh cancelled; registry unchanged", "error", err)
		return errors.WrapTimeout(err, "Registry", "Refresh", "stream resolution")
	case errors.IsTimeout(err):
		r.countRefresh("timeout")
		r.logger.Warn("discovery timed out; registry unchanged", "error", err)
		return errors.WrapTimeout(err, "Registry", "Refresh", "stream resolution")
	default:
		r.countRefresh("error")
		r.logger.Warn("discovery failed; registry unchanged", "error", err)
		return errors.WrapTransient(err, "Registry", "Refresh", "stream resolution")
	}
}

func tally(events []event) (removed, inserted, updated int) {
	for _, ev := range events {
		switch ev.kind {
		case eventRemoved:
			removed++
		case eventInserted:
			inserted++
		case eventUpdated:
			updated += len(ev.indices)
		}
	}
	return removed, inserted, updated
}

func (r *Registry) countRefresh(status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RefreshesTotal.WithLabelValues(status).Inc()
}

func (r *Registry) observeRefreshDuration(start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RefreshDuration.Observe(time.Since(start).Seconds())
}

func (r *Registry) countEvent(kind eventKind) {
	if r.metrics == nil {
		return
	}
	r.metrics.EventsEmitted.WithLabelValues(kind.String()).Inc()
}

func (r *Registry) countRate(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RateUpdates.WithLabelValues(result).Inc()
}

func (r *Registry) setRows(n int) {
	if r.metrics == nil {
		return
	}
	r.metrics.RegistryRows.Set(float64(n))
}
