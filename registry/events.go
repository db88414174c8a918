package registry

import (
	"context"

	"github.com/intheon/stream-viewer/stream"
)

// DiscoveryPort resolves the set of streams currently advertised on the
// network. Discover blocks up to the context deadline; implementations must
// return promptly once ctx is done. The returned slice order is the
// discovery order, which the registry uses to place newly found rows.
type DiscoveryPort interface {
	Discover(ctx context.Context) ([]stream.Descriptor, error)
}

// Observer receives row-level change notifications. For one refresh the
// delivery order is fixed: removals highest-index-first, then insertions in
// ascending final index order, then at most one RowsUpdated covering the
// retained rows whose fields changed. Callbacks run synchronously on the
// registry's mutation path; they may call Get, Size, Snapshot, and Find,
// but must not call Refresh or ApplyRateUpdate, and should return quickly.
type Observer interface {
	// RowInserted reports a new row at index. Rows at and above index have
	// shifted up by one.
	RowInserted(index int)

	// RowRemoved reports that the row at index is gone. Rows above index
	// have shifted down by one.
	RowRemoved(index int)

	// RowsUpdated reports in-place field changes at the given indices.
	// No rows have moved.
	RowsUpdated(indices []int)
}

// ObserverFuncs adapts plain functions to the Observer interface. Nil
// fields ignore their event. Register a pointer so the adapter can be
// removed again by identity.
type ObserverFuncs struct {
	OnRowInserted func(index int)
	OnRowRemoved  func(index int)
	OnRowsUpdated func(indices []int)
}

var _ Observer = (*ObserverFuncs)(nil)

// RowInserted implements Observer.
func (o *ObserverFuncs) RowInserted(index int) {
	if o.OnRowInserted != nil {
		o.OnRowInserted(index)
	}
}

// RowRemoved implements Observer.
func (o *ObserverFuncs) RowRemoved(index int) {
	if o.OnRowRemoved != nil {
		o.OnRowRemoved(index)
	}
}

// RowsUpdated implements Observer.
func (o *ObserverFuncs) RowsUpdated(indices []int) {
	if o.OnRowsUpdated != nil {
		o.OnRowsUpdated(indices)
	}
}

// RateMeasured is one effective-rate measurement from a live pipeline,
// produced by the monitor and routed to Registry.ApplyRateUpdate. Rate is
// in samples per second.
type RateMeasured struct {
	UID  string
	Rate float64
}

// event is one pending notification, recorded while mutations are applied
// and delivered afterwards in order.
type event struct {
	kind    eventKind
	index   int
	indices []int
}

type eventKind int

const (
	eventInserted eventKind = iota
	eventRemoved
	eventUpdated
)

func (k eventKind) String() string {
	switch k {
	case eventInserted:
		return "insert"
	case eventRemoved:
		return "remove"
	case eventUpdated:
		return "update"
	default:
		return "unknown"
	}
}
