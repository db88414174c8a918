package buffer

// Buffer is the policy-agnostic queue contract shared by pipeline stages.
// Implementations are safe for concurrent use.
type Buffer[T any] interface {
	// Write adds an item. Behavior at capacity depends on the overflow
	// policy: DropOldest evicts, DropNewest discards item, Block waits.
	Write(item T) error

	// Read removes and returns the oldest item, with false when empty.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items in arrival order.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the current number of buffered items.
	Size() int

	// Capacity returns the fixed maximum number of items.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Clear removes all buffered items.
	Clear()

	// Stats returns the always-on operation counters.
	Stats() *Statistics

	// Close shuts the buffer down and wakes any blocked writers.
	Close() error
}

// OverflowPolicy defines what Write does when the buffer is at capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item and keeps the buffer as is.
	DropNewest

	// Block parks the writer until a reader frees a slot.
	Block
)

// String returns the snake_case policy name used in logs and configs.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a config string to its policy, defaulting to
// DropOldest for unrecognized input.
func ParseOverflowPolicy(name string) OverflowPolicy {
	switch name {
	case "drop_newest":
		return DropNewest
	case "block":
		return Block
	default:
		return DropOldest
	}
}

// DropCallback observes items discarded by an overflow policy. It runs
// outside the buffer lock, so it may call back into the buffer.
type DropCallback[T any] func(item T)

// NewRing creates a fixed-capacity ring buffer. Statistics are always
// collected; Prometheus export is opt-in via WithMetrics. Capacities
// below one are raised to one.
func NewRing[T any](capacity int, options ...Option[T]) (*Ring[T], error) {
	return newRing(capacity, applyOptions(options...))
}
