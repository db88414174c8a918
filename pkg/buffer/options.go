package buffer

import (
	"github.com/intheon/stream-viewer/metric"
)

// Option configures a ring buffer at construction time.
type Option[T any] func(*ringOptions[T])

type ringOptions[T any] struct {
	policy OverflowPolicy
	onDrop DropCallback[T]

	// When set, operation counters are also exported as Prometheus
	// metrics labelled with the owning component.
	metricsReg       *metric.MetricsRegistry
	metricsComponent string
}

// WithOverflowPolicy sets the behavior at capacity. The default is
// DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *ringOptions[T]) {
		opts.policy = policy
	}
}

// WithDropCallback registers a callback for items discarded by the
// overflow policy or by Clear.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *ringOptions[T]) {
		opts.onDrop = callback
	}
}

// WithMetrics exports the buffer's counters through the given registry,
// labelled with component. Ignored when registry is nil or component is
// empty.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(opts *ringOptions[T]) {
		if registry != nil && component != "" {
			opts.metricsReg = registry
			opts.metricsComponent = component
		}
	}
}

func applyOptions[T any](options ...Option[T]) *ringOptions[T] {
	opts := &ringOptions[T]{
		policy: DropOldest,
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
