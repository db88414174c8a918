// Package monitor measures the effective sample rate of every stream the
// registry knows about.
//
// A Monitor attaches one monitor-mode source per registry row, counts the
// samples each source sees per interval, and folds the per-interval rate
// into a decayed running estimate. Estimates leave the monitor as
// registry.RateMeasured values on the Updates channel, which is meant to be
// fed straight into Registry.ConsumeRates.
//
// Attach and detach follow the registry: an observer watches row
// insertions and removals and wakes the monitor's own goroutine, which
// reconciles its set of watched streams against the registry snapshot.
// Observer callbacks never create, start, or stop sources themselves.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/registry"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

const (
	// DefaultInterval is how often samples are counted and rates emitted.
	DefaultInterval = time.Second

	// DefaultDecay is the smoothing horizon for the rate estimate. The
	// fold factor is interval/decay, capped at 0.99.
	DefaultDecay = 3 * time.Second

	// updateDepth bounds the Updates channel. Emission never blocks the
	// measurement loop; a full channel drops the update and the next
	// interval supersedes it.
	updateDepth = 64

	// detachTimeout bounds the Stop call on each detached source.
	detachTimeout = 2 * time.Second
)

// Opener builds a monitor-mode source for one stream. The monitor calls it
// once per attached row.
type Opener func(desc stream.Descriptor) (source.Source, error)

// FactoryOpener adapts a plugin source factory into an Opener, passing the
// same raw config and dependencies to every source it builds.
func FactoryOpener(factory source.Factory, rawConfig json.RawMessage, deps source.Deps) Opener {
	return func(desc stream.Descriptor) (source.Source, error) {
		return factory(rawConfig, desc, source.ModeMonitor, deps)
	}
}

// watch is the per-stream measurement state, owned by the monitor's
// goroutine and guarded by mu for the introspection accessors.
type watch struct {
	src       source.Source
	lastCount int64
	rate      float64
}

// Monitor measures effective rates for all registry rows.
type Monitor struct {
	registry *registry.Registry
	opener   Opener
	interval time.Duration
	decay    time.Duration
	fold     float64
	logger   *slog.Logger
	core     *metric.Metrics

	updates chan registry.RateMeasured

	// notify wakes the run loop for an off-schedule reconcile after a
	// registry row change. Capacity one; extra pokes coalesce.
	notify   chan struct{}
	observer *registry.ObserverFuncs

	mu      sync.Mutex
	watches map[string]*watch

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	shutdown    chan struct{}
	done        chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the measurement interval. Non-positive values keep the
// default.
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithDecay sets the smoothing horizon. Non-positive values keep the
// default.
func WithDecay(decay time.Duration) Option {
	return func(m *Monitor) {
		if decay > 0 {
			m.decay = decay
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires the core platform metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(m *Monitor) {
		if reg != nil {
			m.core = reg.CoreMetrics()
		}
	}
}

// New creates a monitor bound to the given registry. The opener is called
// for every row that needs watching.
func New(reg *registry.Registry, opener Opener, opts ...Option) (*Monitor, error) {
	if reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Monitor", "New",
			"registry validation")
	}
	if opener == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Monitor", "New",
			"opener validation")
	}

	m := &Monitor{
		registry: reg,
		opener:   opener,
		interval: DefaultInterval,
		decay:    DefaultDecay,
		updates:  make(chan registry.RateMeasured, updateDepth),
		notify:   make(chan struct{}, 1),
		watches:  make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "monitor")
	}
	m.fold = math.Min(m.interval.Seconds()/m.decay.Seconds(), 0.99)
	return m, nil
}

// Updates returns the channel carrying rate estimates. It is closed by
// Stop. Feed it to Registry.ConsumeRates.
func (m *Monitor) Updates() <-chan registry.RateMeasured {
	return m.updates
}

// Start registers the registry observer and launches the measurement loop.
// The context bounds the lifetime of the sources the monitor attaches.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running || m.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Monitor", "Start",
			"lifecycle check")
	}

	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})

	m.observer = &registry.ObserverFuncs{
		OnRowInserted: func(int) { m.poke() },
		OnRowRemoved:  func(int) { m.poke() },
	}
	m.registry.AddObserver(m.observer)

	m.running = true
	m.core.SetComponentStatus("monitor", metric.StatusRunning)
	m.logger.Info("rate monitor started",
		"interval", m.interval, "decay", m.decay)

	go m.run(ctx)
	return nil
}

// Stop halts the measurement loop, stops every watched source, and closes
// the Updates channel.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.running {
		return nil
	}

	m.registry.RemoveObserver(m.observer)
	close(m.shutdown)
	select {
	case <-m.done:
	case <-time.After(timeout):
		return errors.WrapTimeout(errors.ErrShuttingDown, "Monitor", "Stop",
			"measurement loop shutdown")
	}

	m.mu.Lock()
	for uid, w := range m.watches {
		m.detachLocked(uid, w)
	}
	m.mu.Unlock()

	close(m.updates)
	m.running = false
	m.stopped = true
	m.core.SetComponentStatus("monitor", metric.StatusStopped)
	m.logger.Info("rate monitor stopped")
	return nil
}

// Rates returns a snapshot of the current per-stream estimates.
func (m *Monitor) Rates() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.watches))
	for uid, w := range m.watches {
		out[uid] = w.rate
	}
	return out
}

// poke requests a reconcile without blocking the caller. Called from
// registry observer callbacks on the mutation path.
func (m *Monitor) poke() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.reconcile(ctx)
	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		case <-m.notify:
			m.reconcile(ctx)
		case <-ticker.C:
			// Reconciling before measuring also retries attaches
			// that failed on an earlier pass.
			m.reconcile(ctx)
			m.measure()
		}
	}
}

// reconcile aligns the watched set with the registry snapshot: vanished
// rows are detached, new rows attached.
func (m *Monitor) reconcile(ctx context.Context) {
	want := make(map[string]stream.Descriptor)
	for _, d := range m.registry.Snapshot() {
		want[d.UID] = d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, w := range m.watches {
		if _, ok := want[uid]; !ok {
			m.detachLocked(uid, w)
		}
	}
	for uid, desc := range want {
		if _, ok := m.watches[uid]; !ok {
			m.attachLocked(ctx, desc)
		}
	}
}

func (m *Monitor) attachLocked(ctx context.Context, desc stream.Descriptor) {
	src, err := m.opener(desc)
	if err != nil {
		m.logger.Warn("monitor source create failed", "uid", desc.UID, "error", err)
		m.core.CountError("monitor", err)
		return
	}
	if err := src.Start(ctx); err != nil {
		m.logger.Warn("monitor source start failed", "uid", desc.UID, "error", err)
		m.core.CountError("monitor", err)
		return
	}
	m.watches[desc.UID] = &watch{src: src}
	m.logger.Debug("rate monitor attached", "uid", desc.UID)
}

func (m *Monitor) detachLocked(uid string, w *watch) {
	if err := w.src.Stop(detachTimeout); err != nil {
		m.logger.Warn("monitor source stop failed", "uid", uid, "error", err)
		m.core.CountError("monitor", err)
	}
	delete(m.watches, uid)
	m.logger.Debug("rate monitor detached", "uid", uid)
}

// measure counts the samples every watched source saw since the last tick
// and folds the interval rate into the running estimate.
func (m *Monitor) measure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, w := range m.watches {
		count := w.src.Stats().SamplesSeen
		delta := count - w.lastCount
		w.lastCount = count
		if delta < 0 {
			// Source restarted its counters.
			delta = 0
		}

		recent := float64(delta) / m.interval.Seconds()
		w.rate = (1-m.fold)*w.rate + m.fold*recent
		m.emit(registry.RateMeasured{UID: uid, Rate: w.rate})
	}
}

func (m *Monitor) emit(u registry.RateMeasured) {
	select {
	case m.updates <- u:
	default:
		m.logger.Debug("rate update dropped, consumer not keeping up", "uid", u.UID)
	}
}
