package render

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

// DefaultFrameInterval is the pace at which dirty frames are pushed to the
// surface.
const DefaultFrameInterval = 50 * time.Millisecond

// adapterMetrics holds Prometheus metrics for one adapter instance.
type adapterMetrics struct {
	framesRendered prometheus.Counter
	renderErrors   prometheus.Counter
	lastFrame      prometheus.Gauge
}

// newAdapterMetrics creates and registers per-adapter metrics. Returns nil
// when no registry is provided.
func newAdapterMetrics(registry *metric.MetricsRegistry, uid string) *adapterMetrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"uid": uid}
	metrics := &adapterMetrics{
		framesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "render",
			Name:        "frames_rendered_total",
			Help:        "Frames assembled and delivered to the surface",
			ConstLabels: labels,
		}),
		renderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "render",
			Name:        "render_errors_total",
			Help:        "Frames the surface rejected",
			ConstLabels: labels,
		}),
		lastFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamview",
			Subsystem:   "render",
			Name:        "last_frame_timestamp",
			Help:        "Unix timestamp of the most recent rendered frame",
			ConstLabels: labels,
		}),
	}

	serviceName := fmt.Sprintf("render_%s", uid)
	registry.RegisterCounter(serviceName, "frames_rendered", metrics.framesRendered)
	registry.RegisterCounter(serviceName, "render_errors", metrics.renderErrors)
	registry.RegisterGauge(serviceName, "last_frame", metrics.lastFrame)
	return metrics
}

// Adapter binds one source to one formatter and one surface. It owns the
// pump goroutine: chunks from the source feed the formatter, and a frame
// ticker pushes updated frames to the surface. A surface that rejects a
// frame is logged and counted; the pump keeps running.
type Adapter struct {
	src       source.Source
	formatter Formatter
	surface   Surface
	interval  time.Duration
	logger    *slog.Logger
	core      *metric.Metrics
	inst      *adapterMetrics

	dirty atomic.Bool

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	shutdown    chan struct{}
	done        chan struct{}
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithFrameInterval sets the frame pacing. Non-positive values keep the
// default.
func WithFrameInterval(interval time.Duration) AdapterOption {
	return func(a *Adapter) {
		if interval > 0 {
			a.interval = interval
		}
	}
}

// NewAdapter wires a source, formatter, and surface into one renderer.
func NewAdapter(src source.Source, formatter Formatter, surface Surface, deps Deps, opts ...AdapterOption) (*Adapter, error) {
	if src == nil || formatter == nil || surface == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Adapter", "New",
			"source, formatter, and surface are all required")
	}

	a := &Adapter{
		src:       src,
		formatter: formatter,
		surface:   surface,
		interval:  DefaultFrameInterval,
		inst:      newAdapterMetrics(deps.MetricsRegistry, src.Info().UID),
		logger: deps.GetLogger().With(
			"component", "render",
			"uid", src.Info().UID),
	}
	if deps.MetricsRegistry != nil {
		a.core = deps.MetricsRegistry.CoreMetrics()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Info returns the descriptor of the rendered stream.
func (a *Adapter) Info() stream.Descriptor {
	return a.src.Info()
}

// Start attaches the stream to the surface, starts the source, and launches
// the pump.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.running || a.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Adapter", "Start",
			"lifecycle check")
	}

	desc := a.src.Info()
	if err := a.surface.Attach(desc); err != nil {
		return errors.Wrap(err, "Adapter", "Start", "surface attach")
	}
	if err := a.src.Start(ctx); err != nil {
		if derr := a.surface.Detach(desc.UID); derr != nil {
			a.logger.Warn("surface detach after failed start", "error", derr)
		}
		return errors.Wrap(err, "Adapter", "Start", "source start")
	}

	a.shutdown = make(chan struct{})
	a.done = make(chan struct{})
	a.running = true
	a.logger.Info("renderer started", "interval", a.interval)

	go a.run(ctx)
	return nil
}

// Stop halts the pump, stops the source, and detaches from the surface.
func (a *Adapter) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.running {
		return nil
	}

	var errs []error
	close(a.shutdown)
	select {
	case <-a.done:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTimeout(errors.ErrShuttingDown,
			"Adapter", "Stop", "pump shutdown"))
	}

	if err := a.src.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := a.surface.Detach(a.src.Info().UID); err != nil {
		errs = append(errs, err)
	}

	a.running = false
	a.stopped = true
	a.logger.Info("renderer stopped")
	return stderrors.Join(errs...)
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdown:
			return
		case <-ctx.Done():
			return
		case chunk, ok := <-a.src.Chunks():
			if !ok {
				// Source closed its channel underneath us; push what
				// arrived and wind down.
				if a.dirty.Swap(false) {
					a.renderFrame()
				}
				return
			}
			a.formatter.Ingest(chunk)
			a.dirty.Store(true)
		case <-ticker.C:
			if a.dirty.Swap(false) {
				a.renderFrame()
			}
		}
	}
}

func (a *Adapter) renderFrame() {
	frame := a.formatter.Frame()
	if err := a.surface.Render(frame); err != nil {
		a.logger.Warn("frame render failed", "error", err)
		a.core.CountError("render", err)
		if a.inst != nil {
			a.inst.renderErrors.Inc()
		}
		return
	}
	if a.inst != nil {
		a.inst.framesRendered.Inc()
		a.inst.lastFrame.SetToCurrentTime()
	}
}
