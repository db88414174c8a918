package viewer

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/intheon/stream-viewer/config"
	natsdiscovery "github.com/intheon/stream-viewer/discovery/nats"
	"github.com/intheon/stream-viewer/discovery/static"
	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/health"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/monitor"
	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/registry"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/sink/console"
	"github.com/intheon/stream-viewer/sink/recorder"
	"github.com/intheon/stream-viewer/sink/websocket"
	"github.com/intheon/stream-viewer/source"
	mqttsource "github.com/intheon/stream-viewer/source/mqtt"
	natssource "github.com/intheon/stream-viewer/source/nats"
	"github.com/intheon/stream-viewer/source/synthetic"
)

const (
	// minRefreshSpacing is the token refill interval of the refresh
	// limiter. A held-down refresh key collapses to five discovery calls
	// per second at most.
	minRefreshSpacing = 200 * time.Millisecond

	// connectTimeout bounds the wait for the first NATS connection.
	connectTimeout = 10 * time.Second
)

// Session wires a registry, its discovery backend, the rate monitor, and
// the configured surfaces into one running viewer. Streams are opened and
// closed against the session; everything else follows the config.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics   *metric.MetricsRegistry
	healthMon *health.Monitor

	sources    *plugin.Registry[source.Factory]
	formatters *plugin.Registry[render.FormatterFactory]
	surfaces   *plugin.Registry[render.SurfaceFactory]

	nats     *natsclient.Client
	reg      *registry.Registry
	resolver registry.DiscoveryPort
	mon      *monitor.Monitor
	promSrv  *metric.Server

	browser       *console.Browser
	mirror        *tableMirror
	lifecycles    []surfaceLifecycle
	extraSurfaces []render.Surface
	target        render.Surface // frame destination for opened streams

	// refreshCh coalesces refresh triggers; limiter paces them.
	refreshCh chan struct{}
	reapCh    chan struct{}
	limiter   *rate.Limiter

	activeMu sync.Mutex
	active   map[string]*render.Adapter

	runCtx context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	lifecycleMu sync.Mutex
	initialized bool
	running     bool
	stopped     bool
}

// surfaceLifecycle is the start/stop side of a sink surface. The render
// interfaces deliberately omit it; the session owns surface lifetimes.
type surfaceLifecycle interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics supplies a shared metrics registry. Without one the session
// creates its own when the metrics endpoint is enabled, or runs unmetered.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(s *Session) {
		if reg != nil {
			s.metrics = reg
		}
	}
}

// WithDiscovery overrides the resolver chosen from the config. Tests use
// this to drive the session from a scripted port.
func WithDiscovery(port registry.DiscoveryPort) Option {
	return func(s *Session) {
		if port != nil {
			s.resolver = port
		}
	}
}

// WithSurface adds a caller-owned surface as a frame destination for
// opened streams, alongside the configured sinks. Surfaces that also
// implement the table Update method mirror the registry. The session does
// not manage the surface's lifecycle.
func WithSurface(surf render.Surface) Option {
	return func(s *Session) {
		if surf != nil {
			s.extraSurfaces = append(s.extraSurfaces, surf)
		}
	}
}

// WithSourceRegistry replaces the built-in source plugins.
func WithSourceRegistry(reg *plugin.Registry[source.Factory]) Option {
	return func(s *Session) {
		if reg != nil {
			s.sources = reg
		}
	}
}

// WithSurfaceRegistry replaces the built-in surface plugins.
func WithSurfaceRegistry(reg *plugin.Registry[render.SurfaceFactory]) Option {
	return func(s *Session) {
		if reg != nil {
			s.surfaces = reg
		}
	}
}

// New creates an unstarted session for the given configuration.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "New",
			"config validation")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Session", "New", "config validation")
	}

	s := &Session{
		cfg:       cfg.Clone(),
		healthMon: health.NewMonitor(),
		refreshCh: make(chan struct{}, 1),
		reapCh:    make(chan struct{}, 1),
		limiter:   rate.NewLimiter(rate.Every(minRefreshSpacing), 1),
		active:    make(map[string]*render.Adapter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "viewer")
	}
	return s, nil
}

// Initialize builds the session's parts from the config: plugin
// registries, the NATS client when a backend needs one, the discovery
// resolver, the registry, the rate monitor, and the enabled surfaces.
// Nothing connects or starts yet.
func (s *Session) Initialize(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.initialized {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Session", "Initialize",
			"lifecycle check")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Session", "Initialize", "context check")
	}

	if s.metrics == nil && s.cfg.Metrics.Enabled {
		s.metrics = metric.NewMetricsRegistry()
	}

	if err := s.buildPlugins(); err != nil {
		return err
	}
	if err := s.buildClient(); err != nil {
		return err
	}
	if err := s.buildRegistry(); err != nil {
		return err
	}
	if err := s.buildMonitor(); err != nil {
		return err
	}
	if err := s.buildSurfaces(); err != nil {
		return err
	}

	if s.cfg.Metrics.Enabled {
		s.promSrv = metric.NewServer(s.cfg.Metrics.Port, s.cfg.Metrics.Path, s.metrics)
	}

	s.initialized = true
	s.logger.Info("session initialized",
		"discovery", s.cfg.Discovery.Backend,
		"monitor", s.mon != nil,
		"surfaces", len(s.lifecycles))
	return nil
}

// buildPlugins fills any registry not supplied via options with the
// built-in plugins.
func (s *Session) buildPlugins() error {
	if s.sources == nil {
		s.sources = source.NewRegistry()
		for _, reg := range []func(*plugin.Registry[source.Factory]) error{
			synthetic.Register, natssource.Register, mqttsource.Register,
		} {
			if err := reg(s.sources); err != nil {
				return err
			}
		}
	}
	if s.formatters == nil {
		s.formatters = render.NewFormatterRegistry()
		if err := render.RegisterFormatters(s.formatters); err != nil {
			return err
		}
	}
	if s.surfaces == nil {
		s.surfaces = render.NewSurfaceRegistry()
		for _, reg := range []func(*plugin.Registry[render.SurfaceFactory]) error{
			websocket.Register, recorder.Register, console.Register,
		} {
			if err := reg(s.surfaces); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildClient creates the NATS client when discovery or any configured
// source needs one. The connection itself is made in Start.
func (s *Session) buildClient() error {
	if !s.needsNATS() {
		return nil
	}

	opts := []natsclient.Option{
		natsclient.WithName(s.cfg.Identity()),
		natsclient.WithLogger(s.logger.With("component", "natsclient")),
		natsclient.WithMetrics(s.metrics),
	}
	if s.cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(s.cfg.NATS.MaxReconnects))
	}
	if wait := s.cfg.NATS.ReconnectWait.Std(); wait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(wait))
	}
	if s.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(s.cfg.NATS.Username, s.cfg.NATS.Password))
	}
	if s.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(s.cfg.NATS.Token))
	}
	if s.cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(
			s.cfg.NATS.TLS.CertFile, s.cfg.NATS.TLS.KeyFile, s.cfg.NATS.TLS.CAFile))
	}

	client, err := natsclient.NewClient(s.cfg.NATS.URLs, opts...)
	if err != nil {
		return errors.Wrap(err, "Session", "Initialize", "NATS client construction")
	}
	client.OnHealthChange(func(healthy bool) {
		if healthy {
			s.healthMon.UpdateHealthy("nats", "connected")
		} else {
			s.healthMon.UpdateDegraded("nats", "connection unhealthy")
		}
	})
	s.nats = client
	return nil
}

// needsNATS reports whether anything in the config talks to NATS.
func (s *Session) needsNATS() bool {
	if s.cfg.Discovery.Backend == config.DiscoveryNATS {
		return true
	}
	for _, inst := range s.cfg.Sources {
		if inst.Enabled && inst.Type == "nats" {
			return true
		}
	}
	return false
}

// buildRegistry picks the resolver and creates the stream registry around
// it, plus the observer that reaps renderers of vanished rows.
func (s *Session) buildRegistry() error {
	if s.resolver == nil {
		switch s.cfg.Discovery.Backend {
		case config.DiscoveryNATS:
			resolver, err := natsdiscovery.New(s.nats,
				natsdiscovery.WithBucket(s.cfg.Discovery.Bucket),
				natsdiscovery.WithLogger(s.logger.With("component", "discovery")),
				natsdiscovery.WithMetrics(s.metrics))
			if err != nil {
				return err
			}
			s.resolver = resolver
		case config.DiscoveryStatic:
			s.resolver = static.New(s.cfg.Discovery.Static...)
		}
	}

	reg, err := registry.New(s.resolver,
		registry.WithLogger(s.logger.With("component", "registry")),
		registry.WithMetrics(s.metrics))
	if err != nil {
		return err
	}
	s.reg = reg

	// Rows can disappear while their renderer is still pumping; a poke
	// is enough, the reap loop re-derives the orphan set.
	s.reg.AddObserver(&registry.ObserverFuncs{
		OnRowRemoved: func(int) { poke(s.reapCh) },
	})
	return nil
}

// buildMonitor creates the effective-rate monitor when enabled. The
// monitor opens one monitor-mode source per registry row through the same
// source selection as opened streams.
func (s *Session) buildMonitor() error {
	if !s.cfg.Viewer.MonitorStreams {
		return nil
	}
	factory, raw, err := s.pickSource()
	if err != nil {
		// No usable source means no live rates; the viewer still works
		// from discovery metadata alone.
		s.logger.Warn("stream monitoring disabled, no usable source", "error", err)
		return nil
	}

	mon, err := monitor.New(s.reg,
		monitor.FactoryOpener(factory, raw, s.sourceDeps()),
		monitor.WithInterval(s.cfg.Viewer.RateInterval.Std()),
		monitor.WithDecay(s.cfg.Viewer.RateDecay.Std()),
		monitor.WithLogger(s.logger.With("component", "monitor")),
		monitor.WithMetrics(s.metrics))
	if err != nil {
		return err
	}
	s.mon = mon
	return nil
}

// Start connects the transport, starts the surfaces, monitor, and metric
// endpoint, and launches the session loops. The passed context scopes the
// whole session; cancelling it is equivalent to a quit request.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.initialized {
		return errors.WrapFatal(errors.ErrNotStarted, "Session", "Start",
			"Initialize must run first")
	}
	if s.running || s.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Session", "Start",
			"lifecycle check")
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.runCtx)
	s.group = group

	if s.nats != nil {
		if err := s.connect(gctx); err != nil {
			s.cancel()
			return err
		}
	}

	if s.promSrv != nil {
		if err := s.promSrv.Start(); err != nil {
			s.cancel()
			return errors.Wrap(err, "Session", "Start", "metrics endpoint")
		}
	}

	for _, surf := range s.lifecycles {
		if err := surf.Start(s.runCtx); err != nil {
			s.cancel()
			return errors.Wrap(err, "Session", "Start", "surface start")
		}
	}
	if s.mirror != nil {
		s.mirror.Bind(s.reg)
	}
	if s.browser != nil {
		s.browser.BindRegistry(s.reg)
	}

	if s.mon != nil {
		if err := s.mon.Start(s.runCtx); err != nil {
			s.cancel()
			return err
		}
		updates := s.mon.Updates()
		group.Go(func() error {
			s.reg.ConsumeRates(gctx, updates)
			return nil
		})
	}

	group.Go(func() error { return s.refreshLoop(gctx) })
	group.Go(func() error { return s.reapLoop(gctx) })

	s.running = true
	// Populate the table without waiting for the first timer tick.
	s.RequestRefresh()
	s.logger.Info("session started", "auto_refresh", s.cfg.Viewer.AutoRefresh.Std())
	return nil
}

// connect establishes the NATS connection and waits until it is usable.
func (s *Session) connect(ctx context.Context) error {
	if err := s.nats.Connect(ctx); err != nil {
		return errors.Wrap(err, "Session", "Start", "NATS connect")
	}
	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := s.nats.WaitForConnection(waitCtx); err != nil {
		return errors.WrapTimeout(err, "Session", "Start", "NATS connection wait")
	}
	s.healthMon.UpdateHealthy("nats", "connected")
	return nil
}

// Stop closes open streams, stops the monitor and surfaces, and releases
// the transport. It is idempotent; the timeout bounds each teardown step
// rather than the whole call.
func (s *Session) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.running {
		return nil
	}
	s.logger.Info("stopping session")

	var errs []error
	s.cancel()

	s.activeMu.Lock()
	adapters := make([]*render.Adapter, 0, len(s.active))
	for _, ad := range s.active {
		adapters = append(adapters, ad)
	}
	s.active = make(map[string]*render.Adapter)
	s.activeMu.Unlock()
	for _, ad := range adapters {
		if err := ad.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	if s.mon != nil {
		if err := s.mon.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	waitCh := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTimeout(errors.ErrShuttingDown,
			"Session", "Stop", "loop shutdown"))
	}

	s.reg.Close()

	// Surfaces stop in reverse start order, the terminal browser first
	// so the screen is restored before slower sinks flush.
	for i := len(s.lifecycles) - 1; i >= 0; i-- {
		if err := s.lifecycles[i].Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	if s.promSrv != nil {
		if err := s.promSrv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.nats != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.nats.Close(closeCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	s.running = false
	s.stopped = true
	s.logger.Info("session stopped")
	return stderrors.Join(errs...)
}

// RequestRefresh asks the session to refresh the registry. Requests
// coalesce: one pending follow-up at most, regardless of how many arrive
// while a refresh is running. Never blocks.
func (s *Session) RequestRefresh() {
	poke(s.refreshCh)
}

// refreshLoop serializes all registry refreshes: operator requests and
// the periodic timer feed the same coalescing trigger, and the limiter
// paces the discovery calls.
func (s *Session) refreshLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if interval := s.cfg.Viewer.AutoRefresh.Std(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-s.refreshCh:
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		s.refreshOnce(ctx)
	}
}

// refreshOnce runs one bounded refresh and records the outcome. Failures
// leave the registry as it was; they only move the health state.
func (s *Session) refreshOnce(ctx context.Context) {
	timeout := s.cfg.Viewer.RefreshTimeout.Std()
	if timeout <= 0 {
		timeout = s.cfg.Discovery.Timeout.Std()
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.reg.Refresh(rctx)
	switch {
	case err == nil:
		s.healthMon.Update("discovery", health.NewHealthy("discovery", "refresh ok").
			WithMetrics(&health.Metrics{StreamCount: s.reg.Size()}))
	case stderrors.Is(err, errors.ErrRefreshInFlight):
		// The loop is the only caller, so this means an overlapping
		// direct Refresh; let that one win.
		s.logger.Debug("refresh suppressed, already in flight")
	case stderrors.Is(err, context.Canceled):
	default:
		s.logger.Warn("refresh failed", "error", err)
		s.healthMon.UpdateFromError("discovery", err)
	}
}

// reapLoop closes renderers whose rows have left the registry.
func (s *Session) reapLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reapCh:
		}

		s.activeMu.Lock()
		var orphans []*render.Adapter
		for uid, ad := range s.active {
			if _, _, ok := s.reg.Find(uid); !ok {
				orphans = append(orphans, ad)
				delete(s.active, uid)
			}
		}
		s.activeMu.Unlock()

		for _, ad := range orphans {
			s.logger.Info("closing renderer for vanished stream", "uid", ad.Info().UID)
			if err := ad.Stop(detachTimeout); err != nil {
				s.logger.Warn("renderer close failed", "uid", ad.Info().UID, "error", err)
			}
		}
	}
}

// Registry exposes the live stream registry for views and tests.
func (s *Session) Registry() *registry.Registry {
	return s.reg
}

// Done reports session termination: context cancellation, a quit key in
// the browser, or Stop.
func (s *Session) Done() <-chan struct{} {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.runCtx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.runCtx.Done()
}

// Health aggregates the component states into one session status.
func (s *Session) Health() health.Status {
	return s.healthMon.AggregateHealth("viewer")
}

// sourceDeps bundles the shared infrastructure handed to source factories.
func (s *Session) sourceDeps() source.Deps {
	return source.Deps{
		Client:          s.nats,
		MetricsRegistry: s.metrics,
		Logger:          s.logger,
	}
}

// renderDeps bundles the shared infrastructure handed to surfaces and
// adapters.
func (s *Session) renderDeps() render.Deps {
	return render.Deps{
		MetricsRegistry: s.metrics,
		Logger:          s.logger,
	}
}

// poke makes a non-blocking send on a capacity-one trigger channel.
func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
