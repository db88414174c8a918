// Package metric provides Prometheus-based metrics collection and an HTTP
// scrape endpoint for the stream-viewer toolkit.
//
// A MetricsRegistry manages both core platform metrics (registry
// reconciliation, component status, NATS health) and component-specific
// metrics registered on top. The Server type exposes everything on one
// endpoint.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        slog.Error("metrics server failed", "error", err)
//	    }
//	}()
//
//	core := registry.CoreMetrics()
//	core.RegistryRows.Set(float64(reg.Size()))
//	core.RefreshesTotal.WithLabelValues("ok").Inc()
//
// # Component Metrics
//
// Components create their own instruments and register them under a
// component key; the nil-registry case disables metrics without branching
// at call sites (nil input, nil feature):
//
//	err := registry.RegisterCounter("outlet", "chunks_published", counter)
//
// Registration rejects duplicate component/metric keys before touching the
// underlying Prometheus registry, so conflicts surface as classified
// invalid errors rather than panics.
package metric
