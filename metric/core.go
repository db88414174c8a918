package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intheon/stream-viewer/errors"
)

// Metrics contains the platform-level metrics shared across the viewer:
// registry reconciliation, transport health, and component status. Component
// packages register their own domain metrics on top of these.
type Metrics struct {
	// Registry metrics
	RegistryRows    prometheus.Gauge
	RefreshesTotal  *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	EventsEmitted   *prometheus.CounterVec
	RateUpdates     *prometheus.CounterVec

	// Component metrics
	ComponentStatus   *prometheus.GaugeVec
	HealthCheckStatus *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RegistryRows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamview",
				Subsystem: "registry",
				Name:      "rows",
				Help:      "Number of streams currently held by the registry",
			},
		),

		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamview",
				Subsystem: "registry",
				Name:      "refreshes_total",
				Help:      "Refresh attempts by outcome",
			},
			[]string{"status"},
		),

		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "streamview",
				Subsystem: "registry",
				Name:      "refresh_duration_seconds",
				Help:      "Discovery plus reconciliation duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamview",
				Subsystem: "registry",
				Name:      "events_total",
				Help:      "Change events delivered to observers by kind",
			},
			[]string{"kind"},
		),

		RateUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamview",
				Subsystem: "registry",
				Name:      "rate_updates_total",
				Help:      "Effective-rate updates by result",
			},
			[]string{"result"},
		),

		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streamview",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streamview",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamview",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamview",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamview",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamview",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamview",
				Subsystem: "nats",
				Name:      "circuit_breaker_open",
				Help:      "Circuit breaker state (0=closed, 1=open)",
			},
		),
	}
}

// Component status gauge values.
const (
	StatusStopped  = 0.0
	StatusStarting = 1.0
	StatusRunning  = 2.0
	StatusStopping = 3.0
	StatusFailed   = 4.0
)

// CountError increments the error counter for a component, labeled with the
// error's class. Safe on a nil receiver so metrics stay optional.
func (m *Metrics) CountError(component string, err error) {
	if m == nil || m.ErrorsTotal == nil || err == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errors.Classify(err).String()).Inc()
}

// SetComponentStatus records a component's lifecycle state on the status
// gauge. Safe on a nil receiver.
func (m *Metrics) SetComponentStatus(component string, status float64) {
	if m == nil || m.ComponentStatus == nil {
		return
	}
	m.ComponentStatus.WithLabelValues(component).Set(status)
}

// SetHealthCheck records a pass/fail health probe result. Safe on a nil
// receiver.
func (m *Metrics) SetHealthCheck(component string, healthy bool) {
	if m == nil || m.HealthCheckStatus == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(component).Set(v)
}
