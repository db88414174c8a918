package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intheon/stream-viewer/metric"
)

// ringMetrics exports a ring buffer's counters as Prometheus metrics.
type ringMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	peeks     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newRingMetrics(registry *metric.MetricsRegistry, component string) (*ringMetrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamview",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &ringMetrics{
		writes:      counter("writes_total", "Total buffer write operations"),
		reads:       counter("reads_total", "Total buffer read operations"),
		peeks:       counter("peeks_total", "Total buffer peek operations"),
		overflows:   counter("overflows_total", "Total at-capacity writes"),
		drops:       counter("drops_total", "Total items discarded by overflow policy"),
		size:        gauge("size", "Current number of buffered items"),
		utilization: gauge("utilization", "Buffer fill level from 0 to 1"),
	}

	registrations := []struct {
		name      string
		counter   prometheus.Counter
		gaugeInst prometheus.Gauge
	}{
		{name: "buffer_writes", counter: m.writes},
		{name: "buffer_reads", counter: m.reads},
		{name: "buffer_peeks", counter: m.peeks},
		{name: "buffer_overflows", counter: m.overflows},
		{name: "buffer_drops", counter: m.drops},
		{name: "buffer_size", gaugeInst: m.size},
		{name: "buffer_utilization", gaugeInst: m.utilization},
	}
	for _, reg := range registrations {
		var err error
		if reg.counter != nil {
			err = registry.RegisterCounter(component, reg.name, reg.counter)
		} else {
			err = registry.RegisterGauge(component, reg.name, reg.gaugeInst)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *ringMetrics) wrote(size, capacity int) {
	m.writes.Inc()
	m.resize(size, capacity)
}

func (m *ringMetrics) read(size, capacity int) {
	m.reads.Inc()
	m.resize(size, capacity)
}

func (m *ringMetrics) drained(n, size, capacity int) {
	m.reads.Add(float64(n))
	m.resize(size, capacity)
}

func (m *ringMetrics) resize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
