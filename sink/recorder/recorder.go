// Package recorder persists rendered stream data to InfluxDB v2. Each
// rendered update becomes one point carrying the newest sample column,
// tagged by stream uid, name, and type; marker events become points of
// their own. Writes go through the client's non-blocking API, so Render
// never waits on the database; batch errors surface on an async drain.
//
// The recorder pairs naturally with the merge-last formatter, whose frames
// hold exactly the newest sample. With a windowed formatter it still
// records each sample once, deduplicated by timestamp.
package recorder

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/pkg/buffer"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/stream"
)

// Defaults and connection tuning.
const (
	// DefaultMeasurement is the measurement points are written under.
	DefaultMeasurement = "stream_samples"

	// DefaultBatchSize is the write API batch size.
	DefaultBatchSize = 500

	// DefaultFlushIntervalMS is the write API flush cadence in
	// milliseconds.
	DefaultFlushIntervalMS = 1000

	// connectTimeout bounds the startup ping.
	connectTimeout = 10 * time.Second
)

// Config controls one recorder instance.
type Config struct {
	// URL is the InfluxDB server address, e.g. "http://localhost:8086".
	URL string `json:"url"`
	// Token authenticates against the server. May be empty for
	// unauthenticated development servers.
	Token string `json:"token,omitempty"`
	// Org and Bucket locate where points land.
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
	// Measurement overrides the default measurement name.
	Measurement string `json:"measurement,omitempty"`
	// BatchSize is the write API batch size. Zero means the default.
	BatchSize int `json:"batch_size,omitempty"`
	// FlushIntervalMS is the write API flush cadence in milliseconds.
	// Zero means the default.
	FlushIntervalMS int `json:"flush_interval_ms,omitempty"`
}

// Validate checks config invariants after decoding.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "RecorderSink", "Validate", "url required")
	}
	if c.Org == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "RecorderSink", "Validate", "org required")
	}
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "RecorderSink", "Validate", "bucket required")
	}
	if c.BatchSize < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("batch_size must not be negative, got %d", c.BatchSize),
			"RecorderSink", "Validate", "batch size validation")
	}
	if c.FlushIntervalMS < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("flush_interval_ms must not be negative, got %d", c.FlushIntervalMS),
			"RecorderSink", "Validate", "flush interval validation")
	}
	return nil
}

var configSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"url": {
			"type": "string",
			"minLength": 1,
			"description": "InfluxDB server address, e.g. http://localhost:8086"
		},
		"token": {
			"type": "string",
			"description": "API token, empty for unauthenticated servers"
		},
		"org": {
			"type": "string",
			"minLength": 1,
			"description": "Organization points are written for"
		},
		"bucket": {
			"type": "string",
			"minLength": 1,
			"description": "Bucket points land in"
		},
		"measurement": {
			"type": "string",
			"description": "Measurement name, stream_samples by default"
		},
		"batch_size": {
			"type": "integer",
			"minimum": 1,
			"description": "Write API batch size"
		},
		"flush_interval_ms": {
			"type": "integer",
			"minimum": 1,
			"description": "Write API flush cadence in milliseconds"
		}
	},
	"required": ["url", "org", "bucket"],
	"additionalProperties": false
}`)

// sinkMetrics instruments one recorder. Methods tolerate a nil receiver.
type sinkMetrics struct {
	pointsVec   *prometheus.CounterVec
	writeErrors prometheus.Counter
}

func newSinkMetrics(registry *metric.MetricsRegistry) *sinkMetrics {
	if registry == nil {
		return nil
	}

	m := &sinkMetrics{
		pointsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "recorder",
			Name:      "points_written_total",
			Help:      "Total points handed to the write API by kind",
		}, []string{"kind"}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "recorder",
			Name:      "write_errors_total",
			Help:      "Total async batch write failures",
		}),
	}
	_ = registry.RegisterCounterVec("sink_recorder", "points_written_total", m.pointsVec)
	_ = registry.RegisterCounter("sink_recorder", "write_errors_total", m.writeErrors)
	return m
}

func (m *sinkMetrics) point(kind string) {
	if m != nil {
		m.pointsVec.WithLabelValues(kind).Inc()
	}
}

func (m *sinkMetrics) writeError() {
	if m != nil {
		m.writeErrors.Inc()
	}
}

// Sink records rendered updates to InfluxDB. It implements render.Surface;
// Render is safe to call before Start and simply records nothing.
type Sink struct {
	cfg    Config
	logger *slog.Logger
	core   *metric.Metrics
	inst   *sinkMetrics

	mu       sync.RWMutex
	running  bool
	stopped  bool
	client   influxdb2.Client
	writeAPI api.WriteAPI
	drained  chan struct{}

	// tableMu guards the stream table and the per-stream dedup clocks.
	tableMu    sync.Mutex
	table      map[string]stream.Descriptor
	lastSample map[string]float64
	lastMark   map[string]float64
}

// New builds a recorder sink. Matches render.SurfaceFactory.
func New(rawConfig json.RawMessage, deps render.Deps) (render.Surface, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if len(rawConfig) == 0 {
		// An empty document skips decode-time validation but still lacks
		// the required server coordinates.
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushIntervalMS == 0 {
		cfg.FlushIntervalMS = DefaultFlushIntervalMS
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	return &Sink{
		cfg:    cfg,
		logger: deps.GetLogger().With("component", "sink-recorder", "bucket", cfg.Bucket),
		core:   core,
		inst:   newSinkMetrics(deps.MetricsRegistry),

		table:      make(map[string]stream.Descriptor),
		lastSample: make(map[string]float64),
		lastMark:   make(map[string]float64),
	}, nil
}

// Start connects to the server, verifies it with a ping, and opens the
// non-blocking write API.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "RecorderSink", "Start", "lifecycle check")
	}

	client := influxdb2.NewClientWithOptions(s.cfg.URL, s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(s.cfg.BatchSize)).
			SetFlushInterval(uint(s.cfg.FlushIntervalMS)))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrNotConnected, err),
			"RecorderSink", "Start", "server ping")
	}
	if !healthy {
		client.Close()
		return errors.WrapTransient(
			fmt.Errorf("%w: server reports unhealthy", errors.ErrNotConnected),
			"RecorderSink", "Start", "server ping")
	}

	s.client = client
	s.writeAPI = client.WriteAPI(s.cfg.Org, s.cfg.Bucket)
	s.drained = make(chan struct{})
	go s.drainErrors(s.writeAPI.Errors(), s.drained)

	s.running = true
	s.core.SetComponentStatus("sink-recorder", metric.StatusRunning)
	s.logger.Info("recorder started",
		"url", s.cfg.URL, "org", s.cfg.Org, "measurement", s.cfg.Measurement)
	return nil
}

// drainErrors surfaces async batch failures. The channel closes when the
// client shuts down.
func (s *Sink) drainErrors(errs <-chan error, done chan struct{}) {
	defer close(done)
	for err := range errs {
		s.logger.Warn("influx batch write failed", "error", err)
		s.inst.writeError()
		s.core.CountError("sink-recorder",
			errors.WrapTransient(err, "RecorderSink", "drainErrors", "batch write"))
	}
}

// Stop flushes pending points and closes the client, bounded by timeout.
func (s *Sink) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.core.SetComponentStatus("sink-recorder", metric.StatusStopping)

	var errs []error

	s.writeAPI.Flush()
	s.client.Close()

	select {
	case <-s.drained:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTimeout(errors.ErrShuttingDown,
			"RecorderSink", "Stop", "error drain shutdown"))
	}

	s.client = nil
	s.writeAPI = nil
	s.running = false
	s.stopped = true
	s.core.SetComponentStatus("sink-recorder", metric.StatusStopped)
	s.logger.Info("recorder stopped")
	return stderrors.Join(errs...)
}

// Attach implements render.Surface, adding the stream to the tag table.
func (s *Sink) Attach(desc stream.Descriptor) error {
	s.tableMu.Lock()
	s.table[desc.UID] = desc
	s.tableMu.Unlock()

	s.logger.Debug("recording stream", "uid", desc.UID, "label", desc.Label())
	return nil
}

// Update refreshes a stream's tag metadata. Unknown streams are ignored.
func (s *Sink) Update(desc stream.Descriptor) error {
	s.tableMu.Lock()
	if _, known := s.table[desc.UID]; known {
		s.table[desc.UID] = desc
	}
	s.tableMu.Unlock()
	return nil
}

// Detach implements render.Surface, dropping the stream and its dedup
// clocks.
func (s *Sink) Detach(uid string) error {
	s.tableMu.Lock()
	delete(s.table, uid)
	delete(s.lastSample, uid)
	delete(s.lastMark, uid)
	s.tableMu.Unlock()
	return nil
}

// Render implements render.Surface. The newest sample column becomes one
// point, each new marker another; everything already recorded is skipped.
func (s *Sink) Render(frame render.Frame) error {
	s.mu.RLock()
	running := s.running
	writeAPI := s.writeAPI
	s.mu.RUnlock()

	if !running {
		return nil
	}

	uid := frame.Descriptor.UID
	tags := tagsFor(frame.Descriptor)

	if t, column, ok := newestColumn(frame.Series); ok && s.advanceSample(uid, t) {
		fields := make(map[string]any, len(column))
		for i, v := range column {
			fields[fmt.Sprintf("ch%d", i)] = v
		}
		writeAPI.WritePoint(write.NewPoint(s.cfg.Measurement, tags, fields, sampleTime(t)))
		s.inst.point("sample")
	}

	for _, mark := range frame.Marks {
		if !s.advanceMark(uid, mark.Time) {
			continue
		}
		writeAPI.WritePoint(write.NewPoint(s.cfg.Measurement, tags,
			map[string]any{"mark": mark.Label}, sampleTime(mark.Time)))
		s.inst.point("mark")
	}
	return nil
}

// advanceSample reports whether t is newer than the last recorded sample
// for the stream, claiming it if so.
func (s *Sink) advanceSample(uid string, t float64) bool {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	if last, seen := s.lastSample[uid]; seen && t <= last {
		return false
	}
	s.lastSample[uid] = t
	return true
}

// advanceMark is advanceSample for marker timestamps.
func (s *Sink) advanceMark(uid string, t float64) bool {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	if last, seen := s.lastMark[uid]; seen && t <= last {
		return false
	}
	s.lastMark[uid] = t
	return true
}

// tagsFor builds the point tags, skipping empty metadata.
func tagsFor(desc stream.Descriptor) map[string]string {
	tags := map[string]string{"uid": desc.UID}
	if desc.Name != "" {
		tags["name"] = desc.Name
	}
	if desc.StreamType != "" {
		tags["type"] = desc.StreamType
	}
	return tags
}

// newestColumn locates the most recent sample in a formatted window. For
// sweep presentation the newest slot sits just behind the cursor.
func newestColumn(series buffer.Series) (float64, []float64, bool) {
	n := len(series.Times)
	if n == 0 {
		return 0, nil, false
	}

	idx := n - 1
	if series.Cursor >= 0 {
		idx = (series.Cursor - 1 + n) % n
	}

	column := make([]float64, 0, len(series.Values))
	for _, channel := range series.Values {
		if idx < len(channel) {
			column = append(column, channel[idx])
		}
	}
	return series.Times[idx], column, true
}

// sampleTime converts a stream timestamp in seconds to wall time. Clocks
// that are not epoch based keep their relative spacing; a zero timestamp
// falls back to now.
func sampleTime(seconds float64) time.Time {
	if seconds <= 0 {
		return time.Now()
	}
	sec := int64(seconds)
	return time.Unix(sec, int64((seconds-float64(sec))*float64(time.Second)))
}

// Register adds the recorder sink factory to a registry under "recorder".
func Register(registry *plugin.Registry[render.SurfaceFactory]) error {
	return registry.Register(plugin.Registration[render.SurfaceFactory]{
		Key: "recorder",
		Metadata: plugin.Metadata{
			Description: "InfluxDB recorder persisting one point per rendered sample",
			Version:     "1.0.0",
		},
		Schema:  configSchema,
		Factory: New,
	})
}
