package source

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/stream"
)

// DefaultChunkDepth is the consumer channel capacity when a source does not
// configure its own.
const DefaultChunkDepth = 64

// Metrics holds Prometheus metrics for one source instance.
type Metrics struct {
	chunksReceived  prometheus.Counter
	samplesReceived prometheus.Counter
	chunksDropped   prometheus.Counter
	decodeErrors    prometheus.Counter
	sequenceGaps    prometheus.Counter
	lastActivity    prometheus.Gauge
}

// newMetrics creates and registers per-source metrics. Returns nil when no
// registry is provided.
func newMetrics(registry *metric.MetricsRegistry, kind, uid string, mode Mode) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"source": kind, "uid": uid, "mode": mode.String()}
	metrics := &Metrics{
		chunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "source",
			Name:        "chunks_received_total",
			Help:        "Total chunks received and decoded",
			ConstLabels: labels,
		}),
		samplesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "source",
			Name:        "samples_received_total",
			Help:        "Total samples across received chunks",
			ConstLabels: labels,
		}),
		chunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "source",
			Name:        "chunks_dropped_total",
			Help:        "Chunks dropped because the consumer channel was full",
			ConstLabels: labels,
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "source",
			Name:        "decode_errors_total",
			Help:        "Payloads that failed to decode or validate",
			ConstLabels: labels,
		}),
		sequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamview",
			Subsystem:   "source",
			Name:        "sequence_gaps_total",
			Help:        "Observed jumps in the chunk sequence",
			ConstLabels: labels,
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamview",
			Subsystem:   "source",
			Name:        "last_activity_timestamp",
			Help:        "Unix timestamp of the most recent chunk",
			ConstLabels: labels,
		}),
	}

	serviceName := fmt.Sprintf("source_%s_%s_%s", kind, mode, uid)
	registry.RegisterCounter(serviceName, "chunks_received", metrics.chunksReceived)
	registry.RegisterCounter(serviceName, "samples_received", metrics.samplesReceived)
	registry.RegisterCounter(serviceName, "chunks_dropped", metrics.chunksDropped)
	registry.RegisterCounter(serviceName, "decode_errors", metrics.decodeErrors)
	registry.RegisterCounter(serviceName, "sequence_gaps", metrics.sequenceGaps)
	registry.RegisterGauge(serviceName, "last_activity", metrics.lastActivity)

	return metrics
}

// Ingest is the shared receive path behind a source. Transports feed it raw
// payloads or decoded chunks; it validates, counts, and forwards to the
// consumer channel in data mode. Safe for concurrent producers.
type Ingest struct {
	desc        stream.Descriptor
	mode        Mode
	logger      *slog.Logger
	instruments *Metrics
	core        *metric.Metrics
	now         func() time.Time

	out       chan stream.Chunk
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	lastSeq        atomic.Uint64
	chunksReceived atomic.Int64
	samplesSeen    atomic.Int64
	chunksDropped  atomic.Int64
	decodeErrors   atomic.Int64
	sequenceGaps   atomic.Int64
	lastActivity   atomic.Int64
}

// NewIngest creates the receive path for one source instance. The kind is
// the plugin key and labels logs and metrics. A depth of zero or less uses
// DefaultChunkDepth.
func NewIngest(kind string, desc stream.Descriptor, mode Mode, depth int, deps Deps) *Ingest {
	if depth <= 0 {
		depth = DefaultChunkDepth
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	return &Ingest{
		desc:        desc,
		mode:        mode,
		logger:      deps.GetLogger().With("component", "source", "source", kind, "uid", desc.UID),
		instruments: newMetrics(deps.MetricsRegistry, kind, desc.UID, mode),
		core:        core,
		now:         time.Now,
		out:         make(chan stream.Chunk, depth),
	}
}

// HandleRaw decodes one wire payload and offers the result downstream.
// Decode failures count as decode errors and never reach the channel.
func (g *Ingest) HandleRaw(data []byte) {
	chunk, err := stream.DecodeChunk(data)
	if err != nil {
		g.RecordDecodeError(err)
		return
	}
	g.Offer(chunk)
}

// RecordDecodeError counts a transport-level decode failure that happened
// before a chunk could be built.
func (g *Ingest) RecordDecodeError(err error) {
	g.decodeErrors.Add(1)
	if g.instruments != nil {
		g.instruments.decodeErrors.Inc()
	}
	g.core.CountError("source", err)
	g.logger.Warn("payload decode failed", "error", err)
}

// Offer validates and forwards one decoded chunk. In monitor mode the chunk
// is counted and discarded. In data mode a full or closed consumer channel
// drops the chunk rather than blocking the transport.
func (g *Ingest) Offer(chunk stream.Chunk) {
	if chunk.UID != "" && g.desc.UID != "" && chunk.UID != g.desc.UID {
		g.decodeErrors.Add(1)
		if g.instruments != nil {
			g.instruments.decodeErrors.Inc()
		}
		g.logger.Warn("chunk uid mismatch", "chunk_uid", chunk.UID)
		return
	}
	if err := chunk.Validate(g.desc.ChannelCount); err != nil {
		g.decodeErrors.Add(1)
		if g.instruments != nil {
			g.instruments.decodeErrors.Inc()
		}
		g.core.CountError("source", err)
		g.logger.Warn("chunk validation failed", "seq", chunk.Sequence, "error", err)
		return
	}

	// A sequence below the last one means the publisher restarted, which is
	// not a gap.
	last := g.lastSeq.Swap(chunk.Sequence)
	if last != 0 && chunk.Sequence > last+1 {
		g.sequenceGaps.Add(1)
		if g.instruments != nil {
			g.instruments.sequenceGaps.Inc()
		}
		g.logger.Debug("sequence gap", "last_seq", last, "seq", chunk.Sequence)
	}

	g.chunksReceived.Add(1)
	g.samplesSeen.Add(int64(len(chunk.Samples)))
	g.lastActivity.Store(g.now().UnixNano())
	if g.instruments != nil {
		g.instruments.chunksReceived.Inc()
		g.instruments.samplesReceived.Add(float64(len(chunk.Samples)))
		g.instruments.lastActivity.SetToCurrentTime()
	}

	if g.mode == ModeMonitor {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.chunksDropped.Add(1)
		if g.instruments != nil {
			g.instruments.chunksDropped.Inc()
		}
		return
	}
	select {
	case g.out <- chunk:
	default:
		g.chunksDropped.Add(1)
		if g.instruments != nil {
			g.instruments.chunksDropped.Inc()
		}
		g.logger.Warn("chunk dropped, consumer channel full",
			"seq", chunk.Sequence, "dropped", g.chunksDropped.Load())
	}
}

// Chunks returns the consumer channel. Closed by Close.
func (g *Ingest) Chunks() <-chan stream.Chunk {
	return g.out
}

// Info returns the descriptor of the stream this ingest serves.
func (g *Ingest) Info() stream.Descriptor {
	return g.desc
}

// Close closes the consumer channel. Concurrent Offer calls after Close
// count as drops. Idempotent.
func (g *Ingest) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		close(g.out)
	})
}

// Stats returns a snapshot of receive counters.
func (g *Ingest) Stats() Stats {
	stats := Stats{
		ChunksReceived: g.chunksReceived.Load(),
		SamplesSeen:    g.samplesSeen.Load(),
		ChunksDropped:  g.chunksDropped.Load(),
		DecodeErrors:   g.decodeErrors.Load(),
		SequenceGaps:   g.sequenceGaps.Load(),
	}
	if ns := g.lastActivity.Load(); ns != 0 {
		stats.LastActivity = time.Unix(0, ns)
	}
	return stats
}
