// Package source defines the pull side of live streams: the Source
// interface, data and monitor modes, and the shared ingest pipeline that
// validates and counts chunks on their way to a consumer channel.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/stream"
)

// Mode selects how much of a stream a source pulls.
type Mode int

const (
	// ModeData delivers decoded chunks on the Chunks channel.
	ModeData Mode = iota
	// ModeMonitor counts samples for rate measurement and discards the
	// payload. The Chunks channel stays silent until Stop closes it.
	ModeMonitor
)

// String returns the mode name used in logs and metric labels.
func (m Mode) String() string {
	switch m {
	case ModeData:
		return "data"
	case ModeMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Stats is a point-in-time snapshot of a source's counters.
type Stats struct {
	// ChunksReceived counts chunks that arrived and decoded cleanly.
	ChunksReceived int64
	// SamplesSeen counts samples across all received chunks. Monitors
	// read this to measure effective rate.
	SamplesSeen int64
	// ChunksDropped counts chunks discarded because the consumer channel
	// was full or already closed.
	ChunksDropped int64
	// DecodeErrors counts payloads that failed to decode or validate.
	DecodeErrors int64
	// SequenceGaps counts observed jumps in the chunk sequence.
	SequenceGaps int64
	// LastActivity is the receive time of the most recent chunk, zero
	// before any traffic.
	LastActivity time.Time
}

// Source is the pull side of one live stream. Implementations connect to a
// transport on Start, deliver decoded chunks on the Chunks channel while in
// data mode, and close that channel when stopped.
type Source interface {
	// Start connects the source. Safe to call once; a second call fails.
	Start(ctx context.Context) error
	// Stop disconnects and closes the Chunks channel, waiting up to
	// timeout for in-flight work to drain.
	Stop(timeout time.Duration) error
	// Chunks delivers decoded chunks in data mode. The channel is closed
	// after Stop returns.
	Chunks() <-chan stream.Chunk
	// Info returns the descriptor of the stream this source pulls.
	Info() stream.Descriptor
	// Stats returns a snapshot of receive counters.
	Stats() Stats
}

// Deps carries shared infrastructure into source factories. Any field may
// be nil; implementations fall back to defaults.
type Deps struct {
	Client          *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// GetLogger returns the configured logger or slog.Default.
func (d *Deps) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Factory builds a source for one stream. The raw config is the
// plugin-specific document already checked against the plugin's schema.
type Factory func(rawConfig json.RawMessage, desc stream.Descriptor, mode Mode, deps Deps) (Source, error)

// NewRegistry creates an empty source registry.
func NewRegistry() *plugin.Registry[Factory] {
	return plugin.NewRegistry[Factory]("source")
}
