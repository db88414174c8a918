package render

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/pkg/buffer"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/stream"
)

// DefaultWindow is the plotted duration, in seconds, when the formatter
// config does not set one.
const DefaultWindow = 2.0

// maxMarks caps retained marker events so a marker flood cannot grow the
// working set without bound.
const maxMarks = 256

// TimeSeriesConfig configures the rolling-window formatter.
type TimeSeriesConfig struct {
	// Window is the plotted duration in seconds.
	Window float64 `json:"window,omitempty"`

	// Mode selects the presentation: "scroll" or "sweep".
	Mode string `json:"mode,omitempty"`
}

// Validate checks config invariants after decoding.
func (c *TimeSeriesConfig) Validate() error {
	if c.Window < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TimeSeriesConfig",
			"Validate", "window must not be negative")
	}
	switch c.Mode {
	case "", "scroll", "sweep":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TimeSeriesConfig",
			"Validate", "mode must be scroll or sweep")
	}
	return nil
}

var timeSeriesSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "timeseries formatter configuration",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"window": {
			"type": "number",
			"exclusiveMinimum": 0,
			"description": "Plotted duration in seconds"
		},
		"mode": {
			"type": "string",
			"enum": ["scroll", "sweep"],
			"description": "Window presentation"
		}
	}
}`)

// TimeSeries keeps a rolling window of channel samples plus the marker
// events inside it. The window is sized from the stream's nominal rate;
// irregular streams are sized at the buffer fallback rate.
type TimeSeries struct {
	desc   stream.Descriptor
	window float64
	series *buffer.TimeSeries

	mu     sync.Mutex
	marks  []Mark
	newest float64
}

// NewTimeSeries builds the rolling-window formatter for one stream.
func NewTimeSeries(rawConfig json.RawMessage, desc stream.Descriptor) (Formatter, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.Wrap(err, "TimeSeriesFormatter", "New", "descriptor validation")
	}

	var cfg TimeSeriesConfig
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "TimeSeriesFormatter", "New", "config decoding")
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}

	return &TimeSeries{
		desc:   desc,
		window: window,
		series: buffer.NewTimeSeries(desc.ChannelCount, desc.NominalRate,
			time.Duration(window*float64(time.Second)),
			buffer.ParseSeriesMode(cfg.Mode)),
	}, nil
}

// Ingest folds the chunk's samples into the window. Samples carrying
// values advance the series; marker strings are kept on the timeline until
// they age out of the window.
func (f *TimeSeries) Ingest(chunk stream.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range chunk.Samples {
		if len(s.Values) > 0 {
			f.series.Push(s.Timestamp, s.Values)
		}
		for _, label := range s.Marks {
			f.marks = append(f.marks, Mark{Time: s.Timestamp, Label: label})
		}
		if s.Timestamp > f.newest {
			f.newest = s.Timestamp
		}
	}
	f.pruneLocked()
}

// pruneLocked drops marks that fell out of the window, assuming marks
// arrive in time order.
func (f *TimeSeries) pruneLocked() {
	cutoff := f.newest - f.window
	i := 0
	for i < len(f.marks) && f.marks[i].Time < cutoff {
		i++
	}
	if i > 0 {
		f.marks = append(f.marks[:0], f.marks[i:]...)
	}
	if over := len(f.marks) - maxMarks; over > 0 {
		f.marks = append(f.marks[:0], f.marks[over:]...)
	}
}

// Frame assembles the current window.
func (f *TimeSeries) Frame() Frame {
	f.mu.Lock()
	marks := append([]Mark(nil), f.marks...)
	f.mu.Unlock()

	return Frame{
		Descriptor: f.desc,
		Series:     f.series.Snapshot(),
		Marks:      marks,
	}
}

// Reset discards the window contents.
func (f *TimeSeries) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series.Clear()
	f.marks = nil
	f.newest = 0
}

// RegisterTimeSeries adds the rolling-window formatter to a registry under
// the key "timeseries".
func RegisterTimeSeries(registry *plugin.Registry[FormatterFactory]) error {
	return registry.Register(plugin.Registration[FormatterFactory]{
		Key: "timeseries",
		Metadata: plugin.Metadata{
			Description: "rolling window of channel samples for line and raster displays",
			Version:     "1.0.0",
		},
		Schema:  timeSeriesSchema,
		Factory: NewTimeSeries,
	})
}
