// Package render composes stream displays from two independently chosen
// strategies: a Formatter shapes buffered samples into drawable frames,
// and a Surface consumes those frames. An Adapter binds one source to one
// formatter and one surface and runs the pump between them.
//
// Formatters never draw and surfaces never reorder data, so any formatter
// works with any surface. Both sides are constructed through keyed plugin
// registries, mirroring how sources are resolved.
package render

import (
	"encoding/json"
	"log/slog"

	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/pkg/buffer"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/stream"
)

// Mark is one marker event positioned on the stream's timeline.
type Mark struct {
	Time  float64 `json:"time"`
	Label string  `json:"label"`
}

// Frame is one drawable update for one stream: a window of channel-major
// values plus any marker events inside it. Surfaces receive frames as
// copies and may keep them past the call.
type Frame struct {
	// Descriptor identifies the stream and carries channel count, rates,
	// and the display label.
	Descriptor stream.Descriptor

	// Series is the formatted window. For sweep presentation Cursor is
	// the next write slot; otherwise it is -1 and samples run oldest to
	// newest.
	Series buffer.Series

	// Marks are the marker events currently in the window, oldest first.
	Marks []Mark
}

// Formatter folds incoming chunks into a working set and assembles frames
// from it on demand. Implementations are safe for concurrent use: Ingest
// runs on the adapter pump while Frame may be called from a surface
// refresh.
type Formatter interface {
	// Ingest folds one chunk into the working set.
	Ingest(chunk stream.Chunk)

	// Frame assembles the current drawable view.
	Frame() Frame

	// Reset discards the working set.
	Reset()
}

// Surface is a display target for formatted frames. One surface typically
// serves many streams; frames carry the stream identity.
//
// Attach is called before the first frame of a stream and Detach after the
// last. Render errors are counted and logged by the adapter but do not
// stop the pump.
type Surface interface {
	Attach(desc stream.Descriptor) error
	Render(frame Frame) error
	Detach(uid string) error
}

// Deps carries the shared dependencies handed to surface factories.
type Deps struct {
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// GetLogger returns the configured logger or the process default.
func (d Deps) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// FormatterFactory builds a formatter for one stream from its raw plugin
// config.
type FormatterFactory func(rawConfig json.RawMessage, desc stream.Descriptor) (Formatter, error)

// SurfaceFactory builds a surface from its raw plugin config.
type SurfaceFactory func(rawConfig json.RawMessage, deps Deps) (Surface, error)

// NewFormatterRegistry creates an empty registry for formatter plugins.
func NewFormatterRegistry() *plugin.Registry[FormatterFactory] {
	return plugin.NewRegistry[FormatterFactory]("formatter")
}

// NewSurfaceRegistry creates an empty registry for surface plugins.
func NewSurfaceRegistry() *plugin.Registry[SurfaceFactory] {
	return plugin.NewRegistry[SurfaceFactory]("surface")
}

// RegisterFormatters adds the built-in formatters to a registry.
func RegisterFormatters(registry *plugin.Registry[FormatterFactory]) error {
	if err := RegisterTimeSeries(registry); err != nil {
		return err
	}
	return RegisterMergeLastOnly(registry)
}
