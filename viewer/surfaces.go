package viewer

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/intheon/stream-viewer/config"
	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/registry"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/sink/console"
	"github.com/intheon/stream-viewer/stream"
)

// tableSurface is a surface that also tracks metadata changes for the
// streams it lists. The websocket sink implements it; pure frame
// consumers do not.
type tableSurface interface {
	render.Surface
	Update(desc stream.Descriptor) error
}

// buildSurfaces constructs the enabled sinks through the surface plugin
// registry and decides, per sink, whether it mirrors the registry table
// or only receives frames.
func (s *Session) buildSurfaces() error {
	deps := s.renderDeps()
	var mirrored []tableSurface
	var targets []render.Surface

	if s.cfg.Sinks.WebSocket.Enabled {
		surf, err := s.newSurface("websocket", websocketRaw(s.cfg.Sinks.WebSocket), deps)
		if err != nil {
			return err
		}
		if table, ok := surf.(tableSurface); ok {
			mirrored = append(mirrored, table)
		}
		// The mirror owns the websocket table; frames bypass it.
		targets = append(targets, renderOnly{surf})
	}

	if s.cfg.Sinks.Recorder.Enabled {
		surf, err := s.newSurface("recorder", recorderRaw(s.cfg.Sinks.Recorder), deps)
		if err != nil {
			return err
		}
		// The recorder keys its timestamp clocks on attach/detach, which
		// the owning adapter drives. It never mirrors the table.
		targets = append(targets, surf)
	}

	if s.cfg.Sinks.Console.Enabled {
		surf, err := s.newSurface("console", consoleRaw(s.cfg.Sinks.Console), deps)
		if err != nil {
			return err
		}
		browser, ok := surf.(*console.Browser)
		if !ok {
			return errors.WrapFatal(errors.ErrUnknownPlugin, "Session", "Initialize",
				"console surface is not a browser")
		}
		s.browser = browser
		browser.SetRefreshFunc(s.RequestRefresh)
		browser.SetActivatedFunc(s.toggleStream)
		browser.SetQuitFunc(func() {
			if s.cancel != nil {
				s.cancel()
			}
		})
		// The browser is registry-bound in Start; its surface side only
		// carries frame activity.
		targets = append(targets, surf)
	}

	for _, surf := range s.extraSurfaces {
		if table, ok := surf.(tableSurface); ok {
			mirrored = append(mirrored, table)
			targets = append(targets, renderOnly{surf})
			continue
		}
		targets = append(targets, surf)
	}

	if len(mirrored) > 0 {
		s.mirror = newTableMirror(s.logger, mirrored...)
	}
	s.target = newFanout(targets...)
	return nil
}

// newSurface validates the translated config against the plugin schema
// and runs the factory, keeping lifecycle-capable surfaces for Start/Stop.
func (s *Session) newSurface(key string, raw json.RawMessage, deps render.Deps) (render.Surface, error) {
	if err := s.surfaces.ValidateConfig(key, raw); err != nil {
		return nil, err
	}
	reg, err := s.surfaces.Lookup(key)
	if err != nil {
		return nil, err
	}
	surf, err := reg.Factory(raw, deps)
	if err != nil {
		return nil, err
	}
	if lc, ok := surf.(surfaceLifecycle); ok {
		s.lifecycles = append(s.lifecycles, lc)
	}
	return surf, nil
}

// websocketRaw translates the config section into the sink's document.
func websocketRaw(cfg config.WebSocketSinkConfig) json.RawMessage {
	doc := map[string]any{}
	if cfg.Port != 0 {
		doc["port"] = cfg.Port
	}
	if cfg.Path != "" {
		doc["path"] = cfg.Path
	}
	if cfg.QueueDepth != 0 {
		doc["queue_depth"] = cfg.QueueDepth
	}
	return mustRaw(doc)
}

// recorderRaw translates the config section into the sink's document.
func recorderRaw(cfg config.RecorderSinkConfig) json.RawMessage {
	doc := map[string]any{
		"url":    cfg.URL,
		"org":    cfg.Org,
		"bucket": cfg.Bucket,
	}
	if cfg.Token != "" {
		doc["token"] = cfg.Token
	}
	if ms := cfg.FlushInterval.Std().Milliseconds(); ms > 0 {
		doc["flush_interval_ms"] = ms
	}
	return mustRaw(doc)
}

// consoleRaw translates the config section into the sink's document.
func consoleRaw(cfg config.ConsoleSinkConfig) json.RawMessage {
	doc := map[string]any{}
	if cfg.FPS != 0 {
		doc["fps"] = cfg.FPS
	}
	if cfg.Mouse != nil {
		doc["mouse"] = *cfg.Mouse
	}
	return mustRaw(doc)
}

// mustRaw marshals a document built from plain maps; it cannot fail.
func mustRaw(doc map[string]any) json.RawMessage {
	raw, _ := json.Marshal(doc)
	return raw
}

// tableMirror translates the registry's index-addressed change events
// into uid-addressed attach/update/detach calls on table surfaces. It
// keeps its own uid ordering because a removal event arrives after the
// row is already gone from the registry.
type tableMirror struct {
	logger  *slog.Logger
	targets []tableSurface

	mu   sync.Mutex
	reg  *registry.Registry
	uids []string
}

func newTableMirror(logger *slog.Logger, targets ...tableSurface) *tableMirror {
	return &tableMirror{
		logger:  logger.With("component", "table-mirror"),
		targets: targets,
	}
}

// Bind seeds the mirror from the registry's current rows and registers
// for change events. Call before the first refresh.
func (m *tableMirror) Bind(reg *registry.Registry) {
	snapshot := reg.Snapshot()

	m.mu.Lock()
	m.reg = reg
	m.uids = make([]string, len(snapshot))
	for i, d := range snapshot {
		m.uids[i] = d.UID
	}
	m.mu.Unlock()

	for _, d := range snapshot {
		m.attach(d)
	}
	reg.AddObserver(m)
}

// RowInserted implements registry.Observer.
func (m *tableMirror) RowInserted(index int) {
	m.mu.Lock()
	if m.reg == nil {
		m.mu.Unlock()
		return
	}
	d, ok := m.reg.Get(index)
	if !ok || index > len(m.uids) {
		m.mu.Unlock()
		return
	}
	m.uids = append(m.uids, "")
	copy(m.uids[index+1:], m.uids[index:])
	m.uids[index] = d.UID
	m.mu.Unlock()

	m.attach(d)
}

// RowRemoved implements registry.Observer.
func (m *tableMirror) RowRemoved(index int) {
	m.mu.Lock()
	if index < 0 || index >= len(m.uids) {
		m.mu.Unlock()
		return
	}
	uid := m.uids[index]
	m.uids = append(m.uids[:index], m.uids[index+1:]...)
	m.mu.Unlock()

	for _, t := range m.targets {
		if err := t.Detach(uid); err != nil {
			m.logger.Warn("table detach failed", "uid", uid, "error", err)
		}
	}
}

// RowsUpdated implements registry.Observer.
func (m *tableMirror) RowsUpdated(indices []int) {
	m.mu.Lock()
	var changed []stream.Descriptor
	if m.reg != nil {
		for _, idx := range indices {
			if idx < 0 || idx >= len(m.uids) {
				continue
			}
			if d, ok := m.reg.Get(idx); ok && d.UID == m.uids[idx] {
				changed = append(changed, d)
			}
		}
	}
	m.mu.Unlock()

	for _, d := range changed {
		for _, t := range m.targets {
			if err := t.Update(d); err != nil {
				m.logger.Warn("table update failed", "uid", d.UID, "error", err)
			}
		}
	}
}

func (m *tableMirror) attach(d stream.Descriptor) {
	for _, t := range m.targets {
		if err := t.Attach(d); err != nil {
			m.logger.Warn("table attach failed", "uid", d.UID, "error", err)
		}
	}
}

// fanout delivers adapter calls to every target surface, collecting
// errors instead of short-circuiting so one sink cannot starve another.
type fanout struct {
	targets []render.Surface
}

func newFanout(targets ...render.Surface) render.Surface {
	if len(targets) == 1 {
		return targets[0]
	}
	return fanout{targets: targets}
}

// Attach implements render.Surface.
func (f fanout) Attach(desc stream.Descriptor) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Attach(desc); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Render implements render.Surface.
func (f fanout) Render(frame render.Frame) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Render(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Detach implements render.Surface.
func (f fanout) Detach(uid string) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Detach(uid); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// renderOnly passes frames through and swallows attach/detach, for
// surfaces whose table is owned by the mirror rather than the adapter.
type renderOnly struct {
	s render.Surface
}

// Attach implements render.Surface.
func (renderOnly) Attach(stream.Descriptor) error { return nil }

// Render implements render.Surface.
func (r renderOnly) Render(frame render.Frame) error { return r.s.Render(frame) }

// Detach implements render.Surface.
func (renderOnly) Detach(string) error { return nil }
