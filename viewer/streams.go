package viewer

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

// detachTimeout bounds the teardown of one renderer when its stream
// vanishes or is closed.
const detachTimeout = 3 * time.Second

// OpenStream starts rendering the registry row with the given uid: a
// data-mode source is paired with a formatter chosen from the stream's
// channel format and pumped to the session's surfaces. Opening an
// already-open stream is a no-op.
func (s *Session) OpenStream(uid string) error {
	s.lifecycleMu.Lock()
	running := s.running
	ctx := s.runCtx
	s.lifecycleMu.Unlock()
	if !running {
		return errors.WrapFatal(errors.ErrNotStarted, "Session", "OpenStream",
			"lifecycle check")
	}

	desc, _, ok := s.reg.Find(uid)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("stream %s is not in the registry", uid),
			"Session", "OpenStream", "row lookup")
	}

	s.activeMu.Lock()
	if _, open := s.active[uid]; open {
		s.activeMu.Unlock()
		return nil
	}
	s.activeMu.Unlock()

	factory, raw, err := s.pickSource()
	if err != nil {
		return err
	}
	src, err := factory(raw, desc, source.ModeData, s.sourceDeps())
	if err != nil {
		return errors.Wrap(err, "Session", "OpenStream", "source construction")
	}
	formatter, err := s.formatterFor(desc)
	if err != nil {
		return err
	}

	adapter, err := render.NewAdapter(src, formatter, s.target, s.renderDeps())
	if err != nil {
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		return err
	}

	s.activeMu.Lock()
	// A concurrent open may have won the race; the later one yields.
	if _, open := s.active[uid]; open {
		s.activeMu.Unlock()
		return adapter.Stop(detachTimeout)
	}
	s.active[uid] = adapter
	s.activeMu.Unlock()

	s.logger.Info("stream opened", "uid", uid, "name", desc.Name)
	return nil
}

// CloseStream stops the renderer for uid. Unknown or never-opened uids
// are a no-op.
func (s *Session) CloseStream(uid string) error {
	s.activeMu.Lock()
	adapter, open := s.active[uid]
	delete(s.active, uid)
	s.activeMu.Unlock()
	if !open {
		return nil
	}
	s.logger.Info("stream closed", "uid", uid)
	return adapter.Stop(detachTimeout)
}

// OpenStreams lists the uids currently being rendered.
func (s *Session) OpenStreams() []string {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	uids := make([]string, 0, len(s.active))
	for uid := range s.active {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// toggleStream is the browser activation hook: first activation opens the
// stream, the second closes it. Runs off the UI goroutine because opening
// connects a transport.
func (s *Session) toggleStream(desc stream.Descriptor) {
	s.activeMu.Lock()
	_, open := s.active[desc.UID]
	s.activeMu.Unlock()

	go func() {
		var err error
		if open {
			err = s.CloseStream(desc.UID)
		} else {
			err = s.OpenStream(desc.UID)
		}
		if err != nil {
			s.logger.Warn("stream toggle failed", "uid", desc.UID, "error", err)
		}
	}()
}

// pickSource selects the source plugin for opened and monitored streams:
// the first enabled configured instance, in name order, whose type is
// registered; without configured sources, the NATS inlet when a
// connection exists.
func (s *Session) pickSource() (source.Factory, json.RawMessage, error) {
	names := make([]string, 0, len(s.cfg.Sources))
	for name := range s.cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		inst := s.cfg.Sources[name]
		if !inst.Enabled {
			continue
		}
		reg, err := s.sources.Lookup(inst.Type)
		if err != nil {
			s.logger.Warn("source configured but not registered",
				"instance", name, "type", inst.Type)
			continue
		}
		if err := s.sources.ValidateConfig(inst.Type, inst.Config); err != nil {
			return nil, nil, errors.Wrap(err, "Session", "pickSource",
				fmt.Sprintf("config for source %s", name))
		}
		return reg.Factory, inst.Config, nil
	}

	if s.nats != nil {
		reg, err := s.sources.Lookup("nats")
		if err == nil {
			return reg.Factory, nil, nil
		}
	}
	return nil, nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "pickSource",
		"no enabled source instance matches a registered source plugin")
}

// formatterFor chooses the formatter for a stream: marker streams get the
// last-value merge, sampled streams a rolling time-series window shaped
// by the viewer config.
func (s *Session) formatterFor(desc stream.Descriptor) (render.Formatter, error) {
	key := "timeseries"
	var raw json.RawMessage
	if desc.ChannelFormat == stream.FormatString {
		key = "merge-last"
	} else {
		cfg := render.TimeSeriesConfig{
			Window: s.cfg.Viewer.SeriesWindow.Std().Seconds(),
			Mode:   s.cfg.Viewer.SeriesMode,
		}
		raw, _ = json.Marshal(cfg)
	}

	reg, err := s.formatters.Lookup(key)
	if err != nil {
		return nil, err
	}
	return reg.Factory(raw, desc)
}
