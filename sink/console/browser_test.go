package console

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/registry"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/stream"
)

func testRenderDeps() render.Deps {
	return render.Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func testRow(uid string) stream.Descriptor {
	return stream.Descriptor{
		UID:           uid,
		Name:          "BioSemi",
		StreamType:    "EEG",
		Hostname:      "lab-pc",
		ChannelCount:  2,
		ChannelFormat: stream.FormatFloat32,
		NominalRate:   100,
	}
}

func newBrowser(t *testing.T, raw json.RawMessage) *Browser {
	t.Helper()
	surface, err := New(raw, testRenderDeps())
	require.NoError(t, err)
	return surface.(*Browser)
}

// pullScheduled takes the coalesced closure queued under key, the way the
// scheduler's flush would, so tests can run redraws synchronously.
func pullScheduled(t *testing.T, b *Browser, key string) func() {
	t.Helper()
	b.scheduler.mu.Lock()
	fn := b.scheduler.pending[key]
	delete(b.scheduler.pending, key)
	b.scheduler.mu.Unlock()
	require.NotNil(t, fn, "expected a scheduled %q update", key)
	return fn
}

// stubPort serves whatever rows the test currently holds.
type stubPort struct {
	rows []stream.Descriptor
}

func (p *stubPort) Discover(context.Context) ([]stream.Descriptor, error) {
	return p.rows, nil
}

func newBoundRegistry(t *testing.T, port *stubPort) *registry.Registry {
	t.Helper()
	reg, err := registry.New(port)
	require.NoError(t, err)
	return reg
}

func TestConfigDefaults(t *testing.T) {
	b := newBrowser(t, nil)
	assert.Equal(t, DefaultFPS, b.cfg.fps)
	assert.True(t, b.cfg.mouse)

	b = newBrowser(t, json.RawMessage(`{"fps": 30, "mouse": false}`))
	assert.Equal(t, 30, b.cfg.fps)
	assert.False(t, b.cfg.mouse)
}

func TestNewRejectsBadConfig(t *testing.T) {
	for name, raw := range map[string]string{
		"negative fps":   `{"fps": -1}`,
		"fps too high":   `{"fps": 61}`,
		"malformed json": `{"fps": `,
	} {
		_, err := New(json.RawMessage(raw), testRenderDeps())
		require.Error(t, err, name)
		assert.True(t, errors.IsInvalid(err), name)
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "irregular", formatNominalRate(0))
	assert.Equal(t, "100 Hz", formatNominalRate(100))
	assert.Equal(t, "512.5 Hz", formatNominalRate(512.5))

	assert.Equal(t, "-", formatMeasuredRate(0))
	assert.Equal(t, "100.0 Hz", formatMeasuredRate(99.97))

	assert.Equal(t, "1,024", formatChannels(1024))
	assert.Equal(t, "-", formatSeen(time.Time{}))
	assert.Equal(t, "unknown", textOr("", "unknown"))
	assert.Equal(t, "set", textOr("set", "unknown"))
}

func TestBindRegistrySeedsRows(t *testing.T) {
	port := &stubPort{rows: []stream.Descriptor{testRow("a"), testRow("b")}}
	reg := newBoundRegistry(t, port)
	require.NoError(t, reg.Refresh(context.Background()))

	b := newBrowser(t, nil)
	b.BindRegistry(reg)

	pullScheduled(t, b, "rows")()
	require.Equal(t, 3, b.table.GetRowCount())
	assert.Equal(t, "NAME", b.table.GetCell(0, 0).Text)
	assert.Equal(t, "a", b.table.GetCell(1, 0).GetReference())
	assert.Equal(t, "b", b.table.GetCell(2, 0).GetReference())
	assert.Equal(t, "100 Hz", b.table.GetCell(1, 5).Text)
}

func TestObserverEventsPatchModel(t *testing.T) {
	port := &stubPort{}
	reg := newBoundRegistry(t, port)
	b := newBrowser(t, nil)
	b.BindRegistry(reg)
	pullScheduled(t, b, "rows")()

	// Two rows join.
	port.rows = []stream.Descriptor{testRow("a"), testRow("b")}
	require.NoError(t, reg.Refresh(context.Background()))
	pullScheduled(t, b, "rows")()
	require.Equal(t, 3, b.table.GetRowCount())

	// A rate measurement lands in the measured column.
	reg.ApplyRateUpdate("a", 99.97)
	pullScheduled(t, b, "rows")()
	assert.Equal(t, "100.0 Hz", b.table.GetCell(1, 6).Text)

	// The first row leaves; the second shifts down.
	port.rows = []stream.Descriptor{testRow("b")}
	require.NoError(t, reg.Refresh(context.Background()))
	pullScheduled(t, b, "rows")()
	require.Equal(t, 2, b.table.GetRowCount())
	assert.Equal(t, "b", b.table.GetCell(1, 0).GetReference())
}

func TestSelectionFollowsStream(t *testing.T) {
	port := &stubPort{rows: []stream.Descriptor{testRow("a"), testRow("b"), testRow("c")}}
	reg := newBoundRegistry(t, port)
	b := newBrowser(t, nil)
	b.BindRegistry(reg)
	pullScheduled(t, b, "rows")()

	b.table.Select(3, 0)

	port.rows = []stream.Descriptor{testRow("b"), testRow("c")}
	require.NoError(t, reg.Refresh(context.Background()))
	pullScheduled(t, b, "rows")()

	selRow, _ := b.table.GetSelection()
	assert.Equal(t, 2, selRow)
	assert.Equal(t, "c", b.table.GetCell(selRow, 0).GetReference())
}

func TestStandaloneSurfaceDrivesRows(t *testing.T) {
	b := newBrowser(t, nil)

	require.NoError(t, b.Attach(testRow("a")))
	require.NoError(t, b.Attach(testRow("b")))
	require.NoError(t, b.Attach(testRow("a"))) // duplicate
	pullScheduled(t, b, "rows")()
	require.Equal(t, 3, b.table.GetRowCount())

	renamed := testRow("b")
	renamed.Name = "Respiration"
	require.NoError(t, b.Update(renamed))
	pullScheduled(t, b, "rows")()
	assert.Equal(t, "Respiration", b.table.GetCell(2, 0).Text)

	require.NoError(t, b.Detach("a"))
	pullScheduled(t, b, "rows")()
	require.Equal(t, 2, b.table.GetRowCount())
	assert.Equal(t, "b", b.table.GetCell(1, 0).GetReference())
}

func TestRenderTracksActivity(t *testing.T) {
	b := newBrowser(t, nil)
	require.NoError(t, b.Attach(testRow("a")))

	for range 3 {
		require.NoError(t, b.Render(render.Frame{Descriptor: testRow("a")}))
	}
	b.modelMu.Lock()
	frames := b.rows[0].frames
	lastFrame := b.rows[0].lastFrame
	b.modelMu.Unlock()
	assert.Equal(t, uint64(3), frames)
	assert.False(t, lastFrame.IsZero())

	// Frames for unknown streams are ignored.
	require.NoError(t, b.Render(render.Frame{Descriptor: testRow("ghost")}))

	// The scheduled refresh is detail-only and safe with the pane closed.
	pullScheduled(t, b, "activity")()
}

func TestActivationOpensDetail(t *testing.T) {
	b := newBrowser(t, nil)
	require.NoError(t, b.Attach(testRow("eeg-1")))
	pullScheduled(t, b, "rows")()

	var got stream.Descriptor
	b.SetActivatedFunc(func(d stream.Descriptor) { got = d })

	b.activateRow(1)
	assert.Equal(t, "eeg-1", b.detailUID)
	assert.Equal(t, "eeg-1", got.UID)
	front, _ := b.pages.GetFrontPage()
	assert.Equal(t, pageDetail, front)

	text := b.detail.GetText(true)
	assert.Contains(t, text, "eeg-1")
	assert.Contains(t, text, "BioSemi")
	assert.Contains(t, text, "100 Hz")

	b.hideDetail()
	front, _ = b.pages.GetFrontPage()
	assert.Equal(t, pageTable, front)

	// Out-of-range activations change nothing.
	b.activateRow(99)
	assert.Empty(t, b.detailUID)
}

func TestKeyBindings(t *testing.T) {
	b := newBrowser(t, nil)
	require.NoError(t, b.Attach(testRow("a")))
	pullScheduled(t, b, "rows")()

	capture := b.app.GetInputCapture()
	require.NotNil(t, capture)

	refreshed := 0
	b.SetRefreshFunc(func() { refreshed++ })
	assert.Nil(t, capture(tcell.NewEventKey(tcell.KeyRune, 'r', tcell.ModNone)))
	assert.Nil(t, capture(tcell.NewEventKey(tcell.KeyF5, 0, tcell.ModNone)))
	assert.Equal(t, 2, refreshed)

	quits := 0
	b.SetQuitFunc(func() { quits++ })
	assert.Nil(t, capture(tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)))
	assert.Equal(t, 1, quits)

	// Esc closes an open detail pane instead of quitting.
	b.showDetail("a")
	assert.Nil(t, capture(tcell.NewEventKey(tcell.KeyEsc, 0, tcell.ModNone)))
	front, _ := b.pages.GetFrontPage()
	assert.Equal(t, pageTable, front)
	assert.Equal(t, 1, quits)

	// Unhandled keys pass through.
	ev := tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)
	assert.Equal(t, ev, capture(ev))
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	b := newBrowser(t, nil)
	require.NoError(t, b.Stop(time.Second))
	require.NoError(t, b.Stop(time.Second))
}

func TestRegister(t *testing.T) {
	reg := render.NewSurfaceRegistry()
	require.NoError(t, Register(reg))

	registration, err := reg.Lookup("console")
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateConfig("console", json.RawMessage(`{"fps": 30}`)))
	for name, raw := range map[string]string{
		"fps below minimum": `{"fps": 0}`,
		"fps wrong type":    `{"fps": "fast"}`,
		"unknown property":  `{"refresh": true}`,
	} {
		err := reg.ValidateConfig("console", json.RawMessage(raw))
		require.Error(t, err, name)
	}

	surface, err := registration.Factory(nil, testRenderDeps())
	require.NoError(t, err)
	assert.IsType(t, &Browser{}, surface)
}
