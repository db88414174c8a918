// Package console renders the stream table in the terminal. The browser is
// a tview table fed by registry change events: rows are patched at the
// notified indices rather than rebuilt wholesale, so the selection follows
// its stream across refreshes instead of snapping back to the top.
//
// The browser doubles as a render surface. Frames never change the table
// layout; they feed the per-stream activity figures shown in the detail
// pane.
//
// Keys: r or F5 requests a refresh, Enter opens the detail pane for the
// selected stream, Esc closes it, q quits.
package console

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rivo/tview"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/registry"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/stream"
)

const (
	// DefaultFPS caps table redraws per second.
	DefaultFPS = 10

	// drainWindow bounds the scheduler's final flush on shutdown.
	drainWindow = 100 * time.Millisecond

	pageTable  = "table"
	pageDetail = "detail"
)

var (
	headerColor = tcell.ColorYellow
	borderColor = tcell.ColorGray
)

// Config controls one console browser instance.
type Config struct {
	// FPS caps redraws per second. Zero means DefaultFPS.
	FPS int `json:"fps,omitempty"`
	// Mouse enables mouse support. Absent means enabled.
	Mouse *bool `json:"mouse,omitempty"`
}

// Validate implements plugin.Validatable.
func (c Config) Validate() error {
	if c.FPS < 0 || c.FPS > 60 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConsoleBrowser", "Validate",
			fmt.Sprintf("fps %d outside 1-60", c.FPS))
	}
	return nil
}

var configSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"fps": {
			"type": "integer",
			"minimum": 1,
			"maximum": 60,
			"description": "Redraw rate cap in frames per second"
		},
		"mouse": {
			"type": "boolean",
			"description": "Enable mouse support"
		}
	},
	"additionalProperties": false
}`)

// sinkMetrics instruments one browser instance. All methods tolerate a nil
// receiver so an uninstrumented browser costs nothing.
type sinkMetrics struct {
	redrawDelay     prometheus.Histogram
	refreshRequests prometheus.Counter
	activations     prometheus.Counter
}

func newSinkMetrics(registry *metric.MetricsRegistry) *sinkMetrics {
	if registry == nil {
		return nil
	}

	m := &sinkMetrics{
		redrawDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamview",
			Subsystem: "console",
			Name:      "redraw_delay_seconds",
			Help:      "Delay between scheduling a redraw and drawing it",
			Buckets:   prometheus.DefBuckets,
		}),
		refreshRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "console",
			Name:      "refresh_requests_total",
			Help:      "Manual refresh requests from the keyboard",
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "console",
			Name:      "activations_total",
			Help:      "Rows activated to open the detail pane",
		}),
	}

	// Duplicate registration only happens when two browsers share a
	// registry; the later one goes uninstrumented.
	_ = registry.RegisterHistogram("sink_console", "redraw_delay_seconds", m.redrawDelay)
	_ = registry.RegisterCounter("sink_console", "refresh_requests_total", m.refreshRequests)
	_ = registry.RegisterCounter("sink_console", "activations_total", m.activations)
	return m
}

func (m *sinkMetrics) observeRedraw(d time.Duration) {
	if m != nil {
		m.redrawDelay.Observe(d.Seconds())
	}
}

func (m *sinkMetrics) refreshRequested() {
	if m != nil {
		m.refreshRequests.Inc()
	}
}

func (m *sinkMetrics) activated() {
	if m != nil {
		m.activations.Inc()
	}
}

// row is the browser's copy of one table entry plus its local display
// state.
type row struct {
	desc      stream.Descriptor
	seen      time.Time
	lastFrame time.Time
	frames    uint64
}

// Browser is the terminal stream table. It implements registry.Observer so
// a bound registry drives the rows, and render.Surface so adapters can
// report frame activity into it.
type Browser struct {
	cfg    config
	logger *slog.Logger
	core   *metric.Metrics
	inst   *sinkMetrics

	app       *tview.Application
	pages     *tview.Pages
	table     *tview.Table
	footer    *tview.TextView
	detail    *tview.TextView
	scheduler *drawScheduler

	// modelMu guards rows and the registry reference. Observer callbacks
	// mutate rows on the registry's delivery path; redraw closures read
	// snapshots on the event loop.
	modelMu    sync.Mutex
	rows       []row
	reg        *registry.Registry
	lastChange time.Time

	// detailUID is touched only on the event loop.
	detailUID string

	hookMu       sync.Mutex
	refreshFunc  func()
	activateFunc func(stream.Descriptor)
	quitFunc     func()

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

var (
	_ render.Surface    = (*Browser)(nil)
	_ registry.Observer = (*Browser)(nil)
)

// config is Config with defaults resolved.
type config struct {
	fps   int
	mouse bool
}

// New builds a console browser. Matches render.SurfaceFactory.
func New(rawConfig json.RawMessage, deps render.Deps) (render.Surface, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolved := config{fps: DefaultFPS, mouse: true}
	if cfg.FPS != 0 {
		resolved.fps = cfg.FPS
	}
	if cfg.Mouse != nil {
		resolved.mouse = *cfg.Mouse
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	b := &Browser{
		cfg:    resolved,
		logger: deps.GetLogger().With("component", "sink-console"),
		core:   core,
		inst:   newSinkMetrics(deps.MetricsRegistry),
	}
	b.buildUI()
	b.scheduler = newDrawScheduler(b.app, resolved.fps, drainWindow, b.inst.observeRedraw)

	// Seed the widgets; nothing else touches them until Start.
	b.renderTable()
	b.renderFooter()
	return b, nil
}

func (b *Browser) buildUI() {
	b.app = tview.NewApplication().EnableMouse(b.cfg.mouse)

	b.table = tview.NewTable().
		SetFixed(1, 0).
		SetSelectable(true, false)
	b.table.SetBorder(true)
	b.table.SetTitle(" Streams ")
	b.table.SetBorderColor(borderColor)
	b.table.SetTitleColor(headerColor)
	b.table.SetSelectedFunc(func(tableRow, _ int) {
		b.activateRow(tableRow)
	})

	b.footer = tview.NewTextView().SetDynamicColors(true).SetWrap(false)

	b.detail = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	b.detail.SetBorder(true)
	b.detail.SetTitle(" Stream ")
	b.detail.SetBorderColor(borderColor)
	b.detail.SetTitleColor(headerColor)

	browserRoot := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(b.table, 0, 1, true).
		AddItem(b.footer, 1, 0, false)

	b.pages = tview.NewPages()
	b.pages.AddPage(pageTable, browserRoot, true, true)
	b.pages.AddPage(pageDetail, centerPane(b.detail, 72, 16), true, false)

	b.app.SetRoot(b.pages, true)
	b.installKeys()
}

// centerPane floats p at a fixed size over the page behind it.
func centerPane(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 1, true).
			AddItem(nil, 0, 1, false),
			width, 1, true).
		AddItem(nil, 0, 1, false)
}

func (b *Browser) installKeys() {
	b.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			b.requestQuit()
			return nil
		}

		if name, _ := b.pages.GetFrontPage(); name == pageDetail {
			if event.Key() == tcell.KeyEsc || event.Rune() == 'q' {
				b.hideDetail()
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyF5 {
			b.requestRefresh()
			return nil
		}
		switch event.Rune() {
		case 'r', 'R':
			b.requestRefresh()
			return nil
		case 'q', 'Q':
			b.requestQuit()
			return nil
		}
		return event
	})
}

// SetRefreshFunc installs the handler behind the refresh key. fn runs on
// the event loop and must not block; wire it to something that kicks off
// discovery asynchronously.
func (b *Browser) SetRefreshFunc(fn func()) {
	b.hookMu.Lock()
	b.refreshFunc = fn
	b.hookMu.Unlock()
}

// SetActivatedFunc installs a handler called with the descriptor of an
// activated row, after the detail pane opens.
func (b *Browser) SetActivatedFunc(fn func(stream.Descriptor)) {
	b.hookMu.Lock()
	b.activateFunc = fn
	b.hookMu.Unlock()
}

// SetQuitFunc replaces the quit key's default, which just stops the
// terminal application. A session typically wires its own shutdown here.
func (b *Browser) SetQuitFunc(fn func()) {
	b.hookMu.Lock()
	b.quitFunc = fn
	b.hookMu.Unlock()
}

// BindRegistry mirrors reg into the table. The browser registers itself as
// an observer and seeds the current rows; change events then patch the
// table at the notified indices. Bind before Start.
func (b *Browser) BindRegistry(reg *registry.Registry) {
	if reg == nil {
		return
	}
	reg.AddObserver(b)
	snapshot := reg.Snapshot()

	now := time.Now()
	b.modelMu.Lock()
	b.reg = reg
	b.rows = make([]row, len(snapshot))
	for i, d := range snapshot {
		b.rows[i] = row{desc: d, seen: now}
	}
	b.lastChange = now
	b.modelMu.Unlock()

	b.scheduleRedraw()
}

// RowInserted implements registry.Observer.
func (b *Browser) RowInserted(index int) {
	b.modelMu.Lock()
	if b.reg != nil {
		if d, ok := b.reg.Get(index); ok {
			b.insertLocked(index, d)
		}
	}
	b.modelMu.Unlock()
	b.scheduleRedraw()
}

// RowRemoved implements registry.Observer.
func (b *Browser) RowRemoved(index int) {
	b.modelMu.Lock()
	if index >= 0 && index < len(b.rows) {
		b.rows = append(b.rows[:index], b.rows[index+1:]...)
		b.lastChange = time.Now()
	}
	b.modelMu.Unlock()
	b.scheduleRedraw()
}

// RowsUpdated implements registry.Observer.
func (b *Browser) RowsUpdated(indices []int) {
	b.modelMu.Lock()
	if b.reg != nil {
		for _, idx := range indices {
			if idx < 0 || idx >= len(b.rows) {
				continue
			}
			if d, ok := b.reg.Get(idx); ok && d.UID == b.rows[idx].desc.UID {
				b.rows[idx].desc = d
			}
		}
		b.lastChange = time.Now()
	}
	b.modelMu.Unlock()
	b.scheduleRedraw()
}

// Attach implements render.Surface. With a bound registry the rows are
// observer-driven and Attach changes nothing; standalone, the attached
// streams are the table.
func (b *Browser) Attach(desc stream.Descriptor) error {
	b.modelMu.Lock()
	if b.reg == nil && b.indexOfLocked(desc.UID) < 0 {
		b.insertLocked(len(b.rows), desc)
	}
	b.modelMu.Unlock()
	b.scheduleRedraw()
	return nil
}

// Update replaces the descriptor of a known stream. Like Attach, it is a
// no-op while a registry drives the rows.
func (b *Browser) Update(desc stream.Descriptor) error {
	b.modelMu.Lock()
	if b.reg == nil {
		if i := b.indexOfLocked(desc.UID); i >= 0 {
			b.rows[i].desc = desc
			b.lastChange = time.Now()
		}
	}
	b.modelMu.Unlock()
	b.scheduleRedraw()
	return nil
}

// Detach implements render.Surface.
func (b *Browser) Detach(uid string) error {
	b.modelMu.Lock()
	if b.reg == nil {
		if i := b.indexOfLocked(uid); i >= 0 {
			b.rows = append(b.rows[:i], b.rows[i+1:]...)
			b.lastChange = time.Now()
		}
	}
	b.modelMu.Unlock()
	b.scheduleRedraw()
	return nil
}

// Render implements render.Surface. Frames only move the activity figures
// shown in the detail pane, so they schedule a detail refresh rather than
// a table rebuild.
func (b *Browser) Render(frame render.Frame) error {
	b.modelMu.Lock()
	if i := b.indexOfLocked(frame.Descriptor.UID); i >= 0 {
		b.rows[i].frames++
		b.rows[i].lastFrame = time.Now()
	}
	b.modelMu.Unlock()
	b.scheduler.Schedule("activity", b.refreshDetail)
	return nil
}

// insertLocked splices d in at index, clamping out-of-range positions to
// the end. Caller holds modelMu.
func (b *Browser) insertLocked(index int, d stream.Descriptor) {
	if index < 0 || index > len(b.rows) {
		index = len(b.rows)
	}
	b.rows = append(b.rows, row{})
	copy(b.rows[index+1:], b.rows[index:])
	b.rows[index] = row{desc: d, seen: time.Now()}
	b.lastChange = time.Now()
}

// indexOfLocked returns the position of uid, or -1. Caller holds modelMu.
func (b *Browser) indexOfLocked(uid string) int {
	for i := range b.rows {
		if b.rows[i].desc.UID == uid {
			return i
		}
	}
	return -1
}

func (b *Browser) scheduleRedraw() {
	b.scheduler.Schedule("rows", b.redraw)
}

// redraw runs on the event loop.
func (b *Browser) redraw() {
	b.renderTable()
	b.renderFooter()
	b.refreshDetail()
}

func (b *Browser) renderTable() {
	b.modelMu.Lock()
	rows := make([]row, len(b.rows))
	copy(rows, b.rows)
	b.modelMu.Unlock()

	// Selection is tracked by uid through the cell reference so it can
	// follow its stream when rows shift.
	selectedUID := ""
	if selRow, _ := b.table.GetSelection(); selRow > 0 {
		if cell := b.table.GetCell(selRow, 0); cell != nil {
			if uid, ok := cell.GetReference().(string); ok {
				selectedUID = uid
			}
		}
	}

	b.table.Clear()
	headers := []string{"NAME", "TYPE", "HOST", "CH", "FORMAT", "RATE", "MEASURED", "SEEN"}
	for col, h := range headers {
		cell := tview.NewTableCell(h).
			SetTextColor(headerColor).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false)
		if col == 0 {
			cell.SetExpansion(1)
		}
		b.table.SetCell(0, col, cell)
	}

	newSelected := -1
	for i, r := range rows {
		d := r.desc
		b.table.SetCell(i+1, 0, tview.NewTableCell(textOr(d.Name, d.UID)).
			SetExpansion(1).
			SetReference(d.UID))
		b.table.SetCell(i+1, 1, tview.NewTableCell(textOr(d.StreamType, noValue)))
		b.table.SetCell(i+1, 2, tview.NewTableCell(textOr(d.Hostname, noValue)))
		b.table.SetCell(i+1, 3, tview.NewTableCell(formatChannels(d.ChannelCount)).
			SetAlign(tview.AlignRight))
		b.table.SetCell(i+1, 4, tview.NewTableCell(string(d.ChannelFormat)))
		b.table.SetCell(i+1, 5, tview.NewTableCell(formatNominalRate(d.NominalRate)).
			SetAlign(tview.AlignRight))
		b.table.SetCell(i+1, 6, tview.NewTableCell(formatMeasuredRate(d.EffectiveRate)).
			SetAlign(tview.AlignRight))
		b.table.SetCell(i+1, 7, tview.NewTableCell(formatSeen(r.seen)))
		if d.UID == selectedUID {
			newSelected = i + 1
		}
	}

	switch {
	case newSelected > 0:
		b.table.Select(newSelected, 0)
	case len(rows) > 0:
		if selRow, _ := b.table.GetSelection(); selRow > len(rows) {
			b.table.Select(len(rows), 0)
		}
	}
}

func (b *Browser) renderFooter() {
	b.modelMu.Lock()
	n := len(b.rows)
	last := b.lastChange
	b.modelMu.Unlock()

	status := fmt.Sprintf(" %d streams", n)
	if n == 1 {
		status = " 1 stream"
	}
	if !last.IsZero() {
		status += ", changed " + humanize.Time(last)
	}
	b.footer.SetText(status +
		"   [yellow]r[-] refresh  [yellow]enter[-] detail  [yellow]q[-] quit")
}

func (b *Browser) activateRow(tableRow int) {
	idx := tableRow - 1
	b.modelMu.Lock()
	var desc stream.Descriptor
	ok := idx >= 0 && idx < len(b.rows)
	if ok {
		desc = b.rows[idx].desc
	}
	b.modelMu.Unlock()
	if !ok {
		return
	}

	b.inst.activated()
	b.showDetail(desc.UID)

	b.hookMu.Lock()
	fn := b.activateFunc
	b.hookMu.Unlock()
	if fn != nil {
		fn(desc)
	}
}

func (b *Browser) showDetail(uid string) {
	b.detailUID = uid
	b.refreshDetail()
	b.pages.ShowPage(pageDetail)
	b.pages.SendToFront(pageDetail)
	b.app.SetFocus(b.detail)
}

func (b *Browser) hideDetail() {
	b.detailUID = ""
	b.pages.HidePage(pageDetail)
	b.app.SetFocus(b.table)
}

// refreshDetail rebuilds the detail pane text for the open stream. Runs on
// the event loop; a closed pane costs one field read.
func (b *Browser) refreshDetail() {
	uid := b.detailUID
	if uid == "" {
		return
	}

	b.modelMu.Lock()
	var r row
	i := b.indexOfLocked(uid)
	if i >= 0 {
		r = b.rows[i]
	}
	b.modelMu.Unlock()
	if i < 0 {
		b.detail.SetText("\n stream left the table\n\n [yellow]Esc[-] back")
		return
	}

	d := r.desc
	var sb strings.Builder
	fmt.Fprintf(&sb, " [yellow]%s[-]\n\n", d.Label())
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s\n", "UID", d.UID)
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s\n", "Type", textOr(d.StreamType, noValue))
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s\n", "Host", textOr(d.Hostname, noValue))
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s %s\n", "Channels",
		formatChannels(d.ChannelCount), string(d.ChannelFormat))
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s\n", "Nominal", formatNominalRate(d.NominalRate))
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s\n", "Measured", formatMeasuredRate(d.EffectiveRate))
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s\n", "Seen", formatSeen(r.seen))
	fmt.Fprintf(&sb, " [yellow]%-9s[-] %s frames", "Data", formatCount(r.frames))
	if !r.lastFrame.IsZero() {
		fmt.Fprintf(&sb, ", last %s", humanize.Time(r.lastFrame))
	}
	sb.WriteString("\n\n [yellow]Esc[-] back")
	b.detail.SetText(sb.String())
}

func (b *Browser) requestRefresh() {
	b.inst.refreshRequested()
	b.hookMu.Lock()
	fn := b.refreshFunc
	b.hookMu.Unlock()
	if fn == nil {
		b.logger.Debug("refresh requested with no refresh hook installed")
		return
	}
	fn()
}

func (b *Browser) requestQuit() {
	b.hookMu.Lock()
	fn := b.quitFunc
	b.hookMu.Unlock()
	if fn != nil {
		fn()
		return
	}
	b.app.Stop()
}

// Start takes over the terminal and runs the application loop. Start
// itself returns before the first draw; a missing or unusable terminal
// surfaces as a logged and counted error from the application goroutine.
func (b *Browser) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.running || b.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "ConsoleBrowser", "Start",
			"lifecycle check")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "ConsoleBrowser", "Start", "context check")
	}

	b.shutdown = make(chan struct{})
	b.scheduler.Start()

	b.wg.Add(2)
	go b.runApp()
	go b.watchContext(ctx)

	b.running = true
	b.core.SetComponentStatus("sink-console", metric.StatusRunning)
	b.logger.Info("console browser started", "fps", b.cfg.fps, "mouse", b.cfg.mouse)
	return nil
}

func (b *Browser) runApp() {
	defer b.wg.Done()
	if err := b.app.Run(); err != nil {
		wrapped := errors.WrapFatal(err, "ConsoleBrowser", "runApp", "terminal application")
		b.core.CountError("sink-console", wrapped)
		b.logger.Error("terminal application failed", "error", err)
	}
}

func (b *Browser) watchContext(ctx context.Context) {
	defer b.wg.Done()
	select {
	case <-ctx.Done():
		b.app.Stop()
	case <-b.shutdown:
	}
}

// Stop tears the application down and restores the screen. The scheduler
// is drained first; QueueUpdateDraw blocks forever once the event loop has
// stopped.
func (b *Browser) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.running {
		return nil
	}
	b.logger.Info("stopping console browser")
	b.core.SetComponentStatus("sink-console", metric.StatusStopping)

	b.modelMu.Lock()
	reg := b.reg
	b.modelMu.Unlock()
	if reg != nil {
		reg.RemoveObserver(b)
	}

	close(b.shutdown)
	b.scheduler.Stop()
	b.app.Stop()

	var errs []error
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTimeout(errors.ErrShuttingDown, "ConsoleBrowser", "Stop",
			"goroutine shutdown"))
	}

	b.running = false
	b.stopped = true
	b.core.SetComponentStatus("sink-console", metric.StatusStopped)
	b.logger.Info("console browser stopped")
	return stderrors.Join(errs...)
}

// Register adds the console browser factory to a registry under "console".
func Register(registry *plugin.Registry[render.SurfaceFactory]) error {
	return registry.Register(plugin.Registration[render.SurfaceFactory]{
		Key: "console",
		Metadata: plugin.Metadata{
			Description: "Terminal stream browser with live table and detail pane",
			Version:     "1.0.0",
		},
		Schema:  configSchema,
		Factory: New,
	})
}
