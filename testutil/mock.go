package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

// ScriptedDiscovery is a discovery port that replays queued snapshots.
// Each Discover call consumes one queued step; once the queue is empty
// the last step repeats, so a session's periodic refresh settles on the
// final snapshot instead of failing.
type ScriptedDiscovery struct {
	mu    sync.Mutex
	steps []discoveryStep
	last  discoveryStep
	calls int

	// Delay, when set, makes Discover block for the duration or until
	// the context is done, for cancellation and timeout tests.
	Delay time.Duration
}

type discoveryStep struct {
	descs []stream.Descriptor
	err   error
}

// NewScriptedDiscovery creates a port whose first snapshot is descs.
func NewScriptedDiscovery(descs ...stream.Descriptor) *ScriptedDiscovery {
	d := &ScriptedDiscovery{}
	d.Push(descs...)
	return d
}

// Push queues one successful snapshot.
func (d *ScriptedDiscovery) Push(descs ...stream.Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]stream.Descriptor(nil), descs...)
	d.steps = append(d.steps, discoveryStep{descs: cp})
}

// PushError queues one failing discovery call.
func (d *ScriptedDiscovery) PushError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, discoveryStep{err: err})
}

// Discover implements registry.DiscoveryPort.
func (d *ScriptedDiscovery) Discover(ctx context.Context) ([]stream.Descriptor, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	step := d.last
	if len(d.steps) > 0 {
		step = d.steps[0]
		d.steps = d.steps[1:]
		d.last = step
	}
	if step.err != nil {
		return nil, step.err
	}
	return append([]stream.Descriptor(nil), step.descs...), nil
}

// Calls returns how many times Discover ran.
func (d *ScriptedDiscovery) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// RecordingObserver captures registry change events as compact strings:
// "insert@1", "remove@0", "update[0 2]". It implements registry.Observer.
type RecordingObserver struct {
	mu     sync.Mutex
	events []string
}

// RowInserted implements registry.Observer.
func (o *RecordingObserver) RowInserted(index int) {
	o.record(fmt.Sprintf("insert@%d", index))
}

// RowRemoved implements registry.Observer.
func (o *RecordingObserver) RowRemoved(index int) {
	o.record(fmt.Sprintf("remove@%d", index))
}

// RowsUpdated implements registry.Observer.
func (o *RecordingObserver) RowsUpdated(indices []int) {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	o.record(fmt.Sprintf("update[%s]", strings.Join(parts, " ")))
}

func (o *RecordingObserver) record(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

// Events returns the captured events in delivery order.
func (o *RecordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

// Reset clears the captured events.
func (o *RecordingObserver) Reset() {
	o.mu.Lock()
	o.events = nil
	o.mu.Unlock()
}

// CaptureSurface records surface traffic for assertions. It implements
// render.Surface plus the Update method of table surfaces.
type CaptureSurface struct {
	mu       sync.Mutex
	attached map[string]stream.Descriptor
	frames   map[string]int
	detached []string
	updates  []stream.Descriptor

	// FailRender, when set, is returned from Render.
	FailRender error
}

// NewCaptureSurface creates an empty capture surface.
func NewCaptureSurface() *CaptureSurface {
	return &CaptureSurface{
		attached: make(map[string]stream.Descriptor),
		frames:   make(map[string]int),
	}
}

// Attach implements render.Surface.
func (c *CaptureSurface) Attach(desc stream.Descriptor) error {
	c.mu.Lock()
	c.attached[desc.UID] = desc
	c.mu.Unlock()
	return nil
}

// Update records a metadata change for an attached stream.
func (c *CaptureSurface) Update(desc stream.Descriptor) error {
	c.mu.Lock()
	if _, ok := c.attached[desc.UID]; ok {
		c.attached[desc.UID] = desc
		c.updates = append(c.updates, desc)
	}
	c.mu.Unlock()
	return nil
}

// Render implements render.Surface.
func (c *CaptureSurface) Render(frame render.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailRender != nil {
		return c.FailRender
	}
	c.frames[frame.Descriptor.UID]++
	return nil
}

// Detach implements render.Surface.
func (c *CaptureSurface) Detach(uid string) error {
	c.mu.Lock()
	delete(c.attached, uid)
	c.detached = append(c.detached, uid)
	c.mu.Unlock()
	return nil
}

// Attached returns the uids currently attached, sorted.
func (c *CaptureSurface) Attached() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uids := make([]string, 0, len(c.attached))
	for uid := range c.attached {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Descriptor returns the last descriptor seen for uid.
func (c *CaptureSurface) Descriptor(uid string) (stream.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.attached[uid]
	return d, ok
}

// Frames returns how many frames arrived for uid.
func (c *CaptureSurface) Frames(uid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[uid]
}

// Detached returns the detach calls in order.
func (c *CaptureSurface) Detached() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.detached...)
}

// Updates returns the recorded metadata changes in order.
func (c *CaptureSurface) Updates() []stream.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.Descriptor(nil), c.updates...)
}

// FakeSource is a hand-driven source. Tests push chunks with Emit; the
// source delivers them on its channel until stopped.
type FakeSource struct {
	desc stream.Descriptor
	ch   chan stream.Chunk

	mu       sync.Mutex
	started  bool
	stopped  bool
	received int64
}

// NewFakeSource creates a source for the given descriptor.
func NewFakeSource(desc stream.Descriptor) *FakeSource {
	return &FakeSource{
		desc: desc,
		ch:   make(chan stream.Chunk, 64),
	}
}

// Start implements source.Source.
func (f *FakeSource) Start(context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

// Stop implements source.Source, closing the chunk channel.
func (f *FakeSource) Stop(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.ch)
	}
	return nil
}

// Chunks implements source.Source.
func (f *FakeSource) Chunks() <-chan stream.Chunk {
	return f.ch
}

// Info implements source.Source.
func (f *FakeSource) Info() stream.Descriptor {
	return f.desc
}

// Stats implements source.Source.
func (f *FakeSource) Stats() source.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return source.Stats{SamplesSeen: f.received}
}

// Emit pushes one chunk to the consumer. Returns false once stopped.
func (f *FakeSource) Emit(chunk stream.Chunk) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.received += int64(len(chunk.Samples))
	select {
	case f.ch <- chunk:
		return true
	default:
		return false
	}
}

// Started reports whether Start ran.
func (f *FakeSource) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Stopped reports whether Stop ran.
func (f *FakeSource) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}
