package render

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

type pumpSource struct {
	desc      stream.Descriptor
	out       chan stream.Chunk
	startErr  error
	started   atomic.Bool
	stopped   atomic.Bool
	closeOnce sync.Once
}

func newPumpSource(desc stream.Descriptor) *pumpSource {
	return &pumpSource{desc: desc, out: make(chan stream.Chunk, 16)}
}

func (p *pumpSource) Start(context.Context) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.started.Store(true)
	return nil
}

func (p *pumpSource) Stop(time.Duration) error {
	p.stopped.Store(true)
	p.close()
	return nil
}

func (p *pumpSource) close()                     { p.closeOnce.Do(func() { close(p.out) }) }
func (p *pumpSource) Chunks() <-chan stream.Chunk { return p.out }
func (p *pumpSource) Info() stream.Descriptor     { return p.desc }
func (p *pumpSource) Stats() source.Stats         { return source.Stats{} }

type fakeSurface struct {
	mu        sync.Mutex
	attached  []string
	detached  []string
	frames    []Frame
	attachErr error
	renderErr error
}

func (s *fakeSurface) Attach(desc stream.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached = append(s.attached, desc.UID)
	return nil
}

func (s *fakeSurface) Render(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return s.renderErr
}

func (s *fakeSurface) Detach(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, uid)
	return nil
}

func (s *fakeSurface) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSurface) lastFrame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

func (s *fakeSurface) detachedUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.detached...)
}

func testRenderDeps() Deps {
	return Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newTestAdapter(t *testing.T, src source.Source, surface Surface) *Adapter {
	t.Helper()
	formatter, err := NewTimeSeries(nil, src.Info())
	require.NoError(t, err)

	a, err := NewAdapter(src, formatter, surface, testRenderDeps(),
		WithFrameInterval(10*time.Millisecond))
	require.NoError(t, err)
	return a
}

func TestNewAdapterValidation(t *testing.T) {
	desc := numericDescriptor(1, 100)
	src := newPumpSource(desc)
	formatter, err := NewTimeSeries(nil, desc)
	require.NoError(t, err)

	_, err = NewAdapter(nil, formatter, &fakeSurface{}, testRenderDeps())
	require.ErrorIs(t, err, errors.ErrMissingConfig)
	_, err = NewAdapter(src, nil, &fakeSurface{}, testRenderDeps())
	require.ErrorIs(t, err, errors.ErrMissingConfig)
	_, err = NewAdapter(src, formatter, nil, testRenderDeps())
	require.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestAdapterPumpsFramesToSurface(t *testing.T) {
	desc := numericDescriptor(2, 100)
	src := newPumpSource(desc)
	surface := &fakeSurface{}
	a := newTestAdapter(t, src, surface)

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, src.started.Load())
	assert.Equal(t, []string{desc.UID}, surface.attached)

	src.out <- valueChunk(desc, 1, 0, 0.01, []float64{1, 2}, []float64{3, 4})
	require.Eventually(t, func() bool {
		return surface.frameCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	frame, ok := surface.lastFrame()
	require.True(t, ok)
	assert.Equal(t, desc.UID, frame.Descriptor.UID)
	require.Len(t, frame.Series.Values, 2)
	assert.Equal(t, []float64{1, 3}, frame.Series.Values[0])

	require.NoError(t, a.Stop(2*time.Second))
	assert.True(t, src.stopped.Load())
	assert.Equal(t, []string{desc.UID}, surface.detachedUIDs())
}

func TestAdapterIdleSkipsRenders(t *testing.T) {
	desc := numericDescriptor(1, 100)
	src := newPumpSource(desc)
	surface := &fakeSurface{}
	a := newTestAdapter(t, src, surface)

	require.NoError(t, a.Start(context.Background()))
	src.out <- valueChunk(desc, 1, 0, 0, []float64{1})
	require.Eventually(t, func() bool {
		return surface.frameCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// With no new data the ticker must not re-render the same frame.
	rendered := surface.frameCount()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, rendered, surface.frameCount())

	require.NoError(t, a.Stop(2*time.Second))
}

func TestAdapterSurfaceErrorKeepsPumping(t *testing.T) {
	desc := numericDescriptor(1, 100)
	src := newPumpSource(desc)
	surface := &fakeSurface{renderErr: errors.WrapTransient(errors.ErrPublishFailed,
		"fakeSurface", "Render", "scripted failure")}
	a := newTestAdapter(t, src, surface)

	require.NoError(t, a.Start(context.Background()))
	src.out <- valueChunk(desc, 1, 0, 0, []float64{1})
	require.Eventually(t, func() bool {
		return surface.frameCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	src.out <- valueChunk(desc, 2, 1, 0, []float64{2})
	require.Eventually(t, func() bool {
		return surface.frameCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(2*time.Second))
}

func TestAdapterAttachFailureAbortsStart(t *testing.T) {
	desc := numericDescriptor(1, 100)
	src := newPumpSource(desc)
	surface := &fakeSurface{attachErr: errors.WrapTransient(errors.ErrNotConnected,
		"fakeSurface", "Attach", "scripted failure")}
	a := newTestAdapter(t, src, surface)

	require.Error(t, a.Start(context.Background()))
	assert.False(t, src.started.Load())
}

func TestAdapterSourceStartFailureDetaches(t *testing.T) {
	desc := numericDescriptor(1, 100)
	src := newPumpSource(desc)
	src.startErr = errors.WrapTransient(errors.ErrNotConnected,
		"pumpSource", "Start", "scripted failure")
	surface := &fakeSurface{}
	a := newTestAdapter(t, src, surface)

	err := a.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrNotConnected)
	assert.Equal(t, []string{desc.UID}, surface.detachedUIDs())
}

func TestAdapterLifecycleGuards(t *testing.T) {
	desc := numericDescriptor(1, 100)
	src := newPumpSource(desc)
	a := newTestAdapter(t, src, &fakeSurface{})

	require.NoError(t, a.Start(context.Background()))
	require.ErrorIs(t, a.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, a.Stop(2*time.Second))
	require.NoError(t, a.Stop(2*time.Second))
	require.ErrorIs(t, a.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestAdapterSourceChannelCloseFlushesLastFrame(t *testing.T) {
	desc := numericDescriptor(1, 100)
	src := newPumpSource(desc)
	surface := &fakeSurface{}
	a := newTestAdapter(t, src, surface)

	require.NoError(t, a.Start(context.Background()))
	src.out <- valueChunk(desc, 1, 0, 0, []float64{9})
	src.close()

	require.Eventually(t, func() bool {
		return surface.frameCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Stop(2*time.Second))
}

func TestFormatterRegistryRoundTrip(t *testing.T) {
	reg := NewFormatterRegistry()
	require.NoError(t, RegisterFormatters(reg))
	assert.Equal(t, []string{"merge-last", "timeseries"}, reg.Keys())

	require.NoError(t, reg.ValidateConfig("timeseries", json.RawMessage(`{"mode": "sweep", "window": 5}`)))
	require.Error(t, reg.ValidateConfig("timeseries", json.RawMessage(`{"mode": "spiral"}`)))
	require.Error(t, reg.ValidateConfig("timeseries", json.RawMessage(`{"window": 0}`)))
	require.Error(t, reg.ValidateConfig("merge-last", json.RawMessage(`{"extra": 1}`)))

	registration, err := reg.Lookup("timeseries")
	require.NoError(t, err)
	formatter, err := registration.Factory(nil, numericDescriptor(1, 100))
	require.NoError(t, err)
	assert.NotNil(t, formatter)
}
