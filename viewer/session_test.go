package viewer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intheon/stream-viewer/config"
	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
	"github.com/intheon/stream-viewer/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds the smallest valid config: static discovery with no
// rows, no sinks, no periodic refresh.
func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "viewer-test"},
		Discovery: config.DiscoveryConfig{
			Backend: config.DiscoveryStatic,
			Timeout: config.Duration(time.Second),
		},
	}
}

// fakeSources is a source plugin factory that hands out FakeSource
// instances and remembers them by UID so tests can drive their chunks.
type fakeSources struct {
	mu    sync.Mutex
	byUID map[string]*testutil.FakeSource
}

func newFakeSources() *fakeSources {
	return &fakeSources{byUID: make(map[string]*testutil.FakeSource)}
}

func (f *fakeSources) factory(_ json.RawMessage, desc stream.Descriptor, _ source.Mode, _ source.Deps) (source.Source, error) {
	src := testutil.NewFakeSource(desc)
	f.mu.Lock()
	f.byUID[desc.UID] = src
	f.mu.Unlock()
	return src, nil
}

func (f *fakeSources) get(uid string) *testutil.FakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byUID[uid]
}

func (f *fakeSources) registry(t *testing.T) *plugin.Registry[source.Factory] {
	t.Helper()
	reg := source.NewRegistry()
	require.NoError(t, reg.Register(plugin.Registration[source.Factory]{
		Key:      "fake",
		Metadata: plugin.Metadata{Description: "hand-driven source for session tests"},
		Factory:  f.factory,
	}))
	return reg
}

// frameSink exposes a CaptureSurface as a plain render.Surface, without
// the table Update method, so the adapter drives attach and detach
// directly instead of the registry mirror.
type frameSink struct {
	c *testutil.CaptureSurface
}

func (f frameSink) Attach(desc stream.Descriptor) error { return f.c.Attach(desc) }
func (f frameSink) Render(frame render.Frame) error     { return f.c.Render(frame) }
func (f frameSink) Detach(uid string) error             { return f.c.Detach(uid) }

// startSession runs New, Initialize, and Start, and stops the session on
// test cleanup.
func startSession(t *testing.T, cfg *config.Config, opts ...Option) *Session {
	t.Helper()

	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&config.Config{}) // no app name, no backend
	assert.Error(t, err)
}

func TestStartBeforeInitialize(t *testing.T) {
	s, err := New(testConfig(), WithLogger(discardLogger()))
	require.NoError(t, err)

	err = s.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestInitializeTwice(t *testing.T) {
	s, err := New(testConfig(), WithLogger(discardLogger()))
	require.NoError(t, err)

	require.NoError(t, s.Initialize(context.Background()))
	err = s.Initialize(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestOpenStreamBeforeStart(t *testing.T) {
	s, err := New(testConfig(), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	err = s.OpenStream("s1")
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestRefreshPopulatesRegistry(t *testing.T) {
	disc := testutil.NewScriptedDiscovery(testutil.Descriptors(2)...)
	s := startSession(t, testConfig(), WithDiscovery(disc))

	assert.Eventually(t, func() bool {
		return s.Registry().Size() == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, _, ok := s.Registry().Find("s1")
	assert.True(t, ok)
	_, _, ok = s.Registry().Find("s2")
	assert.True(t, ok)
	assert.True(t, s.Health().Healthy)
}

func TestRequestRefreshCoalesces(t *testing.T) {
	disc := testutil.NewScriptedDiscovery(testutil.Descriptors(1)...)
	s := startSession(t, testConfig(), WithDiscovery(disc))

	require.Eventually(t, func() bool {
		return disc.Calls() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A burst of requests collapses into at most one running refresh plus
	// one pending follow-up.
	for i := 0; i < 20; i++ {
		s.RequestRefresh()
	}
	assert.Eventually(t, func() bool {
		return disc.Calls() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	assert.LessOrEqual(t, disc.Calls(), 3)
}

func TestRefreshFailureKeepsRegistryAndDegradesHealth(t *testing.T) {
	disc := testutil.NewScriptedDiscovery(testutil.Descriptors(1)...)
	s := startSession(t, testConfig(), WithDiscovery(disc))

	require.Eventually(t, func() bool {
		return s.Registry().Size() == 1
	}, 2*time.Second, 10*time.Millisecond)

	disc.PushError(stderrors.New("kv unavailable"))
	s.RequestRefresh()

	assert.Eventually(t, func() bool {
		return !s.Health().Healthy
	}, 2*time.Second, 10*time.Millisecond)
	// The failed refresh left the rows alone.
	assert.Equal(t, 1, s.Registry().Size())

	disc.Push(testutil.Descriptors(1)...)
	s.RequestRefresh()
	assert.Eventually(t, func() bool {
		return s.Health().Healthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenAndCloseStream(t *testing.T) {
	fakes := newFakeSources()
	capture := testutil.NewCaptureSurface()

	cfg := testConfig()
	cfg.Sources = config.SourceConfigs{
		"main": {Type: "fake", Enabled: true},
	}
	disc := testutil.NewScriptedDiscovery(testutil.EEGDescriptor("s1"))
	s := startSession(t, cfg,
		WithDiscovery(disc),
		WithSourceRegistry(fakes.registry(t)),
		WithSurface(frameSink{capture}))

	require.Eventually(t, func() bool {
		return s.Registry().Size() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.OpenStream("s1"))
	assert.Equal(t, []string{"s1"}, s.OpenStreams())
	assert.Equal(t, []string{"s1"}, capture.Attached())

	src := fakes.get("s1")
	require.NotNil(t, src)
	assert.True(t, src.Started())

	// A second open of the same stream is a no-op.
	require.NoError(t, s.OpenStream("s1"))
	assert.Equal(t, []string{"s1"}, s.OpenStreams())

	desc, _, _ := s.Registry().Find("s1")
	require.True(t, src.Emit(testutil.Chunk(desc, 1, 0, 10)))
	assert.Eventually(t, func() bool {
		return capture.Frames("s1") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.CloseStream("s1"))
	assert.Empty(t, s.OpenStreams())
	assert.True(t, src.Stopped())
	assert.Contains(t, capture.Detached(), "s1")

	// Closing again, or closing a uid that was never opened, is a no-op.
	assert.NoError(t, s.CloseStream("s1"))
	assert.NoError(t, s.CloseStream("nope"))
}

func TestOpenStreamUnknownUID(t *testing.T) {
	fakes := newFakeSources()
	cfg := testConfig()
	cfg.Sources = config.SourceConfigs{
		"main": {Type: "fake", Enabled: true},
	}
	s := startSession(t, cfg,
		WithDiscovery(testutil.NewScriptedDiscovery()),
		WithSourceRegistry(fakes.registry(t)))

	err := s.OpenStream("ghost")
	assert.Error(t, err)
}

func TestReapClosesVanishedStreams(t *testing.T) {
	fakes := newFakeSources()
	capture := testutil.NewCaptureSurface()

	cfg := testConfig()
	cfg.Sources = config.SourceConfigs{
		"main": {Type: "fake", Enabled: true},
	}
	disc := testutil.NewScriptedDiscovery(testutil.EEGDescriptor("s1"))
	s := startSession(t, cfg,
		WithDiscovery(disc),
		WithSourceRegistry(fakes.registry(t)),
		WithSurface(frameSink{capture}))

	require.Eventually(t, func() bool {
		return s.Registry().Size() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.OpenStream("s1"))

	// The stream leaves the next discovery snapshot; its renderer follows.
	disc.Push()
	s.RequestRefresh()

	assert.Eventually(t, func() bool {
		return len(s.OpenStreams()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	src := fakes.get("s1")
	require.NotNil(t, src)
	assert.Eventually(t, func() bool {
		return src.Stopped()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	disc := testutil.NewScriptedDiscovery()
	s := startSession(t, testConfig(), WithDiscovery(disc))

	require.NoError(t, s.Stop(2*time.Second))
	assert.NoError(t, s.Stop(2*time.Second))

	// A stopped session cannot be restarted.
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestStopClosesOpenStreams(t *testing.T) {
	fakes := newFakeSources()
	cfg := testConfig()
	cfg.Sources = config.SourceConfigs{
		"main": {Type: "fake", Enabled: true},
	}
	disc := testutil.NewScriptedDiscovery(testutil.EEGDescriptor("s1"))
	s := startSession(t, cfg,
		WithDiscovery(disc),
		WithSourceRegistry(fakes.registry(t)))

	require.Eventually(t, func() bool {
		return s.Registry().Size() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.OpenStream("s1"))

	require.NoError(t, s.Stop(2*time.Second))
	src := fakes.get("s1")
	require.NotNil(t, src)
	assert.True(t, src.Stopped())
}
