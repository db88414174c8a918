// Package websocket fans the stream table and rendered frames out to UI
// clients over a single WebSocket endpoint. Every message is a typed
// envelope; new clients get a hello snapshot of the attached streams, then
// live stream-added, stream-updated, stream-removed, and frame events as
// they happen.
//
// Delivery is at most once. Each client has its own outbound ring; when a
// client cannot keep up, its oldest queued messages are dropped so it stays
// current instead of falling behind.
package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/render"
	"github.com/intheon/stream-viewer/stream"
)

// Envelope types sent to clients.
const (
	// TypeHello is the first message on a new connection: the current
	// stream table.
	TypeHello = "hello"
	// TypeStreamAdded announces a stream joining the table.
	TypeStreamAdded = "stream-added"
	// TypeStreamUpdated announces changed metadata for a known stream.
	TypeStreamUpdated = "stream-updated"
	// TypeStreamRemoved announces a stream leaving the table.
	TypeStreamRemoved = "stream-removed"
	// TypeFrame carries one rendered frame for one stream.
	TypeFrame = "frame"
)

// Defaults and connection tuning.
const (
	// DefaultPort is the listen port when the config does not name one.
	DefaultPort = 8081

	// DefaultPath is the WebSocket endpoint path.
	DefaultPath = "/ws"

	// DefaultQueueDepth is the per-client outbound ring capacity.
	DefaultQueueDepth = 256

	// pingInterval is how often idle clients are pinged.
	pingInterval = 30 * time.Second

	// pongWait is how long a client may stay silent before its connection
	// is considered dead. Pongs and data messages both reset it.
	pongWait = 60 * time.Second

	// writeWait bounds a single message write to one client.
	writeWait = 10 * time.Second

	// closeGrace is the window allowed for the close handshake on
	// shutdown.
	closeGrace = time.Second
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope frames every message on the wire. Payload layout depends on
// Type.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StreamEntry is the table row sent in hello, stream-added, and
// stream-updated payloads.
type StreamEntry struct {
	stream.Descriptor

	// Version is the descriptor fingerprint in hex. Clients compare it to
	// skip redundant table refreshes; hex keeps the full 64 bits exact in
	// JavaScript.
	Version string `json:"version"`
}

// HelloPayload lists the attached streams in attach order.
type HelloPayload struct {
	Streams []StreamEntry `json:"streams"`
}

// RemovedPayload identifies the stream that left the table.
type RemovedPayload struct {
	UID string `json:"uid"`
}

// FramePayload is one drawable update. Values are channel-major; Cursor is
// the sweep write slot or -1 for scroll presentation.
type FramePayload struct {
	UID    string        `json:"uid"`
	Label  string        `json:"label"`
	Times  []float64     `json:"times,omitempty"`
	Values [][]float64   `json:"values"`
	Cursor int           `json:"cursor"`
	Marks  []render.Mark `json:"marks,omitempty"`
}

// Config controls one WebSocket sink instance.
type Config struct {
	// Port is the TCP listen port. Absent means DefaultPort; an explicit
	// zero picks an ephemeral port, useful in tests, with Addr reporting
	// the bound address after Start.
	Port *int `json:"port,omitempty"`
	// Path is the endpoint path, "/ws" by default.
	Path string `json:"path,omitempty"`
	// QueueDepth is the per-client outbound ring capacity. Zero means the
	// default.
	QueueDepth int `json:"queue_depth,omitempty"`
}

// Validate checks config invariants after decoding.
func (c *Config) Validate() error {
	// Ports below 1024 are reserved; zero asks the OS for one.
	if c.Port != nil && *c.Port != 0 && (*c.Port < 1024 || *c.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range", *c.Port),
			"WebSocketSink", "Validate", "port validation")
	}
	if c.Path != "" && c.Path[0] != '/' {
		return errors.WrapInvalid(
			fmt.Errorf("path %q must start with /", c.Path),
			"WebSocketSink", "Validate", "path validation")
	}
	if c.QueueDepth < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("queue_depth must not be negative, got %d", c.QueueDepth),
			"WebSocketSink", "Validate", "queue depth validation")
	}
	return nil
}

var configSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"port": {
			"type": "integer",
			"minimum": 0,
			"maximum": 65535,
			"description": "TCP listen port, 0 for an ephemeral port"
		},
		"path": {
			"type": "string",
			"pattern": "^/",
			"description": "WebSocket endpoint path"
		},
		"queue_depth": {
			"type": "integer",
			"minimum": 1,
			"description": "Per-client outbound ring capacity"
		}
	},
	"additionalProperties": false
}`)

// sinkMetrics instruments one sink instance. All methods tolerate a nil
// receiver so an uninstrumented sink costs nothing.
type sinkMetrics struct {
	clientsConnected  prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnectionsVec *prometheus.CounterVec
	messagesSentVec   *prometheus.CounterVec
	bytesSent         prometheus.Counter
	messagesDropped   prometheus.Counter
}

func newSinkMetrics(registry *metric.MetricsRegistry) *sinkMetrics {
	if registry == nil {
		return nil
	}

	m := &sinkMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamview",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected WebSocket clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted",
		}),
		disconnectionsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "websocket",
			Name:      "disconnections_total",
			Help:      "Total WebSocket disconnections by reason",
		}, []string{"reason"}),
		messagesSentVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total messages written to clients by envelope type",
		}, []string{"type"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to clients",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamview",
			Subsystem: "websocket",
			Name:      "messages_dropped_total",
			Help:      "Total queued messages dropped for slow clients",
		}),
	}

	// Duplicate registration only happens when two sinks share a registry;
	// the later one goes uninstrumented.
	_ = registry.RegisterGauge("sink_websocket", "clients_connected", m.clientsConnected)
	_ = registry.RegisterCounter("sink_websocket", "connections_total", m.connectionsTotal)
	_ = registry.RegisterCounterVec("sink_websocket", "disconnections_total", m.disconnectionsVec)
	_ = registry.RegisterCounterVec("sink_websocket", "messages_sent_total", m.messagesSentVec)
	_ = registry.RegisterCounter("sink_websocket", "bytes_sent_total", m.bytesSent)
	_ = registry.RegisterCounter("sink_websocket", "messages_dropped_total", m.messagesDropped)
	return m
}

func (m *sinkMetrics) clientCount(n int) {
	if m != nil {
		m.clientsConnected.Set(float64(n))
	}
}

func (m *sinkMetrics) connected() {
	if m != nil {
		m.connectionsTotal.Inc()
	}
}

func (m *sinkMetrics) disconnected(reason string) {
	if m != nil {
		m.disconnectionsVec.WithLabelValues(reason).Inc()
	}
}

func (m *sinkMetrics) sent(envType string, bytes int) {
	if m != nil {
		m.messagesSentVec.WithLabelValues(envType).Inc()
		m.bytesSent.Add(float64(bytes))
	}
}

func (m *sinkMetrics) dropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

// Sink serves the WebSocket endpoint and implements render.Surface, so
// adapters can pump frames straight into it. Attach and Detach maintain the
// stream table broadcast to clients; Update relays metadata changes pushed
// by the session layer.
type Sink struct {
	cfg        config
	logger     *slog.Logger
	core       *metric.Metrics
	inst       *sinkMetrics
	upgrader   websocket.Upgrader
	msgCounter atomic.Uint64

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client

	// table mirrors the attached streams for hello snapshots, in attach
	// order.
	tableMu sync.RWMutex
	table   map[string]stream.Descriptor
	order   []string

	server   *http.Server
	listener net.Listener

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// config is Config with defaults resolved.
type config struct {
	port       int
	path       string
	queueDepth int
}

// New builds a WebSocket sink. Matches render.SurfaceFactory.
func New(rawConfig json.RawMessage, deps render.Deps) (render.Surface, error) {
	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, err
	}

	resolved := config{
		port:       DefaultPort,
		path:       cfg.Path,
		queueDepth: cfg.QueueDepth,
	}
	if cfg.Port != nil {
		resolved.port = *cfg.Port
	}
	if resolved.path == "" {
		resolved.path = DefaultPath
	}
	if resolved.queueDepth == 0 {
		resolved.queueDepth = DefaultQueueDepth
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	return &Sink{
		cfg:    resolved,
		logger: deps.GetLogger().With("component", "sink-websocket"),
		core:   core,
		inst:   newSinkMetrics(deps.MetricsRegistry),
		upgrader: websocket.Upgrader{
			// Viewer UIs connect from arbitrary origins on the LAN.
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]*client),
		table:   make(map[string]stream.Descriptor),
	}, nil
}

// Handler returns the HTTP handler serving the endpoint, for embedding in
// an existing server or an httptest one.
func (s *Sink) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.path, s.handleWebSocket)
	return mux
}

// Start binds the listen port and begins serving clients.
func (s *Sink) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running || s.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "WebSocketSink", "Start", "lifecycle check")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapInvalid(err, "WebSocketSink", "Start", "context check")
	}

	// Binding here rather than in the serve goroutine surfaces port
	// conflicts synchronously and resolves port zero to a real address.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.port))
	if err != nil {
		return errors.WrapTransient(err, "WebSocketSink", "Start", "listen")
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler()}
	s.shutdown = make(chan struct{})

	s.wg.Add(2)
	go s.runServer()
	go s.maintainClients(ctx)

	s.running = true
	s.core.SetComponentStatus("sink-websocket", metric.StatusRunning)
	s.logger.Info("websocket sink started", "addr", listener.Addr().String(), "path", s.cfg.path)
	return nil
}

// Addr returns the bound listen address after Start, or empty.
func (s *Sink) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// runServer serves HTTP until Stop shuts the server down.
func (s *Sink) runServer() {
	defer s.wg.Done()

	err := s.server.Serve(s.listener)
	if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		s.logger.Error("websocket server failed", "error", err)
		s.core.CountError("sink-websocket",
			errors.WrapTransient(err, "WebSocketSink", "runServer", "serve"))
	}
}

// Stop closes the server and all client connections, bounded by timeout.
func (s *Sink) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.core.SetComponentStatus("sink-websocket", metric.StatusStopping)

	close(s.shutdown)

	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, errors.WrapTimeout(err, "WebSocketSink", "Stop", "server shutdown"))
	}

	// Shutdown does not touch hijacked connections. Closing the sockets
	// here unblocks the per-client readers so the bounded wait below can
	// succeed.
	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTimeout(errors.ErrShuttingDown,
			"WebSocketSink", "Stop", "client goroutine shutdown"))
	}

	s.server = nil
	s.listener = nil
	s.running = false
	s.stopped = true
	s.core.SetComponentStatus("sink-websocket", metric.StatusStopped)
	s.logger.Info("websocket sink stopped")
	return stderrors.Join(errs...)
}

// closeAllClients performs the close handshake with every client and drops
// them from the map.
func (s *Sink) closeAllClients() {
	s.clientsMu.RLock()
	remaining := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		remaining = append(remaining, c)
	}
	s.clientsMu.RUnlock()

	deadline := time.Now().Add(closeGrace)
	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "sink shutting down")
	for _, c := range remaining {
		_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)
		s.dropClient(c, "shutdown")
	}
}

// Attach implements render.Surface. The stream joins the table and is
// announced to every client.
func (s *Sink) Attach(desc stream.Descriptor) error {
	s.tableMu.Lock()
	if _, known := s.table[desc.UID]; !known {
		s.order = append(s.order, desc.UID)
	}
	s.table[desc.UID] = desc
	s.tableMu.Unlock()

	return s.broadcast(TypeStreamAdded, entryFor(desc))
}

// Update relays changed metadata for an attached stream, typically a new
// effective rate. Unknown streams are ignored.
func (s *Sink) Update(desc stream.Descriptor) error {
	s.tableMu.Lock()
	_, known := s.table[desc.UID]
	if known {
		s.table[desc.UID] = desc
	}
	s.tableMu.Unlock()

	if !known {
		return nil
	}
	return s.broadcast(TypeStreamUpdated, entryFor(desc))
}

// Render implements render.Surface, fanning the frame out to every client.
func (s *Sink) Render(frame render.Frame) error {
	if s.clientCount() == 0 {
		return nil
	}
	return s.broadcast(TypeFrame, FramePayload{
		UID:    frame.Descriptor.UID,
		Label:  frame.Descriptor.Label(),
		Times:  frame.Series.Times,
		Values: frame.Series.Values,
		Cursor: frame.Series.Cursor,
		Marks:  frame.Marks,
	})
}

// Detach implements render.Surface. The stream leaves the table and its
// removal is announced.
func (s *Sink) Detach(uid string) error {
	s.tableMu.Lock()
	_, known := s.table[uid]
	delete(s.table, uid)
	for i, id := range s.order {
		if id == uid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.tableMu.Unlock()

	if !known {
		return nil
	}
	return s.broadcast(TypeStreamRemoved, RemovedPayload{UID: uid})
}

// entryFor builds the wire table row for a descriptor.
func entryFor(desc stream.Descriptor) StreamEntry {
	return StreamEntry{
		Descriptor: desc,
		Version:    fmt.Sprintf("%016x", desc.Fingerprint()),
	}
}

// snapshotEntries returns the table rows in attach order.
func (s *Sink) snapshotEntries() []StreamEntry {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()

	entries := make([]StreamEntry, 0, len(s.order))
	for _, uid := range s.order {
		if desc, ok := s.table[uid]; ok {
			entries = append(entries, entryFor(desc))
		}
	}
	return entries
}

// broadcast envelopes the payload and enqueues it to every connected
// client. Encoding failures, such as NaN samples reaching a frame, reject
// the whole message.
func (s *Sink) broadcast(envType string, payload any) error {
	data, err := s.envelope(envType, payload)
	if err != nil {
		return err
	}

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.closed.Load() {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		s.enqueue(c, outbound{envType: envType, data: data})
	}
	return nil
}

// envelope wraps and encodes one payload.
func (s *Sink) envelope(envType string, payload any) ([]byte, error) {
	body, err := wire.Marshal(payload)
	if err != nil {
		wrapped := errors.WrapInvalid(err, "WebSocketSink", "broadcast", "payload encode")
		s.core.CountError("sink-websocket", wrapped)
		return nil, wrapped
	}

	data, err := wire.Marshal(Envelope{
		Type:      envType,
		ID:        s.nextMessageID(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   body,
	})
	if err != nil {
		wrapped := errors.WrapInvalid(err, "WebSocketSink", "broadcast", "envelope encode")
		s.core.CountError("sink-websocket", wrapped)
		return nil, wrapped
	}
	return data, nil
}

func (s *Sink) nextMessageID() string {
	return fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), s.msgCounter.Add(1))
}

func (s *Sink) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Register adds the WebSocket sink factory to a registry under "websocket".
func Register(registry *plugin.Registry[render.SurfaceFactory]) error {
	return registry.Register(plugin.Registration[render.SurfaceFactory]{
		Key: "websocket",
		Metadata: plugin.Metadata{
			Description: "WebSocket fan-out of the stream table and rendered frames",
			Version:     "1.0.0",
		},
		Schema:  configSchema,
		Factory: New,
	})
}
