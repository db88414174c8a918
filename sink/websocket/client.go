package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/pkg/buffer"
)

// maxInboundBytes bounds messages read from clients, which only ever send
// small control envelopes.
const maxInboundBytes = 1024

// outbound is one queued message with its envelope type for accounting.
type outbound struct {
	envType string
	data    []byte
}

// client is one connected WebSocket peer. Each client runs a reader and a
// writer goroutine; broadcasts never touch the connection directly.
type client struct {
	conn        *websocket.Conn
	connectedAt time.Time

	// writeMu serializes writes to the connection; gorilla panics on
	// concurrent writes.
	writeMu sync.Mutex

	// queue holds messages between broadcast and the writer goroutine.
	// DropOldest keeps a slow client current at the cost of skipped
	// frames.
	queue buffer.Buffer[outbound]

	// wake signals the writer that the queue has items. Capacity one
	// coalesces bursts.
	wake chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	lastPong  atomic.Value // time.Time
}

// handleWebSocket upgrades the request and hands the connection to its
// reader and writer goroutines.
func (s *Sink) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.core.CountError("sink-websocket",
			errors.WrapTransient(err, "WebSocketSink", "handleWebSocket", "connection upgrade"))
		return
	}

	queue, err := buffer.NewRing[outbound](s.cfg.queueDepth,
		buffer.WithOverflowPolicy[outbound](buffer.DropOldest),
		buffer.WithDropCallback[outbound](func(outbound) { s.inst.dropped() }),
	)
	if err != nil {
		_ = conn.Close()
		s.core.CountError("sink-websocket",
			errors.Wrap(err, "WebSocketSink", "handleWebSocket", "queue creation"))
		return
	}

	c := &client{
		conn:        conn,
		connectedAt: time.Now(),
		queue:       queue,
		wake:        make(chan struct{}, 1),
	}
	c.lastPong.Store(time.Now())

	// The hello snapshot is queued before the client joins the broadcast
	// map, so no event can precede it on the wire.
	s.sendHello(c)

	s.clientsMu.Lock()
	s.clients[conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.inst.connected()
	s.inst.clientCount(count)
	s.logger.Debug("client connected", "remote", conn.RemoteAddr().String(), "clients", count)

	s.wg.Add(2)
	go s.readClient(c)
	go s.writeClient(c)
}

// sendHello queues the table snapshot as the connection's first message.
func (s *Sink) sendHello(c *client) {
	data, err := s.envelope(TypeHello, HelloPayload{Streams: s.snapshotEntries()})
	if err != nil {
		return
	}
	s.enqueue(c, outbound{envType: TypeHello, data: data})
}

// enqueue queues one message for a client and nudges its writer.
func (s *Sink) enqueue(c *client, item outbound) {
	if c.closed.Load() {
		return
	}
	if err := c.queue.Write(item); err != nil {
		// Queue closed during teardown.
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// readClient services the connection's read side. Clients do not send us
// data; the loop exists to process control frames and notice closure.
func (s *Sink) readClient(c *client) {
	defer s.wg.Done()
	defer s.dropClient(c, "")

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now())
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// Inbound data also proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writeClient drains the client's queue onto the connection.
func (s *Sink) writeClient(c *client) {
	defer s.wg.Done()
	defer s.dropClient(c, "")

	for {
		select {
		case <-s.shutdown:
			return
		case <-c.wake:
			if c.closed.Load() {
				return
			}
			if !s.drainQueue(c) {
				return
			}
		}
	}
}

// drainQueue writes every queued message, reporting false once the client
// is beyond saving.
func (s *Sink) drainQueue(c *client) bool {
	for {
		item, ok := c.queue.Read()
		if !ok {
			return true
		}
		if err := s.writeMessage(c, item.data); err != nil {
			s.core.CountError("sink-websocket",
				errors.WrapTransient(err, "WebSocketSink", "writeClient", "message write"))
			s.dropClient(c, "write_error")
			return false
		}
		s.inst.sent(item.envType, len(item.data))
	}
}

// writeMessage sends one text message under the client's write lock.
func (s *Sink) writeMessage(c *client, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// dropClient removes a client exactly once. An empty reason derives one
// from the connection age.
func (s *Sink) dropClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, c.conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		if reason == "" {
			reason = "normal"
			if time.Since(c.connectedAt) < 5*time.Second {
				reason = "early_disconnect"
			}
		}
		s.inst.disconnected(reason)
		s.inst.clientCount(count)

		_ = c.queue.Close()
		_ = c.conn.Close()

		// Wakes the writer if it is parked on the wake channel.
		select {
		case c.wake <- struct{}{}:
		default:
		}

		s.logger.Debug("client disconnected", "reason", reason, "clients", count)
	})
}

// maintainClients pings connected clients so dead peers are noticed even
// when no frames are flowing.
func (s *Sink) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

// pingClients sends a ping to every live client. WriteControl is safe to
// call concurrently with the writer goroutine.
func (s *Sink) pingClients() {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.closed.Load() {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	deadline := time.Now().Add(writeWait)
	for _, c := range targets {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.dropClient(c, "ping_failed")
		}
	}
}
