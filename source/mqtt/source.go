// Package mqtt bridges an MQTT topic into stream chunks. Each source owns
// one paho client connected to the configured broker. Payloads are either
// wire-encoded chunks or bare telemetry values converted to single-sample
// chunks at arrival time.
//
// Subscriptions are restored automatically after a reconnect.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

// Payload modes.
const (
	// PayloadChunk treats each message as a wire-encoded chunk.
	PayloadChunk = "chunk"
	// PayloadValue treats each message as a bare number or number array,
	// converted to a single-sample chunk timestamped at arrival. For
	// string-format streams the payload text becomes a marker.
	PayloadValue = "value"
)

// Connection constants.
const (
	// connectTimeout is the maximum time to wait for the initial connection.
	connectTimeout = 10 * time.Second

	// tokenTimeout is the maximum time to wait for subscribe and
	// unsubscribe acknowledgments.
	tokenTimeout = 5 * time.Second

	// disconnectQuiesce is the time allowed for pending operations on
	// disconnect.
	disconnectQuiesce = 1000 * time.Millisecond

	// keepAlive is the broker keepalive interval.
	keepAlive = 60 * time.Second

	// reconnectInitialDelay and reconnectMaxDelay bound the automatic
	// reconnect backoff.
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 30 * time.Second

	// maxQoS is the highest QoS level MQTT defines.
	maxQoS = 2
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// Config controls one MQTT source instance.
type Config struct {
	// BrokerURL is the broker address, e.g. "tcp://broker:1883".
	BrokerURL string `json:"broker_url"`
	// Topic is the topic pattern to subscribe to. MQTT wildcards apply.
	Topic string `json:"topic"`
	// QoS is the maximum QoS for received messages, 0 through 2.
	QoS int `json:"qos,omitempty"`
	// ClientID identifies this client to the broker. Empty derives one
	// from the stream UID.
	ClientID string `json:"client_id,omitempty"`
	// Username and Password are optional broker credentials.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Payload selects the message interpretation, PayloadChunk by default.
	Payload string `json:"payload,omitempty"`
	// Depth is the consumer channel capacity. Zero means the default.
	Depth int `json:"depth,omitempty"`
}

// Validate checks config invariants after decoding.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "MQTTSource", "Validate", "broker_url required")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "MQTTSource", "Validate", "topic required")
	}
	if c.QoS < 0 || c.QoS > maxQoS {
		return errors.WrapInvalid(
			fmt.Errorf("qos must be 0 through %d, got %d", maxQoS, c.QoS),
			"MQTTSource", "Validate", "qos validation")
	}
	switch c.Payload {
	case "", PayloadChunk, PayloadValue:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown payload mode %q", c.Payload),
			"MQTTSource", "Validate", "payload validation")
	}
	if c.Depth < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("depth must not be negative, got %d", c.Depth),
			"MQTTSource", "Validate", "depth validation")
	}
	return nil
}

var configSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"broker_url": {
			"type": "string",
			"minLength": 1,
			"description": "Broker address, e.g. tcp://broker:1883"
		},
		"topic": {
			"type": "string",
			"minLength": 1,
			"description": "Topic pattern to subscribe to"
		},
		"qos": {
			"type": "integer",
			"minimum": 0,
			"maximum": 2,
			"description": "Maximum QoS for received messages"
		},
		"client_id": {
			"type": "string",
			"description": "Client identifier presented to the broker"
		},
		"username": {"type": "string"},
		"password": {"type": "string"},
		"payload": {
			"type": "string",
			"enum": ["chunk", "value"],
			"description": "Message interpretation"
		},
		"depth": {
			"type": "integer",
			"minimum": 1,
			"description": "Consumer channel capacity"
		}
	},
	"required": ["broker_url", "topic"],
	"additionalProperties": false
}`)

// Source bridges one MQTT topic into the chunk pipeline.
type Source struct {
	cfg     Config
	payload string
	marker  bool
	uid     string
	ingest  *source.Ingest
	logger  *slog.Logger
	core    *metric.Metrics
	now     func() time.Time

	client pahomqtt.Client

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool

	// subscribed gates re-subscription in the connect handler so the
	// initial asynchronous connect callback stays a no-op.
	subscribed atomic.Bool
	seq        atomic.Uint64
	reconnects atomic.Int64
}

// New builds an MQTT source for one descriptor. Matches source.Factory.
// No NATS client is needed; the source talks to the broker directly.
func New(rawConfig json.RawMessage, desc stream.Descriptor, mode source.Mode, deps source.Deps) (source.Source, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if len(rawConfig) == 0 {
		// An empty document skips decode-time validation but still lacks
		// the required broker and topic.
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	payload := cfg.Payload
	if payload == "" {
		payload = PayloadChunk
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID(desc.UID)
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	return &Source{
		cfg:     cfg,
		payload: payload,
		marker:  desc.ChannelFormat == stream.FormatString,
		uid:     desc.UID,
		ingest:  source.NewIngest("mqtt", desc, mode, cfg.Depth, deps),
		logger: deps.GetLogger().With(
			"component", "source-mqtt", "uid", desc.UID, "topic", cfg.Topic),
		core: core,
		now:  time.Now,
	}, nil
}

// defaultClientID derives a broker client id from the stream UID.
func defaultClientID(uid string) string {
	short := uid
	if len(short) > 8 {
		short = short[:8]
	}
	return "streamview-" + short
}

// Start connects to the broker and subscribes to the topic. The connection
// auto-reconnects with backoff; the subscription is restored on reconnect.
func (s *Source) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running || s.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "MQTTSource", "Start", "lifecycle check")
	}

	opts := s.buildClientOptions()
	s.client = pahomqtt.NewClient(opts)

	token := s.client.Connect()
	if !waitToken(ctx, token, connectTimeout) {
		s.client.Disconnect(0)
		return errors.WrapTimeout(
			fmt.Errorf("%w: connect timeout after %v", errors.ErrNotConnected, connectTimeout),
			"MQTTSource", "Start", "broker connect")
	}
	if err := token.Error(); err != nil {
		s.client.Disconnect(0)
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrNotConnected, err),
			"MQTTSource", "Start", "broker connect")
	}

	if err := s.subscribe(); err != nil {
		s.client.Disconnect(uint(disconnectQuiesce.Milliseconds()))
		return err
	}
	s.subscribed.Store(true)

	s.running = true
	s.logger.Info("mqtt source started",
		"broker", s.cfg.BrokerURL, "qos", s.cfg.QoS, "payload", s.payload)
	return nil
}

func (s *Source) buildClientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.cfg.ClientID)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(reconnectInitialDelay)
	opts.SetMaxReconnectInterval(reconnectMaxDelay)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
		s.core.CountError("source-mqtt",
			errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err),
				"MQTTSource", "connection", "broker link"))
	})
	return opts
}

// handleConnect restores the subscription after a reconnect. The initial
// connect callback runs before Start has subscribed and does nothing.
func (s *Source) handleConnect() {
	if !s.subscribed.Load() {
		return
	}
	s.reconnects.Add(1)
	s.logger.Info("mqtt reconnected, restoring subscription", "reconnects", s.reconnects.Load())
	if err := s.subscribe(); err != nil {
		s.logger.Error("mqtt re-subscribe failed", "error", err)
		s.core.CountError("source-mqtt", err)
	}
}

func (s *Source) subscribe() error {
	token := s.client.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), s.messageHandler)
	if !token.WaitTimeout(tokenTimeout) {
		return errors.WrapTimeout(
			fmt.Errorf("%w: timeout after %v", errors.ErrSubscribeFailed, tokenTimeout),
			"MQTTSource", "subscribe", "topic "+s.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrSubscribeFailed, err),
			"MQTTSource", "subscribe", "topic "+s.cfg.Topic)
	}
	return nil
}

// messageHandler runs on paho's delivery goroutines. Panics are contained
// so a bad payload cannot take down the client.
func (s *Source) messageHandler(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mqtt handler panic", "topic", msg.Topic(), "panic", r)
		}
	}()

	if s.payload == PayloadChunk {
		s.ingest.HandleRaw(msg.Payload())
		return
	}
	s.offerValue(msg.Payload())
}

// offerValue converts one telemetry payload into a single-sample chunk.
func (s *Source) offerValue(payload []byte) {
	sample := stream.Sample{
		Timestamp: float64(s.now().UnixNano()) / float64(time.Second),
	}
	if s.marker {
		sample.Marks = []string{string(bytes.TrimSpace(payload))}
	} else {
		values, err := parseValues(payload)
		if err != nil {
			s.ingest.RecordDecodeError(err)
			return
		}
		sample.Values = values
	}
	s.ingest.Offer(stream.Chunk{
		UID:      s.uid,
		Sequence: s.seq.Add(1),
		Samples:  []stream.Sample{sample},
	})
}

// parseValues accepts a bare JSON number or an array of numbers.
func parseValues(payload []byte) ([]float64, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty payload", errors.ErrDecodingFailed),
			"MQTTSource", "parseValues", "payload decode")
	}

	var single float64
	if err := wire.Unmarshal(trimmed, &single); err == nil {
		return []float64{single}, nil
	}
	var many []float64
	if err := wire.Unmarshal(trimmed, &many); err == nil {
		return many, nil
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: payload %q is not a number or number array",
			errors.ErrDecodingFailed, truncate(payload, 64)),
		"MQTTSource", "parseValues", "payload decode")
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// waitToken waits for a paho token, honoring context cancellation.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		if token.WaitTimeout(50 * time.Millisecond) {
			return true
		}
	}
	return false
}

// Stop unsubscribes, disconnects with a quiesce window, and closes the
// consumer channel.
func (s *Source) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}

	var errs []error
	s.subscribed.Store(false)

	if s.client.IsConnected() {
		token := s.client.Unsubscribe(s.cfg.Topic)
		if !token.WaitTimeout(tokenTimeout) {
			errs = append(errs, errors.WrapTimeout(
				fmt.Errorf("unsubscribe timeout after %v", tokenTimeout),
				"MQTTSource", "Stop", "unsubscribe"))
		} else if err := token.Error(); err != nil {
			errs = append(errs, errors.WrapTransient(err, "MQTTSource", "Stop", "unsubscribe"))
		}
	}

	quiesce := disconnectQuiesce
	if timeout > 0 && timeout < quiesce {
		quiesce = timeout
	}
	s.client.Disconnect(uint(quiesce.Milliseconds()))

	s.ingest.Close()
	s.running = false
	s.stopped = true

	stats := s.ingest.Stats()
	s.logger.Info("mqtt source stopped",
		"received", stats.ChunksReceived,
		"decode_errors", stats.DecodeErrors,
		"reconnects", s.reconnects.Load())
	return stderrors.Join(errs...)
}

// Chunks returns the consumer channel, closed after Stop.
func (s *Source) Chunks() <-chan stream.Chunk {
	return s.ingest.Chunks()
}

// Info returns the descriptor this source bridges into.
func (s *Source) Info() stream.Descriptor {
	return s.ingest.Info()
}

// Stats returns a snapshot of receive counters.
func (s *Source) Stats() source.Stats {
	return s.ingest.Stats()
}

// Register adds the MQTT source factory to a registry under "mqtt".
func Register(registry *plugin.Registry[source.Factory]) error {
	return registry.Register(plugin.Registration[source.Factory]{
		Key: "mqtt",
		Metadata: plugin.Metadata{
			Description: "MQTT bridge converting topic traffic into stream chunks",
			Version:     "1.0.0",
		},
		Schema:  configSchema,
		Factory: New,
	})
}
