// Package nats provides the NATS source, the inlet for streams advertised
// by outlets. It subscribes to the per-UID data subject and feeds decoded
// chunks into the shared ingest path.
package nats

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonats "github.com/nats-io/nats.go"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

// Config controls one NATS source instance.
type Config struct {
	// Subject overrides the default per-UID data subject. Empty means
	// stream.DataSubject(uid).
	Subject string `json:"subject,omitempty"`
	// Depth is the consumer channel capacity. Zero means the default.
	Depth int `json:"depth,omitempty"`
}

// Validate checks config invariants after decoding.
func (c *Config) Validate() error {
	if c.Depth < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("depth must not be negative, got %d", c.Depth),
			"NATSSource", "Validate", "depth validation")
	}
	return nil
}

// configSchema is the declared config contract for the plugin registry.
var configSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"subject": {
			"type": "string",
			"minLength": 1,
			"description": "Override for the per-UID data subject"
		},
		"depth": {
			"type": "integer",
			"minimum": 1,
			"description": "Consumer channel capacity"
		}
	},
	"additionalProperties": false
}`)

// Source pulls chunks for one stream off its NATS data subject.
type Source struct {
	client  *natsclient.Client
	subject string
	mode    source.Mode
	ingest  *source.Ingest
	logger  *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	sub         *gonats.Subscription
}

// New builds a NATS source for one descriptor. Matches source.Factory.
func New(rawConfig json.RawMessage, desc stream.Descriptor, mode source.Mode, deps source.Deps) (source.Source, error) {
	if deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSSource", "New", "nats client required")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, err
	}

	subject := cfg.Subject
	if subject == "" {
		subject = stream.DataSubject(desc.UID)
	}

	return &Source{
		client:  deps.Client,
		subject: subject,
		mode:    mode,
		ingest:  source.NewIngest("nats", desc, mode, cfg.Depth, deps),
		logger:  deps.GetLogger().With("component", "source-nats", "uid", desc.UID),
	}, nil
}

// Start subscribes to the data subject. Handler deliveries flow through the
// ingest path on the subscription's own goroutine.
func (s *Source) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "NATSSource", "Start", "lifecycle check")
	}

	sub, err := s.client.Subscribe(ctx, s.subject, func(_ context.Context, data []byte) {
		s.ingest.HandleRaw(data)
	})
	if err != nil {
		return errors.Wrap(err, "NATSSource", "Start", "subscribe "+s.subject)
	}

	s.sub = sub
	s.running = true
	s.logger.Info("source subscribed", "subject", s.subject, "mode", s.mode.String())
	return nil
}

// Stop drains the subscription so buffered deliveries still reach the
// consumer channel, then closes it. Waits up to timeout for the drain.
func (s *Source) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}

	var errs []error
	if s.sub != nil && s.sub.IsValid() {
		if err := s.sub.Drain(); err != nil {
			errs = append(errs, errors.Wrap(err, "NATSSource", "Stop", "drain subscription"))
		} else {
			deadline := time.Now().Add(timeout)
			for s.sub.IsValid() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if s.sub.IsValid() {
				errs = append(errs, errors.WrapTransient(
					fmt.Errorf("subscription drain timeout after %v", timeout),
					"NATSSource", "Stop", "drain subscription"))
			}
		}
	}
	s.sub = nil

	s.ingest.Close()
	s.running = false

	stats := s.ingest.Stats()
	s.logger.Info("source stopped",
		"received", stats.ChunksReceived,
		"dropped", stats.ChunksDropped,
		"decode_errors", stats.DecodeErrors)
	return stderrors.Join(errs...)
}

// Chunks returns the consumer channel, closed after Stop.
func (s *Source) Chunks() <-chan stream.Chunk {
	return s.ingest.Chunks()
}

// Info returns the descriptor this source pulls.
func (s *Source) Info() stream.Descriptor {
	return s.ingest.Info()
}

// Stats returns a snapshot of receive counters.
func (s *Source) Stats() source.Stats {
	return s.ingest.Stats()
}

// Register adds the NATS source factory to a registry under "nats".
func Register(registry *plugin.Registry[source.Factory]) error {
	return registry.Register(plugin.Registration[source.Factory]{
		Key: "nats",
		Metadata: plugin.Metadata{
			Description: "NATS inlet subscribing to the per-UID data subject",
			Version:     "1.0.0",
		},
		Schema:  configSchema,
		Factory: New,
	})
}
