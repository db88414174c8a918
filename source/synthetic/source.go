// Package synthetic provides a generated signal source for demos and tests.
// It needs no transport: a goroutine pushes sine or counter chunks through
// the shared ingest path at the descriptor's nominal rate. String-format
// descriptors produce marker samples instead of values.
package synthetic

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/plugin"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/stream"
)

// Signal shapes.
const (
	// SignalSine generates per-channel phase-offset sine waves.
	SignalSine = "sine"
	// SignalCounter generates a monotonically increasing sample counter.
	SignalCounter = "counter"
)

const (
	defaultFrequency = 10.0
	defaultAmplitude = 1.0
	// irregularRate drives generation for streams that declare no nominal
	// rate, marker streams mostly.
	irregularRate = 10.0
	// targetChunkRate sets the default chunk cadence in chunks per second.
	targetChunkRate = 10.0
)

// Config controls the generated signal.
type Config struct {
	// Signal selects the waveform, SignalSine by default.
	Signal string `json:"signal,omitempty"`
	// Frequency is the sine frequency in Hz.
	Frequency float64 `json:"frequency,omitempty"`
	// Amplitude scales the sine waveform.
	Amplitude float64 `json:"amplitude,omitempty"`
	// ChunkSize is the number of samples per chunk. Zero derives it from
	// the stream rate at targetChunkRate chunks per second.
	ChunkSize int `json:"chunk_size,omitempty"`
	// Depth is the consumer channel capacity. Zero means the default.
	Depth int `json:"depth,omitempty"`
}

// Validate checks config invariants after decoding.
func (c *Config) Validate() error {
	switch c.Signal {
	case "", SignalSine, SignalCounter:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown signal %q", c.Signal),
			"SyntheticSource", "Validate", "signal validation")
	}
	if c.Frequency < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("frequency must not be negative, got %v", c.Frequency),
			"SyntheticSource", "Validate", "frequency validation")
	}
	if c.Amplitude < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("amplitude must not be negative, got %v", c.Amplitude),
			"SyntheticSource", "Validate", "amplitude validation")
	}
	if c.ChunkSize < 0 || c.Depth < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("chunk_size and depth must not be negative"),
			"SyntheticSource", "Validate", "size validation")
	}
	return nil
}

var configSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"signal": {
			"type": "string",
			"enum": ["sine", "counter"],
			"description": "Waveform to generate"
		},
		"frequency": {
			"type": "number",
			"exclusiveMinimum": 0,
			"description": "Sine frequency in Hz"
		},
		"amplitude": {
			"type": "number",
			"exclusiveMinimum": 0,
			"description": "Sine amplitude"
		},
		"chunk_size": {
			"type": "integer",
			"minimum": 1,
			"description": "Samples per chunk"
		},
		"depth": {
			"type": "integer",
			"minimum": 1,
			"description": "Consumer channel capacity"
		}
	},
	"additionalProperties": false
}`)

// Source generates chunks for one descriptor on a fixed cadence.
type Source struct {
	ingest *source.Ingest
	logger *slog.Logger

	uid       string
	channels  int
	marker    bool
	signal    string
	frequency float64
	amplitude float64
	rate      float64
	chunkSize int
	period    time.Duration

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	shutdown    chan struct{}
	done        chan struct{}

	// Generator state, touched only by the run goroutine.
	start float64
	n     uint64
	seq   uint64
}

// New builds a synthetic source for one descriptor. Matches source.Factory.
// No transport client is needed.
func New(rawConfig json.RawMessage, desc stream.Descriptor, mode source.Mode, deps source.Deps) (source.Source, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := plugin.DecodeConfig(rawConfig, &cfg); err != nil {
		return nil, err
	}

	signal := cfg.Signal
	if signal == "" {
		signal = SignalSine
	}
	frequency := cfg.Frequency
	if frequency == 0 {
		frequency = defaultFrequency
	}
	amplitude := cfg.Amplitude
	if amplitude == 0 {
		amplitude = defaultAmplitude
	}

	rate := desc.NominalRate
	if rate <= 0 {
		rate = irregularRate
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = int(math.Round(rate / targetChunkRate))
		if chunkSize < 1 {
			chunkSize = 1
		}
	}
	period := time.Duration(float64(chunkSize) / rate * float64(time.Second))
	if period <= 0 {
		period = time.Millisecond
	}

	return &Source{
		ingest:    source.NewIngest("synthetic", desc, mode, cfg.Depth, deps),
		logger:    deps.GetLogger().With("component", "source-synthetic", "uid", desc.UID),
		uid:       desc.UID,
		channels:  desc.ChannelCount,
		marker:    desc.ChannelFormat == stream.FormatString,
		signal:    signal,
		frequency: frequency,
		amplitude: amplitude,
		rate:      rate,
		chunkSize: chunkSize,
		period:    period,
	}, nil
}

// Start launches the generator goroutine. Cancelling ctx stops generation
// the same way Stop does, without closing the consumer channel.
func (s *Source) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running || s.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "SyntheticSource", "Start", "lifecycle check")
	}

	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	s.start = float64(time.Now().UnixNano()) / float64(time.Second)

	go s.run(ctx)
	s.running = true
	s.logger.Info("synthetic source started",
		"signal", s.signal, "rate", s.rate, "chunk_size", s.chunkSize)
	return nil
}

// Stop halts generation and closes the consumer channel, waiting up to
// timeout for the generator goroutine.
func (s *Source) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	close(s.shutdown)

	var errs []error
	select {
	case <-s.done:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTransient(
			fmt.Errorf("generator did not stop within %v", timeout),
			"SyntheticSource", "Stop", "shutdown wait"))
	}

	s.ingest.Close()
	s.running = false
	s.stopped = true

	stats := s.ingest.Stats()
	s.logger.Info("synthetic source stopped",
		"chunks", stats.ChunksReceived, "samples", stats.SamplesSeen)
	return stderrors.Join(errs...)
}

// Chunks returns the consumer channel, closed after Stop.
func (s *Source) Chunks() <-chan stream.Chunk {
	return s.ingest.Chunks()
}

// Info returns the descriptor this source generates for.
func (s *Source) Info() stream.Descriptor {
	return s.ingest.Info()
}

// Stats returns a snapshot of generation counters.
func (s *Source) Stats() source.Stats {
	return s.ingest.Stats()
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ingest.Offer(s.nextChunk())
		}
	}
}

// nextChunk builds the next batch on the deterministic timestamp grid
// start + n/rate.
func (s *Source) nextChunk() stream.Chunk {
	samples := make([]stream.Sample, 0, s.chunkSize)
	for i := 0; i < s.chunkSize; i++ {
		sample := stream.Sample{Timestamp: s.start + float64(s.n)/s.rate}
		if s.marker {
			sample.Marks = []string{fmt.Sprintf("marker-%d", s.n)}
		} else if s.channels > 0 {
			values := make([]float64, s.channels)
			for c := range values {
				values[c] = s.value(s.n, c)
			}
			sample.Values = values
		}
		samples = append(samples, sample)
		s.n++
	}
	s.seq++
	return stream.Chunk{UID: s.uid, Sequence: s.seq, Samples: samples}
}

func (s *Source) value(n uint64, channel int) float64 {
	switch s.signal {
	case SignalCounter:
		return float64(n) + float64(channel)
	default:
		t := float64(n) / s.rate
		phase := 0.0
		if s.channels > 0 {
			phase = float64(channel) / float64(s.channels)
		}
		return s.amplitude * math.Sin(2*math.Pi*(s.frequency*t+phase))
	}
}

// Register adds the synthetic source factory to a registry under "synthetic".
func Register(registry *plugin.Registry[source.Factory]) error {
	return registry.Register(plugin.Registration[source.Factory]{
		Key: "synthetic",
		Metadata: plugin.Metadata{
			Description: "Generated sine or counter signals for demos and tests",
			Version:     "1.0.0",
		},
		Schema:  configSchema,
		Factory: New,
	})
}
