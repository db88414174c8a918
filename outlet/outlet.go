// Package outlet publishes one stream into the viewer fabric: it advertises
// the stream's descriptor in the discovery bucket, keeps the advert alive
// with a heartbeat, and fans sample chunks out to the stream's data subject.
package outlet

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/stream"
)

// Defaults for advertisement lifetime and refresh.
const (
	DefaultBucket    = "stream-ads"
	DefaultAdvertTTL = 10 * time.Second
)

// Outlet owns one advertised stream. Create it with New, feed it samples
// with PushSample or PushChunk, and Stop it to withdraw the advertisement.
type Outlet struct {
	client     *natsclient.Client
	descriptor stream.Descriptor
	subject    string
	bucket     string
	advertTTL  time.Duration
	heartbeat  time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metric.Metrics

	store *natsclient.KVStore

	seq           atomic.Uint64
	published     atomic.Int64
	publishErrors atomic.Int64

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// Option configures an Outlet.
type Option func(*Outlet)

// WithBucket overrides the advertisement bucket name.
func WithBucket(name string) Option {
	return func(o *Outlet) {
		if name != "" {
			o.bucket = name
		}
	}
}

// WithAdvertTTL sets how long the advert outlives the last heartbeat.
func WithAdvertTTL(ttl time.Duration) Option {
	return func(o *Outlet) {
		if ttl > 0 {
			o.advertTTL = ttl
		}
	}
}

// WithHeartbeat overrides the advert refresh cadence. It must stay below
// the TTL or the advert expires between beats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *Outlet) {
		if interval > 0 {
			o.heartbeat = interval
		}
	}
}

// WithLogger sets the outlet's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outlet) {
		if logger != nil {
			o.logger = logger.With("component", "outlet")
		}
	}
}

// WithMetrics wires the shared metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(o *Outlet) {
		if reg != nil {
			o.metrics = reg.CoreMetrics()
		}
	}
}

// New creates an outlet for the given descriptor. An empty UID is assigned
// a fresh UUID; the descriptor must otherwise validate.
func New(client *natsclient.Client, desc stream.Descriptor, opts ...Option) (*Outlet, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Outlet", "New",
			"nats client validation")
	}
	if desc.UID == "" {
		desc.UID = uuid.NewString()
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	o := &Outlet{
		client:     client,
		descriptor: desc,
		subject:    stream.DataSubject(desc.UID),
		bucket:     DefaultBucket,
		advertTTL:  DefaultAdvertTTL,
		now:        time.Now,
		logger:     slog.Default().With("component", "outlet"),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.heartbeat == 0 {
		o.heartbeat = o.advertTTL / 2
	}
	if o.heartbeat >= o.advertTTL {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Outlet", "New",
			fmt.Sprintf("heartbeat %v must stay below advert ttl %v", o.heartbeat, o.advertTTL))
	}
	return o, nil
}

// UID returns the stream's unique identifier.
func (o *Outlet) UID() string { return o.descriptor.UID }

// Subject returns the data subject chunks are published to.
func (o *Outlet) Subject() string { return o.subject }

// Descriptor returns the advertised descriptor.
func (o *Outlet) Descriptor() stream.Descriptor { return o.descriptor }

// Start advertises the stream and begins the heartbeat. The advertisement
// bucket is created on first use; an existing bucket is reused.
func (o *Outlet) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Outlet", "Start", "check running state")
	}

	bucket, err := o.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.bucket,
		Description: "stream advertisements",
		TTL:         o.advertTTL,
	})
	if err != nil {
		return errors.WrapTransient(err, "Outlet", "Start", "advertisement bucket")
	}
	o.store = o.client.NewKVStore(bucket)

	if err := o.advertise(ctx); err != nil {
		return err
	}

	o.wg.Add(1)
	go o.heartbeatLoop()

	o.running = true
	o.startTime = o.now()
	o.metrics.SetComponentStatus("outlet", metric.StatusRunning)

	o.logger.Info("stream advertised",
		"uid", o.descriptor.UID,
		"name", o.descriptor.Name,
		"subject", o.subject,
		"bucket", o.bucket,
		"ttl", o.advertTTL)
	return nil
}

// advertise writes the advert with create-first collision detection. A
// conflicting key from the same name and host is treated as our own stale
// advert (an earlier run that died inside the TTL window) and replaced;
// anything else is a live duplicate and fails.
func (o *Outlet) advertise(ctx context.Context) error {
	data, err := o.encodeAdvert()
	if err != nil {
		return err
	}

	_, err = o.store.Create(ctx, o.descriptor.UID, data)
	if err == nil {
		return nil
	}
	if !natsclient.IsKVConflict(err) {
		return errors.WrapTransient(err, "Outlet", "Start", "advert creation")
	}

	existing, getErr := o.store.Get(ctx, o.descriptor.UID)
	if getErr == nil {
		if ad, decErr := stream.DecodeAdvert(existing.Value); decErr == nil {
			if ad.Descriptor.Name == o.descriptor.Name && ad.Descriptor.Hostname == o.descriptor.Hostname {
				o.logger.Warn("replacing stale advertisement",
					"uid", o.descriptor.UID, "advertised_at", ad.AdvertisedAt)
				if _, putErr := o.store.Put(ctx, o.descriptor.UID, data); putErr != nil {
					return errors.WrapTransient(putErr, "Outlet", "Start", "advert takeover")
				}
				return nil
			}
		}
	}
	return errors.WrapInvalid(
		fmt.Errorf("uid %s is already advertised by another outlet", o.descriptor.UID),
		"Outlet", "Start", "advert collision check")
}

func (o *Outlet) encodeAdvert() ([]byte, error) {
	return stream.EncodeAdvert(stream.Advert{
		Descriptor:   o.descriptor,
		Subject:      o.subject,
		AdvertisedAt: o.now(),
	})
}

// heartbeatLoop refreshes the advert so the bucket TTL never reaps it while
// the outlet lives. Failed beats are logged and retried on the next tick;
// the client's circuit breaker bounds the damage during an outage.
func (o *Outlet) heartbeatLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-o.shutdown:
			return
		case <-ticker.C:
			data, err := o.encodeAdvert()
			if err != nil {
				o.logger.Error("failed to encode heartbeat advert", "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), o.heartbeat)
			_, err = o.store.Put(ctx, o.descriptor.UID, data)
			cancel()
			if err != nil {
				o.logger.Warn("heartbeat failed", "uid", o.descriptor.UID, "error", err)
				o.metrics.CountError("outlet", err)
			}
		}
	}
}

// PushSample publishes one sample.
func (o *Outlet) PushSample(ctx context.Context, s stream.Sample) error {
	return o.PushChunk(ctx, []stream.Sample{s})
}

// PushChunk publishes a batch of samples as one chunk. The outlet stamps
// the next sequence number; chunks are validated against the advertised
// channel count before they go out.
func (o *Outlet) PushChunk(ctx context.Context, samples []stream.Sample) error {
	o.lifecycleMu.Lock()
	running := o.running
	o.lifecycleMu.Unlock()
	if !running {
		return errors.WrapFatal(errors.ErrNotStarted, "Outlet", "PushChunk", "check running state")
	}

	chunk := stream.Chunk{
		UID:      o.descriptor.UID,
		Sequence: o.seq.Add(1),
		Samples:  samples,
	}
	if err := chunk.Validate(o.descriptor.ChannelCount); err != nil {
		return err
	}

	data, err := stream.EncodeChunk(chunk)
	if err != nil {
		return err
	}

	if err := o.client.Publish(ctx, o.subject, data); err != nil {
		o.publishErrors.Add(1)
		o.metrics.CountError("outlet", err)
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrPublishFailed, err),
			"Outlet", "PushChunk", "chunk publication")
	}

	o.published.Add(1)
	return nil
}

// Stop withdraws the advertisement and stops the heartbeat. The advert is
// deleted so the stream disappears from discovery immediately instead of
// lingering until the TTL reaps it.
func (o *Outlet) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.running {
		return nil
	}

	close(o.shutdown)

	waitCh := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waitCh)
	}()

	var errs []error
	select {
	case <-waitCh:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout), "Outlet", "Stop", "heartbeat shutdown"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.store.Delete(ctx, o.descriptor.UID); err != nil &&
		!stderrors.Is(err, errors.ErrKeyNotFound) {
		o.logger.Warn("failed to withdraw advertisement", "uid", o.descriptor.UID, "error", err)
		errs = append(errs, err)
	}

	o.running = false
	o.metrics.SetComponentStatus("outlet", metric.StatusStopped)
	o.closeOnce.Do(func() { close(o.done) })

	o.logger.Info("stream withdrawn",
		"uid", o.descriptor.UID,
		"published", o.published.Load(),
		"publish_errors", o.publishErrors.Load())
	return stderrors.Join(errs...)
}

// Done is closed once the outlet has fully stopped.
func (o *Outlet) Done() <-chan struct{} { return o.done }

// Stats reports publication counters for health surfaces.
type Stats struct {
	UID           string
	Published     int64
	PublishErrors int64
	Uptime        time.Duration
}

// Stats returns a snapshot of the outlet's counters.
func (o *Outlet) Stats() Stats {
	o.lifecycleMu.Lock()
	start := o.startTime
	running := o.running
	o.lifecycleMu.Unlock()

	var uptime time.Duration
	if running {
		uptime = o.now().Sub(start)
	}
	return Stats{
		UID:           o.descriptor.UID,
		Published:     o.published.Load(),
		PublishErrors: o.publishErrors.Load(),
		Uptime:        uptime,
	}
}
