// Package nats resolves live streams from the JetStream key-value bucket
// where outlets advertise themselves. Each advert is one key (the stream
// UID) whose value holds the descriptor; the bucket TTL reaps adverts from
// outlets that stopped heartbeating, so a bucket listing is the set of
// reachable streams.
package nats

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/intheon/stream-viewer/errors"
	"github.com/intheon/stream-viewer/metric"
	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/pkg/retry"
	"github.com/intheon/stream-viewer/registry"
	"github.com/intheon/stream-viewer/stream"
)

// DefaultBucket is the advertisement bucket outlets write to.
const DefaultBucket = "stream-ads"

// Resolver lists the advertisement bucket and turns live adverts into
// descriptors for the registry. It implements registry.DiscoveryPort.
type Resolver struct {
	client  *natsclient.Client
	bucket  string
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Metrics

	mu    sync.Mutex
	store *natsclient.KVStore
}

var _ registry.DiscoveryPort = (*Resolver)(nil)

// Option configures a Resolver.
type Option func(*Resolver)

// WithBucket overrides the advertisement bucket name.
func WithBucket(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.bucket = name
		}
	}
}

// WithMaxAge drops adverts whose last heartbeat is older than max. Zero
// disables the filter and trusts the bucket TTL alone.
func WithMaxAge(max time.Duration) Option {
	return func(r *Resolver) { r.maxAge = max }
}

// WithLogger sets the resolver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger.With("component", "discovery")
		}
	}
}

// WithMetrics wires the shared metrics so skipped adverts are counted.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(r *Resolver) {
		if reg != nil {
			r.metrics = reg.CoreMetrics()
		}
	}
}

// New creates a resolver reading adverts through the given client.
func New(client *natsclient.Client, opts ...Option) (*Resolver, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Resolver", "New",
			"nats client validation")
	}
	r := &Resolver{
		client: client,
		bucket: DefaultBucket,
		now:    time.Now,
		logger: slog.Default().With("component", "discovery"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Bucket returns the advertisement bucket name.
func (r *Resolver) Bucket() string {
	return r.bucket
}

// Discover lists the advertisement bucket and returns the descriptors of
// every live, well-formed advert. A missing bucket means no outlet has
// advertised yet and resolves to an empty snapshot. Malformed or stale
// adverts are skipped, not fatal. The ctx deadline bounds the whole pass.
func (r *Resolver) Discover(ctx context.Context) ([]stream.Descriptor, error) {
	store, err := r.bind(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrBucketNotFound) {
			r.logger.Debug("no advertisement bucket yet", "bucket", r.bucket)
			return []stream.Descriptor{}, nil
		}
		return nil, r.classify(err, "bucket binding")
	}

	entries, err := store.Entries(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrBucketNotFound) {
			// Bucket deleted since we bound it. Rebind on the next pass.
			r.invalidate()
			return []stream.Descriptor{}, nil
		}
		return nil, r.classify(err, "bucket listing")
	}

	return r.collect(entries), nil
}

// collect decodes and filters raw bucket entries into the snapshot handed
// to the registry.
func (r *Resolver) collect(entries []natsclient.KVEntry) []stream.Descriptor {
	descriptors := make([]stream.Descriptor, 0, len(entries))
	for _, entry := range entries {
		ad, err := stream.DecodeAdvert(entry.Value)
		if err != nil {
			r.logger.Warn("skipping malformed advert", "key", entry.Key, "error", err)
			r.metrics.CountError("discovery", err)
			continue
		}
		if err := ad.Validate(); err != nil {
			r.logger.Warn("skipping incomplete advert", "key", entry.Key, "error", err)
			r.metrics.CountError("discovery", err)
			continue
		}
		if r.maxAge > 0 && r.now().Sub(ad.AdvertisedAt) > r.maxAge {
			r.logger.Debug("skipping stale advert",
				"key", entry.Key, "advertised_at", ad.AdvertisedAt)
			continue
		}
		descriptors = append(descriptors, ad.Descriptor)
	}

	// KV replay follows last-write order, which heartbeats shuffle every
	// few seconds. Sort so streams discovered together insert in a stable
	// order.
	sort.Slice(descriptors, func(i, j int) bool {
		if descriptors[i].Name != descriptors[j].Name {
			return descriptors[i].Name < descriptors[j].Name
		}
		return descriptors[i].UID < descriptors[j].UID
	})
	return descriptors
}

// bind acquires the bucket handle, retrying transient failures briefly so a
// resolver created while the connection is still settling does not fail its
// first refresh. A missing bucket is returned as-is, not retried.
func (r *Resolver) bind(ctx context.Context) (*natsclient.KVStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		return r.store, nil
	}

	cfg := retry.Quick()
	cfg.RetryIf = func(err error) bool {
		return errors.IsTransient(err) && !stderrors.Is(err, errors.ErrBucketNotFound)
	}
	bucket, err := retry.DoWithResult(ctx, cfg, func() (jetstream.KeyValue, error) {
		return r.client.GetKeyValueBucket(ctx, r.bucket)
	})
	if err != nil {
		return nil, err
	}

	r.store = r.client.NewKVStore(bucket)
	return r.store, nil
}

func (r *Resolver) invalidate() {
	r.mu.Lock()
	r.store = nil
	r.mu.Unlock()
}

func (r *Resolver) classify(err error, action string) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.WrapTimeout(err, "Resolver", "Discover", action)
	}
	return errors.WrapTransient(err, "Resolver", "Discover", action)
}
