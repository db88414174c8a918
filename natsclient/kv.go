package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/intheon/stream-viewer/errors"
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	Timeout      time.Duration // Per-operation timeout, 0 leaves the caller's deadline alone
	MaxValueSize int           // Maximum size for values written through this store
}

// DefaultKVOptions returns defaults sized for advertisement payloads.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 256 * 1024,
	}
}

// WithKVTimeout sets the per-operation timeout
func WithKVTimeout(d time.Duration) func(*KVOptions) {
	return func(o *KVOptions) {
		o.Timeout = d
	}
}

// WithKVMaxValueSize sets the maximum accepted value size
func WithKVMaxValueSize(n int) func(*KVOptions) {
	return func(o *KVOptions) {
		o.MaxValueSize = n
	}
}

// KVStore provides KV operations over a bucket with consistent error
// mapping. A missing key always surfaces as ErrKeyNotFound and write
// conflicts as ErrKeyExists or ErrRevisionMismatch, regardless of how the
// server phrased the failure.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore creates a KV store over the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

// Bucket returns the name of the underlying bucket.
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

// applyTimeout applies the configured timeout to the context if set
func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

func (kv *KVStore) checkSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return fmt.Errorf("value size %d exceeds maximum %d: %w",
			len(value), kv.options.MaxValueSize, errors.ErrInvalidConfig)
	}
	return nil
}

// Get retrieves a value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFound(err) {
			return nil, fmt.Errorf("key %s: %w", key, errors.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
	}, nil
}

// Put creates or updates a key without a revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}

	kv.logger.Debug("kv put", "key", key, "revision", rev)
	return rev, nil
}

// Create writes a key only if it does not exist yet
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflict(err) {
			return 0, fmt.Errorf("key %s: %w", key, ErrKeyExists)
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}

	kv.logger.Debug("kv create", "key", key, "revision", rev)
	return rev, nil
}

// Update performs a CAS write against an explicit revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflict(err) {
			return 0, fmt.Errorf("key %s at revision %d: %w", key, revision, ErrRevisionMismatch)
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}

	kv.logger.Debug("kv update", "key", key, "revision", rev)
	return rev, nil
}

// Delete removes a key from the bucket
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFound(err) {
			return fmt.Errorf("key %s: %w", key, errors.ErrKeyNotFound)
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}

	kv.logger.Debug("kv delete", "key", key)
	return nil
}

// Entries returns a point-in-time snapshot of every live key in the bucket.
// An empty bucket yields an empty slice, not an error.
func (kv *KVStore) Entries(ctx context.Context) ([]KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	watcher, err := kv.bucket.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("kv snapshot: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	entries := []KVEntry{}
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("kv snapshot: %w", ctx.Err())
		case entry := <-watcher.Updates():
			// A nil update marks the end of the initial value replay.
			if entry == nil {
				return entries, nil
			}
			entries = append(entries, KVEntry{
				Key:      entry.Key(),
				Value:    entry.Value(),
				Revision: entry.Revision(),
				Created:  entry.Created(),
			})
		}
	}
}

// Watch creates a watcher for key changes matching pattern. Unlike the other
// operations, Watch does not apply a timeout because the watcher is
// long-lived; cancel ctx to stop it.
func (kv *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	watcher, err := kv.bucket.Watch(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	return watcher, nil
}

// Conflict sentinels for CAS writes
var (
	ErrKeyExists        = stderrors.New("kv: key already exists")
	ErrRevisionMismatch = stderrors.New("kv: revision mismatch")
)

// IsKVNotFound checks if an error indicates a missing key
func IsKVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, errors.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	// Raw server responses that predate the typed sentinels.
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflict checks if an error indicates a conflicting write, either a
// Create against an existing key or an Update against a stale revision
func IsKVConflict(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKeyExists) || stderrors.Is(err, ErrRevisionMismatch) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
