// Package natsclient provides a NATS client with circuit breaker protection,
// automatic reconnection, and JetStream key-value support.
//
// The package wraps the standard NATS Go client with the reliability features
// the viewer needs on flaky lab networks: a circuit breaker that fails fast
// after repeated connection failures, exponential backoff between circuit
// rounds, and consistent error mapping so callers can branch on sentinel
// errors instead of parsing server strings. It carries all NATS traffic in
// the toolkit: stream advertisements through a KV bucket and sample chunks
// over core subjects.
//
// # Connection Lifecycle
//
// A client moves through disconnected, connecting, connected, and
// reconnecting states, with circuit_open as the failure escape hatch. Create
// a client, connect it, and close it when the session ends:
//
//	client, err := natsclient.NewClient(cfg.NATS.URLs,
//	    natsclient.WithName(cfg.Identity()),
//	    natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
//	    natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// Reconnection after a network drop is handled by the NATS library itself;
// the client tracks the resulting state changes, counts reconnects, and
// invokes the optional callbacks registered through options.
//
// # Circuit Breaker
//
// Repeated failures (default threshold 5) open the circuit. While open,
// Connect and the KV bucket operations fail immediately with
// errors.ErrCircuitOpen rather than piling up timeouts. After a backoff that
// doubles per round up to WithMaxBackoff, the circuit half-opens and the
// next attempt is allowed through. Any success resets the breaker.
//
// # Key-Value Buckets
//
// Buckets hold stream advertisements keyed by stream UID. The client exposes
// bucket lifecycle operations, and KVStore layers value-level operations
// with consistent error mapping on top:
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
//	    Bucket: "stream-ads",
//	    TTL:    10 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//
//	store := client.NewKVStore(bucket)
//	if _, err := store.Put(ctx, desc.UID, payload); err != nil {
//	    return err
//	}
//
// Entries returns a point-in-time snapshot of every live key, which is how
// discovery resolves the current set of advertised streams:
//
//	entries, err := store.Entries(ctx)
//	for _, e := range entries {
//	    // e.Key is the stream UID, e.Value the advertisement payload
//	}
//
// Missing keys surface as errors.ErrKeyNotFound and missing buckets as
// errors.ErrBucketNotFound. CAS conflicts map to ErrKeyExists and
// ErrRevisionMismatch.
//
// # Metrics
//
// WithMetrics wires the client to the shared connection gauges: connected
// state, round-trip time, reconnect count, and circuit state. The client
// works without a registry; every metric path tolerates the nil handle.
//
// # Testing Support
//
// TestClient runs a real NATS server in a container for integration tests:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithKVBuckets("stream-ads"))
//	bucket, _ := tc.KVBucket(ctx, "stream-ads")
//
// NewSharedTestClient is the TestMain variant for sharing one server across
// a package. Both require a container runtime and belong behind the
// integration build tag.
package natsclient
