// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// The package offers a minimal retry mechanism with exponential backoff for
// network operations, resource initialization, and component startup. It has
// no opinion about which errors deserve a retry beyond two escape hatches:
// wrap an error with NonRetryable to fail fast, or set Config.RetryIf to a
// predicate that filters failures at the call site.
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//
// # Usage Examples
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Waiting for a KV bucket to appear during startup:
//
//	bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
//	    return js.KeyValue(ctx, bucketName)
//	})
//
// Retrying only a specific failure class:
//
//	cfg := retry.DefaultConfig()
//	cfg.RetryIf = errors.IsTransient
//	err := retry.Do(ctx, cfg, operation)
//
// # Context Cancellation
//
// All retry operations respect context cancellation and stop immediately when
// the context is cancelled, whether during the operation itself or during a
// backoff delay.
//
// # Thread Safety
//
// All functions are safe for concurrent use. Jitter draws from the
// goroutine-safe math/rand/v2 top-level source.
package retry
