// Package config loads and validates the application configuration from
// layered files and environment variables.
//
// # Layers
//
// Configuration is resolved in order: built-in defaults, then each file
// layer added with AddLayer (later layers win key by key), then
// STREAMVIEW_* environment variables. JSON and YAML files are both
// accepted, chosen by extension:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/streamview/config.yaml")
//	loader.AddLayer("config.local.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Merging is deep: a layer that sets only sinks.websocket.address leaves
// the rest of the sinks section at its earlier values.
//
// # Environment overrides
//
// A fixed set of variables override the file layers, including
// STREAMVIEW_NATS_URLS (comma separated), STREAMVIEW_NATS_USERNAME,
// STREAMVIEW_NATS_PASSWORD, STREAMVIEW_NATS_TOKEN,
// STREAMVIEW_DISCOVERY_BACKEND, STREAMVIEW_DISCOVERY_BUCKET,
// STREAMVIEW_LOG_LEVEL, STREAMVIEW_LOG_FORMAT, and
// STREAMVIEW_METRICS_PORT. Credentials are typically supplied this way
// rather than committed to config files.
//
// # Durations
//
// All duration fields accept Go duration strings ("250ms", "3s"), a day
// suffix ("14d"), or raw nanosecond numbers.
//
// # Concurrent access
//
// SafeConfig wraps a Config for shared use: Get returns a deep copy and
// Update validates before swapping, so readers never observe a partially
// written configuration.
package config
