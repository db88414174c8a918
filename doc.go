// Package streamviewer provides a toolkit for browsing and rendering
// live telemetry streams over NATS.
//
// # Overview
//
// Producers advertise streams in a JetStream key-value bucket and publish
// sampled or irregular marker data on per-stream subjects. Viewers keep a
// reconciled registry of the advertised streams, measure their effective
// rates, and render opened streams to one or more display surfaces.
//
//	┌──────────┐  advertise   ┌─────────────┐   refresh   ┌──────────┐
//	│  Outlet  │─────────────▶│  NATS KV    │◀────────────│ Registry │
//	│(producer)│              │ (adverts)   │             │ (viewer) │
//	└────┬─────┘              └─────────────┘             └────┬─────┘
//	     │ publish chunks                                      │ open
//	     ▼                                                     ▼
//	┌─────────────┐           ┌───────────┐            ┌──────────────┐
//	│data subject │──────────▶│  Source   │───────────▶│  Formatter   │
//	└─────────────┘           │(subscribe)│            │ + Surface    │
//	                          └───────────┘            └──────────────┘
//
// # Packages
//
// The core layers:
//
//   - stream: descriptors, samples, chunks, adverts, and their codec
//   - registry: the reconciled stream table with minimal ordered change
//     events and live rate updates
//   - discovery: resolvers that produce stream snapshots (NATS KV, static)
//   - monitor: per-stream effective-rate measurement with decay smoothing
//   - render: formatter and surface composition for opened streams
//   - viewer: the session wiring everything into one running viewer
//
// Data movement:
//
//   - outlet: the producer side, advertisement plus chunk publication
//   - source: stream inlets (NATS, MQTT, synthetic signals)
//   - sink: display surfaces (websocket fan-out, InfluxDB recorder,
//     terminal browser)
//
// Shared infrastructure:
//
//   - natsclient: the managed NATS connection with JetStream and KV
//   - config: layered file configuration with STREAMVIEW_ env overrides
//   - errors: classified errors with component and operation context
//   - health: component health states and aggregation
//   - metric: prometheus registry and exposition endpoint
//   - plugin: keyed factory registries with JSON-schema config validation
//
// # Entry points
//
// cmd/streamview runs the viewer; cmd/streamsend generates synthetic
// streams for demos and load tests. A minimal session in code:
//
//	cfg, err := config.NewLoader().LoadFile("viewer.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	session, err := viewer.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := session.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := session.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer session.Stop(10 * time.Second)
//	<-session.Done()
package streamviewer
