// Package plugin provides typed constructor registries for the pluggable
// pieces of the viewer: stream sources, value formatters, and display
// surfaces.
//
// # Overview
//
// A Registry maps string keys to factories of one kind. The registry is
// generic over the factory type, so each kind gets its own instantiation
// and lookups return typed constructors without downcasts:
//
//	sources := plugin.NewRegistry[source.Factory]("source")
//	formatters := plugin.NewRegistry[render.FormatterFactory]("formatter")
//	surfaces := plugin.NewRegistry[render.SurfaceFactory]("surface")
//
// Registries are resolved once at startup. Registration is explicit rather
// than init() self-registration: each plugin package exports a Register
// function taking the registry, and the application wires them together.
// This keeps registries isolated in tests and keeps the dependency graph
// visible in main.
//
// # Registration
//
// A Registration carries the key, human-readable metadata, an optional JSON
// Schema for the plugin's config block, and the factory itself:
//
//	err := sources.Register(plugin.Registration[source.Factory]{
//		Key: "nats",
//		Metadata: plugin.Metadata{
//			Description: "Subscribes to stream chunks over NATS",
//			Version:     "1.0.0",
//		},
//		Schema:  natsSchema,
//		Factory: newNATSSource,
//	})
//
// Keys are validated against a restricted charset, duplicate keys fail with
// errors.ErrDuplicatePlugin, and declared schemas are compiled at
// registration so malformed schemas surface immediately.
//
// # Config Validation
//
// Plugin config arrives as json.RawMessage. ValidateConfig checks it
// against the plugin's declared schema before the factory runs:
//
//	if err := sources.ValidateConfig("nats", rawConfig); err != nil {
//		return err // wraps errors.ErrSchemaViolation with field details
//	}
//	reg, err := sources.Lookup("nats")
//	if err != nil {
//		return err
//	}
//	src, err := reg.Factory(rawConfig, deps)
//
// Plugins that declare no schema accept any config.
//
// # Diagnostics
//
// Entries returns a sorted snapshot of every registration for listings and
// health surfaces; Schema returns a plugin's declared schema for export.
package plugin
