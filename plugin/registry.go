package plugin

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/intheon/stream-viewer/errors"
)

// Validation limits applied during registration and config checks.
const (
	// MaxKeyLength bounds plugin key length.
	MaxKeyLength = 128
	// MaxSchemaSize bounds declared config schemas and candidate config
	// documents (1MB).
	MaxSchemaSize = 1024 * 1024
)

// Metadata describes a registered plugin for listings and diagnostics.
type Metadata struct {
	Description string `json:"description"`
	Version     string `json:"version,omitempty"`
}

// Registration binds a string key to a plugin factory. Schema, when set,
// must be a JSON Schema document; configs passed to ValidateConfig are
// checked against it before the factory ever sees them.
type Registration[F any] struct {
	Key      string
	Metadata Metadata
	Schema   json.RawMessage
	Factory  F
}

// Entry is a read-only snapshot of one registration.
type Entry struct {
	Key       string   `json:"key"`
	Kind      string   `json:"kind"`
	Metadata  Metadata `json:"metadata"`
	HasSchema bool     `json:"has_schema"`
}

type record[F any] struct {
	registration Registration[F]
	compiled     *gojsonschema.Schema
}

// Registry maps string keys to plugin factories of one kind. The factory
// type is fixed per registry, so a lookup returns a typed constructor and
// the caller never downcasts. Safe for concurrent use.
type Registry[F any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[string]*record[F]
}

// NewRegistry creates an empty registry. The kind names what the registry
// holds ("source", "formatter", "surface") and appears in error messages
// and Entries snapshots.
func NewRegistry[F any](kind string) *Registry[F] {
	if kind == "" {
		kind = "plugin"
	}
	return &Registry[F]{
		kind:    kind,
		entries: make(map[string]*record[F]),
	}
}

// Kind returns the registry's kind label.
func (r *Registry[F]) Kind() string {
	return r.kind
}

// Register adds a plugin under its key. The key must satisfy ValidateKey,
// the factory must be non-nil, the metadata must carry a description, and
// any declared schema must compile. Registering an existing key fails with
// errors.ErrDuplicatePlugin.
func (r *Registry[F]) Register(reg Registration[F]) error {
	if err := ValidateKey(reg.Key); err != nil {
		return err
	}
	if isNilFactory(reg.Factory) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "plugin.Registry", "Register", "factory validation")
	}
	if reg.Metadata.Description == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "plugin.Registry", "Register", "metadata validation")
	}

	var compiled *gojsonschema.Schema
	if len(reg.Schema) > 0 {
		if len(reg.Schema) > MaxSchemaSize {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "plugin.Registry", "Register", "schema size validation")
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(reg.Schema))
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("compile schema for %s %q: %w", r.kind, reg.Key, err),
				"plugin.Registry", "Register", "schema compilation")
		}
		compiled = schema
		// Detach from the caller's buffer.
		reg.Schema = append(json.RawMessage(nil), reg.Schema...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.Key]; exists {
		msg := fmt.Errorf("%s %q: %w", r.kind, reg.Key, errors.ErrDuplicatePlugin)
		return errors.WrapInvalid(msg, "plugin.Registry", "Register", "duplicate key check")
	}

	r.entries[reg.Key] = &record[F]{registration: reg, compiled: compiled}
	return nil
}

// Lookup returns the registration for a key. Unknown keys fail with
// errors.ErrUnknownPlugin.
func (r *Registry[F]) Lookup(key string) (Registration[F], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entries[key]
	if !ok {
		var zero Registration[F]
		msg := fmt.Errorf("%s %q: %w", r.kind, key, errors.ErrUnknownPlugin)
		return zero, errors.WrapInvalid(msg, "plugin.Registry", "Lookup", "key lookup")
	}
	return rec.registration, nil
}

// ValidateConfig checks a raw config document against the plugin's declared
// schema. Plugins without a schema accept any config. An empty document is
// treated as {} so schemas with required properties reject it. Violations
// fail with errors.ErrSchemaViolation carrying the offending fields.
func (r *Registry[F]) ValidateConfig(key string, raw json.RawMessage) error {
	if len(raw) > MaxSchemaSize {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "plugin.Registry", "ValidateConfig", "config size validation")
	}

	r.mu.RLock()
	rec, ok := r.entries[key]
	r.mu.RUnlock()

	if !ok {
		msg := fmt.Errorf("%s %q: %w", r.kind, key, errors.ErrUnknownPlugin)
		return errors.WrapInvalid(msg, "plugin.Registry", "ValidateConfig", "key lookup")
	}
	if rec.compiled == nil {
		return nil
	}

	doc := raw
	if len(doc) == 0 {
		doc = json.RawMessage("{}")
	}

	result, err := rec.compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("validate config for %s %q: %w", r.kind, key, err),
			"plugin.Registry", "ValidateConfig", "config parsing")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		msg := fmt.Errorf("%s %q: %w: %s", r.kind, key, errors.ErrSchemaViolation, strings.Join(details, "; "))
		return errors.WrapInvalid(msg, "plugin.Registry", "ValidateConfig", "config validation")
	}
	return nil
}

// Schema returns a copy of the plugin's declared schema, or nil when the
// plugin registered without one.
func (r *Registry[F]) Schema(key string) (json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entries[key]
	if !ok {
		msg := fmt.Errorf("%s %q: %w", r.kind, key, errors.ErrUnknownPlugin)
		return nil, errors.WrapInvalid(msg, "plugin.Registry", "Schema", "key lookup")
	}
	if len(rec.registration.Schema) == 0 {
		return nil, nil
	}
	return append(json.RawMessage(nil), rec.registration.Schema...), nil
}

// Entries returns a snapshot of all registrations sorted by key.
func (r *Registry[F]) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.entries))
	for key, rec := range r.entries {
		entries = append(entries, Entry{
			Key:       key,
			Kind:      r.kind,
			Metadata:  rec.registration.Metadata,
			HasSchema: rec.compiled != nil,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Keys returns all registered keys sorted.
func (r *Registry[F]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered plugins.
func (r *Registry[F]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ValidateKey checks that a plugin key is non-empty, within length limits,
// and contains only alphanumerics, dash, underscore, or dot.
func ValidateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "plugin.Registry", "ValidateKey", "empty key")
	}
	if len(key) > MaxKeyLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "plugin.Registry", "ValidateKey", "key too long")
	}
	for _, r := range key {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "plugin.Registry", "ValidateKey", "invalid key characters")
		}
	}
	return nil
}

func isNilFactory[F any](f F) bool {
	v := reflect.ValueOf(f)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Interface, reflect.Map, reflect.Chan, reflect.Slice:
		return v.IsNil()
	}
	return false
}
