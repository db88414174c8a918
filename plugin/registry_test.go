package plugin

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/intheon/stream-viewer/errors"
)

type testSource struct {
	subject string
}

type sourceFactory func(raw json.RawMessage) (*testSource, error)

func newTestSource(raw json.RawMessage) (*testSource, error) {
	return &testSource{subject: string(raw)}, nil
}

var testSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"subject": {"type": "string"},
		"depth": {"type": "integer", "minimum": 1}
	},
	"required": ["subject"]
}`)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")
	if r.Kind() != "source" {
		t.Errorf("Expected kind 'source', got %q", r.Kind())
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d entries", r.Len())
	}

	anon := NewRegistry[sourceFactory]("")
	if anon.Kind() != "plugin" {
		t.Errorf("Expected default kind 'plugin', got %q", anon.Kind())
	}
}

func TestRegister(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")

	reg := Registration[sourceFactory]{
		Key:      "nats",
		Metadata: Metadata{Description: "Test source", Version: "1.0.0"},
		Schema:   testSchema,
		Factory:  newTestSource,
	}

	if err := r.Register(reg); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", r.Len())
	}
	if keys := r.Keys(); len(keys) != 1 || keys[0] != "nats" {
		t.Errorf("Expected keys [nats], got %v", keys)
	}

	// Duplicate registration should fail
	err := r.Register(reg)
	if err == nil {
		t.Fatal("Expected error for duplicate registration")
	}
	if !stderrors.Is(err, errors.ErrDuplicatePlugin) {
		t.Errorf("Expected ErrDuplicatePlugin, got %v", err)
	}
	if !errors.IsInvalid(err) {
		t.Errorf("Expected invalid classification, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	var nilFactory sourceFactory

	tests := []struct {
		name         string
		registration Registration[sourceFactory]
	}{
		{
			name: "empty key",
			registration: Registration[sourceFactory]{
				Metadata: Metadata{Description: "x"},
				Factory:  newTestSource,
			},
		},
		{
			name: "key with spaces",
			registration: Registration[sourceFactory]{
				Key:      "bad key",
				Metadata: Metadata{Description: "x"},
				Factory:  newTestSource,
			},
		},
		{
			name: "key with slash",
			registration: Registration[sourceFactory]{
				Key:      "bad/key",
				Metadata: Metadata{Description: "x"},
				Factory:  newTestSource,
			},
		},
		{
			name: "key too long",
			registration: Registration[sourceFactory]{
				Key:      strings.Repeat("a", MaxKeyLength+1),
				Metadata: Metadata{Description: "x"},
				Factory:  newTestSource,
			},
		},
		{
			name: "nil factory",
			registration: Registration[sourceFactory]{
				Key:      "nats",
				Metadata: Metadata{Description: "x"},
				Factory:  nilFactory,
			},
		},
		{
			name: "missing description",
			registration: Registration[sourceFactory]{
				Key:     "nats",
				Factory: newTestSource,
			},
		},
		{
			name: "oversized schema",
			registration: Registration[sourceFactory]{
				Key:      "nats",
				Metadata: Metadata{Description: "x"},
				Schema:   json.RawMessage(strings.Repeat(" ", MaxSchemaSize+1)),
				Factory:  newTestSource,
			},
		},
		{
			name: "malformed schema",
			registration: Registration[sourceFactory]{
				Key:      "nats",
				Metadata: Metadata{Description: "x"},
				Schema:   json.RawMessage(`{"type":`),
				Factory:  newTestSource,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry[sourceFactory]("source")
			err := r.Register(tt.registration)
			if err == nil {
				t.Fatal("Expected registration to fail")
			}
			if !errors.IsInvalid(err) {
				t.Errorf("Expected invalid classification, got %v", err)
			}
			if r.Len() != 0 {
				t.Errorf("Expected registry to stay empty, got %d entries", r.Len())
			}
		})
	}
}

func TestRegisterDetachesSchema(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")

	buf := append(json.RawMessage(nil), testSchema...)
	reg := Registration[sourceFactory]{
		Key:      "nats",
		Metadata: Metadata{Description: "Test source"},
		Schema:   buf,
		Factory:  newTestSource,
	}
	if err := r.Register(reg); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}

	// Clobber the caller's buffer after registration
	for i := range buf {
		buf[i] = 'x'
	}

	got, err := r.Schema("nats")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if string(got) != string(testSchema) {
		t.Error("Stored schema aliases the caller's buffer")
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")

	reg := Registration[sourceFactory]{
		Key:      "nats",
		Metadata: Metadata{Description: "Test source"},
		Factory:  newTestSource,
	}
	if err := r.Register(reg); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}

	found, err := r.Lookup("nats")
	if err != nil {
		t.Fatalf("Failed to look up plugin: %v", err)
	}
	src, err := found.Factory(json.RawMessage(`{"subject":"test"}`))
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	if src == nil {
		t.Fatal("Factory returned nil source")
	}

	_, err = r.Lookup("missing")
	if err == nil {
		t.Fatal("Expected error for unknown key")
	}
	if !stderrors.Is(err, errors.ErrUnknownPlugin) {
		t.Errorf("Expected ErrUnknownPlugin, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")

	withSchema := Registration[sourceFactory]{
		Key:      "nats",
		Metadata: Metadata{Description: "Test source"},
		Schema:   testSchema,
		Factory:  newTestSource,
	}
	withoutSchema := Registration[sourceFactory]{
		Key:      "synthetic",
		Metadata: Metadata{Description: "Schemaless source"},
		Factory:  newTestSource,
	}
	if err := r.Register(withSchema); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}
	if err := r.Register(withoutSchema); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}

	tests := []struct {
		name        string
		key         string
		raw         json.RawMessage
		expectError bool
		violation   bool
		contains    string
	}{
		{
			name: "valid config",
			key:  "nats",
			raw:  json.RawMessage(`{"subject":"streams.data.abc","depth":16}`),
		},
		{
			name:        "missing required field",
			key:         "nats",
			raw:         json.RawMessage(`{"depth":16}`),
			expectError: true,
			violation:   true,
			contains:    "subject",
		},
		{
			name:        "wrong field type",
			key:         "nats",
			raw:         json.RawMessage(`{"subject":"s","depth":"deep"}`),
			expectError: true,
			violation:   true,
			contains:    "depth",
		},
		{
			name:        "minimum violation",
			key:         "nats",
			raw:         json.RawMessage(`{"subject":"s","depth":0}`),
			expectError: true,
			violation:   true,
			contains:    "depth",
		},
		{
			name:        "empty config with required fields",
			key:         "nats",
			raw:         nil,
			expectError: true,
			violation:   true,
		},
		{
			name: "schemaless plugin accepts anything",
			key:  "synthetic",
			raw:  json.RawMessage(`{"whatever":true}`),
		},
		{
			name: "schemaless plugin accepts empty",
			key:  "synthetic",
			raw:  nil,
		},
		{
			name:        "unknown key",
			key:         "missing",
			raw:         json.RawMessage(`{}`),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateConfig(tt.key, tt.raw)
			if !tt.expectError {
				if err != nil {
					t.Fatalf("Expected config to pass, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Expected validation to fail")
			}
			if tt.violation && !stderrors.Is(err, errors.ErrSchemaViolation) {
				t.Errorf("Expected ErrSchemaViolation, got %v", err)
			}
			if tt.contains != "" && !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Expected error mentioning %q, got %v", tt.contains, err)
			}
		})
	}
}

func TestValidateConfigMalformedDocument(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")

	reg := Registration[sourceFactory]{
		Key:      "nats",
		Metadata: Metadata{Description: "Test source"},
		Schema:   testSchema,
		Factory:  newTestSource,
	}
	if err := r.Register(reg); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}

	err := r.ValidateConfig("nats", json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("Expected error for malformed document")
	}
	if !errors.IsInvalid(err) {
		t.Errorf("Expected invalid classification, got %v", err)
	}
	if stderrors.Is(err, errors.ErrSchemaViolation) {
		t.Error("Malformed JSON should not classify as a schema violation")
	}
}

func TestSchema(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")

	if err := r.Register(Registration[sourceFactory]{
		Key:      "nats",
		Metadata: Metadata{Description: "Test source"},
		Schema:   testSchema,
		Factory:  newTestSource,
	}); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}
	if err := r.Register(Registration[sourceFactory]{
		Key:      "synthetic",
		Metadata: Metadata{Description: "Schemaless source"},
		Factory:  newTestSource,
	}); err != nil {
		t.Fatalf("Failed to register plugin: %v", err)
	}

	got, err := r.Schema("nats")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if string(got) != string(testSchema) {
		t.Errorf("Schema mismatch: got %s", got)
	}

	got, err = r.Schema("synthetic")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil schema for schemaless plugin, got %s", got)
	}

	if _, err := r.Schema("missing"); !stderrors.Is(err, errors.ErrUnknownPlugin) {
		t.Errorf("Expected ErrUnknownPlugin, got %v", err)
	}
}

func TestEntries(t *testing.T) {
	r := NewRegistry[sourceFactory]("formatter")

	for _, key := range []string{"zeta", "alpha", "mid"} {
		reg := Registration[sourceFactory]{
			Key:      key,
			Metadata: Metadata{Description: "Entry " + key, Version: "1.0.0"},
			Factory:  newTestSource,
		}
		if key == "mid" {
			reg.Schema = testSchema
		}
		if err := r.Register(reg); err != nil {
			t.Fatalf("Failed to register %q: %v", key, err)
		}
	}

	entries := r.Entries()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	wantOrder := []string{"alpha", "mid", "zeta"}
	for i, want := range wantOrder {
		if entries[i].Key != want {
			t.Errorf("Entry %d: expected key %q, got %q", i, want, entries[i].Key)
		}
		if entries[i].Kind != "formatter" {
			t.Errorf("Entry %d: expected kind 'formatter', got %q", i, entries[i].Kind)
		}
		if entries[i].Metadata.Description != "Entry "+want {
			t.Errorf("Entry %d: unexpected metadata %+v", i, entries[i].Metadata)
		}
	}
	if entries[0].HasSchema || entries[2].HasSchema {
		t.Error("Schemaless entries should report HasSchema=false")
	}
	if !entries[1].HasSchema {
		t.Error("Entry with schema should report HasSchema=true")
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"nats", "time-series", "sink_v2", "console.basic", "A1"}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Errorf("Expected %q to validate, got %v", key, err)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "path/sep", "unicodeé", strings.Repeat("k", MaxKeyLength+1)}
	for _, key := range invalid {
		if err := ValidateKey(key); err == nil {
			t.Errorf("Expected %q to fail validation", key)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry[sourceFactory]("source")

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			reg := Registration[sourceFactory]{
				Key:      fmt.Sprintf("plugin-%d", i),
				Metadata: Metadata{Description: "Concurrent entry"},
				Factory:  newTestSource,
			}
			if err := r.Register(reg); err != nil {
				t.Errorf("Failed to register plugin-%d: %v", i, err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			// Interleave reads with the registrations
			r.Entries()
			r.Keys()
			_, _ = r.Lookup(fmt.Sprintf("plugin-%d", i))
		}(i)
	}
	wg.Wait()

	if r.Len() != n {
		t.Errorf("Expected %d entries after concurrent registration, got %d", n, r.Len())
	}
}
