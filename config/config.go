package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/intheon/stream-viewer/stream"
)

// Discovery backend names.
const (
	DiscoveryNATS   = "nats"
	DiscoveryStatic = "static"
)

// Config is the complete application configuration: identity and logging,
// the NATS connection, discovery, viewer behavior, source instances, and
// the optional sinks and metrics endpoint.
type Config struct {
	Version   string          `json:"version,omitempty"`
	App       AppConfig       `json:"app"`
	Log       LogConfig       `json:"log"`
	NATS      NATSConfig      `json:"nats"`
	Discovery DiscoveryConfig `json:"discovery"`
	Viewer    ViewerConfig    `json:"viewer"`
	Sources   SourceConfigs   `json:"sources,omitempty"`
	Sinks     SinksConfig     `json:"sinks"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// AppConfig identifies this process in logs, NATS connection names, and
// outlet advertisements.
type AppConfig struct {
	Name        string `json:"name"`
	Instance    string `json:"instance,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// SlogLevel maps the configured level name to its slog level, defaulting
// to info.
func (lc LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(lc.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NATSConfig defines the NATS connection settings shared by discovery,
// sources, and outlets.
type NATSConfig struct {
	URLs          []string  `json:"urls,omitempty"`
	MaxReconnects int       `json:"max_reconnects,omitempty"`
	ReconnectWait Duration  `json:"reconnect_wait,omitempty"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"password,omitempty"`
	Token         string    `json:"token,omitempty"`
	TLS           TLSConfig `json:"tls,omitempty"`
}

// TLSConfig for secure NATS connections.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// DiscoveryConfig selects and tunes the stream resolution backend.
type DiscoveryConfig struct {
	Backend   string   `json:"backend"`              // nats or static
	Bucket    string   `json:"bucket,omitempty"`     // advertisement KV bucket
	AdvertTTL Duration `json:"advert_ttl,omitempty"` // outlet heartbeat lifetime
	Timeout   Duration `json:"timeout,omitempty"`    // per-refresh resolution budget

	// Static holds fixture descriptors for the static backend, used in
	// tests and offline demos.
	Static []stream.Descriptor `json:"static,omitempty"`
}

// ViewerConfig tunes the interactive session built around the registry.
type ViewerConfig struct {
	AutoRefresh    Duration `json:"auto_refresh,omitempty"` // 0 disables periodic refresh
	RefreshTimeout Duration `json:"refresh_timeout,omitempty"`
	RateInterval   Duration `json:"rate_interval,omitempty"` // effective-rate update cadence
	RateDecay      Duration `json:"rate_decay,omitempty"`    // smoothing window for measurements
	SeriesWindow   Duration `json:"series_window,omitempty"` // samples kept per display
	SeriesMode     string   `json:"series_mode,omitempty"`   // scroll or sweep
	MonitorStreams bool     `json:"monitor_streams"`         // subscribe to rows for live rates
}

// SourceConfigs maps source instance names to their configuration.
// Instances are created only when a factory for Type is registered and
// Enabled is true.
type SourceConfigs map[string]SourceConfig

// SourceConfig configures one source instance. Config is passed opaquely
// to the factory registered for Type.
type SourceConfig struct {
	Type    string          `json:"type"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Validate checks instance-level requirements.
func (s SourceConfig) Validate() error {
	if s.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

// SinksConfig enables and tunes the built-in sinks.
type SinksConfig struct {
	WebSocket WebSocketSinkConfig `json:"websocket,omitempty"`
	Recorder  RecorderSinkConfig  `json:"recorder,omitempty"`
	Console   ConsoleSinkConfig   `json:"console,omitempty"`
}

// WebSocketSinkConfig configures the registry mirror endpoint.
type WebSocketSinkConfig struct {
	Enabled    bool   `json:"enabled"`
	Port       int    `json:"port,omitempty"` // 0 keeps the sink default
	Path       string `json:"path,omitempty"`
	QueueDepth int    `json:"queue_depth,omitempty"` // per-client outbound ring
}

// RecorderSinkConfig configures the InfluxDB sample recorder.
type RecorderSinkConfig struct {
	Enabled       bool     `json:"enabled"`
	URL           string   `json:"url,omitempty"`
	Token         string   `json:"token,omitempty"`
	Org           string   `json:"org,omitempty"`
	Bucket        string   `json:"bucket,omitempty"`
	FlushInterval Duration `json:"flush_interval,omitempty"`
}

// ConsoleSinkConfig configures the terminal stream browser.
type ConsoleSinkConfig struct {
	Enabled bool  `json:"enabled"`
	FPS     int   `json:"fps,omitempty"`
	Mouse   *bool `json:"mouse,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Duration is a time.Duration that unmarshals from "3s" style strings,
// "14d" day counts, or raw nanosecond numbers, in both JSON and YAML
// layers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration in string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts duration strings and nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// parseDurationWithDays parses durations that may carry a day suffix,
// such as "14d".
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy through a JSON round trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Identity returns the process identity used in logs and connection
// names, composed from app name and instance.
func (c *Config) Identity() string {
	if c.App.Instance != "" {
		return c.App.Name + "-" + c.App.Instance
	}
	return c.App.Name
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app.name is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}

	switch c.Discovery.Backend {
	case DiscoveryNATS:
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required for the nats discovery backend")
		}
		if c.Discovery.Bucket == "" {
			return errors.New("discovery.bucket is required for the nats discovery backend")
		}
	case DiscoveryStatic:
		for i, d := range c.Discovery.Static {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("discovery.static[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("discovery.backend %q is not one of %s, %s",
			c.Discovery.Backend, DiscoveryNATS, DiscoveryStatic)
	}

	if c.Discovery.Timeout < 0 || c.Viewer.RefreshTimeout < 0 || c.Viewer.AutoRefresh < 0 {
		return errors.New("timeouts and intervals cannot be negative")
	}
	switch c.Viewer.SeriesMode {
	case "", "scroll", "sweep":
	default:
		return fmt.Errorf("viewer.series_mode %q is not one of scroll, sweep", c.Viewer.SeriesMode)
	}

	for name, source := range c.Sources {
		if name == "" {
			return errors.New("source instance name cannot be empty")
		}
		if err := source.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
	}

	if c.Sinks.WebSocket.Port < 0 || c.Sinks.WebSocket.Port > 65535 {
		return fmt.Errorf("sinks.websocket.port %d is out of range", c.Sinks.WebSocket.Port)
	}
	if c.Sinks.WebSocket.QueueDepth < 0 {
		return errors.New("sinks.websocket.queue_depth cannot be negative")
	}
	if c.Sinks.Recorder.Enabled {
		if c.Sinks.Recorder.URL == "" {
			return errors.New("sinks.recorder.url is required when enabled")
		}
		if c.Sinks.Recorder.Org == "" || c.Sinks.Recorder.Bucket == "" {
			return errors.New("sinks.recorder.org and bucket are required when enabled")
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
	}

	return nil
}

// Loader loads configuration from layered files with environment
// overrides. Later layers win over earlier ones; environment variables
// win over all files.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with no layers and the STREAMVIEW env
// prefix.
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "STREAMVIEW",
	}
}

// AddLayer appends a configuration file layer. JSON and YAML files are
// both accepted, chosen by extension.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation turns post-load validation on or off.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file, replacing any layers.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, all layers, and environment overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := json.Marshal(l.getDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(merged, &base); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}

	for _, path := range l.layers {
		layer, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		base = deepMergeMaps(base, layer)
	}

	data, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode merged config: %w", err)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) getDefaults() *Config {
	return &Config{
		App: AppConfig{Name: "streamview"},
		Log: LogConfig{Level: "info", Format: "text"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Backend:   DiscoveryNATS,
			Bucket:    "stream-ads",
			AdvertTTL: Duration(10 * time.Second),
			Timeout:   Duration(3 * time.Second),
		},
		Viewer: ViewerConfig{
			AutoRefresh:    Duration(2 * time.Second),
			RefreshTimeout: Duration(3 * time.Second),
			RateInterval:   Duration(time.Second),
			RateDecay:      Duration(3 * time.Second),
			SeriesWindow:   Duration(5 * time.Second),
			SeriesMode:     "scroll",
			MonitorStreams: true,
		},
		Sinks: SinksConfig{
			WebSocket: WebSocketSinkConfig{
				Port:       8080,
				Path:       "/ws",
				QueueDepth: 256,
			},
			Recorder: RecorderSinkConfig{
				FlushInterval: Duration(time.Second),
			},
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
	}
}

// loadRaw reads one layer into a generic map, decoding by extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAMLPath(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps with override winning. Nil
// override values are skipped so a layer cannot accidentally null out a
// section.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies STREAMVIEW_* environment variables on top of
// the merged file layers.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	get := func(suffix string) string {
		key := l.envPrefix + suffix
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return ""
		}
		return val
	}

	if val := get("_APP_INSTANCE"); val != "" {
		cfg.App.Instance = val
	}
	if val := get("_APP_ENVIRONMENT"); val != "" {
		cfg.App.Environment = val
	}
	if val := get("_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := get("_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := get("_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := get("_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := get("_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := get("_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := get("_DISCOVERY_BACKEND"); val != "" {
		cfg.Discovery.Backend = val
	}
	if val := get("_DISCOVERY_BUCKET"); val != "" {
		cfg.Discovery.Bucket = val
	}
	if val := get("_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns an indented JSON rendering of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
