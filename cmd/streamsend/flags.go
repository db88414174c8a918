package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/intheon/stream-viewer/outlet"
	"github.com/intheon/stream-viewer/source/synthetic"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	NATSURLs       []string
	Streams        int
	Markers        int
	Channels       int
	Rate           float64
	Signal         string
	ChunkSize      int
	MarkerInterval time.Duration
	NamePrefix     string
	Bucket         string
	AdvertTTL      time.Duration
	LogLevel       string
	LogFormat      string
	ShowVersion    bool
	ShowHelp       bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}
	var urls string

	flag.StringVar(&urls, "nats",
		getEnv("STREAMVIEW_NATS_URLS", "nats://localhost:4222"),
		"Comma-separated NATS server URLs (env: STREAMVIEW_NATS_URLS)")

	flag.IntVar(&cfg.Streams, "streams", 3, "Number of sampled streams to generate")
	flag.IntVar(&cfg.Markers, "markers", 1, "Number of marker streams to generate")
	flag.IntVar(&cfg.Channels, "channels", 8, "Channels per sampled stream")
	flag.Float64Var(&cfg.Rate, "rate", 250, "Nominal sample rate in Hz")
	flag.StringVar(&cfg.Signal, "signal", synthetic.SignalSine,
		"Waveform: sine or counter")
	flag.IntVar(&cfg.ChunkSize, "chunk", 0, "Samples per published chunk, 0 for the source default")
	flag.DurationVar(&cfg.MarkerInterval, "marker-interval", 2*time.Second,
		"Interval between published markers")
	flag.StringVar(&cfg.NamePrefix, "name", "synth", "Stream name prefix")
	flag.StringVar(&cfg.Bucket, "bucket", outlet.DefaultBucket,
		"Advertisement KV bucket")
	flag.DurationVar(&cfg.AdvertTTL, "ttl", outlet.DefaultAdvertTTL,
		"Advertisement TTL; streams vanish this long after the last heartbeat")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("STREAMVIEW_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: STREAMVIEW_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("STREAMVIEW_LOG_FORMAT", "text"),
		"Log format: json, text (env: STREAMVIEW_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	for _, u := range strings.Split(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.NATSURLs = append(cfg.NATSURLs, u)
		}
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if len(cfg.NATSURLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	if cfg.Streams < 0 || cfg.Markers < 0 {
		return fmt.Errorf("stream counts cannot be negative")
	}
	if cfg.Streams+cfg.Markers == 0 {
		return fmt.Errorf("nothing to generate: streams and markers are both 0")
	}
	if cfg.Channels < 1 {
		return fmt.Errorf("invalid channel count: %d", cfg.Channels)
	}
	if cfg.Rate <= 0 {
		return fmt.Errorf("invalid sample rate: %g", cfg.Rate)
	}
	if cfg.Signal != synthetic.SignalSine && cfg.Signal != synthetic.SignalCounter {
		return fmt.Errorf("invalid signal: %s", cfg.Signal)
	}
	if cfg.MarkerInterval <= 0 {
		return fmt.Errorf("invalid marker interval: %s", cfg.MarkerInterval)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Synthetic Stream Generator

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Publish three sine streams and one marker stream locally
  %s

  # Ten fast counter streams on a remote broker
  %s --nats=nats://broker:4222 --streams=10 --rate=1000 --signal=counter

Version: %s
Build: %s
`, os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// contains reports whether slice includes item.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
