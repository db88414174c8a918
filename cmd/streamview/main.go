// Package main implements the streamview entry point. Streamview is a
// live telemetry stream browser: it discovers advertised streams, keeps
// a reconciled registry of them, and renders opened streams to the
// configured sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/intheon/stream-viewer/config"
	"github.com/intheon/stream-viewer/viewer"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamview"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	session, err := viewer.New(cfg, viewer.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	ctx := context.Background()
	if err := session.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	return runWithSignalHandling(ctx, session, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting streamview",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig loads the layered configuration. Without a config file the
// defaults plus STREAMVIEW_* environment overrides apply, so the viewer
// runs against a local NATS server out of the box.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the session and blocks until a signal
// arrives or the session ends on its own, then shuts down within the
// configured timeout.
func runWithSignalHandling(ctx context.Context, session *viewer.Session, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := session.Start(signalCtx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	slog.Info("streamview started")

	// The session ends itself on a quit key in the console browser.
	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case <-session.Done():
		slog.Info("Session ended")
	}

	if err := session.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("streamview shutdown complete")
	return nil
}
