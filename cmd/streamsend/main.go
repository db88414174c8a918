// Package main implements streamsend, a synthetic stream generator for
// exercising streamview. It advertises a set of generated streams over
// NATS and publishes samples until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/intheon/stream-viewer/natsclient"
	"github.com/intheon/stream-viewer/outlet"
	"github.com/intheon/stream-viewer/source"
	"github.com/intheon/stream-viewer/source/synthetic"
	"github.com/intheon/stream-viewer/stream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamsend"
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

	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	client, err := connect(signalCtx, cliCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	gens, err := startGenerators(signalCtx, cliCfg, client, logger)
	if err != nil {
		stopGenerators(gens)
		return err
	}

	slog.Info("streamsend publishing",
		"streams", cliCfg.Streams,
		"markers", cliCfg.Markers,
		"rate", cliCfg.Rate,
		"bucket", cliCfg.Bucket)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	stopGenerators(gens)
	slog.Info("streamsend shutdown complete")
	return nil
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

	slog.Info("Starting streamsend", "version", Version, "build_time", BuildTime)
	return cliCfg, logger, false, nil
}

// connect creates the NATS client and waits for the connection.
func connect(ctx context.Context, cliCfg *CLIConfig, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cliCfg.NATSURLs,
		natsclient.WithName(appName),
		natsclient.WithLogger(logger.With("component", "natsclient")))
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// generator is one advertised stream and the pump feeding it.
type generator struct {
	out *outlet.Outlet
	src source.Source // nil for marker streams
	wg  sync.WaitGroup
}

// startGenerators advertises and starts all configured streams.
func startGenerators(ctx context.Context, cliCfg *CLIConfig, client *natsclient.Client, logger *slog.Logger) ([]*generator, error) {
	hostname, _ := os.Hostname()
	gens := make([]*generator, 0, cliCfg.Streams+cliCfg.Markers)

	for i := 0; i < cliCfg.Streams; i++ {
		desc := stream.Descriptor{
			UID:           uuid.NewString(),
			Name:          fmt.Sprintf("%s-%d", cliCfg.NamePrefix, i+1),
			StreamType:    "EEG",
			Hostname:      hostname,
			ChannelCount:  cliCfg.Channels,
			ChannelFormat: stream.FormatFloat32,
			NominalRate:   cliCfg.Rate,
		}
		gen, err := startSampled(ctx, cliCfg, client, logger, desc)
		if err != nil {
			return gens, err
		}
		gens = append(gens, gen)
	}

	for i := 0; i < cliCfg.Markers; i++ {
		desc := stream.Descriptor{
			UID:           uuid.NewString(),
			Name:          fmt.Sprintf("%s-markers-%d", cliCfg.NamePrefix, i+1),
			StreamType:    "Markers",
			Hostname:      hostname,
			ChannelCount:  1,
			ChannelFormat: stream.FormatString,
			NominalRate:   0,
		}
		gen, err := startMarkers(ctx, cliCfg, client, logger, desc)
		if err != nil {
			return gens, err
		}
		gens = append(gens, gen)
	}

	return gens, nil
}

// startSampled advertises one sampled stream and pumps a synthetic
// signal through it.
func startSampled(ctx context.Context, cliCfg *CLIConfig, client *natsclient.Client, logger *slog.Logger, desc stream.Descriptor) (*generator, error) {
	out, err := newOutlet(ctx, cliCfg, client, logger, desc)
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(synthetic.Config{
		Signal:    cliCfg.Signal,
		ChunkSize: cliCfg.ChunkSize,
	})
	src, err := synthetic.New(raw, desc, source.ModeData, source.Deps{Logger: logger})
	if err != nil {
		_ = out.Stop(time.Second)
		return nil, fmt.Errorf("create signal source for %s: %w", desc.Name, err)
	}
	if err := src.Start(ctx); err != nil {
		_ = out.Stop(time.Second)
		return nil, fmt.Errorf("start signal source for %s: %w", desc.Name, err)
	}

	gen := &generator{out: out, src: src}
	gen.wg.Add(1)
	go func() {
		defer gen.wg.Done()
		for chunk := range src.Chunks() {
			if err := out.PushChunk(ctx, chunk.Samples); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("chunk publish failed", "stream", desc.Name, "error", err)
			}
		}
	}()
	return gen, nil
}

// startMarkers advertises one irregular marker stream and publishes a
// numbered marker at a fixed interval.
func startMarkers(ctx context.Context, cliCfg *CLIConfig, client *natsclient.Client, logger *slog.Logger, desc stream.Descriptor) (*generator, error) {
	out, err := newOutlet(ctx, cliCfg, client, logger, desc)
	if err != nil {
		return nil, err
	}

	gen := &generator{out: out}
	gen.wg.Add(1)
	go func() {
		defer gen.wg.Done()
		ticker := time.NewTicker(cliCfg.MarkerInterval)
		defer ticker.Stop()

		var n uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n++
			sample := stream.Sample{
				Timestamp: float64(time.Now().UnixNano()) / 1e9,
				Marks:     []string{fmt.Sprintf("event-%d", n)},
			}
			if err := out.PushSample(ctx, sample); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("marker publish failed", "stream", desc.Name, "error", err)
			}
		}
	}()
	return gen, nil
}

// newOutlet advertises one stream on the configured bucket.
func newOutlet(ctx context.Context, cliCfg *CLIConfig, client *natsclient.Client, logger *slog.Logger, desc stream.Descriptor) (*outlet.Outlet, error) {
	out, err := outlet.New(client, desc,
		outlet.WithBucket(cliCfg.Bucket),
		outlet.WithAdvertTTL(cliCfg.AdvertTTL),
		outlet.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create outlet for %s: %w", desc.Name, err)
	}
	if err := out.Start(ctx); err != nil {
		return nil, fmt.Errorf("advertise %s: %w", desc.Name, err)
	}
	slog.Info("stream advertised", "name", desc.Name, "uid", desc.UID, "subject", out.Subject())
	return out, nil
}

// stopGenerators tears down pumps and outlets in reverse order.
func stopGenerators(gens []*generator) {
	for i := len(gens) - 1; i >= 0; i-- {
		gen := gens[i]
		if gen.src != nil {
			_ = gen.src.Stop(2 * time.Second)
		}
		gen.wg.Wait()
		if err := gen.out.Stop(2 * time.Second); err != nil {
			slog.Warn("outlet stop failed", "uid", gen.out.UID(), "error", err)
		}
	}
}
