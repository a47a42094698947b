// Package main implements the entry point for the fleetgate gateway.
// Fleetgate terminates TCP connections from device fleets, decodes the binary
// frame protocol, deduplicates by device counter, and routes messages and
// events onto JetStream topics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetgate/config"
	"github.com/c360/fleetgate/dedup"
	"github.com/c360/fleetgate/health"
	"github.com/c360/fleetgate/input/tcp"
	"github.com/c360/fleetgate/metric"
	"github.com/c360/fleetgate/natsclient"
	"github.com/c360/fleetgate/pkg/retry"
	"github.com/c360/fleetgate/publisher"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fleetgate"
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
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting fleetgate",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Observability first so everything downstream can report.
	registry := metric.NewRegistry()
	monitor := health.NewMonitor()
	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer func() { _ = metricsServer.Stop() }()
	slog.Info("Metrics server started", "address", metricsServer.Address())

	natsClient, err := connectBroker(signalCtx, cfg, logger, monitor)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	if err := ensureStreams(signalCtx, natsClient, cfg); err != nil {
		return err
	}

	pub, err := publisher.NewNATSPublisher(natsClient, publisher.NATSConfig{
		Timeout:     cfg.Publish.Timeout,
		Acks:        publisher.AcksPolicy(cfg.Publish.Acks),
		Idempotence: cfg.Publish.Idempotence,
	}, logger.With("component", "publisher"))
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}

	gateway := tcp.NewServer(tcp.ServerDeps{
		Config: tcp.Config{
			Addr:                     cfg.Listen.Addr(),
			MaxConnections:           cfg.Gateway.MaxConnections,
			ReadBufferSize:           cfg.Gateway.ReadBufferSize,
			MaxPendingBytes:          cfg.Gateway.MaxPendingBytes,
			IdleTimeout:              cfg.Gateway.IdleTimeout,
			MessageTopic:             cfg.Topics.DeviceMessage,
			EventTopic:               cfg.Topics.DeviceEvent,
			DisconnectOnPublishError: cfg.Gateway.DisconnectOnPublishError,
		},
		Publisher: pub,
		Dedup:     dedup.NewIndex(cfg.Gateway.DedupEntriesPerDevice),
		Metrics:   registry.CoreMetrics(),
		Monitor:   monitor,
		Logger:    logger.With("component", "tcp-input"),
	})
	if err := gateway.Initialize(); err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	if err := gateway.Start(signalCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	slog.Info("Fleetgate started",
		"listen", gateway.Addr(),
		"message_topic", cfg.Topics.DeviceMessage,
		"event_topic", cfg.Topics.DeviceEvent)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(gateway, pub, cliCfg.ShutdownTimeout)
}

// connectBroker connects the NATS client, retrying transient failures, and
// wires broker health into the monitor.
func connectBroker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	monitor *health.Monitor,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("broker", "connected")
			} else {
				monitor.UpdateUnhealthy("broker", "connection lost")
			}
		}),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.ClientName != "" {
		opts = append(opts, natsclient.WithClientName(cfg.NATS.ClientName))
	} else {
		opts = append(opts, natsclient.WithClientName(appName))
	}
	if cfg.NATS.Username != "" && cfg.NATS.Password != "" {
		opts = append(opts, natsclient.WithUserInfo(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.Compression {
		opts = append(opts, natsclient.WithCompression(true))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return client.Connect(ctx)
	}); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	monitor.UpdateHealthy("broker", "connected")
	return client, nil
}

// ensureStreams provisions the two JetStream streams the gateway publishes
// to. Safe to call on every startup.
func ensureStreams(ctx context.Context, client *natsclient.Client, cfg *config.Config) error {
	for _, topic := range []string{cfg.Topics.DeviceMessage, cfg.Topics.DeviceEvent} {
		streamCfg := jetstream.StreamConfig{
			Name:      streamName(topic),
			Subjects:  []string{topic},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
		}
		if err := client.EnsureStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("ensure stream for %s: %w", topic, err)
		}
	}
	return nil
}

// streamName derives a JetStream stream name from a topic: uppercased with
// dots replaced, e.g. "device.messages" becomes "DEVICE_MESSAGES".
func streamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, ".", "_"))
}

// shutdown stops the components in reverse dependency order: stop accepting
// and drain handlers, then flush and close the publisher.
func shutdown(gateway *tcp.Server, pub publisher.Publisher, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	if err := gateway.Stop(timeout); err != nil {
		slog.Error("Gateway stop failed", "error", err)
	}

	flushCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := pub.Flush(flushCtx); err != nil {
		slog.Error("Publisher flush failed", "error", err)
	}
	if err := pub.Close(flushCtx); err != nil {
		slog.Error("Publisher close failed", "error", err)
	}

	slog.Info("Fleetgate shutdown complete")
	return nil
}
