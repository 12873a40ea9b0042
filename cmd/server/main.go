package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dantee296/SwiftOSC/internal/config"
	"github.com/Dantee296/SwiftOSC/internal/metrics"
	"github.com/Dantee296/SwiftOSC/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "osc-receiver"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (.yaml, .yml or .toml)")
	port := flag.Int("port", -1, "Override the UDP port from the configuration file")
	logMessages := flag.Bool("log-messages", false, "Log every decoded message and bundle at info level")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port >= 0 {
		cfg.Server.UDPPort = *port
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -port: %v\n", err)
			os.Exit(1)
		}
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("buffer_size", cfg.Server.BufferSize),
		slog.Int("delivery_queue_size", cfg.Server.DeliveryQueueSize),
		slog.Int("max_retired_peers", cfg.Server.MaxRetiredPeers),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Decoded traffic goes to the log; debug level unless asked otherwise
	level := slog.LevelDebug
	if *logMessages {
		level = slog.LevelInfo
	}
	consumer := server.LogConsumer{Logger: logger.With(slog.String("component", "consumer")), Level: level}

	// Initialize UDP server
	udpServer := server.NewUDPServer(cfg.Server, logger, appMetrics, consumer)
	udpServer.SetStateHandler(server.StateHandlerFunc(func(from, to server.State, err error) {
		if to == server.Failed {
			logger.Error("UDP listener failed, use POST /listener/restart to retry",
				slog.String("from", from.String()),
				slog.String("error", err.Error()),
			)
		}
	}))
	logger.Info("UDP server initialized")

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, udpServer, appMetrics, prometheus.DefaultGatherer)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start UDP server. A bind failure is only fatal when nothing can
	// restart the listener later.
	if err := udpServer.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		if httpServer == nil {
			os.Exit(1)
		}
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	udpAddress := cfg.Server.ListenAddress()
	if addr := udpServer.LocalAddr(); addr != nil {
		udpAddress = addr.String()
	}
	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpAddress),
		slog.String("state", udpServer.State().String()),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop UDP server (drains pending deliveries)
	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("messages_decoded", stats.MessagesDecoded),
		slog.Uint64("bundles_decoded", stats.BundlesDecoded),
		slog.Uint64("decode_errors", stats.DecodeErrors),
		slog.Uint64("peer_replacements", stats.PeerReplacements),
		slog.Uint64("delivery_drops", stats.DeliveryDrops),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
