// Command sumwired runs the sumwire protocol server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sumwire/sumwire/internal/logger"
	"github.com/sumwire/sumwire/pkg/config"
	"github.com/sumwire/sumwire/pkg/metrics"
	"github.com/sumwire/sumwire/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("sumwired starting")
	logConfig(cfg)

	var serverMetrics metrics.ServerMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		serverMetrics = metrics.NewServerMetrics()

		go func() {
			if err := metrics.StartHTTPServer(ctx, cfg.Metrics.Port); err != nil {
				logger.Error("Metrics endpoint failed: %v", err)
			}
		}()
	}

	srv := server.New(cfg.Server, serverMetrics)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received %v, initiating graceful shutdown...", sig)
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}

func logConfig(cfg *config.Config) {
	logger.Info("Server configuration:")
	logger.Info("  Listen address: %s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	if cfg.Server.MaxConnections > 0 {
		logger.Info("  Max connections: %d (overflow policy: %s)",
			cfg.Server.MaxConnections, cfg.Server.OverflowPolicy)
	} else {
		logger.Info("  Max connections: unlimited")
	}
	logger.Info("  Max frame size: %d bytes", cfg.Server.MaxFrameSize)
	logger.Info("  Read timeout: %v", cfg.Server.ReadTimeout)
	logger.Info("  Write timeout: %v", cfg.Server.WriteTimeout)
	logger.Info("  Idle timeout: %v", cfg.Server.IdleTimeout)
	logger.Info("  Shutdown timeout: %v", cfg.Server.ShutdownTimeout)
	if cfg.Server.RateLimit.RequestsPerSecond > 0 {
		logger.Info("  Rate limit: %d req/s (burst %d)",
			cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	} else {
		logger.Info("  Rate limit: disabled")
	}
	if cfg.Metrics.Enabled {
		logger.Info("  Metrics endpoint: :%d/metrics", cfg.Metrics.Port)
	} else {
		logger.Info("  Metrics: disabled")
	}
}
