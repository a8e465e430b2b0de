// IQMind risk engine - detects refund-risk signals and mitigates them
// before they turn into payment disputes.
package main

import (
	"context"
	"os"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
	"github.com/Aguti1902/iqmind-sub000/internal/logging"
	"github.com/Aguti1902/iqmind-sub000/internal/server"
	"github.com/Aguti1902/iqmind-sub000/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting iqmind risk engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"dispute_check_hours", cfg.DisputeCheckInterval,
		"user_scan_hours", cfg.UserScanInterval,
	)

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
