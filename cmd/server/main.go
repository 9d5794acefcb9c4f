// Command server runs the agentbazaar order and escrow coordinator.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mbd888/agentbazaar/internal/config"
	"github.com/mbd888/agentbazaar/internal/logging"
	"github.com/mbd888/agentbazaar/internal/server"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "agentbazaar")
	slog.SetDefault(logger)
	server.Version = Version

	logger.Info("starting",
		slog.Group("build", "version", Version, "commit", Commit, "time", BuildTime),
		slog.Group("config",
			"env", cfg.Env,
			"chain_mode", cfg.ChainMode,
			"chain_id", cfg.ChainID,
			"confirmations", cfg.Confirmations,
			"reconcile_interval", cfg.ReconcileInterval,
			"placement_wait", cfg.PlacementWait,
		),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}
