// Command server hosts one decentralization sale behind an HTTP API.
package main

import (
	"context"
	"os"

	"github.com/mbd888/swapsale/internal/config"
	"github.com/mbd888/swapsale/internal/logging"
	"github.com/mbd888/swapsale/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists.
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting swapsale",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"sale_id", cfg.SaleID,
		"sale_principal", cfg.SalePrincipal,
		"target_base_e8s", cfg.TargetBaseE8s,
		"end_timestamp_seconds", cfg.SaleEndTimestampSeconds,
		"simulators", cfg.UsesSimulators(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
