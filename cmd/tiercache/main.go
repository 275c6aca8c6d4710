package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/tiercache"
	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/tiercache.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tiercache %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting tiercache",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("tiers", len(cfg.Tiers)),
		zap.Int("namespaces", len(cfg.Namespaces)),
	)

	cache, err := tiercache.Open(cfg)
	if err != nil {
		logging.Error("failed to open cache", zap.Error(err))
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Error("failed to watch config", zap.Error(err))
		os.Exit(1)
	}
	watcher.OnChange(func(newCfg *config.Config) {
		cache.Reload(newCfg)
		logging.Info("namespace policies reloaded")
	})
	if err := watcher.Start(); err != nil {
		logging.Error("failed to start config watcher", zap.Error(err))
		os.Exit(1)
	}
	defer watcher.Stop()

	srv := server.New(cfg.Server, cache)
	if err := srv.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
