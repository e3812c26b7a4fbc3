package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/metrics"
	"github.com/syncbox/syncbox/pkg/metrics/prometheus"
	"github.com/syncbox/syncbox/pkg/server"
	"github.com/syncbox/syncbox/pkg/store"
)

var startCmd = &cobra.Command{
	Use:   "start [port]",
	Short: "Start the syncbox server",
	Long: `Start the syncbox server with the specified configuration.

An optional port argument overrides the configured listen port.

Examples:
  # Start with the configured (or default) port
  syncboxd start

  # Start on a specific port
  syncboxd start 12345

  # Start with a custom config file
  syncboxd start --config /etc/syncbox/config.yaml

  # Use environment variable overrides
  SYNCBOX_LOGGING_LEVEL=DEBUG syncboxd start`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q: must be an integer in 1-65535", args[0])
		}
		cfg.Server.Port = port
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("configuration loaded", "source", configSource())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m metrics.SyncMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		m = prometheus.NewSyncMetrics()
		logger.Info("metrics collection enabled")
	} else {
		logger.Info("metrics collection disabled")
	}

	root, err := store.NewRoot(store.DefaultConfig(cfg.Server.StorageRoot))
	if err != nil {
		return fmt.Errorf("failed to open storage root: %w", err)
	}
	defer func() { _ = root.Close() }()
	logger.Info("storage root ready", logger.KeyPath, root.BasePath())

	srv := server.New(server.Config{
		BindAddress:     cfg.Server.BindAddress,
		Port:            cfg.Server.Port,
		MaxConnections:  cfg.Server.MaxConnections,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, root, m)

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.NewAdminServer(server.AdminConfig{
			BindAddress: cfg.Admin.BindAddress,
			Port:        cfg.Admin.Port,
		}, srv.Registry())
		go func() {
			if err := admin.Start(ctx); err != nil {
				logger.Error("admin server error", logger.KeyError, err.Error())
			}
		}()
		logger.Info("admin server enabled",
			logger.KeyAddr, fmt.Sprintf("%s:%d", cfg.Admin.BindAddress, cfg.Admin.Port))
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()

		if admin != nil {
			if err := admin.Stop(context.Background()); err != nil {
				logger.Warn("admin server shutdown error", logger.KeyError, err.Error())
			}
		}
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", logger.KeyError, err.Error())
			return err
		}
		logger.Info("server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if admin != nil {
			_ = admin.Stop(context.Background())
		}
		if err != nil {
			logger.Error("server error", logger.KeyError, err.Error())
			return err
		}
		logger.Info("server stopped")
	}

	return nil
}

// loadConfig loads the config file when one exists and falls back to the
// built-in defaults otherwise, so a bare "syncboxd start" just works.
func loadConfig() (*config.Config, error) {
	if GetConfigFile() == "" && !config.DefaultConfigExists() {
		return config.GetDefaultConfig(), nil
	}
	return config.MustLoad(GetConfigFile())
}

// configSource describes where the active configuration came from.
func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
