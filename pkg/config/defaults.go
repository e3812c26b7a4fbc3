package config

import (
	"strings"
	"time"
)

// Default values applied to unspecified configuration fields.
const (
	// DefaultPort is the TCP port the sync server listens on.
	DefaultPort = 12345

	// DefaultStorageRoot is the directory holding per-user sync directories.
	DefaultStorageRoot = "storage"

	// DefaultSyncDir is the client's local sync directory.
	DefaultSyncDir = "sync_dir"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyAdminDefaults(&cfg.Admin)
	applyClientDefaults(&cfg.Client)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets sync server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = DefaultStorageRoot
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 128
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyAdminDefaults sets admin HTTP server defaults.
func applyAdminDefaults(cfg *AdminConfig) {
	// Enabled defaults to false (opt-in)
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
}

// applyClientDefaults sets sync client defaults.
func applyClientDefaults(cfg *ClientConfig) {
	if cfg.SyncDir == "" {
		cfg.SyncDir = DefaultSyncDir
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 200 * time.Millisecond
	}
	if cfg.EchoTTL == 0 {
		cfg.EchoTTL = 5 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 10 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Running without a config file
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
