package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config; everything else should come from defaults
	configContent := `
logging:
  level: "INFO"

server:
  port: 23456
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// Load config
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Explicit values are preserved
	if cfg.Server.Port != 23456 {
		t.Errorf("Expected server port 23456, got %d", cfg.Server.Port)
	}

	// Verify defaults were applied
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.StorageRoot != "storage" {
		t.Errorf("Expected default storage root 'storage', got %q", cfg.Server.StorageRoot)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Client.SyncDir != "sync_dir" {
		t.Errorf("Expected default sync dir 'sync_dir', got %q", cfg.Client.SyncDir)
	}
	if cfg.Client.DebounceInterval != 200*time.Millisecond {
		t.Errorf("Expected default debounce 200ms, got %v", cfg.Client.DebounceInterval)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Loading with no config file returns a valid default config.
	// This allows running the server without a config file for quick testing.
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}

	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}

	// Verify default sync port
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	// Write invalid YAML
	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// Should return error
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// Environment variables take precedence over the config file
	t.Setenv("SYNCBOX_LOGGING_LEVEL", "DEBUG")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected env override to set level DEBUG, got %q", cfg.Logging.Level)
	}
}

func TestLoad_DurationStrings(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  shutdown_timeout: "5s"

client:
  debounce_interval: "150ms"
  echo_ttl: "3s"
  ack_timeout: "2s"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected shutdown_timeout 5s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Client.DebounceInterval != 150*time.Millisecond {
		t.Errorf("Expected debounce_interval 150ms, got %v", cfg.Client.DebounceInterval)
	}
	if cfg.Client.EchoTTL != 3*time.Second {
		t.Errorf("Expected echo_ttl 3s, got %v", cfg.Client.EchoTTL)
	}
	if cfg.Client.AckTimeout != 2*time.Second {
		t.Errorf("Expected ack_timeout 2s, got %v", cfg.Client.AckTimeout)
	}
}

func TestLoad_InvalidConfigFailsValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 70000
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected validation error for out-of-range port, got nil")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "saved", "config.yaml")

	original := GetDefaultConfig()
	original.Server.Port = 24680
	original.Logging.Level = "DEBUG"

	if err := SaveConfig(original, configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if loaded.Server.Port != 24680 {
		t.Errorf("Expected port 24680 after round trip, got %d", loaded.Server.Port)
	}
	if loaded.Logging.Level != "DEBUG" {
		t.Errorf("Expected level DEBUG after round trip, got %q", loaded.Logging.Level)
	}
	if loaded.Server.StorageRoot != original.Server.StorageRoot {
		t.Errorf("Expected storage root %q, got %q", original.Server.StorageRoot, loaded.Server.StorageRoot)
	}
}
