package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for invalid values.
//
// Struct-level constraints are expressed as `validate` tags on the config
// types and checked with go-playground/validator. Cross-field rules that
// tags cannot express are checked explicitly afterwards.
//
// Validate does not mutate the configuration; normalization (such as log
// level casing) happens in ApplyDefaults.
func Validate(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The /metrics endpoint is served by the admin HTTP server, so enabling
	// metrics without the admin server would collect samples nothing can scrape.
	if cfg.Metrics.Enabled && !cfg.Admin.Enabled {
		return fmt.Errorf("metrics.enabled requires admin.enabled: the metrics endpoint is served by the admin server")
	}

	if cfg.Admin.Enabled && cfg.Admin.Port == cfg.Server.Port {
		return fmt.Errorf("admin.port and server.port must differ (both set to %d)", cfg.Server.Port)
	}

	return nil
}
