package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from an optional TOML file, then applies
// environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("BRIDGEMUX_CONFIG")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	// AppService overrides
	if v := os.Getenv("BRIDGEMUX_ID"); v != "" {
		cfg.AppService.ID = v
	}
	if v := os.Getenv("BRIDGEMUX_NAMESPACE"); v != "" {
		cfg.AppService.Namespace = v
	}
	if v := os.Getenv("BRIDGEMUX_AS_TOKEN"); v != "" {
		cfg.AppService.ASToken = v
	}
	if v := os.Getenv("BRIDGEMUX_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AppService.UpstreamTimeout = d
		}
	}

	// Server overrides
	if v := os.Getenv("BRIDGEMUX_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BRIDGEMUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BRIDGEMUX_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}

	// Store overrides
	if v := os.Getenv("BRIDGEMUX_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}

	// Homeserver overrides
	if v := os.Getenv("BRIDGEMUX_HS_URL"); v != "" {
		cfg.Homeserver.URL = v
	}
	if v := os.Getenv("BRIDGEMUX_HS_NAME"); v != "" {
		cfg.Homeserver.Name = v
	}
	if v := os.Getenv("BRIDGEMUX_HS_TOKEN"); v != "" {
		cfg.Homeserver.HSToken = v
	}

	// Orchestrator overrides
	if v := os.Getenv("BRIDGEMUX_ORCHESTRATOR_ENABLED"); v != "" {
		cfg.Orchestrator.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BRIDGEMUX_DOCKER_HOST"); v != "" {
		cfg.Orchestrator.DockerHost = v
	}
	if v := os.Getenv("BRIDGEMUX_TEMPLATE_DIR"); v != "" {
		cfg.Orchestrator.TemplateDir = v
	}
	if v := os.Getenv("BRIDGEMUX_BRIDGE_ADDRESS"); v != "" {
		cfg.Orchestrator.BridgeAddress = v
	}
	if v := os.Getenv("BRIDGEMUX_STATUS_SWEEP"); v != "" {
		cfg.Orchestrator.StatusSweepSchedule = v
	}

	// Logging overrides
	if v := os.Getenv("BRIDGEMUX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BRIDGEMUX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BRIDGEMUX_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}
