// Package config provides configuration management for the bridge
// multiplexer. Supports TOML configuration files with environment
// variable overrides; the process takes no CLI arguments.
package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all multiplexer configuration.
type Config struct {
	// AppService identity presented to the homeserver
	AppService AppServiceConfig `toml:"appservice"`

	// Ingress HTTP server
	Server ServerConfig `toml:"server"`

	// Persistent store
	Store StoreConfig `toml:"store"`

	// Homeserver this multiplexer fronts (seeded on startup)
	Homeserver HomeserverConfig `toml:"homeserver"`

	// Bridge container orchestration
	Orchestrator OrchestratorConfig `toml:"orchestrator"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// AppServiceConfig holds the multiplexer's AS registration identity.
type AppServiceConfig struct {
	// ID is this multiplexer's AS id string, substituted into the ping
	// path when bridge pings are forwarded upstream.
	ID string `toml:"id" env:"BRIDGEMUX_ID"`

	// Namespace is the username prefix owned by this AS registration,
	// e.g. "_bridge_manager__".
	Namespace string `toml:"namespace" env:"BRIDGEMUX_NAMESPACE"`

	// ASToken is the token the multiplexer presents to the homeserver.
	ASToken string `toml:"as_token" env:"BRIDGEMUX_AS_TOKEN"`

	// UpstreamTimeout bounds each outbound homeserver call.
	UpstreamTimeout time.Duration `toml:"upstream_timeout" env:"BRIDGEMUX_UPSTREAM_TIMEOUT"`
}

// ServerConfig holds ingress bind configuration.
type ServerConfig struct {
	Host string `toml:"host" env:"BRIDGEMUX_HOST"`
	Port int    `toml:"port" env:"BRIDGEMUX_PORT"`

	// AdminToken protects the /admin provisioning API. Empty disables
	// the admin surface entirely.
	AdminToken string `toml:"admin_token" env:"BRIDGEMUX_ADMIN_TOKEN"`
}

// StoreConfig holds database configuration.
type StoreConfig struct {
	// Path is the sqlite database file path.
	Path string `toml:"path" env:"BRIDGEMUX_DB_PATH"`
}

// HomeserverConfig identifies the fronted Matrix homeserver. A row is
// ensured in the homeservers table on startup.
type HomeserverConfig struct {
	// URL is the homeserver base URL, e.g. "http://localhost:8008".
	URL string `toml:"url" env:"BRIDGEMUX_HS_URL"`

	// Name is the server-name suffix used in @user:name.
	Name string `toml:"name" env:"BRIDGEMUX_HS_NAME"`

	// HSToken is the secret the homeserver presents to the AS.
	HSToken string `toml:"hs_token" env:"BRIDGEMUX_HS_TOKEN"`
}

// OrchestratorConfig holds bridge container lifecycle configuration.
type OrchestratorConfig struct {
	// Enabled turns container orchestration on. When false the
	// multiplexer only routes for externally managed bridges.
	Enabled bool `toml:"enabled" env:"BRIDGEMUX_ORCHESTRATOR_ENABLED"`

	// DockerHost is the docker daemon address.
	DockerHost string `toml:"docker_host" env:"BRIDGEMUX_DOCKER_HOST"`

	// TemplateDir holds per-service bridge config templates.
	TemplateDir string `toml:"template_dir" env:"BRIDGEMUX_TEMPLATE_DIR"`

	// BridgeAddress is the address bridges use to reach this
	// multiplexer's /bridge ingress from inside their containers.
	BridgeAddress string `toml:"bridge_address" env:"BRIDGEMUX_BRIDGE_ADDRESS"`

	// StatusSweepSchedule is a cron expression for the periodic
	// live/ready probe of all registered bridges.
	StatusSweepSchedule string `toml:"status_sweep_schedule" env:"BRIDGEMUX_STATUS_SWEEP"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level" env:"BRIDGEMUX_LOG_LEVEL"`
	Format string `toml:"format" env:"BRIDGEMUX_LOG_FORMAT"`
	Output string `toml:"output" env:"BRIDGEMUX_LOG_OUTPUT"`
}

// DefaultConfig returns a configuration with sane defaults. Identity
// fields have no defaults and must come from file or environment.
func DefaultConfig() *Config {
	return &Config{
		AppService: AppServiceConfig{
			Namespace:       "_bridge_manager__",
			UpstreamTimeout: 20 * time.Second,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Path: "bridgemux.db",
		},
		Orchestrator: OrchestratorConfig{
			DockerHost:          "unix:///var/run/docker.sock",
			TemplateDir:         "templates",
			StatusSweepSchedule: "@every 1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate checks that the configuration is complete enough to start.
func (c *Config) Validate() error {
	if c.AppService.ID == "" {
		return fmt.Errorf("%w: appservice.id", ErrMissingValue)
	}
	if c.AppService.Namespace == "" {
		return fmt.Errorf("%w: appservice.namespace", ErrMissingValue)
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("%w: appservice.as_token", ErrMissingValue)
	}
	if c.AppService.UpstreamTimeout <= 0 {
		return fmt.Errorf("%w: appservice.upstream_timeout must be positive", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path", ErrMissingValue)
	}
	if c.Homeserver.URL == "" {
		return fmt.Errorf("%w: homeserver.url", ErrMissingValue)
	}
	if c.Homeserver.Name == "" {
		return fmt.Errorf("%w: homeserver.name", ErrMissingValue)
	}
	if c.Homeserver.HSToken == "" {
		return fmt.Errorf("%w: homeserver.hs_token", ErrMissingValue)
	}
	return nil
}
