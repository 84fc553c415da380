// Package config provides environment-based configuration for the application host.
//
// Configuration is loaded from environment variables with sensible defaults.
//
// Configuration Sections:
//   - Supervisor: core endpoint name and HTTP listen address
//   - Service: process codec, graceful exit grace period, heartbeat interval, call timeout
//   - Side: directory for side transport sockets
//   - Registry: etcd endpoints for the running-service directory
//   - Logging: log level and output format
//   - RateLimit: RPC server rate limiting
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("core endpoint %s\n", cfg.Supervisor.CoreName)
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Supervisor SupervisorConfig
	Service    ServiceConfig
	Side       SideConfig
	Registry   RegistryConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// SupervisorConfig holds settings for the supervising process.
type SupervisorConfig struct {
	CoreName string `envconfig:"APPHOST_CORE_NAME" default:"powertools-core"`
	HTTPAddr string `envconfig:"APPHOST_HTTP_ADDR" default:"127.0.0.1:8090"`
	Packages string `envconfig:"APPHOST_PACKAGES" default:""`
}

// ServiceConfig holds settings for spawned service processes. The supervisor passes
// Name, Codec and Heartbeat down to each child through its environment.
type ServiceConfig struct {
	Name      string        `envconfig:"APPHOST_SERVICE_NAME" default:""`
	Codec     string        `envconfig:"APPHOST_CODEC" default:"json"`
	Grace     time.Duration `envconfig:"APPHOST_SERVICE_GRACE" default:"3s"`
	Heartbeat time.Duration `envconfig:"APPHOST_HEARTBEAT" default:"0s"`
	// CallTimeout bounds each RPC handler; zero leaves calls unbounded.
	CallTimeout time.Duration `envconfig:"APPHOST_CALL_TIMEOUT" default:"0s"`
}

// SideConfig holds side transport settings.
type SideConfig struct {
	Dir string `envconfig:"APPHOST_SIDE_DIR" default:""`
}

// RegistryConfig holds the running-service directory settings.
type RegistryConfig struct {
	EtcdEndpoints []string `envconfig:"APPHOST_ETCD_ENDPOINTS" default:""`
	TTL           int64    `envconfig:"APPHOST_REGISTRY_TTL" default:"10"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for RPC servers.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"1000"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"2000"`
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			CoreName: "powertools-core",
			HTTPAddr: "127.0.0.1:8090",
		},
		Service: ServiceConfig{
			Codec: "json",
			Grace: 3 * time.Second,
		},
		Registry: RegistryConfig{
			TTL: 10,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             2000,
			Enabled:           false,
		},
	}
}
