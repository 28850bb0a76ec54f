package config

import (
	"time"

	"github.com/hydragw/hydra/internal/quota"
)

// Config represents the complete gateway configuration, merged from the
// config file, environment variables, and flag overrides.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Keys     KeysConfig     `mapstructure:"keys"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Failover FailoverConfig `mapstructure:"failover"`
	Health   HealthConfig   `mapstructure:"health"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`

	// Limits overrides the built-in per-model quota table. Models absent
	// from this map keep their defaults.
	Limits map[string]quota.Limits `mapstructure:"limits"`

	// Models restricts which upstream models the gateway serves. Empty
	// means every model the credentials can reach.
	Models []string `mapstructure:"models"`

	// Aliases maps client-facing model names onto upstream models, merged
	// over the built-in alias table.
	Aliases map[string]string `mapstructure:"aliases"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// KeysConfig locates the credential pool file.
type KeysConfig struct {
	File string `mapstructure:"file"`
}

// UpstreamConfig configures the upstream API client.
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FailoverConfig bounds the retry rotation.
type FailoverConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	TransientDelay     time.Duration `mapstructure:"transient_delay"`
	ExhaustedRetryHint time.Duration `mapstructure:"exhausted_retry_hint"`
}

// HealthConfig tunes credential health classification.
type HealthConfig struct {
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// AuthConfig controls client access-token checks.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level.
	// Valid values: debug, info, warn, error
	Level string `mapstructure:"level"`
	// File, when set, receives a rotated copy of the structured log.
	File string `mapstructure:"file"`
}

// TunnelConfig configures the optional public-tunnel child process.
type TunnelConfig struct {
	Provider string   `mapstructure:"provider"`
	Binary   string   `mapstructure:"binary"`
	Args     []string `mapstructure:"args"`
}
