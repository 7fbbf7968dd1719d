// Package config provides the configuration schema and loading for the
// countersign authorization engine. Configuration is file-based (YAML)
// with environment variable overrides.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the countersign server.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures rule persistence.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Audit configures where audit events are written and how the async
	// audit pipeline behaves.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Auth configures the admin API keys.
	// Optional: when empty, only dev mode requests are accepted.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Tracing configures OpenTelemetry trace and metric export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// SeedFile is an optional YAML file of context rules to install at
	// boot for accounts that have none yet.
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`

	// DevMode enables development features (verbose logging, a permissive
	// admin key, in-memory storage defaults).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// Only plain HTTP is supported; terminate TLS at a reverse proxy.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "10s").
	// Defaults to "10s" if not specified.
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty"`
}

// StoreConfig configures context rule persistence.
type StoreConfig struct {
	// Driver selects the rule store backend.
	// Valid values: "memory" (volatile) or "sqlite".
	// Defaults to "memory" if empty.
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=memory sqlite"`

	// DSN is the sqlite data source (e.g., "countersign.db" or
	// "file:countersign.db?_pragma=busy_timeout(5000)").
	// Required when driver is "sqlite".
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// AuthConfig configures admin API authentication.
// Keys are argon2id hashes; generate them with `countersign hash-key`.
type AuthConfig struct {
	// AdminKeys maps bearer keys to the account they may administer.
	AdminKeys []AdminKeyConfig `yaml:"admin_keys" mapstructure:"admin_keys" validate:"omitempty,dive"`
}

// AdminKeyConfig binds one hashed admin key to one account.
type AdminKeyConfig struct {
	// KeyHash is the argon2id hash of the admin key.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=$argon2"`

	// Account is the account this key administers. The admin API is
	// self-authorized: the key only reaches its own account's rules.
	Account string `yaml:"account" mapstructure:"account" validate:"required"`
}

// AuditConfig configures audit event output and pipeline tuning.
type AuditConfig struct {
	// Output specifies where audit events are written.
	// Valid values: "stdout" or "file://<absolute-dir>".
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// RetentionDays is the number of days to keep audit files.
	// Only used with file output. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// ChannelSize is the buffer size of the audit channel.
	// Defaults to 1000 if not specified or 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of events to batch before writing.
	// Defaults to 100 if not specified or 0.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often to flush pending events (e.g., "1s").
	// Defaults to "1s" if not specified.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// SendTimeout is how long to block when the channel is full.
	// "0" or empty = drop immediately. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`

	// WarningThreshold is the channel depth percentage (0-100) at which a
	// rate-limited warning is logged. 0 disables warnings. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Enabled turns trace and metric export on or off.
	// Exporters write to stdout; ship them with a collector sidecar.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied before validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Server.LogLevel == "" || c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}

	// A well-known dev key hash (of "dev-admin-key") for the "dev" account.
	if len(c.Auth.AdminKeys) == 0 {
		c.Auth.AdminKeys = []AdminKeyConfig{
			{
				KeyHash: "$argon2id$v=19$m=65536,t=1,p=4$c291bnRlcnNpZ24tZGV2$L9pOPF3cRw09UL1PQfuxQOvXEC37PsT1WyhIcT0y/Vw",
				Account: "dev",
			},
		}
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only; network exposure must be explicit.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}

	// Tracing defaults to on unless explicitly disabled.
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("tracing.enabled") {
		c.Tracing.Enabled = true
	}
}
