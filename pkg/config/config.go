// Package config loads the service configuration and the declarative route
// definitions the engine assembles pipelines from.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
// ESB_SERVER__ADDRESS maps to server.address.
const EnvPrefix = "ESB_"

// Config holds the global configuration for the ESB.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Downstream DownstreamConfig `koanf:"downstream"`
	Assets     AssetsConfig     `koanf:"assets"`
	RoutesFile string           `koanf:"routes_file"`
	Journal    JournalConfig    `koanf:"journal"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds configuration for the inbound and admin listeners.
type ServerConfig struct {
	Address           string `koanf:"address"`
	AdminAddress      string `koanf:"admin_address"`
	MaxConcurrency    int    `koanf:"max_concurrency"`
	QueueTimeoutMS    int    `koanf:"queue_timeout_ms"`
	MaxBodyBytes      int64  `koanf:"max_body_bytes"`
	ReadTimeoutMS     int    `koanf:"read_timeout_ms"`
	WriteTimeoutMS    int    `koanf:"write_timeout_ms"`
	ShutdownTimeoutMS int    `koanf:"shutdown_timeout_ms"`
}

// DownstreamConfig sizes the outbound connection pools.
type DownstreamConfig struct {
	MaxConns         int `koanf:"max_conns"`
	MaxIdleConns     int `koanf:"idle_conns"`
	DefaultTimeoutMS int `koanf:"default_timeout_ms"`
}

// AssetsConfig locates schemas and stylesheets referenced by routes.
type AssetsConfig struct {
	SchemaDir     string `koanf:"schema_dir"`
	StylesheetDir string `koanf:"stylesheet_dir"`
}

// JournalConfig selects the run journal backend.
type JournalConfig struct {
	Driver   string `koanf:"driver"` // memory, sqlite
	Path     string `koanf:"path"`
	Capacity int    `koanf:"capacity"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
	Stdout       bool   `koanf:"stdout"`
	ServiceName  string `koanf:"service_name"`
	Environment  string `koanf:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

var defaults = map[string]any{
	"server.address":                ":8080",
	"server.admin_address":          ":9090",
	"server.max_concurrency":        64,
	"server.queue_timeout_ms":       250,
	"server.max_body_bytes":         1 << 20,
	"server.read_timeout_ms":        10000,
	"server.write_timeout_ms":       30000,
	"server.shutdown_timeout_ms":    10000,
	"downstream.max_conns":          32,
	"downstream.idle_conns":         16,
	"downstream.default_timeout_ms": 5000,
	"assets.schema_dir":             "assets/schemas",
	"assets.stylesheet_dir":         "assets/stylesheets",
	"routes_file":                   "routes.yaml",
	"journal.driver":                "memory",
	"journal.path":                  "esb.db",
	"journal.capacity":              1000,
	"telemetry.service_name":        "polis-esb",
	"logging.level":                 "info",
	"logging.format":                "json",
}

// Load reads configuration from path (optional, a missing file is not an
// error), applies ESB_ environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, fmt.Errorf("failed to set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Downstream.Validate(); err != nil {
		return fmt.Errorf("downstream configuration: %w", err)
	}
	if err := c.Assets.Validate(); err != nil {
		return fmt.Errorf("assets configuration: %w", err)
	}
	if strings.TrimSpace(c.RoutesFile) == "" {
		return errors.New("routes_file is required")
	}
	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("journal configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address is required")
	}
	if c.AdminAddress != "" && c.AdminAddress == c.Address {
		return fmt.Errorf("admin_address %q conflicts with address", c.AdminAddress)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	for name, v := range map[string]int{
		"queue_timeout_ms":    c.QueueTimeoutMS,
		"read_timeout_ms":     c.ReadTimeoutMS,
		"write_timeout_ms":    c.WriteTimeoutMS,
		"shutdown_timeout_ms": c.ShutdownTimeoutMS,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// QueueTimeout is how long a request waits for a worker slot.
func (c ServerConfig) QueueTimeout() time.Duration { return millis(c.QueueTimeoutMS) }

// ReadTimeout bounds reading an inbound request.
func (c ServerConfig) ReadTimeout() time.Duration { return millis(c.ReadTimeoutMS) }

// WriteTimeout bounds a full request/response exchange.
func (c ServerConfig) WriteTimeout() time.Duration { return millis(c.WriteTimeoutMS) }

// ShutdownTimeout bounds graceful shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration { return millis(c.ShutdownTimeoutMS) }

// Validate performs validation of downstream configuration.
func (c *DownstreamConfig) Validate() error {
	if c.MaxConns < 0 || c.MaxIdleConns < 0 {
		return errors.New("max_conns and idle_conns must not be negative")
	}
	if c.DefaultTimeoutMS < 0 {
		return errors.New("default_timeout_ms must not be negative")
	}
	return nil
}

// DefaultTimeout applies to invoke-http stages without their own timeout.
func (c DownstreamConfig) DefaultTimeout() time.Duration { return millis(c.DefaultTimeoutMS) }

// Validate performs validation of asset directories.
func (c *AssetsConfig) Validate() error {
	if strings.TrimSpace(c.SchemaDir) == "" || strings.TrimSpace(c.StylesheetDir) == "" {
		return errors.New("schema_dir and stylesheet_dir are required")
	}
	return nil
}

// Validate performs validation of journal configuration.
func (c *JournalConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "memory":
		if c.Capacity < 0 {
			return errors.New("capacity must not be negative")
		}
	case "sqlite":
		if strings.TrimSpace(c.Path) == "" {
			return errors.New("path is required for the sqlite driver")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported driver %q, supported drivers: memory, sqlite, none", c.Driver)
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-esb"
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "", "json":
		c.Format = "json"
	case "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
