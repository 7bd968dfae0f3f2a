// Package config provides configuration management for issuedeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for issuedeck.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Engines  EnginesConfig  `mapstructure:"engines"`
	Process  ProcessConfig  `mapstructure:"process"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds database connection configuration.
// The default driver is sqlite3 with a local file; postgres deployments set
// driver=pgx and the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// EventsConfig holds event bus configuration.
// An empty URL selects the in-memory bus; a NATS URL selects the NATS bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EnginesConfig holds settings shared by all engine executors.
type EnginesConfig struct {
	// SecretEnvKeys are environment variables stripped from every child
	// process. Keys with the ISSUEDECK_ prefix are always stripped.
	SecretEnvKeys []string `mapstructure:"secretEnvKeys"`

	// Binary overrides; empty means the engine's default lookup.
	ClaudeBinary string `mapstructure:"claudeBinary"`
	CodexBinary  string `mapstructure:"codexBinary"`
	AmpBinary    string `mapstructure:"ampBinary"`

	AvailabilityTimeout int `mapstructure:"availabilityTimeout"` // seconds, per-engine probe budget
	RPCTimeout          int `mapstructure:"rpcTimeout"`          // seconds, JSON-RPC call deadline
	KillGrace           int `mapstructure:"killGrace"`           // seconds between interrupt and SIGKILL

	// FilterRulesPath points at the YAML file of tool-call filter rules.
	// A missing file means no rules.
	FilterRulesPath string `mapstructure:"filterRulesPath"`
}

// ProcessConfig holds process-manager supervision settings.
type ProcessConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"` // per group; 0 = unlimited
	GCInterval    int `mapstructure:"gcInterval"`    // seconds
	MaxAgeHours   int `mapstructure:"maxAgeHours"`   // group max-age before forced reap
	KillTimeout   int `mapstructure:"killTimeout"`   // seconds between SIGTERM and SIGKILL
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AvailabilityTimeoutDuration returns the probe budget as a time.Duration.
func (e *EnginesConfig) AvailabilityTimeoutDuration() time.Duration {
	return time.Duration(e.AvailabilityTimeout) * time.Second
}

// RPCTimeoutDuration returns the JSON-RPC deadline as a time.Duration.
func (e *EnginesConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(e.RPCTimeout) * time.Second
}

// KillGraceDuration returns the interrupt grace period as a time.Duration.
func (e *EnginesConfig) KillGraceDuration() time.Duration {
	return time.Duration(e.KillGrace) * time.Second
}

// GCIntervalDuration returns the GC tick as a time.Duration.
func (p *ProcessConfig) GCIntervalDuration() time.Duration {
	return time.Duration(p.GCInterval) * time.Second
}

// MaxAgeDuration returns the group max-age as a time.Duration.
func (p *ProcessConfig) MaxAgeDuration() time.Duration {
	return time.Duration(p.MaxAgeHours) * time.Hour
}

// KillTimeoutDuration returns the SIGTERM to SIGKILL gap as a time.Duration.
func (p *ProcessConfig) KillTimeoutDuration() time.Duration {
	return time.Duration(p.KillTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ISSUEDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "issuedeck.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "issuedeck")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "issuedeck")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 4)

	// Events defaults - empty URL means use the in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "issuedeck")
	v.SetDefault("events.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engines.secretEnvKeys", []string{"API_SECRET", "DB_PATH", "ALLOWED_ORIGIN"})
	v.SetDefault("engines.claudeBinary", "")
	v.SetDefault("engines.codexBinary", "")
	v.SetDefault("engines.ampBinary", "")
	v.SetDefault("engines.availabilityTimeout", 10)
	v.SetDefault("engines.rpcTimeout", 15)
	v.SetDefault("engines.killGrace", 5)
	v.SetDefault("engines.filterRulesPath", "filters.yaml")

	// Process manager defaults
	v.SetDefault("process.maxConcurrent", 20)
	v.SetDefault("process.gcInterval", 30)
	v.SetDefault("process.maxAgeHours", 24)
	v.SetDefault("process.killTimeout", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ISSUEDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/issuedeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ISSUEDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("events.natsUrl", "ISSUEDECK_EVENTS_NATS_URL")
	_ = v.BindEnv("events.maxReconnects", "ISSUEDECK_EVENTS_MAX_RECONNECTS")
	_ = v.BindEnv("engines.filterRulesPath", "ISSUEDECK_ENGINES_FILTER_RULES_PATH")
	_ = v.BindEnv("engines.claudeBinary", "ISSUEDECK_ENGINES_CLAUDE_BINARY")
	_ = v.BindEnv("engines.codexBinary", "ISSUEDECK_ENGINES_CODEX_BINARY")
	_ = v.BindEnv("engines.ampBinary", "ISSUEDECK_ENGINES_AMP_BINARY")
	_ = v.BindEnv("database.dbName", "ISSUEDECK_DATABASE_DB_NAME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/issuedeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Engines.AvailabilityTimeout <= 0 {
		errs = append(errs, "engines.availabilityTimeout must be positive")
	}
	if cfg.Engines.RPCTimeout <= 0 {
		errs = append(errs, "engines.rpcTimeout must be positive")
	}
	if cfg.Engines.KillGrace <= 0 {
		errs = append(errs, "engines.killGrace must be positive")
	}

	if cfg.Process.GCInterval <= 0 {
		errs = append(errs, "process.gcInterval must be positive")
	}
	if cfg.Process.KillTimeout <= 0 {
		errs = append(errs, "process.killTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
