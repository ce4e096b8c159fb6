// Package config provides Viper-based configuration loading for the warden server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds PostgreSQL connection settings for the durable audit store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// AuditRetention is how long persisted security audits are kept before
	// the purger deletes them.
	AuditRetention time.Duration `mapstructure:"audit_retention"`
	// Enabled controls whether audits are persisted to PostgreSQL in addition
	// to the in-memory store. When false the server never opens a connection.
	Enabled bool `mapstructure:"enabled"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ValidatorConfig holds anti-cheat pipeline tuning.
type ValidatorConfig struct {
	// MaxActionsPerWindow is the rate limit per rolling window.
	MaxActionsPerWindow int `mapstructure:"max_actions_per_window"`
	// RateWindow is the rolling rate-limit window duration.
	RateWindow time.Duration `mapstructure:"rate_window"`
	// MaxFastActions is how many under-spaced actions are tolerated per window.
	MaxFastActions int `mapstructure:"max_fast_actions"`
	// MinBlockSpacing is the minimum block delta between consecutive actions.
	MinBlockSpacing uint64 `mapstructure:"min_block_spacing"`
	// TurnTimeout is the per-turn action deadline.
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
	// BanDuration is how long a critical audit bans an actor.
	BanDuration time.Duration `mapstructure:"ban_duration"`
	// RulesDir is an optional directory of Lua deny rules; empty disables them.
	RulesDir string `mapstructure:"rules_dir"`
	// RulesFile is an optional YAML tuning file overriding limits and bounds.
	RulesFile string `mapstructure:"rules_file"`
}

// TrackerConfig holds transaction lifecycle tracker tuning.
type TrackerConfig struct {
	// SubmitTimeout is how long a transaction may stay non-terminal before
	// the sweeper marks it timed out.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	// Retention is how long terminal records are kept before garbage collection.
	Retention time.Duration `mapstructure:"retention"`
	// SweepInterval is how often the garbage-collection sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// PollInterval is how often confirmation monitoring polls the ledger.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SubscriberBuffer is the per-subscriber event channel capacity.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// Config is the top-level application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateValidator(c.Validator); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTracker(c.Tracker); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if d.AuditRetention <= 0 {
		errs = append(errs, "database.audit_retention must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateValidator(v ValidatorConfig) error {
	var errs []string
	if v.MaxActionsPerWindow < 1 {
		errs = append(errs, fmt.Sprintf("validator.max_actions_per_window must be >= 1, got %d", v.MaxActionsPerWindow))
	}
	if v.RateWindow <= 0 {
		errs = append(errs, "validator.rate_window must be positive")
	}
	if v.MaxFastActions < 0 {
		errs = append(errs, fmt.Sprintf("validator.max_fast_actions must be >= 0, got %d", v.MaxFastActions))
	}
	if v.TurnTimeout <= 0 {
		errs = append(errs, "validator.turn_timeout must be positive")
	}
	if v.BanDuration <= 0 {
		errs = append(errs, "validator.ban_duration must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTracker(t TrackerConfig) error {
	var errs []string
	if t.SubmitTimeout <= 0 {
		errs = append(errs, "tracker.submit_timeout must be positive")
	}
	if t.Retention <= 0 {
		errs = append(errs, "tracker.retention must be positive")
	}
	if t.SweepInterval <= 0 {
		errs = append(errs, "tracker.sweep_interval must be positive")
	}
	if t.PollInterval <= 0 {
		errs = append(errs, "tracker.poll_interval must be positive")
	}
	if t.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("tracker.subscriber_buffer must be >= 1, got %d", t.SubscriberBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with WARDEN_ prefix
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, errors.New("nil viper instance")
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "warden")
	v.SetDefault("database.password", "warden")
	v.SetDefault("database.name", "warden")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.audit_retention", "720h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("validator.max_actions_per_window", 8)
	v.SetDefault("validator.rate_window", "60s")
	v.SetDefault("validator.max_fast_actions", 3)
	v.SetDefault("validator.min_block_spacing", 2)
	v.SetDefault("validator.turn_timeout", "30s")
	v.SetDefault("validator.ban_duration", "15m")

	v.SetDefault("tracker.submit_timeout", "30s")
	v.SetDefault("tracker.retention", "1h")
	v.SetDefault("tracker.sweep_interval", "10s")
	v.SetDefault("tracker.poll_interval", "2s")
	v.SetDefault("tracker.subscriber_buffer", 64)
}
