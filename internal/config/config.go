// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates sessionguard configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/sessionguard/internal/logging"
	"github.com/jeranaias/sessionguard/internal/security"
	"github.com/jeranaias/sessionguard/internal/security/audit"
	"github.com/jeranaias/sessionguard/internal/session"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/util"
	"github.com/jeranaias/sessionguard/internal/validation"
)

// ValidationError and ValidateErrors are the error types Validate returns.
type (
	ValidationError = validation.ValidationError
	ValidateErrors  = validation.ValidateErrors
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a string ("15m") in TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the root configuration.
type Config struct {
	Session SessionConfig `toml:"session"`
	Lockout LockoutConfig `toml:"lockout"`
	Storage StorageConfig `toml:"storage"`
	Audit   AuditConfig   `toml:"audit"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	Users   []UserConfig  `toml:"users" validate:"dive"`
}

// SessionConfig is the inactivity timeout policy.
type SessionConfig struct {
	Enabled    bool     `toml:"enabled"`
	Timeout    Duration `toml:"timeout" validate:"gt=0"`
	Warning    Duration `toml:"warning" validate:"gte=0,ltefield=Timeout"`
	StorageKey string   `toml:"storage_key" validate:"required"`
}

// LockoutConfig is the failed-login policy.
type LockoutConfig struct {
	MaxAttempts int      `toml:"max_attempts" validate:"gt=0"`
	Duration    Duration `toml:"duration" validate:"gt=0"`
	Window      Duration `toml:"window" validate:"gt=0"`
	StorageKey  string   `toml:"storage_key" validate:"required"`
}

// StorageConfig selects the shared store backend.
type StorageConfig struct {
	Driver       string   `toml:"driver" validate:"oneof=memory file redis sqlite"`
	Dir          string   `toml:"dir" validate:"required_if=Driver file"`
	RedisURL     string   `toml:"redis_url" validate:"required_if=Driver redis"`
	KeyPrefix    string   `toml:"key_prefix"`
	SQLitePath   string   `toml:"sqlite_path" validate:"required_if=Driver sqlite"`
	PollInterval Duration `toml:"poll_interval" validate:"gte=0"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	HMACKey   string `toml:"hmac_key,omitempty" validate:"omitempty,hexadecimal"`
	KeyFile   string `toml:"key_file,omitempty"`
	MaxSizeMB int64  `toml:"max_size_mb" validate:"gte=0"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json console"`
	Output string `toml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"required_if=Enabled true"`
}

// UserConfig is a local account for the login command.
type UserConfig struct {
	Name         string `toml:"name" validate:"required"`
	PasswordHash string `toml:"password_hash" validate:"required"`
	TOTPSecret   string `toml:"totp_secret,omitempty"`
}

// =============================================================================
// DEFAULTS & PATHS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	dir, err := Dir()
	if err != nil {
		dir = ".sessionguard"
	}
	return &Config{
		Session: SessionConfig{
			Enabled:    true,
			Timeout:    Duration(session.DefaultTimeout),
			Warning:    Duration(session.DefaultWarningDuration),
			StorageKey: session.DefaultStorageKey,
		},
		Lockout: LockoutConfig{
			MaxAttempts: security.DefaultMaxAttempts,
			Duration:    Duration(security.DefaultLockoutDuration),
			Window:      Duration(security.DefaultAttemptWindow),
			StorageKey:  security.DefaultLockoutKey,
		},
		Storage: StorageConfig{
			Driver:       store.DriverFile,
			Dir:          filepath.Join(dir, "state"),
			KeyPrefix:    "sessionguard",
			SQLitePath:   filepath.Join(dir, "state.db"),
			PollInterval: Duration(store.DefaultPollInterval),
		},
		Audit: AuditConfig{
			Enabled:   true,
			Path:      filepath.Join(dir, "audit.log"),
			MaxSizeMB: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Dir returns ~/.sessionguard.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".sessionguard"), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD & SAVE
// =============================================================================

// Load reads the default config file. A missing file yields the defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads path over the defaults, applies environment overrides
// and validates. A missing file is not an error.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := ensureSecurePermissions(path); err != nil {
			return nil, err
		}
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically with owner-only permissions.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# sessionguard configuration\n")
	buf.WriteString("# Durations use Go syntax: 90s, 15m, 1h30m\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy with password hashes, TOTP secrets and the audit
// key masked.
func (c *Config) Redacted() *Config {
	clone := *c
	if clone.Audit.HMACKey != "" {
		clone.Audit.HMACKey = "********"
	}
	clone.Users = make([]UserConfig, len(c.Users))
	for i, u := range c.Users {
		u.PasswordHash = "********"
		if u.TOTPSecret != "" {
			u.TOTPSecret = "********"
		}
		clone.Users[i] = u
	}
	return &clone
}

// String renders the config as TOML with secrets masked.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("# failed to encode config: %v\n", err)
	}
	return buf.String()
}

// SetUser adds or replaces the named account.
func (c *Config) SetUser(u UserConfig) {
	for i := range c.Users {
		if c.Users[i].Name == u.Name {
			c.Users[i] = u
			return
		}
	}
	c.Users = append(c.Users, u)
}

// ensureSecurePermissions tightens a config file to 0600, since it may hold
// password hashes and the audit key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported environment variables:
//   - SESSIONGUARD_SESSION_TIMEOUT, SESSIONGUARD_SESSION_WARNING: durations
//   - SESSIONGUARD_SESSION_ENABLED: "true" or "false"
//   - SESSIONGUARD_LOCKOUT_MAX_ATTEMPTS: integer
//   - SESSIONGUARD_STORAGE_DRIVER, SESSIONGUARD_STORAGE_DIR
//   - SESSIONGUARD_REDIS_URL, SESSIONGUARD_SQLITE_PATH
//   - SESSIONGUARD_AUDIT_HMAC_KEY: hex key for the audit chain
//   - SESSIONGUARD_LOG_LEVEL
//   - SESSIONGUARD_METRICS_ADDR: enables metrics on the address
func (c *Config) ApplyEnvOverrides() error {
	durations := []struct {
		env string
		dst *Duration
	}{
		{"SESSIONGUARD_SESSION_TIMEOUT", &c.Session.Timeout},
		{"SESSIONGUARD_SESSION_WARNING", &c.Session.Warning},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			if err := d.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", d.env, err)
			}
		}
	}

	if v := os.Getenv("SESSIONGUARD_SESSION_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SESSIONGUARD_SESSION_ENABLED: %w", err)
		}
		c.Session.Enabled = enabled
	}

	if v := os.Getenv("SESSIONGUARD_LOCKOUT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSIONGUARD_LOCKOUT_MAX_ATTEMPTS: %w", err)
		}
		c.Lockout.MaxAttempts = n
	}

	strs := []struct {
		env string
		dst *string
	}{
		{"SESSIONGUARD_STORAGE_DRIVER", &c.Storage.Driver},
		{"SESSIONGUARD_STORAGE_DIR", &c.Storage.Dir},
		{"SESSIONGUARD_REDIS_URL", &c.Storage.RedisURL},
		{"SESSIONGUARD_SQLITE_PATH", &c.Storage.SQLitePath},
		{"SESSIONGUARD_AUDIT_HMAC_KEY", &c.Audit.HMACKey},
		{"SESSIONGUARD_AUDIT_KEY_FILE", &c.Audit.KeyFile},
		{"SESSIONGUARD_LOG_LEVEL", &c.Log.Level},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("SESSIONGUARD_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = v
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks field rules and cross-field constraints. The error, when
// non-nil, is a ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if err := validation.Struct(c); err != nil {
		var fieldErrs ValidateErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		errs = append(errs, fieldErrs...)
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Name == "" {
			continue
		}
		if seen[u.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("users[%d].name", i),
				Message: fmt.Sprintf("duplicate user %q", u.Name),
			})
		}
		seen[u.Name] = true
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// SessionPolicy returns the session tracker config.
func (c *Config) SessionPolicy() session.Config {
	return session.Config{
		Timeout:         c.Session.Timeout.Std(),
		WarningDuration: c.Session.Warning.Std(),
		StorageKey:      c.Session.StorageKey,
		Enabled:         c.Session.Enabled,
	}
}

// LockoutPolicy returns the lockout tracker config.
func (c *Config) LockoutPolicy() security.LockoutConfig {
	return security.LockoutConfig{
		MaxAttempts:     c.Lockout.MaxAttempts,
		LockoutDuration: c.Lockout.Duration.Std(),
		AttemptWindow:   c.Lockout.Window.Std(),
		StorageKey:      c.Lockout.StorageKey,
	}
}

// StoreConfig returns the backend selection for store.Open.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:       c.Storage.Driver,
		Dir:          c.Storage.Dir,
		RedisURL:     c.Storage.RedisURL,
		KeyPrefix:    c.Storage.KeyPrefix,
		SQLitePath:   c.Storage.SQLitePath,
		PollInterval: c.Storage.PollInterval.Std(),
	}
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Output: c.Log.Output,
	}
}

// AuditKey returns the audit HMAC key. An inline hmac_key wins over
// key_file. It returns nil when neither is set.
func (c *Config) AuditKey() ([]byte, error) {
	switch {
	case c.Audit.HMACKey != "":
		key, err := audit.ParseKey(c.Audit.HMACKey)
		if err != nil {
			return nil, fmt.Errorf("audit.hmac_key: %w", err)
		}
		return key, nil
	case c.Audit.KeyFile != "":
		key, err := audit.LoadKeyFile(c.Audit.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("audit.key_file: %w", err)
		}
		return key, nil
	}
	return nil, nil
}

// DefaultKeyFile is where `audit keygen` writes when no path is given.
func DefaultKeyFile() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.key"), nil
}

// User returns the named account.
func (c *Config) User(name string) (UserConfig, bool) {
	for _, u := range c.Users {
		if u.Name == name {
			return u, true
		}
	}
	return UserConfig{}, false
}
