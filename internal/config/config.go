// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the trustgate
// verification engine.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation. Locations (in order of precedence):
//   - TRUSTGATE_* environment variables
//   - <dir>/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/vaultfs/trustgate/internal/captcha"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete trustgate configuration.
type Config struct {
	// Session settings
	Session SessionConfig `toml:"session"`

	// Challenge (CAPTCHA) settings
	Challenge ChallengeConfig `toml:"challenge"`

	// One-time code settings
	Code CodeConfig `toml:"code"`

	// Audit settings
	Audit AuditConfig `toml:"audit"`

	// Store settings
	Store StoreConfig `toml:"store"`
}

// SessionConfig controls the session watcher.
type SessionConfig struct {
	// TickIntervalSecs is the advisory pull cadence in seconds.
	// Valid range 1-60; values outside are clamped.
	TickIntervalSecs int `toml:"tick_interval_secs"`
	// WarningBeforeSecs is how long before expiry the warning callback
	// fires. 0 disables the warning.
	WarningBeforeSecs int `toml:"warning_before_secs"`
}

// ChallengeConfig controls the visual challenge gate.
type ChallengeConfig struct {
	// Length is the number of glyphs in a challenge. Range 4-12.
	Length int `toml:"length"`
	// MaxAttempts is the failure count that triggers lockout. Range 1-10.
	MaxAttempts int `toml:"max_attempts"`
	// CaseSensitive controls whether answers are compared exactly.
	CaseSensitive bool `toml:"case_sensitive"`
}

// CodeConfig controls the one-time code gate.
type CodeConfig struct {
	// TTLSecs is how long an issued code stays valid. Range 60-3600.
	TTLSecs int `toml:"ttl_secs"`
	// ResendIntervalSecs is the minimum gap between resends. Range 10-600.
	ResendIntervalSecs int `toml:"resend_interval_secs"`
}

// AuditConfig controls audit logging.
type AuditConfig struct {
	// Enabled turns the audit trail on.
	Enabled bool `toml:"enabled"`
	// LogPath is the audit log file (empty = <state dir>/audit.log).
	LogPath string `toml:"log_path"`
}

// StoreConfig controls state persistence.
type StoreConfig struct {
	// Path is the state directory (empty = ~/.trustgate).
	Path string `toml:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			TickIntervalSecs:  1,
			WarningBeforeSecs: 60,
		},
		Challenge: ChallengeConfig{
			Length:        captcha.DefaultLength,
			MaxAttempts:   captcha.DefaultMaxAttempts,
			CaseSensitive: true,
		},
		Code: CodeConfig{
			TTLSecs:            600,
			ResendIntervalSecs: 60,
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "",
		},
		Store: StoreConfig{
			Path: "",
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// Dir returns the trustgate state directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".trustgate"), nil
}

// Path returns the path to the TOML config file under dir.
func Path(dir string) string {
	return filepath.Join(dir, "config.toml")
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads configuration from dir, falling back to defaults when no
// file exists. Environment overrides are applied last, then the result
// is validated and clamped.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := Path(dir)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.clamp()
	return cfg, nil
}

// Save writes the configuration to dir as TOML with 0600 permissions.
func Save(cfg *Config, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	file, err := os.OpenFile(Path(dir), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("config: create config file: %w", err)
	}
	defer file.Close()

	fmt.Fprintln(file, "# trustgate configuration file")
	fmt.Fprintln(file, "# Generated by trustgate - edit with care")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// applyEnvOverrides applies TRUSTGATE_* environment variables:
//   - TRUSTGATE_TICK_INTERVAL_SECS: overrides session.tick_interval_secs
//   - TRUSTGATE_CHALLENGE_LENGTH: overrides challenge.length
//   - TRUSTGATE_CHALLENGE_MAX_ATTEMPTS: overrides challenge.max_attempts
//   - TRUSTGATE_CODE_TTL_SECS: overrides code.ttl_secs
//   - TRUSTGATE_AUDIT: set to "0" or "false" to disable audit logging
//   - TRUSTGATE_AUDIT_LOG: overrides audit.log_path
//   - TRUSTGATE_STORE_PATH: overrides store.path
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRUSTGATE_TICK_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.TickIntervalSecs = n
		}
	}
	if v := os.Getenv("TRUSTGATE_CHALLENGE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Challenge.Length = n
		}
	}
	if v := os.Getenv("TRUSTGATE_CHALLENGE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Challenge.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRUSTGATE_CODE_TTL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Code.TTLSecs = n
		}
	}
	if v := os.Getenv("TRUSTGATE_AUDIT"); v != "" {
		cfg.Audit.Enabled = !isFalsy(v)
	}
	if v := os.Getenv("TRUSTGATE_AUDIT_LOG"); v != "" {
		cfg.Audit.LogPath = v
	}
	if v := os.Getenv("TRUSTGATE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

func isFalsy(v string) bool {
	switch strings.ToLower(v) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}

// =============================================================================
// VALIDATION
// =============================================================================

// clamp forces every numeric setting into its valid range rather than
// rejecting the file. A misconfigured value must never weaken a gate.
func (c *Config) clamp() {
	c.Session.TickIntervalSecs = clampInt(c.Session.TickIntervalSecs, 1, 60)
	if c.Session.WarningBeforeSecs < 0 {
		c.Session.WarningBeforeSecs = 0
	}
	c.Challenge.Length = clampInt(c.Challenge.Length, 4, 12)
	c.Challenge.MaxAttempts = clampInt(c.Challenge.MaxAttempts, 1, 10)
	c.Code.TTLSecs = clampInt(c.Code.TTLSecs, 60, 3600)
	c.Code.ResendIntervalSecs = clampInt(c.Code.ResendIntervalSecs, 10, 600)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
