// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dotandev/deobf/internal/errors"
)

// Config represents the general configuration for deobf
type Config struct {
	LogLevel string `json:"log_level,omitempty"`
	LogJSON  bool   `json:"log_json,omitempty"`

	// MaxPasses bounds the fold loop for one method.
	MaxPasses int `json:"max_passes,omitempty"`
	// Workers is the number of methods processed in parallel per class.
	Workers int `json:"workers,omitempty"`

	// OracleMaxSteps bounds the instructions a single oracle execution may run.
	OracleMaxSteps int `json:"oracle_max_steps,omitempty"`
	// OracleTimeout is the wall-clock bound of a single oracle execution.
	OracleTimeout time.Duration `json:"oracle_timeout,omitempty"`
	// OraclePath selects the external executor binary. Empty means in-process.
	OraclePath string `json:"oracle_path,omitempty"`
	// OracleURL selects a remote JSON-RPC oracle. Takes precedence over OraclePath.
	OracleURL string `json:"oracle_url,omitempty"`

	// CachePath is the SQLite file holding memoised oracle results. Empty disables it.
	CachePath string `json:"cache_path,omitempty"`

	TelemetryEnabled bool   `json:"telemetry_enabled,omitempty"`
	TelemetryURL     string `json:"telemetry_url,omitempty"`

	// Crash reporting is opt-in. Reports go to Sentry, a JSON endpoint, or both.
	CrashReporting bool   `json:"crash_reporting,omitempty"`
	CrashSentryDSN string `json:"crash_sentry_dsn,omitempty"`
	CrashEndpoint  string `json:"crash_endpoint,omitempty"`
}

var defaultConfig = &Config{
	LogLevel:       "info",
	MaxPasses:      16,
	Workers:        4,
	OracleMaxSteps: 100000,
	OracleTimeout:  2 * time.Second,
	CachePath:      filepath.Join(os.ExpandEnv("$HOME"), ".deobf", "oracle.db"),
	TelemetryURL:   "localhost:4318",
}

// GetConfigPath returns the deobf configuration directory
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WrapConfigError("failed to get home directory", err)
	}
	return filepath.Join(home, ".deobf"), nil
}

// GetGeneralConfigPath returns the path to the general configuration file
func GetGeneralConfigPath() (string, error) {
	configDir, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.json"), nil
}

// LoadConfig loads the general configuration from a JSON file. A missing
// file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if err := config.loadJSON(configPath); err != nil {
		return nil, err
	}
	return config, config.Validate()
}

func (c *Config) loadJSON(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapConfigError("failed to read config file", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.WrapConfigError("failed to parse config file", err)
	}
	return nil
}

// Load loads the configuration from defaults, the general JSON file, TOML
// files and environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path, err := GetGeneralConfigPath(); err == nil {
		if err := cfg.loadJSON(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromFile(); err != nil {
		return nil, err
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("DEOBF_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DEOBF_ORACLE_PATH"); v != "" {
		c.OraclePath = v
	}
	if v := os.Getenv("DEOBF_ORACLE_URL"); v != "" {
		c.OracleURL = v
	}
	if v := os.Getenv("DEOBF_CACHE_PATH"); v != "" {
		c.CachePath = v
	}
	if v := os.Getenv("DEOBF_TELEMETRY_URL"); v != "" {
		c.TelemetryURL = v
	}
	switch strings.ToLower(os.Getenv("DEOBF_TELEMETRY")) {
	case "1", "true", "yes":
		c.TelemetryEnabled = true
	}

	for key, dst := range map[string]*int{
		"DEOBF_MAX_PASSES":       &c.MaxPasses,
		"DEOBF_WORKERS":          &c.Workers,
		"DEOBF_ORACLE_MAX_STEPS": &c.OracleMaxSteps,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.WrapConfigError(key+" must be an integer", err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("DEOBF_ORACLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.WrapConfigError("DEOBF_ORACLE_TIMEOUT must be a duration", err)
		}
		c.OracleTimeout = d
	}
	return nil
}

func (c *Config) loadFromFile() error {
	paths := []string{
		".deobf.toml",
		filepath.Join(os.ExpandEnv("$HOME"), ".deobf.toml"),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return c.loadTOML(path)
	}

	return nil
}

func (c *Config) loadTOML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapConfigError("failed to read "+path, err)
	}

	return c.parseTOML(string(data))
}

func (c *Config) parseTOML(content string) error {
	lines := strings.Split(content, "\n")
	for n, line := range lines {
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")

		var err error
		switch key {
		case "log_level":
			c.LogLevel = value
		case "log_json":
			c.LogJSON = parseBool(value)
		case "max_passes":
			c.MaxPasses, err = strconv.Atoi(value)
		case "workers":
			c.Workers, err = strconv.Atoi(value)
		case "oracle_max_steps":
			c.OracleMaxSteps, err = strconv.Atoi(value)
		case "oracle_timeout":
			c.OracleTimeout, err = time.ParseDuration(value)
		case "oracle_path":
			c.OraclePath = value
		case "oracle_url":
			c.OracleURL = value
		case "cache_path":
			c.CachePath = value
		case "telemetry_enabled":
			c.TelemetryEnabled = parseBool(value)
		case "telemetry_url":
			c.TelemetryURL = value
		case "crash_reporting":
			c.CrashReporting = parseBool(value)
		case "crash_sentry_dsn":
			c.CrashSentryDSN = value
		case "crash_endpoint":
			c.CrashEndpoint = value
		}
		if err != nil {
			return errors.WrapConfigError(fmt.Sprintf("line %d: bad value for %s", n+1, key), err)
		}
	}

	return nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1" || v == "yes"
}

// SaveConfig saves the configuration to disk (JSON format)
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return errors.WrapConfigError("failed to create config directory", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return errors.WrapConfigError("failed to marshal config", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.WrapConfigError("failed to write config file", err)
	}

	return nil
}

// Validate runs every registered validator.
func (c *Config) Validate() error {
	for _, v := range DefaultValidators() {
		if err := v.Validate(c); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{LogLevel: %s, MaxPasses: %d, Workers: %d, OracleMaxSteps: %d, OracleTimeout: %s, CachePath: %s}",
		c.LogLevel, c.MaxPasses, c.Workers, c.OracleMaxSteps, c.OracleTimeout, c.CachePath,
	)
}

func DefaultConfig() *Config {
	cfg := *defaultConfig
	return &cfg
}

func (c *Config) WithLogLevel(level string) *Config {
	c.LogLevel = level
	return c
}

func (c *Config) WithCachePath(path string) *Config {
	c.CachePath = path
	return c
}
