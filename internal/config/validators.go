// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"strings"

	"github.com/dotandev/deobf/internal/errors"
)

// Validator validates a specific aspect of the configuration.
type Validator interface {
	Validate(cfg *Config) error
}

// LogLevelValidator checks that the log level is a known slog level name.
type LogLevelValidator struct{}

func (v LogLevelValidator) Validate(cfg *Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return errors.WrapConfigError("log_level must be one of debug, info, warn, error", nil)
}

// FoldValidator checks the fold loop and worker bounds.
type FoldValidator struct{}

func (v FoldValidator) Validate(cfg *Config) error {
	if cfg.MaxPasses <= 0 {
		return errors.WrapConfigError("max_passes must be positive", nil)
	}
	if cfg.Workers <= 0 {
		return errors.WrapConfigError("workers must be positive", nil)
	}
	return nil
}

// OracleValidator checks the oracle limits and endpoint settings.
type OracleValidator struct{}

func (v OracleValidator) Validate(cfg *Config) error {
	if cfg.OracleMaxSteps <= 0 {
		return errors.WrapConfigError("oracle_max_steps must be positive", nil)
	}
	if cfg.OracleTimeout <= 0 {
		return errors.WrapConfigError("oracle_timeout must be positive", nil)
	}
	if cfg.OraclePath != "" && !filepath.IsAbs(cfg.OraclePath) {
		return errors.WrapConfigError("oracle_path must be an absolute path", nil)
	}
	if cfg.OracleURL != "" && !strings.HasPrefix(cfg.OracleURL, "http://") && !strings.HasPrefix(cfg.OracleURL, "https://") {
		return errors.WrapConfigError("oracle_url must use http or https scheme", nil)
	}
	return nil
}

// DefaultValidators returns the validators run by Config.Validate.
func DefaultValidators() []Validator {
	return []Validator{
		LogLevelValidator{},
		FoldValidator{},
		OracleValidator{},
	}
}
