// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
)

// --- LogLevelValidator ---

func TestLogLevelValidator(t *testing.T) {
	v := LogLevelValidator{}
	for _, lvl := range []string{"", "debug", "INFO", "warn", "error"} {
		if err := v.Validate(&Config{LogLevel: lvl}); err != nil {
			t.Errorf("log level %q should be valid: %v", lvl, err)
		}
	}
	if err := v.Validate(&Config{LogLevel: "trace"}); err == nil {
		t.Error("log level trace should be invalid")
	}
}

// --- FoldValidator ---

func TestFoldValidator(t *testing.T) {
	v := FoldValidator{}
	if err := v.Validate(&Config{MaxPasses: 1, Workers: 1}); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := v.Validate(&Config{MaxPasses: 0, Workers: 1}); err == nil {
		t.Error("zero max_passes should be invalid")
	}
	if err := v.Validate(&Config{MaxPasses: 1, Workers: -2}); err == nil {
		t.Error("negative workers should be invalid")
	}
}

// --- OracleValidator ---

func TestOracleValidator(t *testing.T) {
	v := OracleValidator{}
	base := func() *Config { return DefaultConfig() }

	if err := v.Validate(base()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg := base()
	cfg.OraclePath = "relative/exec"
	if err := v.Validate(cfg); err == nil || !strings.Contains(err.Error(), "absolute") {
		t.Errorf("expected absolute path error, got %v", err)
	}

	cfg = base()
	cfg.OracleURL = "ftp://oracle"
	if err := v.Validate(cfg); err == nil {
		t.Error("ftp scheme should be invalid")
	}

	cfg = base()
	cfg.OracleTimeout = 0
	if err := v.Validate(cfg); err == nil {
		t.Error("zero timeout should be invalid")
	}
}
