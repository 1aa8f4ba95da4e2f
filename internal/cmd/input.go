// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/classtable"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/oracle"
	"github.com/dotandev/deobf/internal/oraclecache"
)

// input is a parsed listing together with the class table built from it.
type input struct {
	Methods []*insn.Method
	Table   *classtable.Map
	// Digest identifies the listing; it scopes cached oracle results.
	Digest string
}

// readInput parses path, or stdin when path is "-".
func readInput(path string, stdin io.Reader) (*input, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	methods, err := asm.Parse(string(data))
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%s: no methods", path)
	}

	table := classtable.NewMap()
	table.AddMethods(methods...)
	sum := sha256.Sum256(data)
	return &input{Methods: methods, Table: table, Digest: hex.EncodeToString(sum[:])}, nil
}

// buildOracle selects the executor: a remote service when OracleURL is
// set, an executor process when OraclePath is set, else the in-process
// interpreter over table, reporting to observer when one is given. Results
// are cached unless caching is off.
func buildOracle(table classtable.Table, scope string, cache bool, observer oracle.StepObserver) oracle.Oracle {
	var o oracle.Oracle
	switch {
	case cfg.OracleURL != "":
		logger.Logger.Debug("Using remote oracle", "url", cfg.OracleURL)
		o = oracle.NewClient(cfg.OracleURL, os.Getenv("DEOBF_ORACLE_TOKEN"))
	case cfg.OraclePath != "":
		logger.Logger.Debug("Using oracle process", "path", cfg.OraclePath)
		o = &oracle.ProcessOracle{BinaryPath: cfg.OraclePath}
	default:
		it := oracle.NewInterpreter(oracle.Standard(), table)
		if cfg.OracleMaxSteps > 0 {
			it.MaxSteps = cfg.OracleMaxSteps
		}
		if observer != nil {
			it.Observer = observer
		}
		o = it
	}
	if cfg.OracleTimeout > 0 {
		o = withTimeout(o, cfg.OracleTimeout)
	}

	if !cache || cfg.CachePath == "" {
		return o
	}
	store, err := oraclecache.Open(cfg.CachePath)
	if err != nil {
		logger.Logger.Warn("Oracle cache unavailable, continuing without it", "path", cfg.CachePath, "error", err)
		return o
	}
	hooks.Closer("oracle-cache", store)
	return &oracle.Cached{Oracle: o, Store: store, Scope: scope}
}

func withTimeout(o oracle.Oracle, d time.Duration) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, req *oracle.Request) (oracle.Value, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return o.Execute(ctx, req)
	})
}
