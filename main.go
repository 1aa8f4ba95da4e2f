// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/dotandev/deobf/internal/cmd"
	"github.com/dotandev/deobf/internal/config"
	"github.com/dotandev/deobf/internal/crashreport"
	"github.com/dotandev/deobf/internal/errors"
	"github.com/tebeka/atexit"
)

// Build-time variables injected via -ldflags.
var (
	version   = "dev"
	commitSHA = "unknown"
)

func main() {
	cmd.Version = version
	cmd.CommitSHA = commitSHA

	cfg, err := config.Load()
	if err != nil {
		cfg = config.DefaultConfig()
	}
	reporter := crashreport.New(crashreport.Config{
		Enabled:   cfg.CrashReporting,
		SentryDSN: cfg.CrashSentryDSN,
		Endpoint:  cfg.CrashEndpoint,
		Version:   version,
		CommitSHA: commitSHA,
	})
	defer reporter.HandlePanic(context.Background(), "deobf")

	report := func(err error) {
		_ = reporter.Send(context.Background(), err, debug.Stack(), "deobf")
	}
	atexit.Exit(run(cmd.Execute, report, os.Stderr))
}

// run maps the command result to an exit code. Invariant violations are
// engine bugs rather than bad input, so only those reach report.
func run(execute func() error, report func(error), stderr io.Writer) int {
	err := execute()
	switch {
	case err == nil:
		return 0
	case cmd.IsInterrupted(err):
		fmt.Fprintln(stderr, "Interrupted. Shutting down...")
		return cmd.InterruptExitCode
	default:
		if stderrors.Is(err, errors.ErrInvariantViolation) {
			report(err)
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}
