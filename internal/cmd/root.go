// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dotandev/deobf/internal/config"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/shutdown"
	"github.com/dotandev/deobf/internal/telemetry"
	"github.com/dotandev/deobf/internal/terminal"
	"github.com/spf13/cobra"
)

// Global flag variables
var (
	LogLevelFlag  string
	LogJSONFlag   bool
	NoColorFlag   bool
	WorkersFlag   int
	MaxPassesFlag int
	ConfigFlag    string
)

var (
	cfg     = config.DefaultConfig()
	painter = terminal.NewPainter(false)
	hooks   = shutdown.NewCoordinator()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "deobf",
	Short: "Resolve obfuscation idioms in JVM bytecode",
	Long: `deobf finds obfuscation idioms in method bodies, proves their operands
constant by dataflow analysis, computes the result by executing the idiom,
and rewrites it to the plain form until nothing more folds.

Input is the assembler text form: one or more '.class' sections holding
'.method' bodies.

Examples:
  deobf fold Obf.jasm                 Fold every method and print the result
  deobf fold Obf.jasm -o Clean.jasm   Write the folded listing to a file
  deobf analyze Obf.jasm -m decrypt   Show frames and constant operands
  deobf catalog                       List the idioms that are folded
  deobf config init                   Write ~/.deobf/config.json with the defaults
  deobf oracle serve --port 8745      Serve the execution oracle over JSON-RPC`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		load := config.Load
		if ConfigFlag != "" {
			load = func() (*config.Config, error) { return config.LoadConfig(ConfigFlag) }
		}
		loaded, err := load()
		if err != nil {
			return err
		}
		applyFlags(cmd, loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logger.SetOutput(cmd.ErrOrStderr(), cfg.LogJSON)
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
		painter = terminal.NewPainter(!NoColorFlag && terminal.ColorEnabled(os.Stdout))

		if cfg.TelemetryEnabled {
			cleanup, err := telemetry.Init(cmd.Context(), telemetry.Config{
				Enabled:     true,
				ExporterURL: cfg.TelemetryURL,
				ServiceName: "deobf",
				Version:     Version,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			hooks.Register("telemetry", func(context.Context) error {
				cleanup()
				return nil
			})
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// applyFlags lets explicitly set flags override the loaded configuration.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = LogLevelFlag
	}
	if flags.Changed("log-json") {
		c.LogJSON = LogJSONFlag
	}
	if flags.Changed("workers") {
		c.Workers = WorkersFlag
	}
	if flags.Changed("max-passes") {
		c.MaxPasses = MaxPassesFlag
	}
}

// Execute runs the command tree until it finishes or the process is
// interrupted, then runs the shutdown hooks.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return executeWithSignals(ctx, cancel, sigCh, hooks, rootCmd.ExecuteContext)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&ConfigFlag, "config", "", "Read configuration from this JSON file instead of the usual locations")
	rootCmd.PersistentFlags().StringVar(&LogLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&LogJSONFlag, "log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&NoColorFlag, "no-color", false, "Disable coloured output")
	rootCmd.PersistentFlags().IntVarP(&WorkersFlag, "workers", "j", 4, "Methods folded in parallel per class")
	rootCmd.PersistentFlags().IntVar(&MaxPassesFlag, "max-passes", 16, "Fold passes per method before giving up")
}
