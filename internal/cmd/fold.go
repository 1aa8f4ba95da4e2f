// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/idiom"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/oracle"
	"github.com/dotandev/deobf/internal/pipeline"
	"github.com/dotandev/deobf/internal/profile"
	"github.com/dotandev/deobf/internal/resolve"
	"github.com/spf13/cobra"
)

var (
	foldOutputFlag       string
	foldClassVersionFlag string
	foldStaticOwnersFlag string
	foldNoCacheFlag      bool
	foldQuietFlag        bool
	foldNoPruneFlag      bool
	foldProfileFlag      string
	foldCopyFlag         bool
)

var copyToClipboard = clipboard.WriteAll

var foldCmd = &cobra.Command{
	Use:   "fold <file>",
	Short: "Fold obfuscation idioms and print the rewritten methods",
	Long: `Fold every method of the listing until no idiom matches, then print the
result. A method whose analysis or rewrite fails is printed unchanged and
reported; the other methods are still folded.

Use '-' to read the listing from stdin.`,
	Example: `  deobf fold Obf.jasm
  deobf fold Obf.jasm -o Clean.jasm --class-version 50.0
  deobf fold Obf.jasm --static-owners 'a/*'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		in, err := readInput(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}

		catalog, err := idiom.Catalog(idiom.Options{StaticOwners: foldStaticOwnersFlag})
		if err != nil {
			return err
		}
		var recorder *profile.Recorder
		var observer oracle.StepObserver
		if foldProfileFlag != "" {
			recorder = profile.NewRecorder()
			observer = recorder
		}
		folder := resolve.NewFolder(catalog, buildOracle(in.Table, in.Digest, !foldNoCacheFlag, observer), in.Table)
		folder.MaxPasses = cfg.MaxPasses

		p, err := pipeline.New(folder, in.Table, cfg.Workers)
		if err != nil {
			return err
		}
		p.Prune = !foldNoPruneFlag
		classes := pipeline.Group(in.Methods)
		for _, c := range classes {
			c.Version = foldClassVersionFlag
		}

		results, runErr := p.Run(ctx, classes)

		out := cmd.OutOrStdout()
		useColor := painter.Enabled()
		if foldOutputFlag != "" {
			f, err := os.Create(foldOutputFlag)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", foldOutputFlag, err)
			}
			defer f.Close()
			out = f
			useColor = false
		}
		if err := writeClasses(out, classes, useColor); err != nil {
			return err
		}
		if foldCopyFlag {
			var plain bytes.Buffer
			if err := writeClasses(&plain, classes, false); err != nil {
				return err
			}
			if err := copyToClipboard(plain.String()); err != nil {
				logger.Logger.Warn("Failed to copy listing to clipboard", "error", err)
			} else if !foldQuietFlag {
				fmt.Fprintln(cmd.ErrOrStderr(), painter.Dim("Folded listing copied to clipboard"))
			}
		}

		if !foldQuietFlag {
			printSummary(cmd.ErrOrStderr(), results)
		}
		if recorder != nil {
			if err := writeProfile(foldProfileFlag, recorder); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Oracle profile (%d steps) written to %s\n", recorder.Total(), foldProfileFlag)
		}
		return runErr
	},
}

func writeProfile(path string, r *profile.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	return r.WritePprof(f)
}

func writeClasses(w io.Writer, classes []*pipeline.Class, useColor bool) error {
	for _, c := range classes {
		for _, m := range c.Methods {
			if err := asm.Print(w, m, useColor); err != nil {
				return err
			}
		}
	}
	return nil
}

func printSummary(w io.Writer, results []*pipeline.ClassResult) {
	var folded, unchanged, failed int
	for _, r := range results {
		for _, m := range r.Methods {
			switch m.Status {
			case pipeline.StatusFolded:
				folded++
				fmt.Fprintf(w, "%s %s %s\n", painter.Success("folded   "), m.Method, painter.Dim(describe(m)))
			case pipeline.StatusFailed:
				failed++
				fmt.Fprintf(w, "%s %s: %v\n", painter.Error("failed   "), m.Method, m.Err)
			default:
				unchanged++
			}
		}
	}
	fmt.Fprintf(w, "%s %d folded, %d unchanged, %d failed\n", painter.Bold("Summary:"), folded, unchanged, failed)
}

func describe(m pipeline.MethodResult) string {
	rep := m.Report
	if rep == nil {
		return ""
	}
	names := make([]string, 0, len(rep.Resolved))
	for name := range rep.Resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names)+1)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, rep.Resolved[name]))
	}
	if n := m.Pruned.OriginalSize - m.Pruned.OptimizedSize; n > 0 {
		parts = append(parts, fmt.Sprintf("pruned=%d", n))
	}
	if rep.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("skipped=%d", rep.Skipped))
	}
	if !rep.Converged {
		parts = append(parts, painter.Warning("not converged"))
	}
	return fmt.Sprintf("(%d passes; %s)", rep.Passes, strings.Join(parts, ", "))
}

func init() {
	foldCmd.Flags().StringVarP(&foldOutputFlag, "output", "o", "", "Write the folded listing to this file instead of stdout")
	foldCmd.Flags().StringVar(&foldClassVersionFlag, "class-version", "", "Class-file version of the input, e.g. 52.0")
	foldCmd.Flags().StringVar(&foldStaticOwnersFlag, "static-owners", "", "Only fold static calls into owners matching this pattern ('*' or '~regex')")
	foldCmd.Flags().BoolVar(&foldNoCacheFlag, "no-cache", false, "Do not read or write cached oracle results")
	foldCmd.Flags().StringVar(&foldProfileFlag, "oracle-profile", "", "Write a pprof profile of in-process oracle steps to this file")
	foldCmd.Flags().BoolVar(&foldNoPruneFlag, "no-prune", false, "Keep code the folds made unreachable")
	foldCmd.Flags().BoolVar(&foldCopyFlag, "copy", false, "Also copy the folded listing to the clipboard")
	foldCmd.Flags().BoolVarP(&foldQuietFlag, "quiet", "q", false, "Do not print the per-method summary")

	rootCmd.AddCommand(foldCmd)
}
