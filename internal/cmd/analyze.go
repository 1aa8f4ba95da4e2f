// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/dotandev/deobf/internal/analysis"
	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/resolve"
	"github.com/spf13/cobra"
)

var analyzeMethodFlag string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Show the dataflow frames of each method",
	Long: `Print every instruction with the operand stack before it. Each stack entry
lists the instruction ids that may have produced it and, when all of them
agree on one constant, that constant.`,
	Example: `  deobf analyze Obf.jasm
  deobf analyze Obf.jasm -m decrypt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := readInput(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		shown := 0
		for _, m := range in.Methods {
			if analyzeMethodFlag != "" && m.Name != analyzeMethodFlag {
				continue
			}
			shown++
			frames, err := analysis.Analyze(m)
			if err != nil {
				fmt.Fprintf(w, "%s %s: %v\n\n", painter.Error("failed"), m, err)
				continue
			}
			writeFrames(w, m, frames)
		}
		if shown == 0 {
			return fmt.Errorf("no method named %q", analyzeMethodFlag)
		}
		return nil
	},
}

func writeFrames(w io.Writer, m *insn.Method, frames *analysis.Frames) {
	fmt.Fprintln(w, painter.Bold(m.String()))
	for _, id := range m.All() {
		text := asm.String(m, id)
		if _, ok := m.Insn(id).(*insn.Label); !ok {
			text = "  " + text
		}
		if !frames.Reachable(id) {
			fmt.Fprintf(w, "%4d %-36s %s\n", id, text, painter.Dim("unreachable"))
			continue
		}
		f, err := frames.At(id)
		if err != nil {
			fmt.Fprintf(w, "%4d %-36s %v\n", id, text, err)
			continue
		}
		fmt.Fprintf(w, "%4d %-36s %s\n", id, text, describeStack(m, frames, id, f))
	}
	fmt.Fprintln(w)
}

func describeStack(m *insn.Method, frames *analysis.Frames, at insn.ID, f *analysis.Frame) string {
	if len(f.Stack) == 0 {
		return painter.Dim("[]")
	}
	parts := make([]string, len(f.Stack))
	for i, v := range f.Stack {
		depth := len(f.Stack) - 1 - i
		parts[i] = describeValue(m, frames, at, depth, v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func describeValue(m *insn.Method, frames *analysis.Frames, at insn.ID, depth int, v analysis.Value) string {
	if v.IsTop() {
		return "?"
	}
	ids := make([]string, len(v.Sources))
	for i, s := range v.Sources {
		if s == insn.EntryID {
			ids[i] = "entry"
		} else {
			ids[i] = fmt.Sprint(s)
		}
	}
	s := "{" + strings.Join(ids, ",") + "}"
	if src, err := resolve.FindSource(m, frames, at, depth, resolve.SourceOptions{}); err == nil {
		s += "=" + painter.Success(asm.FormatConst(src.Value))
	}
	return s
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeMethodFlag, "method", "m", "", "Only show methods with this name")

	rootCmd.AddCommand(analyzeCmd)
}
