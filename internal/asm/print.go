// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package asm

import (
	"io"

	"github.com/dotandev/deobf/internal/insn"
	"github.com/fatih/color"
)

type colored struct {
	opc, lbl, cst, rf, dir func(a ...interface{}) string
}

func newColored() colored {
	mk := func(attrs ...color.Attribute) func(a ...interface{}) string {
		c := color.New(attrs...)
		c.EnableColor()
		return c.SprintFunc()
	}
	return colored{
		opc: mk(color.FgCyan),
		lbl: mk(color.FgYellow, color.Bold),
		cst: mk(color.FgGreen),
		rf:  mk(color.FgMagenta),
		dir: mk(color.Faint),
	}
}

func (c colored) op(s string) string        { return c.opc(s) }
func (c colored) label(s string) string     { return c.lbl(s) }
func (c colored) constant(s string) string  { return c.cst(s) }
func (c colored) ref(s string) string       { return c.rf(s) }
func (c colored) directive(s string) string { return c.dir(s) }

// Print writes a listing of m to w, highlighting opcodes, labels, constants
// and type references when useColor is set. The uncoloured output is
// identical to Write.
func Print(w io.Writer, m *insn.Method, useColor bool) error {
	if !useColor {
		return write(w, m, plain{})
	}
	return write(w, m, newColored())
}
