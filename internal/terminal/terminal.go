// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package terminal decides whether output gets colour and paints the few
// status words the CLI prints.
package terminal

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ColorEnabled reports whether f should receive ANSI colour. FORCE_COLOR
// wins over NO_COLOR, which wins over TERM=dumb; otherwise f must be a
// terminal.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Painter colours text when enabled.
type Painter struct {
	enabled bool
}

func NewPainter(enabled bool) *Painter {
	return &Painter{enabled: enabled}
}

func (p *Painter) Enabled() bool { return p.enabled }

func (p *Painter) paint(s string, attrs ...color.Attribute) string {
	if !p.enabled {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

func (p *Painter) Success(s string) string { return p.paint(s, color.FgGreen) }
func (p *Painter) Warning(s string) string { return p.paint(s, color.FgYellow) }
func (p *Painter) Error(s string) string   { return p.paint(s, color.FgRed, color.Bold) }
func (p *Painter) Dim(s string) string     { return p.paint(s, color.Faint) }
func (p *Painter) Bold(s string) string    { return p.paint(s, color.Bold) }
