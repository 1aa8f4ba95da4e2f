// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package pattern recognises straight-line instruction idioms. A Pattern is
// an ordered list of Steps aligned against consecutive semantic
// instructions; line markers are skipped, and a label ends the match unless
// the pattern allows crossing labels or a LabelBoundary step consumes it.
// A label means control may enter mid-sequence, so a window spanning one is
// not guaranteed to execute as a unit.
package pattern

import (
	"strings"

	"github.com/dotandev/deobf/internal/insn"
)

// Pattern is an immutable idiom shape.
type Pattern struct {
	name        string
	steps       []Step
	crossLabels bool
}

// New builds a pattern that refuses to cross labels.
func New(name string, steps ...Step) *Pattern {
	return &Pattern{name: name, steps: steps}
}

// CrossLabels returns a copy of p that skips labels like line markers.
func (p *Pattern) CrossLabels() *Pattern {
	c := *p
	c.crossLabels = true
	return &c
}

// Name returns the pattern name.
func (p *Pattern) Name() string {
	return p.name
}

// Len returns the number of instruction steps, label boundaries excluded.
func (p *Pattern) Len() int {
	n := 0
	for _, s := range p.steps {
		if !s.label {
			n++
		}
	}
	return n
}

func (p *Pattern) String() string {
	parts := make([]string, len(p.steps))
	for i, s := range p.steps {
		parts[i] = s.String()
	}
	return p.name + "[" + strings.Join(parts, " ") + "]"
}

// Match is the result of a successful Find. It describes the method at the
// generation it was found in.
type Match struct {
	Pattern *Pattern
	Start   insn.ID
	End     insn.ID
	// Window holds every instruction from Start to End, markers included.
	Window   []insn.ID
	semantic []insn.ID
	captures map[string][]insn.ID
	gen      uint64
}

// Captured returns the instructions bound to name, in window order.
func (m *Match) Captured(name string) []insn.ID {
	return m.captures[name]
}

// First returns the first instruction bound to name, or NoID.
func (m *Match) First(name string) insn.ID {
	if c := m.captures[name]; len(c) > 0 {
		return c[0]
	}
	return insn.NoID
}

// Semantic returns the matched non-marker instructions.
func (m *Match) Semantic() []insn.ID {
	return m.semantic
}

// Size is the number of source instructions consumed.
func (m *Match) Size() int {
	return len(m.semantic)
}

// Generation returns the method generation the match was found at.
func (m *Match) Generation() uint64 {
	return m.gen
}

// Matcher aligns one pattern at one anchor.
type Matcher struct {
	p      *Pattern
	m      *insn.Method
	anchor insn.ID
}

// NewMatcher prepares p for matching at anchor in m.
func NewMatcher(p *Pattern, m *insn.Method, anchor insn.ID) *Matcher {
	return &Matcher{p: p, m: m, anchor: anchor}
}

// Find reports whether the pattern matches starting exactly at the anchor.
// A marker anchor only matches patterns that open with LabelBoundary. Not
// matching is the normal negative result, not an error.
func (mt *Matcher) Find() (*Match, bool) {
	m := mt.m
	pos := m.IndexOf(mt.anchor)
	if pos < 0 || len(mt.p.steps) == 0 {
		return nil, false
	}

	res := &Match{
		Pattern:  mt.p,
		Start:    mt.anchor,
		captures: make(map[string][]insn.ID),
		gen:      m.Generation(),
	}

	for si, step := range mt.p.steps {
		if step.label {
			sawLabel := false
			for pos < m.Len() && insn.IsMarker(m.Insn(m.At(pos))) {
				if _, ok := m.Insn(m.At(pos)).(*insn.Label); ok {
					sawLabel = true
				}
				res.Window = append(res.Window, m.At(pos))
				pos++
			}
			if !sawLabel {
				return nil, false
			}
			continue
		}

		if si > 0 {
			for pos < m.Len() && insn.IsMarker(m.Insn(m.At(pos))) {
				if _, ok := m.Insn(m.At(pos)).(*insn.Label); ok && !mt.p.crossLabels {
					return nil, false
				}
				res.Window = append(res.Window, m.At(pos))
				pos++
			}
		}
		if pos >= m.Len() {
			return nil, false
		}

		id := m.At(pos)
		in := m.Insn(id)
		if insn.IsMarker(in) || !step.test(in) {
			return nil, false
		}
		res.Window = append(res.Window, id)
		res.semantic = append(res.semantic, id)
		if step.capture != "" {
			res.captures[step.capture] = append(res.captures[step.capture], id)
		}
		pos++
	}

	if len(res.Window) == 0 {
		return nil, false
	}
	res.End = res.Window[len(res.Window)-1]
	return res, true
}

// Find is NewMatcher(p, m, anchor).Find().
func Find(p *Pattern, m *insn.Method, anchor insn.ID) (*Match, bool) {
	return NewMatcher(p, m, anchor).Find()
}
