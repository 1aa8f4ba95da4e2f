// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"math"

	"github.com/dotandev/deobf/internal/analysis"
	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/reach"
)

// DefaultMaxChase bounds how many loads and stores FindSource follows
// back to a literal.
const DefaultMaxChase = 16

// SourceOptions narrow the producers FindSource accepts.
type SourceOptions struct {
	// Exclude holds instructions known not to run on that path.
	Exclude map[insn.ID]bool
	// MaxChase bounds load/store chasing; zero means DefaultMaxChase.
	MaxChase int

	from    insn.ID
	hasFrom bool
}

// StartingAt returns o with the path beginning at id instead of the
// method entry.
func (o SourceOptions) StartingAt(id insn.ID) SourceOptions {
	o.from, o.hasFrom = id, true
	return o
}

// Source is an operand whose live producers all push the same constant.
type Source struct {
	Value     any
	Producers []insn.ID
}

// FindSource resolves the operand depth entries below the stack top just
// before at. A lone literal producer is used directly. Otherwise the
// producers live on a path from the start (see StartingAt) to at must
// agree on one constant, or ErrConsensus is returned. Loads are followed
// through the stores that fed the local.
func FindSource(m *insn.Method, frames *analysis.Frames, at insn.ID, depth int, opts SourceOptions) (Source, error) {
	fr, err := frames.At(at)
	if err != nil {
		return Source{}, err
	}
	if fr == nil {
		return Source{}, errors.WrapConsensus(fmt.Sprintf("instruction %d is unreachable", at))
	}
	v, ok := fr.Top(depth)
	if !ok || v.IsTop() {
		return Source{}, errors.WrapConsensus(fmt.Sprintf("no usable stack entry %d at %d", depth, at))
	}

	limit := opts.MaxChase
	if limit <= 0 {
		limit = DefaultMaxChase
	}
	c := &chaser{m: m, frames: frames, budget: limit, seen: make(map[insn.ID]bool)}
	if err := c.collect(v.Sources); err != nil {
		return Source{}, err
	}

	if len(c.roots) == 1 {
		if val, ok := literal(m, c.roots[0]); ok {
			return Source{Value: val, Producers: c.roots}, nil
		}
	}

	live, err := liveRoots(m, at, c.roots, opts)
	if err != nil {
		return Source{}, err
	}
	if len(live) == 0 {
		return Source{}, errors.WrapConsensus(fmt.Sprintf("no live producer reaches %d", at))
	}

	var out Source
	for i, id := range live {
		val, ok := literal(m, id)
		if !ok {
			return Source{}, errors.WrapConsensus(fmt.Sprintf("producer %s is not a constant", describe(m, id)))
		}
		if i == 0 {
			out.Value = val
		} else if !sameConst(out.Value, val) {
			return Source{}, errors.WrapConsensus(fmt.Sprintf("producers disagree: %v vs %v", out.Value, val))
		}
		out.Producers = append(out.Producers, id)
	}
	return out, nil
}

type chaser struct {
	m      *insn.Method
	frames *analysis.Frames
	budget int
	seen   map[insn.ID]bool
	roots  []insn.ID
}

func (c *chaser) collect(ids analysis.Set) error {
	for _, id := range ids {
		if c.seen[id] {
			continue
		}
		c.seen[id] = true
		if err := c.visit(id); err != nil {
			return err
		}
	}
	return nil
}

// visit records id as a root unless it is a local access that can be
// followed further.
func (c *chaser) visit(id insn.ID) error {
	v, ok := c.m.Insn(id).(*insn.Var)
	if id == insn.EntryID || !ok || c.budget == 0 {
		c.roots = append(c.roots, id)
		return nil
	}
	c.budget--

	fr, err := c.frames.At(id)
	if err != nil {
		return err
	}
	if fr == nil {
		c.roots = append(c.roots, id)
		return nil
	}

	var next analysis.Value
	if v.Code >= insn.Iload && v.Code <= insn.Aload {
		next, ok = fr.Local(v.Index)
	} else {
		next, ok = fr.Top(0)
	}
	// A parameter is rooted at its load so path liveness still applies.
	if !ok || next.IsTop() || next.Sources.Contains(insn.EntryID) {
		c.roots = append(c.roots, id)
		return nil
	}
	return c.collect(next.Sources)
}

// liveRoots keeps the roots that can run on a path from the start that
// reaches at.
func liveRoots(m *insn.Method, at insn.ID, roots []insn.ID, opts SourceOptions) ([]insn.ID, error) {
	from := m.Entry()
	if opts.hasFrom {
		from = opts.from
	}
	fwd, err := reach.Walk(m, from, reach.Options{Exclude: opts.Exclude, IncludeStart: true})
	if err != nil {
		return nil, err
	}

	var live []insn.ID
	for _, id := range roots {
		if id == insn.EntryID {
			live = append(live, id)
			continue
		}
		if !fwd.Contains(id) {
			continue
		}
		to, err := reach.Walk(m, id, reach.Options{
			Exclude:     opts.Exclude,
			Stop:        map[insn.ID]bool{at: true},
			IncludeStop: true,
		})
		if err != nil {
			return nil, err
		}
		if to.Contains(at) {
			live = append(live, id)
		}
	}
	return live, nil
}

func literal(m *insn.Method, id insn.ID) (any, bool) {
	if id == insn.EntryID {
		return nil, false
	}
	in := m.Insn(id)
	if in == nil {
		return nil, false
	}
	return insn.ConstValue(in)
}

func sameConst(a, b any) bool {
	switch x := a.(type) {
	case float32:
		y, ok := b.(float32)
		return ok && math.Float32bits(x) == math.Float32bits(y)
	case float64:
		y, ok := b.(float64)
		return ok && math.Float64bits(x) == math.Float64bits(y)
	}
	return a == b
}

func describe(m *insn.Method, id insn.ID) string {
	if id == insn.EntryID {
		return "method entry"
	}
	if in := m.Insn(id); in != nil {
		return fmt.Sprintf("%d (%s)", id, in.Opcode())
	}
	return fmt.Sprint(id)
}
