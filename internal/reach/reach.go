// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package reach walks the control-flow graph of a method forward from a
// start instruction. Edges are fallthrough, jump and switch targets, and
// the handler of every try range covering an instruction.
package reach

import (
	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
)

// Options bound a walk.
type Options struct {
	// Exclude holds instructions the walk never enters.
	Exclude map[insn.ID]bool
	// Stop holds instructions that end a path. They are recorded only
	// when IncludeStop is set.
	Stop        map[insn.ID]bool
	IncludeStop bool
	// IncludeStart records the start instruction itself.
	IncludeStart bool
	// ForwardOnly ignores edges to an instruction at or before the source.
	ForwardOnly bool
	// Limit caps the number of visited instructions; zero means no cap.
	Limit int
}

// Block is a run of visited instructions headed by Label. The run that
// begins at a non-label start instruction has Label NoID.
type Block struct {
	Label insn.ID
	Insns []insn.ID
}

// Result lists visited instructions grouped by the label heading them, in
// visiting order.
type Result struct {
	Blocks []Block
	seen   map[insn.ID]bool
}

// Contains reports whether id was recorded.
func (r *Result) Contains(id insn.ID) bool {
	return r.seen[id]
}

// Len returns the number of recorded instructions.
func (r *Result) Len() int {
	return len(r.seen)
}

// IDs returns every recorded instruction.
func (r *Result) IDs() []insn.ID {
	var out []insn.ID
	for _, b := range r.Blocks {
		out = append(out, b.Insns...)
	}
	return out
}

// Block returns the instructions recorded under label.
func (r *Result) Block(label insn.ID) ([]insn.ID, bool) {
	for _, b := range r.Blocks {
		if b.Label == label {
			return b.Insns, true
		}
	}
	return nil, false
}

type walker struct {
	m       *insn.Method
	opts    Options
	index   map[insn.ID]int
	order   []insn.ID
	visited map[insn.ID]bool
	res     *Result
	queue   []int
	count   int
}

// Walk visits every instruction reachable from start under opts. The set
// of recorded instructions is a function of the method and the options
// alone.
func Walk(m *insn.Method, start insn.ID, opts Options) (*Result, error) {
	order, err := m.Snapshot()
	if err != nil {
		return nil, err
	}
	w := &walker{
		m:       m,
		opts:    opts,
		index:   make(map[insn.ID]int, len(order)),
		order:   order,
		visited: make(map[insn.ID]bool),
		res:     &Result{seen: make(map[insn.ID]bool)},
	}
	for i, id := range order {
		w.index[id] = i
	}
	spos, ok := w.index[start]
	if !ok {
		return nil, errors.WrapUnknownInstruction(int32(start))
	}
	if opts.Exclude[start] {
		return w.res, nil
	}

	w.queue = append(w.queue, spos)
	for len(w.queue) > 0 {
		pos := w.queue[0]
		w.queue = w.queue[1:]
		if err := w.run(pos, pos == spos && w.count == 0); err != nil {
			return nil, err
		}
	}

	blocks := w.res.Blocks[:0]
	for _, b := range w.res.Blocks {
		if len(b.Insns) > 0 {
			blocks = append(blocks, b)
		}
	}
	w.res.Blocks = blocks
	return w.res, nil
}

// run follows fallthrough from pos, queuing branch targets.
func (w *walker) run(pos int, isStart bool) error {
	var block *Block
	for pos < len(w.order) {
		id := w.order[pos]
		if w.visited[id] || w.opts.Exclude[id] {
			return nil
		}
		w.visited[id] = true
		w.count++
		if w.opts.Limit > 0 && w.count > w.opts.Limit {
			return errors.WrapWalkLimit(w.opts.Limit)
		}

		in := w.m.Insn(id)
		if _, ok := in.(*insn.Label); ok || block == nil {
			head := insn.NoID
			if ok {
				head = id
			}
			w.res.Blocks = append(w.res.Blocks, Block{Label: head})
			block = &w.res.Blocks[len(w.res.Blocks)-1]
		}

		stop := w.opts.Stop[id] && !isStart
		record := true
		switch {
		case isStart:
			record = w.opts.IncludeStart
		case stop:
			record = w.opts.IncludeStop
		}
		if record {
			block.Insns = append(block.Insns, id)
			w.res.seen[id] = true
		}
		isStart = false
		if stop {
			return nil
		}

		for _, tc := range w.m.Covering(id) {
			w.enqueue(pos, tc.Handler)
		}
		for _, t := range insn.Targets(in) {
			w.enqueue(pos, t)
		}
		if !insn.FallsThrough(in) {
			return nil
		}
		pos++
	}
	return nil
}

func (w *walker) enqueue(from int, target insn.ID) {
	tpos, ok := w.index[target]
	if !ok || w.visited[target] {
		return
	}
	if w.opts.ForwardOnly && tpos <= from {
		return
	}
	w.queue = append(w.queue, tpos)
}
