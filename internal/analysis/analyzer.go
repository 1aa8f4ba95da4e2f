// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package analysis computes, for every reachable instruction of a method,
// which instructions could have produced each operand-stack entry and each
// local slot. It answers "where could this value come from", not "what is
// this value".
//
// Loads, stores and iinc are producers in their own right; the dup family
// and swap only move values, so copies keep the producers of the original.
// Parameters and uninitialised locals are produced by insn.EntryID and the
// exception at a handler is produced by the handler's label.
package analysis

import (
	"fmt"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/logger"
)

// Frames holds the result of one analysis. It is tied to the method
// generation it was computed at and refuses to answer once the method has
// been edited.
type Frames struct {
	m      *insn.Method
	gen    uint64
	order  []insn.ID
	index  map[insn.ID]int
	frames []*Frame
}

// Method returns the analysed method.
func (f *Frames) Method() *insn.Method {
	return f.m
}

// Generation returns the method generation the frames describe.
func (f *Frames) Generation() uint64 {
	return f.gen
}

// Fresh reports whether the method is unchanged since analysis.
func (f *Frames) Fresh() bool {
	return f.m.Generation() == f.gen
}

// At returns the frame before id executes. The frame is nil when id is
// unreachable. It fails with ErrStaleFrames once the method has changed.
func (f *Frames) At(id insn.ID) (*Frame, error) {
	if !f.Fresh() {
		return nil, errors.WrapStaleFrames(f.gen, f.m.Generation())
	}
	i, ok := f.index[id]
	if !ok {
		return nil, errors.WrapUnknownInstruction(int32(id))
	}
	return f.frames[i], nil
}

// Reachable reports whether id got a frame. Stale frames report false.
func (f *Frames) Reachable(id insn.ID) bool {
	fr, err := f.At(id)
	return err == nil && fr != nil
}

// Order returns the instruction order the analysis ran over.
func (f *Frames) Order() []insn.ID {
	return f.order
}

type tryRange struct {
	start, end, handler int
}

type analyzer struct {
	m      *insn.Method
	order  []insn.ID
	index  map[insn.ID]int
	frames []*Frame
	tries  []tryRange

	queue  []int
	queued []bool
}

// Analyze runs the producer-set fixpoint over m. Any failure is reported
// as ErrAnalysis and no frames are returned; callers skip the method.
func Analyze(m *insn.Method) (*Frames, error) {
	order, err := m.Snapshot()
	if err != nil {
		return nil, errors.WrapAnalysis(m.String(), err.Error())
	}
	if len(order) == 0 {
		return nil, errors.WrapAnalysis(m.String(), "empty method body")
	}

	a := &analyzer{
		m:      m,
		order:  order,
		index:  make(map[insn.ID]int, len(order)),
		frames: make([]*Frame, len(order)),
		queued: make([]bool, len(order)),
	}
	for i, id := range order {
		a.index[id] = i
	}
	for _, tc := range m.TryCatches() {
		a.tries = append(a.tries, tryRange{
			start:   a.index[tc.Start],
			end:     a.index[tc.End],
			handler: a.index[tc.Handler],
		})
	}

	entry, err := a.entryFrame()
	if err != nil {
		return nil, errors.WrapAnalysis(m.String(), err.Error())
	}
	if _, err := a.merge(0, entry); err != nil {
		return nil, errors.WrapAnalysis(m.String(), err.Error())
	}

	for len(a.queue) > 0 {
		pos := a.queue[0]
		a.queue = a.queue[1:]
		a.queued[pos] = false
		if err := a.step(pos); err != nil {
			return nil, errors.WrapAnalysis(m.String(),
				fmt.Sprintf("at %d (%s): %v", pos, m.Insn(order[pos]).Opcode(), err))
		}
	}

	logger.Logger.Debug("Analysis complete", "method", m.String(), "instructions", len(order))
	return &Frames{
		m:      m,
		gen:    m.Generation(),
		order:  order,
		index:  a.index,
		frames: a.frames,
	}, nil
}

func (a *analyzer) entryFrame() (*Frame, error) {
	params, _, err := insn.ParseMethodDesc(a.m.Desc)
	if err != nil {
		return nil, err
	}
	f := &Frame{}
	if !a.m.IsStatic() {
		f.Locals = append(f.Locals, produced(1, insn.EntryID))
	}
	for _, p := range params {
		size := insn.TypeSize(p)
		f.Locals = append(f.Locals, produced(size, insn.EntryID))
		if size == 2 {
			f.Locals = append(f.Locals, top)
		}
	}
	for len(f.Locals) < a.m.MaxLocals {
		f.Locals = append(f.Locals, produced(1, insn.EntryID))
	}
	return f, nil
}

// merge folds in into the frame at pos and queues pos when it changed.
func (a *analyzer) merge(pos int, in *Frame) (bool, error) {
	cur := a.frames[pos]
	if cur == nil {
		a.frames[pos] = in.clone()
		a.enqueue(pos)
		return true, nil
	}

	if len(cur.Stack) != len(in.Stack) || cur.Height() != in.Height() {
		return false, fmt.Errorf("stack height mismatch at join %d: %d vs %d words", pos, cur.Height(), in.Height())
	}
	if len(cur.Locals) != len(in.Locals) {
		return false, fmt.Errorf("local count mismatch at join %d", pos)
	}

	changed := false
	for i := range cur.Stack {
		if cur.Stack[i].Size != in.Stack[i].Size {
			return false, fmt.Errorf("stack entry %d changes width at join %d", i, pos)
		}
		v, ch := merge(cur.Stack[i], in.Stack[i])
		if ch {
			cur.Stack[i] = v
			changed = true
		}
	}
	for i := range cur.Locals {
		v, ch := merge(cur.Locals[i], in.Locals[i])
		if ch {
			cur.Locals[i] = v
			changed = true
		}
	}
	if changed {
		a.enqueue(pos)
	}
	return changed, nil
}

func (a *analyzer) enqueue(pos int) {
	if !a.queued[pos] {
		a.queued[pos] = true
		a.queue = append(a.queue, pos)
	}
}

func (a *analyzer) step(pos int) error {
	id := a.order[pos]
	in := a.m.Insn(id)
	before := a.frames[pos]
	after := before.clone()

	if err := execute(after, id, in); err != nil {
		return err
	}

	for _, tr := range a.tries {
		if pos < tr.start || pos >= tr.end {
			continue
		}
		exc := []Value{produced(1, a.order[tr.handler])}
		if _, err := a.merge(tr.handler, &Frame{Locals: before.Locals, Stack: exc}); err != nil {
			return err
		}
		if _, err := a.merge(tr.handler, &Frame{Locals: after.Locals, Stack: exc}); err != nil {
			return err
		}
	}

	for _, t := range insn.Targets(in) {
		tpos, ok := a.index[t]
		if !ok {
			return fmt.Errorf("branch target %d is not in the method", t)
		}
		if _, err := a.merge(tpos, after); err != nil {
			return err
		}
	}

	if insn.FallsThrough(in) {
		if pos+1 >= len(a.order) {
			return fmt.Errorf("control falls off the end of the method")
		}
		if _, err := a.merge(pos+1, after); err != nil {
			return err
		}
	}
	return nil
}
