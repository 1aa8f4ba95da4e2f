// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package idiom

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/pattern"
	"github.com/dotandev/deobf/internal/resolve"
)

var (
	XorSwitchPattern = pattern.New("xor-switch",
		pattern.Capture("a", pattern.IntPush()),
		pattern.Capture("b", pattern.IntPush()),
		pattern.Op(insn.Ixor),
		pattern.Capture("switch", pattern.Op(insn.Lookupswitch, insn.Tableswitch)),
	)

	// XorPathSwitchPattern anchors on the xor of a switch key whose first
	// operand was pushed before a join label, one value per incoming path.
	XorPathSwitchPattern = pattern.New("xor-path-switch",
		pattern.Capture("xor", pattern.Op(insn.Ixor)),
		pattern.Capture("switch", pattern.Op(insn.Lookupswitch, insn.Tableswitch)),
	)

	SwitchPattern = pattern.New("constant-switch",
		pattern.Capture("switch", pattern.Op(insn.Lookupswitch, insn.Tableswitch)),
	)

	BranchPattern = pattern.New("constant-branch",
		pattern.Capture("jump", pattern.Op(
			insn.Ifeq, insn.Ifne, insn.Iflt, insn.Ifge, insn.Ifgt, insn.Ifle,
			insn.IfIcmpeq, insn.IfIcmpne, insn.IfIcmplt, insn.IfIcmpge, insn.IfIcmpgt, insn.IfIcmple,
			insn.Ifnull, insn.Ifnonnull,
		)),
	)
)

// SwitchTarget returns the label a switch jumps to for key.
func SwitchTarget(in insn.Instruction, key int32) (insn.ID, bool) {
	switch v := in.(type) {
	case *insn.LookupSwitch:
		for i, k := range v.Keys {
			if k == key {
				return v.Targets[i], true
			}
		}
		return v.Default, true
	case *insn.TableSwitch:
		if key >= v.Low && key <= v.High {
			return v.Targets[key-v.Low], true
		}
		return v.Default, true
	}
	return insn.NoID, false
}

func foldXorSwitch(_ context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	m := s.Method
	a, _ := insn.IntValue(m.Insn(s.Match.First("a")))
	b, _ := insn.IntValue(m.Insn(s.Match.First("b")))
	target, _ := SwitchTarget(m.Insn(s.Match.First("switch")), a^b)
	return &resolve.Resolution{
		Replace: s.Match.Semantic(),
		Seq:     []insn.Instruction{&insn.Jump{Code: insn.Goto, Target: target}},
	}, nil
}

// foldXorPathSwitch handles
//
//	<path 1: push a1; goto J> <path 2: push a2> J: push b; ixor; switch
//
// by resolving a separately on each path into J and sending that path
// straight to its case. Paths whose a is not a constant keep the switch.
func foldXorPathSwitch(_ context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	m := s.Method
	xor, sw := s.Match.First("xor"), s.Match.First("switch")

	joins, push, ok := joinBefore(m, xor)
	if !ok {
		return nil, nil
	}
	key, err := s.Source(xor, 0)
	if err != nil {
		return nil, err
	}
	if len(key.Producers) != 1 || key.Producers[0] != push {
		return nil, errors.WrapConsensus("second xor operand is not pushed after the join")
	}
	b, err := intConst(key)
	if err != nil {
		return nil, err
	}

	preds, err := predecessors(s, joins, push)
	if err != nil {
		return nil, err
	}

	res := &resolve.Resolution{}
	for _, p := range preds {
		if !p.divertable {
			continue
		}
		exclude := make(map[insn.ID]bool, len(preds))
		for _, o := range preds {
			if o.id != p.id {
				exclude[o.id] = true
			}
		}
		src, err := resolve.FindSource(m, s.Frames, xor, 1, resolve.SourceOptions{Exclude: exclude})
		if stderrors.Is(err, errors.ErrConsensus) {
			continue
		}
		if err != nil {
			return nil, err
		}
		a, err := intConst(src)
		if err != nil {
			continue
		}

		target, _ := SwitchTarget(m.Insn(sw), a^b)
		var seq []insn.Instruction
		if !p.jump {
			seq = append(seq, insn.Copy(m.Insn(p.id)))
		}
		seq = append(seq, &insn.Op{Code: insn.Pop}, &insn.Jump{Code: insn.Goto, Target: target})
		res.Also = append(res.Also, &resolve.Resolution{Replace: []insn.ID{p.id}, Seq: seq, Divert: true})
	}
	if len(res.Also) == 0 {
		return nil, errors.WrapConsensus(fmt.Sprintf("no path into %s resolves the switch key", asm.String(m, joins[0])))
	}
	return res, nil
}

// joinBefore returns the labels heading the block that ends in xor and the
// lone instruction between them and xor. It fails when xor is not preceded
// by exactly one instruction and then at least one label, or when a label
// is an exception handler.
func joinBefore(m *insn.Method, xor insn.ID) ([]insn.ID, insn.ID, bool) {
	pos := m.IndexOf(xor) - 1
	for pos >= 0 && insn.IsMarker(m.Insn(m.At(pos))) {
		if _, ok := m.Insn(m.At(pos)).(*insn.Label); ok {
			return nil, insn.NoID, false
		}
		pos--
	}
	if pos < 0 {
		return nil, insn.NoID, false
	}
	push := m.At(pos)

	var joins []insn.ID
	for pos--; pos >= 0 && insn.IsMarker(m.Insn(m.At(pos))); pos-- {
		if _, ok := m.Insn(m.At(pos)).(*insn.Label); ok {
			joins = append(joins, m.At(pos))
		}
	}
	if len(joins) == 0 {
		return nil, insn.NoID, false
	}
	for _, tc := range m.TryCatches() {
		if slices.Contains(joins, tc.Handler) {
			return nil, insn.NoID, false
		}
	}
	return joins, push, true
}

// pred is one live way into a join block: a goto, the instruction falling
// into it, or a branch that cannot be redirected on its own.
type pred struct {
	id         insn.ID
	jump       bool
	divertable bool
}

func predecessors(s *resolve.Site, joins []insn.ID, push insn.ID) ([]pred, error) {
	m := s.Method
	var preds []pred
	for _, id := range m.All() {
		in := m.Insn(id)
		if insn.IsMarker(in) || !s.Frames.Reachable(id) {
			continue
		}
		if !slices.ContainsFunc(insn.Targets(in), func(t insn.ID) bool { return slices.Contains(joins, t) }) {
			continue
		}
		isGoto := in.Opcode() == insn.Goto
		preds = append(preds, pred{id: id, jump: isGoto, divertable: isGoto})
	}

	before := m.IndexOf(joins[len(joins)-1]) - 1
	for before >= 0 && insn.IsMarker(m.Insn(m.At(before))) {
		before--
	}
	if before >= 0 {
		id := m.At(before)
		if in := m.Insn(id); s.Frames.Reachable(id) && insn.FallsThrough(in) {
			if slices.ContainsFunc(preds, func(p pred) bool { return p.id == id }) {
				return nil, errors.WrapConsensus(fmt.Sprintf("%s both jumps and falls into the join", asm.String(m, id)))
			}
			preds = append(preds, pred{id: id, divertable: true})
		}
	}
	if len(preds) == 0 {
		return nil, errors.WrapConsensus(fmt.Sprintf("no live path reaches %s", asm.String(m, push)))
	}
	return preds, nil
}

func foldSwitch(_ context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	at := s.Match.First("switch")
	src, err := s.Source(at, 0)
	if err != nil {
		return nil, err
	}
	key, err := intConst(src)
	if err != nil {
		return nil, err
	}
	target, _ := SwitchTarget(s.Method.Insn(at), key)
	return &resolve.Resolution{
		Replace: []insn.ID{at},
		Seq: []insn.Instruction{
			&insn.Op{Code: insn.Pop},
			&insn.Jump{Code: insn.Goto, Target: target},
		},
	}, nil
}

// foldBranch decides a conditional jump whose operands are constants. The
// operands stay where they are and are popped, so only the jump changes.
func foldBranch(_ context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	at := s.Match.First("jump")
	j := s.Method.Insn(at).(*insn.Jump)

	var (
		taken bool
		drop  insn.Opcode = insn.Pop
	)
	switch j.Code {
	case insn.Ifnull, insn.Ifnonnull:
		src, err := s.Source(at, 0)
		if err != nil {
			return nil, err
		}
		taken = (src.Value == nil) == (j.Code == insn.Ifnull)
	case insn.Ifeq, insn.Ifne, insn.Iflt, insn.Ifge, insn.Ifgt, insn.Ifle:
		v, err := operand(s, at, 0)
		if err != nil {
			return nil, err
		}
		taken = compare(j.Code-insn.Ifeq, v, 0)
	default:
		right, err := operand(s, at, 0)
		if err != nil {
			return nil, err
		}
		left, err := operand(s, at, 1)
		if err != nil {
			return nil, err
		}
		taken = compare(j.Code-insn.IfIcmpeq, left, right)
		drop = insn.Pop2
	}

	seq := []insn.Instruction{&insn.Op{Code: drop}}
	if taken {
		seq = append(seq, &insn.Jump{Code: insn.Goto, Target: j.Target})
	}
	return &resolve.Resolution{Replace: []insn.ID{at}, Seq: seq}, nil
}

func operand(s *resolve.Site, at insn.ID, depth int) (int32, error) {
	src, err := s.Source(at, depth)
	if err != nil {
		return 0, err
	}
	return intConst(src)
}

// compare evaluates condition c, numbered in eq, ne, lt, ge, gt, le order.
func compare(c insn.Opcode, a, b int32) bool {
	switch c {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	case 5:
		return a <= b
	}
	panic(errors.WrapInvariantViolation(fmt.Sprintf("condition %d", c)))
}
