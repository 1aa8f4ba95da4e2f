// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/dotandev/deobf/internal/classtable"
	"github.com/dotandev/deobf/internal/insn"
)

// Step matches one instruction of a window, or, for LabelBoundary, the run
// of markers between two instructions.
type Step struct {
	desc    string
	ops     map[insn.Opcode]bool // nil matches any opcode
	ref     string               // literal owner.name:desc, for overlap checks
	pred    func(insn.Instruction) bool
	capture string
	label   bool
}

func (s Step) String() string {
	if s.capture != "" {
		return s.capture + "=" + s.desc
	}
	return s.desc
}

func (s Step) test(in insn.Instruction) bool {
	if s.ops != nil && !s.ops[in.Opcode()] {
		return false
	}
	return s.pred == nil || s.pred(in)
}

// intersects reports whether some instruction could satisfy both steps.
// Predicates are opaque, so only opcodes and literal references count.
func (s Step) intersects(o Step) bool {
	if s.label != o.label {
		return false
	}
	if s.ref != "" && o.ref != "" && s.ref != o.ref {
		return false
	}
	if s.ops == nil || o.ops == nil {
		return true
	}
	for op := range s.ops {
		if o.ops[op] {
			return true
		}
	}
	return false
}

func opSet(codes ...insn.Opcode) map[insn.Opcode]bool {
	m := make(map[insn.Opcode]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// Op matches any of the given opcodes.
func Op(codes ...insn.Opcode) Step {
	names := make([]string, len(codes))
	for i, c := range codes {
		names[i] = c.String()
	}
	return Step{desc: strings.Join(names, "|"), ops: opSet(codes...)}
}

// OpRange matches opcodes in [lo, hi].
func OpRange(lo, hi insn.Opcode) Step {
	var codes []insn.Opcode
	for c := lo; c <= hi; c++ {
		codes = append(codes, c)
	}
	return Step{desc: fmt.Sprintf("%s..%s", lo, hi), ops: opSet(codes...)}
}

// Where matches any instruction satisfying pred.
func Where(desc string, pred func(insn.Instruction) bool) Step {
	return Step{desc: desc, pred: pred}
}

// Capture binds the instruction matched by s to name.
func Capture(name string, s Step) Step {
	s.capture = name
	return s
}

// LabelBoundary requires one or more labels at this point of the window and
// consumes them together with any line markers around them.
func LabelBoundary() Step {
	return Step{desc: "label", label: true}
}

// IntPush matches iconst_*, bipush, sipush and ldc of an int.
func IntPush() Step {
	s := OpRange(insn.IconstM1, insn.Iconst5)
	s.ops[insn.Bipush] = true
	s.ops[insn.Sipush] = true
	s.ops[insn.Ldc] = true
	s.desc = "ipush"
	s.pred = func(in insn.Instruction) bool {
		_, ok := insn.IntValue(in)
		return ok
	}
	return s
}

// Const matches any constant load, including aconst_null.
func Const() Step {
	s := OpRange(insn.AconstNull, insn.Ldc2W)
	s.desc = "const"
	s.pred = func(in insn.Instruction) bool {
		_, ok := insn.ConstValue(in)
		return ok
	}
	return s
}

// Invoke matches a method call. A zero kind matches every invoke opcode.
// owner, name and desc accept "*" wildcards and "~regex" patterns.
func Invoke(kind insn.Opcode, owner, name, desc string) Step {
	ow, nm, ds := compileName(owner), compileName(name), compileName(desc)
	s := Step{desc: fmt.Sprintf("invoke %s.%s%s", owner, name, desc)}
	if kind == 0 {
		s.ops = opSet(insn.Invokevirtual, insn.Invokespecial, insn.Invokestatic, insn.Invokeinterface)
	} else {
		s.ops = opSet(kind)
	}
	if literal(owner) && literal(name) && literal(desc) {
		s.ref = owner + "." + name + ":" + desc
	}
	s.pred = func(in insn.Instruction) bool {
		c, ok := in.(*insn.Call)
		return ok && ow(c.Owner) && nm(c.Name) && ds(c.Desc)
	}
	return s
}

// FieldRef matches a field access. A zero kind matches all four field
// opcodes; names behave as in Invoke.
func FieldRef(kind insn.Opcode, owner, name, desc string) Step {
	ow, nm, ds := compileName(owner), compileName(name), compileName(desc)
	s := Step{desc: fmt.Sprintf("field %s.%s:%s", owner, name, desc)}
	if kind == 0 {
		s.ops = opSet(insn.Getstatic, insn.Putstatic, insn.Getfield, insn.Putfield)
	} else {
		s.ops = opSet(kind)
	}
	if literal(owner) && literal(name) && literal(desc) {
		s.ref = owner + "." + name + ":" + desc
	}
	s.pred = func(in insn.Instruction) bool {
		f, ok := in.(*insn.Field)
		return ok && ow(f.Owner) && nm(f.Name) && ds(f.Desc)
	}
	return s
}

// OwnerIs narrows s to calls and field accesses whose owner is super or a
// subtype of it according to table. Owners unknown to the table only match
// when they are super itself.
func OwnerIs(s Step, table classtable.Table, super string) Step {
	inner := s.pred
	s.desc += " <: " + super
	s.pred = func(in insn.Instruction) bool {
		if inner != nil && !inner(in) {
			return false
		}
		var owner string
		switch v := in.(type) {
		case *insn.Call:
			owner = v.Owner
		case *insn.Field:
			owner = v.Owner
		default:
			return false
		}
		return owner == super || classtable.IsSubtype(table, owner, super)
	}
	return s
}

func literal(s string) bool {
	return s != "" && !strings.HasPrefix(s, "~") && !strings.Contains(s, "*")
}

// compileName turns a name matcher into a predicate. It panics on a bad
// regular expression, like regexp.MustCompile, since patterns are built
// from constants.
func compileName(pat string) func(string) bool {
	switch {
	case pat == "" || pat == "*":
		return func(string) bool { return true }
	case strings.HasPrefix(pat, "~"):
		re := regexp2.MustCompile(pat[1:], regexp2.None)
		return func(s string) bool {
			ok, err := re.MatchString(s)
			return err == nil && ok
		}
	case strings.Contains(pat, "*"):
		parts := strings.Split(pat, "*")
		return func(s string) bool { return globMatch(parts, s) }
	}
	return func(s string) bool { return s == pat }
}

func globMatch(parts []string, s string) bool {
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, last)
}
