// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package asm

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dotandev/deobf/internal/insn"
)

// Names assigns printable, unique names to the labels of m. Named labels
// keep their name unless it collides with another label.
func Names(m *insn.Method) map[insn.ID]string {
	names := make(map[insn.ID]string)
	used := make(map[string]bool)
	assign := func(id insn.ID) {
		if _, done := names[id]; done {
			return
		}
		l, ok := m.Insn(id).(*insn.Label)
		if !ok {
			return
		}
		name := l.Name
		if name == "" || used[name] || !validLabel(name) {
			name = fmt.Sprintf("L%d", id)
			for used[name] {
				name += "_"
			}
		}
		used[name] = true
		names[id] = name
	}
	for _, id := range m.All() {
		assign(id)
	}
	for _, tc := range m.TryCatches() {
		assign(tc.Start)
		assign(tc.End)
		assign(tc.Handler)
	}
	return names
}

func validLabel(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, " \t:/\"#")
}

// Format renders m in the text form read by Parse.
func Format(m *insn.Method) string {
	var b strings.Builder
	_ = Write(&b, m)
	return b.String()
}

// Write renders m to w in the text form read by Parse.
func Write(w io.Writer, m *insn.Method) error {
	return write(w, m, plain{})
}

// String renders one instruction of m, without indentation.
func String(m *insn.Method, id insn.ID) string {
	names := Names(m)
	if _, ok := m.Insn(id).(*insn.Label); ok {
		if n, ok := names[id]; ok {
			return n + ":"
		}
		return fmt.Sprintf("L%d:", id)
	}
	return render(m.Insn(id), names, plain{})
}

type styler interface {
	op(s string) string
	label(s string) string
	constant(s string) string
	ref(s string) string
	directive(s string) string
}

type plain struct{}

func (plain) op(s string) string        { return s }
func (plain) label(s string) string     { return s }
func (plain) constant(s string) string  { return s }
func (plain) ref(s string) string       { return s }
func (plain) directive(s string) string { return s }

func write(w io.Writer, m *insn.Method, st styler) error {
	names := Names(m)
	var lines []string

	if m.Owner != "" && m.Owner != DefaultOwner {
		lines = append(lines, st.directive(".class")+" "+m.Owner)
	}
	header := st.directive(".method") + " " + m.Name + " " + m.Desc
	if m.IsStatic() {
		header += " static"
	}
	lines = append(lines, header)
	lines = append(lines, fmt.Sprintf("%s %d", st.directive(".locals"), m.MaxLocals))
	for _, tc := range m.TryCatches() {
		line := fmt.Sprintf("%s %s %s %s", st.directive(".try"),
			st.label(names[tc.Start]), st.label(names[tc.End]), st.label(names[tc.Handler]))
		if tc.Type != "" {
			line += " " + st.ref(tc.Type)
		}
		lines = append(lines, line)
	}

	for _, id := range m.All() {
		in := m.Insn(id)
		switch v := in.(type) {
		case *insn.Label:
			lines = append(lines, st.label(names[id])+":")
		case *insn.Line:
			lines = append(lines, fmt.Sprintf("%s %d", st.directive(".line"), v.Number))
		default:
			lines = append(lines, "  "+render(in, names, st))
		}
	}
	lines = append(lines, st.directive(".end"))

	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

func render(in insn.Instruction, names map[insn.ID]string, st styler) string {
	lbl := func(id insn.ID) string {
		if n, ok := names[id]; ok {
			return st.label(n)
		}
		return st.label(fmt.Sprintf("?%d", id))
	}
	op := st.op(in.Opcode().String())

	switch v := in.(type) {
	case *insn.Op:
		return op
	case *insn.IntInsn:
		return op + " " + st.constant(strconv.Itoa(int(v.Operand)))
	case *insn.LdcInsn:
		return op + " " + st.constant(FormatConst(v.Value))
	case *insn.Var:
		return fmt.Sprintf("%s %d", op, v.Index)
	case *insn.IInc:
		return fmt.Sprintf("%s %d %s", op, v.Index, st.constant(strconv.Itoa(int(v.Delta))))
	case *insn.TypeInsn:
		return op + " " + st.ref(v.Desc)
	case *insn.Field:
		return fmt.Sprintf("%s %s %s %s", op, st.ref(v.Owner), v.Name, v.Desc)
	case *insn.Call:
		return fmt.Sprintf("%s %s %s %s", op, st.ref(v.Owner), v.Name, v.Desc)
	case *insn.InvokeDynamic:
		parts := []string{op, v.Name, v.Desc, st.ref(v.Bootstrap.Owner), v.Bootstrap.Name, v.Bootstrap.Desc}
		for _, a := range v.Args {
			parts = append(parts, st.constant(FormatConst(a)))
		}
		return strings.Join(parts, " ")
	case *insn.MultiANewArray:
		return fmt.Sprintf("%s %s %d", op, st.ref(v.Desc), v.Dims)
	case *insn.Jump:
		return op + " " + lbl(v.Target)
	case *insn.LookupSwitch:
		parts := []string{op, lbl(v.Default)}
		for i, k := range v.Keys {
			parts = append(parts, fmt.Sprintf("%s:%s", st.constant(strconv.Itoa(int(k))), lbl(v.Targets[i])))
		}
		return strings.Join(parts, " ")
	case *insn.TableSwitch:
		parts := []string{op, st.constant(strconv.Itoa(int(v.Low))), lbl(v.Default)}
		for _, t := range v.Targets {
			parts = append(parts, lbl(t))
		}
		return strings.Join(parts, " ")
	case *insn.Line:
		return fmt.Sprintf(".line %d", v.Number)
	}
	return op
}

// FormatConst renders an ldc operand so that parseConst reads it back.
func FormatConst(v any) string {
	switch c := v.(type) {
	case int32:
		return strconv.Itoa(int(c))
	case int64:
		return strconv.FormatInt(c, 10) + "L"
	case float32:
		return formatFloat(float64(c), 32) + "f"
	case float64:
		return formatFloat(c, 64) + "d"
	case string:
		return strconv.Quote(c)
	case insn.TypeRef:
		return "class " + string(c)
	case nil:
		return "null"
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64, bits int) string {
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !math.IsInf(f, 0) && !math.IsNaN(f) && !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
