// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package asm reads and writes a line-oriented text form of JVM method
// bodies. It is used for test fixtures, for the CLI, and as the body
// encoding sent to out-of-process oracles.
//
// One instruction per line, using JVM mnemonics:
//
//	.class a/Owner
//	.method run (I)I static
//	.locals 2
//	.try Lstart Lend Lhandler java/lang/Exception
//	Lstart:
//	  iload 0
//	  ldc "text"            // int, 5L, 1.5f, 2.0d, "string", class a/B
//	  invokestatic a/B f (I)I
//	  lookupswitch Ldefault 1:Lone 5:Lfive
//	  tableswitch 0 Ldefault La Lb
//	.line 12
//	.end
//
// Labels are any identifier ending in ':' and may be referenced before they
// are defined. Lines starting with "//" or "#" are comments.
package asm

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
)

// DefaultOwner is the owner given to methods parsed without a .class line.
const DefaultOwner = "Snippet"

type parser struct {
	owner   string
	methods []*insn.Method

	m       *insn.Method
	labels  map[string]insn.ID
	defined map[string]bool
	line    int
	started bool
}

// Parse reads every method in src.
func Parse(src string) ([]*insn.Method, error) {
	p := &parser{owner: DefaultOwner}
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		p.line++
		if err := p.parseLine(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WrapAsmSyntax(p.line, err.Error())
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return p.methods, nil
}

// ParseMethod reads exactly one method. A body without a .method line is
// named "run" with descriptor "()V" and is static.
func ParseMethod(src string) (*insn.Method, error) {
	ms, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if len(ms) != 1 {
		return nil, errors.WrapAsmSyntax(0, fmt.Sprintf("expected one method, found %d", len(ms)))
	}
	return ms[0], nil
}

// MustParseMethod is ParseMethod for fixtures; it panics on error.
func MustParseMethod(src string) *insn.Method {
	m, err := ParseMethod(src)
	if err != nil {
		panic(err)
	}
	return m
}

func (p *parser) begin(name, desc string, access int) error {
	if err := p.finish(); err != nil {
		return err
	}
	p.m = insn.NewMethod(p.owner, name, desc, access)
	p.labels = make(map[string]insn.ID)
	p.defined = make(map[string]bool)
	p.started = true
	if words, _, err := insn.ArgWords(desc); err == nil {
		p.m.MaxLocals = words
		if access&insn.AccStatic == 0 {
			p.m.MaxLocals++
		}
	} else {
		return p.errorf("bad descriptor %q", desc)
	}
	return nil
}

func (p *parser) finish() error {
	if !p.started {
		return nil
	}
	for name := range p.labels {
		if !p.defined[name] {
			return p.errorf("label %s is never defined", name)
		}
	}
	p.methods = append(p.methods, p.m)
	p.started = false
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return errors.WrapAsmSyntax(p.line, fmt.Sprintf(format, args...))
}

func (p *parser) label(name string) insn.ID {
	if id, ok := p.labels[name]; ok {
		return id
	}
	id := p.m.New(&insn.Label{Name: name})
	p.labels[name] = id
	return id
}

func (p *parser) parseLine(raw string) error {
	text := strings.TrimSpace(stripComment(raw))
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, ".") {
		return p.directive(text)
	}

	if !p.started {
		if err := p.begin("run", "()V", insn.AccStatic); err != nil {
			return err
		}
	}

	if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t") {
		name := strings.TrimSuffix(text, ":")
		if p.defined[name] {
			return p.errorf("label %s defined twice", name)
		}
		p.defined[name] = true
		if err := p.m.Append(p.label(name)); err != nil {
			return p.errorf("%v", err)
		}
		return nil
	}

	fields, err := splitFields(text)
	if err != nil {
		return p.errorf("%v", err)
	}
	in, err := p.instruction(fields)
	if err != nil {
		return err
	}
	if v, ok := in.(*insn.Var); ok {
		if need := v.Index + insn.VarSize(v.Code); need > p.m.MaxLocals {
			p.m.MaxLocals = need
		}
	}
	if v, ok := in.(*insn.IInc); ok && v.Index+1 > p.m.MaxLocals {
		p.m.MaxLocals = v.Index + 1
	}
	p.m.Add(in)
	return nil
}

func (p *parser) directive(text string) error {
	fields, err := splitFields(text)
	if err != nil {
		return p.errorf("%v", err)
	}
	switch fields[0] {
	case ".class":
		if len(fields) != 2 {
			return p.errorf(".class takes one name")
		}
		if err := p.finish(); err != nil {
			return err
		}
		p.owner = fields[1]
	case ".method":
		if len(fields) < 3 || len(fields) > 4 {
			return p.errorf(".method takes a name, a descriptor and an optional 'static'")
		}
		access := 0
		if len(fields) == 4 {
			if fields[3] != "static" {
				return p.errorf("unknown method flag %q", fields[3])
			}
			access = insn.AccStatic
		}
		return p.begin(fields[1], fields[2], access)
	case ".end":
		return p.finish()
	case ".locals":
		if err := p.require(); err != nil {
			return err
		}
		n, err := p.intArg(fields, 1)
		if err != nil {
			return err
		}
		if int(n) > p.m.MaxLocals {
			p.m.MaxLocals = int(n)
		}
	case ".line":
		if err := p.require(); err != nil {
			return err
		}
		n, err := p.intArg(fields, 1)
		if err != nil {
			return err
		}
		p.m.Add(&insn.Line{Number: int(n)})
	case ".try":
		if err := p.require(); err != nil {
			return err
		}
		if len(fields) < 4 || len(fields) > 5 {
			return p.errorf(".try takes start, end, handler and an optional type")
		}
		tc := insn.TryCatch{
			Start:   p.label(fields[1]),
			End:     p.label(fields[2]),
			Handler: p.label(fields[3]),
		}
		if len(fields) == 5 {
			tc.Type = fields[4]
		}
		p.m.AddTryCatch(tc)
	default:
		return p.errorf("unknown directive %s", fields[0])
	}
	return nil
}

func (p *parser) require() error {
	if !p.started {
		return p.begin("run", "()V", insn.AccStatic)
	}
	return nil
}

func (p *parser) intArg(fields []string, i int) (int32, error) {
	if i >= len(fields) {
		return 0, p.errorf("%s: missing operand", fields[0])
	}
	n, err := strconv.ParseInt(fields[i], 0, 32)
	if err != nil {
		return 0, p.errorf("%s: bad integer %q", fields[0], fields[i])
	}
	return int32(n), nil
}

func (p *parser) want(fields []string, n int) error {
	if len(fields) != n+1 {
		return p.errorf("%s takes %d operand(s), got %d", fields[0], n, len(fields)-1)
	}
	return nil
}

func (p *parser) instruction(fields []string) (insn.Instruction, error) {
	name := fields[0]

	// iload_1 and friends
	if i := strings.LastIndexByte(name, '_'); i > 0 && len(name) == i+2 && name[i+1] >= '0' && name[i+1] <= '3' {
		if code, ok := insn.LookupOpcode(name[:i]); ok && isVarOp(code) {
			if err := p.want(fields, 0); err != nil {
				return nil, err
			}
			return &insn.Var{Code: code, Index: int(name[i+1] - '0')}, nil
		}
	}

	code, ok := insn.LookupOpcode(name)
	if !ok {
		return nil, p.errorf("unknown opcode %q", name)
	}

	switch {
	case isVarOp(code) || code == insn.Ret:
		if err := p.want(fields, 1); err != nil {
			return nil, err
		}
		n, err := p.intArg(fields, 1)
		if err != nil {
			return nil, err
		}
		return &insn.Var{Code: code, Index: int(n)}, nil

	case code == insn.Bipush || code == insn.Sipush || code == insn.Newarray:
		if err := p.want(fields, 1); err != nil {
			return nil, err
		}
		n, err := p.intArg(fields, 1)
		if err != nil {
			return nil, err
		}
		return &insn.IntInsn{Code: code, Operand: n}, nil

	case code == insn.Ldc || code == insn.LdcW || code == insn.Ldc2W:
		return p.ldc(fields)

	case code == insn.Iinc:
		if err := p.want(fields, 2); err != nil {
			return nil, err
		}
		idx, err := p.intArg(fields, 1)
		if err != nil {
			return nil, err
		}
		delta, err := p.intArg(fields, 2)
		if err != nil {
			return nil, err
		}
		return &insn.IInc{Index: int(idx), Delta: delta}, nil

	case code == insn.NewObject || code == insn.Anewarray || code == insn.Checkcast || code == insn.Instanceof:
		if err := p.want(fields, 1); err != nil {
			return nil, err
		}
		return &insn.TypeInsn{Code: code, Desc: fields[1]}, nil

	case code >= insn.Getstatic && code <= insn.Putfield:
		if err := p.want(fields, 3); err != nil {
			return nil, err
		}
		return &insn.Field{Code: code, Owner: fields[1], Name: fields[2], Desc: fields[3]}, nil

	case code.IsInvoke():
		if err := p.want(fields, 3); err != nil {
			return nil, err
		}
		if _, _, err := insn.ParseMethodDesc(fields[3]); err != nil {
			return nil, p.errorf("%v", err)
		}
		return &insn.Call{
			Code:      code,
			Owner:     fields[1],
			Name:      fields[2],
			Desc:      fields[3],
			Interface: code == insn.Invokeinterface,
		}, nil

	case code == insn.Invokedynamic:
		// invokedynamic name desc bsmOwner bsmName bsmDesc [args...]
		if len(fields) < 6 {
			return nil, p.errorf("invokedynamic takes name, desc and a bootstrap owner, name and desc")
		}
		if _, _, err := insn.ParseMethodDesc(fields[2]); err != nil {
			return nil, p.errorf("%v", err)
		}
		var args []any
		for _, f := range fields[6:] {
			v, err := parseConst(f)
			if err != nil {
				return nil, p.errorf("%v", err)
			}
			args = append(args, v)
		}
		return &insn.InvokeDynamic{
			Name: fields[1],
			Desc: fields[2],
			Bootstrap: insn.Handle{
				Tag:   6,
				Owner: fields[3],
				Name:  fields[4],
				Desc:  fields[5],
			},
			Args: args,
		}, nil

	case code == insn.Multianewarray:
		if err := p.want(fields, 2); err != nil {
			return nil, err
		}
		dims, err := p.intArg(fields, 2)
		if err != nil {
			return nil, err
		}
		return &insn.MultiANewArray{Desc: fields[1], Dims: int(dims)}, nil

	case code.IsConditionalJump() || code == insn.Goto || code == insn.GotoW || code == insn.Jsr || code == insn.JsrW:
		if err := p.want(fields, 1); err != nil {
			return nil, err
		}
		return &insn.Jump{Code: code, Target: p.label(fields[1])}, nil

	case code == insn.Lookupswitch:
		if len(fields) < 2 {
			return nil, p.errorf("lookupswitch needs a default label")
		}
		sw := &insn.LookupSwitch{Default: p.label(fields[1])}
		for _, f := range fields[2:] {
			k, l, ok := strings.Cut(f, ":")
			if !ok {
				return nil, p.errorf("lookupswitch case %q is not key:label", f)
			}
			key, err := strconv.ParseInt(k, 0, 32)
			if err != nil {
				return nil, p.errorf("lookupswitch key %q: %v", k, err)
			}
			sw.Keys = append(sw.Keys, int32(key))
			sw.Targets = append(sw.Targets, p.label(l))
		}
		for i := 1; i < len(sw.Keys); i++ {
			if sw.Keys[i] <= sw.Keys[i-1] {
				return nil, p.errorf("lookupswitch keys must be strictly increasing")
			}
		}
		return sw, nil

	case code == insn.Tableswitch:
		if len(fields) < 4 {
			return nil, p.errorf("tableswitch needs low, a default label and at least one case")
		}
		low, err := p.intArg(fields, 1)
		if err != nil {
			return nil, err
		}
		sw := &insn.TableSwitch{Low: low, Default: p.label(fields[2])}
		for _, f := range fields[3:] {
			sw.Targets = append(sw.Targets, p.label(f))
		}
		sw.High = low + int32(len(sw.Targets)) - 1
		return sw, nil
	}

	if err := p.want(fields, 0); err != nil {
		return nil, err
	}
	return &insn.Op{Code: code}, nil
}

func (p *parser) ldc(fields []string) (insn.Instruction, error) {
	if len(fields) == 3 && fields[1] == "class" {
		return &insn.LdcInsn{Value: insn.TypeRef(fields[2])}, nil
	}
	if err := p.want(fields, 1); err != nil {
		return nil, err
	}
	v, err := parseConst(fields[1])
	if err != nil {
		return nil, p.errorf("%v", err)
	}
	return &insn.LdcInsn{Value: v}, nil
}

// parseConst reads an ldc operand: 5, 5L, 1.5f, 1.5d, "str".
func parseConst(s string) (any, error) {
	if strings.HasPrefix(s, `"`) {
		v, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("bad string constant %s", s)
		}
		return v, nil
	}
	if n, err := strconv.ParseInt(s, 0, 32); err == nil {
		return int32(n), nil
	}
	switch s[len(s)-1] {
	case 'L', 'l':
		n, err := strconv.ParseInt(s[:len(s)-1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad long constant %s", s)
		}
		return n, nil
	case 'F', 'f':
		f, err := strconv.ParseFloat(s[:len(s)-1], 32)
		if err != nil {
			return nil, fmt.Errorf("bad float constant %s", s)
		}
		return float32(f), nil
	case 'D', 'd':
		f, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad double constant %s", s)
		}
		return f, nil
	}
	return nil, fmt.Errorf("bad constant %s", s)
}

func isVarOp(code insn.Opcode) bool {
	return (code >= insn.Iload && code <= insn.Aload) || (code >= insn.Istore && code <= insn.Astore)
}

func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && inString:
			i++
		case c == '"':
			inString = !inString
		case !inString && c == '#' && strings.TrimSpace(line[:i]) == "":
			return ""
		case !inString && c == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

// splitFields splits on whitespace, keeping quoted strings whole.
func splitFields(s string) ([]string, error) {
	var out []string
	for i := 0; i < len(s); {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		if s[i] == '"' {
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' {
					i++
				}
				i++
			}
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated string")
			}
			i++
		} else {
			for i < len(s) && s[i] != ' ' && s[i] != '\t' {
				i++
			}
		}
		out = append(out, s[start:i])
	}
	return out, nil
}
