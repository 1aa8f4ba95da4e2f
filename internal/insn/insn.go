// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package insn holds the in-memory model of a JVM method body: a closed set
// of instruction variants, an arena-backed ordered store addressed by stable
// IDs, and the exception table that rides along with it.
package insn

import (
	"fmt"
	"math"
)

// Kind tags the instruction variant.
type Kind uint8

const (
	KindOp Kind = iota
	KindInt
	KindLdc
	KindVar
	KindIInc
	KindType
	KindField
	KindCall
	KindJump
	KindLookupSwitch
	KindTableSwitch
	KindLabel
	KindLine
	KindInvokeDynamic
	KindMultiANewArray
)

// Instruction is one node of a method body. The set of implementations is
// closed; switch on the concrete type.
type Instruction interface {
	Opcode() Opcode
	Kind() Kind
	instruction()
}

// Op is an instruction without operands: arithmetic, stack, array access,
// returns, athrow, monitors and the iconst/lconst/fconst/dconst/aconst_null
// constants.
type Op struct {
	Code Opcode
}

// IntInsn is bipush, sipush or newarray.
type IntInsn struct {
	Code    Opcode
	Operand int32
}

// TypeRef is a class constant loaded by ldc, in internal form or as an
// array descriptor.
type TypeRef string

// LdcInsn loads a constant. Value is one of int32, int64, float32, float64,
// string or TypeRef.
type LdcInsn struct {
	Value any
}

// Var loads or stores a local slot.
type Var struct {
	Code  Opcode
	Index int
}

// IInc adds a constant to an int local.
type IInc struct {
	Index int
	Delta int32
}

// TypeInsn is new, anewarray, checkcast or instanceof.
type TypeInsn struct {
	Code Opcode
	Desc string
}

// Field is getstatic, putstatic, getfield or putfield.
type Field struct {
	Code  Opcode
	Owner string
	Name  string
	Desc  string
}

// Call is invokevirtual, invokespecial, invokestatic or invokeinterface.
type Call struct {
	Code      Opcode
	Owner     string
	Name      string
	Desc      string
	Interface bool
}

// Jump is goto or a conditional branch. Target must name a placed Label.
type Jump struct {
	Code   Opcode
	Target ID
}

// LookupSwitch maps sparse keys to labels.
type LookupSwitch struct {
	Default ID
	Keys    []int32
	Targets []ID
}

// TableSwitch maps the dense range [Low, High] to labels.
type TableSwitch struct {
	Low     int32
	High    int32
	Default ID
	Targets []ID
}

// Label is a zero-width jump target. Its identity is its ID; Name is only
// used for printing.
type Label struct {
	Name string
}

// Line is a zero-width source line marker.
type Line struct {
	Number int
}

// Handle is a method handle used as an invokedynamic bootstrap.
type Handle struct {
	Tag   int
	Owner string
	Name  string
	Desc  string
}

// InvokeDynamic is a dynamic call site.
type InvokeDynamic struct {
	Name      string
	Desc      string
	Bootstrap Handle
	Args      []any
}

// MultiANewArray creates a multi-dimensional array.
type MultiANewArray struct {
	Desc string
	Dims int
}

func (i *Op) Opcode() Opcode             { return i.Code }
func (i *IntInsn) Opcode() Opcode        { return i.Code }
func (i *LdcInsn) Opcode() Opcode        { return Ldc }
func (i *Var) Opcode() Opcode            { return i.Code }
func (i *IInc) Opcode() Opcode           { return Iinc }
func (i *TypeInsn) Opcode() Opcode       { return i.Code }
func (i *Field) Opcode() Opcode          { return i.Code }
func (i *Call) Opcode() Opcode           { return i.Code }
func (i *Jump) Opcode() Opcode           { return i.Code }
func (i *LookupSwitch) Opcode() Opcode   { return Lookupswitch }
func (i *TableSwitch) Opcode() Opcode    { return Tableswitch }
func (i *Label) Opcode() Opcode          { return LabelOp }
func (i *Line) Opcode() Opcode           { return LineOp }
func (i *InvokeDynamic) Opcode() Opcode  { return Invokedynamic }
func (i *MultiANewArray) Opcode() Opcode { return Multianewarray }

func (i *Op) Kind() Kind             { return KindOp }
func (i *IntInsn) Kind() Kind        { return KindInt }
func (i *LdcInsn) Kind() Kind        { return KindLdc }
func (i *Var) Kind() Kind            { return KindVar }
func (i *IInc) Kind() Kind           { return KindIInc }
func (i *TypeInsn) Kind() Kind       { return KindType }
func (i *Field) Kind() Kind          { return KindField }
func (i *Call) Kind() Kind           { return KindCall }
func (i *Jump) Kind() Kind           { return KindJump }
func (i *LookupSwitch) Kind() Kind   { return KindLookupSwitch }
func (i *TableSwitch) Kind() Kind    { return KindTableSwitch }
func (i *Label) Kind() Kind          { return KindLabel }
func (i *Line) Kind() Kind           { return KindLine }
func (i *InvokeDynamic) Kind() Kind  { return KindInvokeDynamic }
func (i *MultiANewArray) Kind() Kind { return KindMultiANewArray }

func (*Op) instruction()             {}
func (*IntInsn) instruction()        {}
func (*LdcInsn) instruction()        {}
func (*Var) instruction()            {}
func (*IInc) instruction()           {}
func (*TypeInsn) instruction()       {}
func (*Field) instruction()          {}
func (*Call) instruction()           {}
func (*Jump) instruction()           {}
func (*LookupSwitch) instruction()   {}
func (*TableSwitch) instruction()    {}
func (*Label) instruction()          {}
func (*Line) instruction()           {}
func (*InvokeDynamic) instruction()  {}
func (*MultiANewArray) instruction() {}

// Copy returns a shallow-independent copy of i: slices are duplicated so
// the copy can be mutated without touching the original.
func Copy(i Instruction) Instruction {
	switch v := i.(type) {
	case *Op:
		c := *v
		return &c
	case *IntInsn:
		c := *v
		return &c
	case *LdcInsn:
		c := *v
		return &c
	case *Var:
		c := *v
		return &c
	case *IInc:
		c := *v
		return &c
	case *TypeInsn:
		c := *v
		return &c
	case *Field:
		c := *v
		return &c
	case *Call:
		c := *v
		return &c
	case *Jump:
		c := *v
		return &c
	case *LookupSwitch:
		c := *v
		c.Keys = append([]int32(nil), v.Keys...)
		c.Targets = append([]ID(nil), v.Targets...)
		return &c
	case *TableSwitch:
		c := *v
		c.Targets = append([]ID(nil), v.Targets...)
		return &c
	case *Label:
		c := *v
		return &c
	case *Line:
		c := *v
		return &c
	case *InvokeDynamic:
		c := *v
		c.Args = append([]any(nil), v.Args...)
		return &c
	case *MultiANewArray:
		c := *v
		return &c
	}
	panic(fmt.Sprintf("insn: unknown instruction type %T", i))
}

// IsMarker reports whether i is a zero-width label or line marker.
func IsMarker(i Instruction) bool {
	switch i.(type) {
	case *Label, *Line:
		return true
	}
	return false
}

// IntValue returns the value pushed by an int constant instruction:
// iconst_*, bipush, sipush or ldc of an int.
func IntValue(i Instruction) (int32, bool) {
	switch v := i.(type) {
	case *Op:
		if v.Code >= IconstM1 && v.Code <= Iconst5 {
			return int32(v.Code - Iconst0), true
		}
	case *IntInsn:
		if v.Code == Bipush || v.Code == Sipush {
			return v.Operand, true
		}
	case *LdcInsn:
		if n, ok := v.Value.(int32); ok {
			return n, true
		}
	}
	return 0, false
}

// ConstValue returns the constant pushed by i for every constant-load form.
// aconst_null yields (nil, true).
func ConstValue(i Instruction) (any, bool) {
	if n, ok := IntValue(i); ok {
		return n, true
	}
	switch v := i.(type) {
	case *Op:
		switch v.Code {
		case AconstNull:
			return nil, true
		case Lconst0, Lconst1:
			return int64(v.Code - Lconst0), true
		case Fconst0, Fconst1, Fconst2:
			return float32(v.Code - Fconst0), true
		case Dconst0, Dconst1:
			return float64(v.Code - Dconst0), true
		}
	case *LdcInsn:
		return v.Value, true
	}
	return nil, false
}

// PushInt returns the shortest instruction pushing n.
func PushInt(n int32) Instruction {
	switch {
	case n >= -1 && n <= 5:
		return &Op{Code: Iconst0 + Opcode(n)}
	case n >= math.MinInt8 && n <= math.MaxInt8:
		return &IntInsn{Code: Bipush, Operand: n}
	case n >= math.MinInt16 && n <= math.MaxInt16:
		return &IntInsn{Code: Sipush, Operand: n}
	}
	return &LdcInsn{Value: n}
}

// PushConst returns an instruction pushing v. v must be one of the Ldc
// value types or nil.
func PushConst(v any) (Instruction, error) {
	switch c := v.(type) {
	case nil:
		return &Op{Code: AconstNull}, nil
	case int32:
		return PushInt(c), nil
	case int64:
		if c == 0 || c == 1 {
			return &Op{Code: Lconst0 + Opcode(c)}, nil
		}
		return &LdcInsn{Value: c}, nil
	case float32:
		if (c == 0 && !math.Signbit(float64(c))) || c == 1 || c == 2 {
			return &Op{Code: Fconst0 + Opcode(c)}, nil
		}
		return &LdcInsn{Value: c}, nil
	case float64:
		if (c == 0 && !math.Signbit(c)) || c == 1 {
			return &Op{Code: Dconst0 + Opcode(c)}, nil
		}
		return &LdcInsn{Value: c}, nil
	case string, TypeRef:
		return &LdcInsn{Value: c}, nil
	}
	return nil, fmt.Errorf("insn: cannot push constant of type %T", v)
}

// Targets returns the label IDs an instruction may transfer control to,
// in operand order with the switch default first.
func Targets(i Instruction) []ID {
	switch v := i.(type) {
	case *Jump:
		return []ID{v.Target}
	case *LookupSwitch:
		return append([]ID{v.Default}, v.Targets...)
	case *TableSwitch:
		return append([]ID{v.Default}, v.Targets...)
	}
	return nil
}

// FallsThrough reports whether control can continue to the next instruction.
func FallsThrough(i Instruction) bool {
	switch i.Opcode() {
	case Goto, GotoW, Tableswitch, Lookupswitch, Athrow, Ret:
		return false
	}
	return !i.Opcode().IsReturn()
}

// CanThrow reports whether executing i may raise an exception. Markers,
// constants, local access and stack shuffles cannot; everything else is
// treated as throwing.
func CanThrow(i Instruction) bool {
	switch v := i.(type) {
	case *Label, *Line, *Var, *IInc, *Jump, *LookupSwitch, *TableSwitch:
		return false
	case *LdcInsn:
		_, isType := v.Value.(TypeRef)
		return isType
	case *IntInsn:
		return v.Code == Newarray
	case *Op:
		switch {
		case v.Code <= Dconst1, v.Code == Nop:
			return false
		case v.Code >= Pop && v.Code <= Swap:
			return false
		case v.Code >= Iadd && v.Code <= Lxor:
			switch v.Code {
			case Idiv, Ldiv, Irem, Lrem:
				return true
			}
			return false
		case v.Code >= I2l && v.Code <= Dcmpg:
			return false
		}
		return true
	}
	return true
}
