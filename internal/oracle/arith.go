// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"math"

	"github.com/dotandev/deobf/internal/insn"
)

// top fills the second word of a long or double on the stack and in locals.
var top = Value{}

type underflow struct{}

type frame struct {
	locals []Value
	stack  []Value
}

func (f *frame) word() Value {
	if len(f.stack) == 0 {
		panic(underflow{})
	}
	w := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return w
}

func (f *frame) pushWord(w Value) {
	f.stack = append(f.stack, w)
}

// pop removes one value, both words of it when it is wide.
func (f *frame) pop() Value {
	w := f.word()
	if w.Kind == "" {
		return f.word()
	}
	return w
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
	if v.Wide() {
		f.stack = append(f.stack, top)
	}
}

func (f *frame) load(i int) Value {
	if i < 0 || i >= len(f.locals) {
		panic(underflow{})
	}
	return f.locals[i]
}

func (f *frame) store(i int, v Value) {
	n := 1
	if v.Wide() {
		n = 2
	}
	if i < 0 || i+n > len(f.locals) {
		panic(underflow{})
	}
	f.locals[i] = v
	if n == 2 {
		f.locals[i+1] = top
	}
}

// shuffle runs the untyped stack instructions on raw words.
func (f *frame) shuffle(code insn.Opcode) {
	switch code {
	case insn.Pop:
		f.word()
	case insn.Pop2:
		f.word()
		f.word()
	case insn.Dup:
		v1 := f.word()
		f.pushWord(v1)
		f.pushWord(v1)
	case insn.DupX1:
		v1, v2 := f.word(), f.word()
		f.pushAll(v1, v2, v1)
	case insn.DupX2:
		v1, v2, v3 := f.word(), f.word(), f.word()
		f.pushAll(v1, v3, v2, v1)
	case insn.Dup2:
		v1, v2 := f.word(), f.word()
		f.pushAll(v2, v1, v2, v1)
	case insn.Dup2X1:
		v1, v2, v3 := f.word(), f.word(), f.word()
		f.pushAll(v2, v1, v3, v2, v1)
	case insn.Dup2X2:
		v1, v2, v3, v4 := f.word(), f.word(), f.word(), f.word()
		f.pushAll(v2, v1, v4, v3, v2, v1)
	case insn.Swap:
		v1, v2 := f.word(), f.word()
		f.pushAll(v1, v2)
	}
}

func (f *frame) pushAll(ws ...Value) {
	f.stack = append(f.stack, ws...)
}

var divideByZero = Throw("java/lang/ArithmeticException", "/ by zero")

// binary evaluates iadd..drem and the shift and bitwise instructions.
// b is the value that was on top of the stack.
func binary(code insn.Opcode, a, b Value) (Value, error) {
	switch code {
	case insn.Ishl:
		return Int(a.I32() << (b.I32() & 31)), nil
	case insn.Ishr:
		return Int(a.I32() >> (b.I32() & 31)), nil
	case insn.Iushr:
		return Int(int32(uint32(a.I32()) >> (b.I32() & 31))), nil
	case insn.Lshl:
		return Long(a.Int << (b.I32() & 63)), nil
	case insn.Lshr:
		return Long(a.Int >> (b.I32() & 63)), nil
	case insn.Lushr:
		return Long(int64(uint64(a.Int) >> (b.I32() & 63))), nil
	case insn.Iand:
		return Int(a.I32() & b.I32()), nil
	case insn.Land:
		return Long(a.Int & b.Int), nil
	case insn.Ior:
		return Int(a.I32() | b.I32()), nil
	case insn.Lor:
		return Long(a.Int | b.Int), nil
	case insn.Ixor:
		return Int(a.I32() ^ b.I32()), nil
	case insn.Lxor:
		return Long(a.Int ^ b.Int), nil
	}

	op := (code - insn.Iadd) / 4
	switch (code - insn.Iadd) % 4 {
	case 0:
		x, y := a.I32(), b.I32()
		if op >= 3 && y == 0 {
			return Value{}, divideByZero
		}
		return Int(intOp(op, x, y)), nil
	case 1:
		x, y := a.Int, b.Int
		if op >= 3 && y == 0 {
			return Value{}, divideByZero
		}
		return Long(intOp(op, x, y)), nil
	case 2:
		return Float(float32(floatOp(op, float64(a.F32()), float64(b.F32()), 32))), nil
	}
	return Double(floatOp(op, a.Float, b.Float, 64)), nil
}

func intOp[T int32 | int64](op insn.Opcode, x, y T) T {
	switch op {
	case 0:
		return x + y
	case 1:
		return x - y
	case 2:
		return x * y
	case 3:
		return x / y
	}
	return x % y
}

func floatOp(op insn.Opcode, x, y float64, bits int) float64 {
	var r float64
	switch op {
	case 0:
		r = x + y
	case 1:
		r = x - y
	case 2:
		r = x * y
	case 3:
		r = x / y
	default:
		return math.Mod(x, y)
	}
	if bits == 32 {
		return float64(float32(r))
	}
	return r
}

func negate(code insn.Opcode, a Value) Value {
	switch code {
	case insn.Ineg:
		return Int(-a.I32())
	case insn.Lneg:
		return Long(-a.Int)
	case insn.Fneg:
		return Float(-a.F32())
	}
	return Double(-a.Float)
}

func convert(code insn.Opcode, a Value) Value {
	switch code {
	case insn.I2l:
		return Long(int64(a.I32()))
	case insn.I2f:
		return Float(float32(a.I32()))
	case insn.I2d:
		return Double(float64(a.I32()))
	case insn.L2i:
		return Int(int32(a.Int))
	case insn.L2f:
		return Float(float32(a.Int))
	case insn.L2d:
		return Double(float64(a.Int))
	case insn.F2i:
		return Int(toInt32(float64(a.F32())))
	case insn.F2l:
		return Long(toInt64(float64(a.F32())))
	case insn.F2d:
		return Double(float64(a.F32()))
	case insn.D2i:
		return Int(toInt32(a.Float))
	case insn.D2l:
		return Long(toInt64(a.Float))
	case insn.D2f:
		return Float(float32(a.Float))
	case insn.I2b:
		return Int(int32(int8(a.I32())))
	case insn.I2c:
		return Int(int32(uint16(a.I32())))
	}
	return Int(int32(int16(a.I32())))
}

// toInt32 and toInt64 saturate and map NaN to zero.
func toInt32(d float64) int32 {
	switch {
	case math.IsNaN(d):
		return 0
	case d >= math.MaxInt32:
		return math.MaxInt32
	case d <= math.MinInt32:
		return math.MinInt32
	}
	return int32(d)
}

func toInt64(d float64) int64 {
	switch {
	case math.IsNaN(d):
		return 0
	case d >= math.MaxInt64:
		return math.MaxInt64
	case d <= math.MinInt64:
		return math.MinInt64
	}
	return int64(d)
}

func compare(code insn.Opcode, a, b Value) Value {
	if code == insn.Lcmp {
		return Int(sign(a.Int, b.Int))
	}
	x, y := a.Float, b.Float
	if code == insn.Fcmpl || code == insn.Fcmpg {
		x, y = float64(a.F32()), float64(b.F32())
	}
	if math.IsNaN(x) || math.IsNaN(y) {
		if code == insn.Fcmpg || code == insn.Dcmpg {
			return Int(1)
		}
		return Int(-1)
	}
	return Int(sign(x, y))
}

func sign[T int64 | float64](x, y T) int32 {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// branch evaluates a conditional jump; it pops its operands from f.
func branch(code insn.Opcode, f *frame) bool {
	switch {
	case code >= insn.Ifeq && code <= insn.Ifle:
		return intCond(code-insn.Ifeq, f.pop().I32(), 0)
	case code >= insn.IfIcmpeq && code <= insn.IfIcmple:
		b, a := f.pop().I32(), f.pop().I32()
		return intCond(code-insn.IfIcmpeq, a, b)
	case code == insn.IfAcmpeq || code == insn.IfAcmpne:
		b, a := f.pop(), f.pop()
		return sameRef(a, b) == (code == insn.IfAcmpeq)
	case code == insn.Ifnull:
		return f.pop().Kind == KindNull
	case code == insn.Ifnonnull:
		return f.pop().Kind != KindNull
	}
	return true
}

func intCond(rel insn.Opcode, a, b int32) bool {
	switch rel {
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
	}
	return a <= b
}

func sameRef(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindArray:
		return a.Array == b.Array
	case KindString, KindType:
		return a.Str == b.Str
	}
	return a.Kind == KindNull
}

// arrayTypes maps newarray operands to component descriptors.
var arrayTypes = map[int32]string{4: "Z", 5: "C", 6: "F", 7: "D", 8: "B", 9: "S", 10: "I", 11: "J"}

// narrow truncates v to the component type of a primitive array.
func narrow(elem string, v Value) Value {
	switch elem {
	case "Z":
		return Int(v.I32() & 1)
	case "B":
		return Int(int32(int8(v.I32())))
	case "C":
		return Int(int32(uint16(v.I32())))
	case "S":
		return Int(int32(int16(v.I32())))
	}
	return v
}
