// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dotandev/deobf/internal/insn"
)

// Kind tags a Value.
type Kind string

const (
	KindVoid   Kind = "void"
	KindInt    Kind = "int"
	KindLong   Kind = "long"
	KindFloat  Kind = "float"
	KindDouble Kind = "double"
	KindString Kind = "string"
	KindNull   Kind = "null"
	KindType   Kind = "type"
	KindArray  Kind = "array"
)

// Value is a concrete JVM value as seen by an oracle. Int and long share
// Int; float and double share Float; string and type share Str.
type Value struct {
	Kind  Kind    `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Str   string  `json:"str,omitempty"`
	Array *Array  `json:"array,omitempty"`
}

// Array is a JVM array. Elem is the component descriptor.
type Array struct {
	Elem string  `json:"elem"`
	Data []Value `json:"data"`
}

// Value constructors.
func Void() Value            { return Value{Kind: KindVoid} }
func Int(v int32) Value      { return Value{Kind: KindInt, Int: int64(v)} }
func Long(v int64) Value     { return Value{Kind: KindLong, Int: v} }
func Float(v float32) Value  { return Value{Kind: KindFloat, Float: float64(v)} }
func Double(v float64) Value { return Value{Kind: KindDouble, Float: v} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Null() Value            { return Value{Kind: KindNull} }
func Type(name string) Value { return Value{Kind: KindType, Str: name} }

// NewArray returns a zero-filled array of n elements.
func NewArray(elem string, n int) Value {
	data := make([]Value, n)
	zero := Zero(elem)
	for i := range data {
		data[i] = zero
	}
	return Value{Kind: KindArray, Array: &Array{Elem: elem, Data: data}}
}

// Zero returns the default value for a field descriptor.
func Zero(desc string) Value {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return Int(0)
	case "J":
		return Long(0)
	case "F":
		return Float(0)
	case "D":
		return Double(0)
	}
	return Null()
}

// I32 returns the value as a Java int.
func (v Value) I32() int32 {
	return int32(v.Int)
}

// F32 returns the value as a Java float.
func (v Value) F32() float32 {
	return float32(v.Float)
}

// Wide reports whether the value takes two stack words.
func (v Value) Wide() bool {
	return v.Kind == KindLong || v.Kind == KindDouble
}

// Const converts v to the constant form used by insn.PushConst.
func (v Value) Const() (any, error) {
	switch v.Kind {
	case KindInt:
		return v.I32(), nil
	case KindLong:
		return v.Int, nil
	case KindFloat:
		return v.F32(), nil
	case KindDouble:
		return v.Float, nil
	case KindString:
		return v.Str, nil
	case KindNull:
		return nil, nil
	case KindType:
		return insn.TypeRef(v.Str), nil
	}
	return nil, fmt.Errorf("oracle: %s value has no constant form", v.Kind)
}

// FromConst converts an ldc-style constant to a Value.
func FromConst(c any) (Value, error) {
	switch x := c.(type) {
	case nil:
		return Null(), nil
	case int32:
		return Int(x), nil
	case int64:
		return Long(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Double(x), nil
	case string:
		return String(x), nil
	case insn.TypeRef:
		return Type(string(x)), nil
	}
	return Value{}, fmt.Errorf("oracle: unsupported constant %T", c)
}

// Fits reports whether v can be passed for a parameter of type desc.
func (v Value) Fits(desc string) bool {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return v.Kind == KindInt
	case "J":
		return v.Kind == KindLong
	case "F":
		return v.Kind == KindFloat
	case "D":
		return v.Kind == KindDouble
	case "Ljava/lang/String;":
		return v.Kind == KindString || v.Kind == KindNull
	case "Ljava/lang/Class;":
		return v.Kind == KindType || v.Kind == KindNull
	}
	if len(desc) > 0 && desc[0] == '[' {
		return v.Kind == KindArray || v.Kind == KindNull
	}
	return v.Kind == KindNull || v.Kind == KindString || v.Kind == KindType || v.Kind == KindArray
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindLong:
		return strconv.FormatInt(v.Int, 10) + "L"
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 32) + "f"
	case KindDouble:
		if math.IsInf(v.Float, 0) || math.IsNaN(v.Float) {
			return fmt.Sprint(v.Float)
		}
		return strconv.FormatFloat(v.Float, 'g', -1, 64) + "d"
	case KindString:
		return strconv.Quote(v.Str)
	case KindType:
		return "class " + v.Str
	case KindArray:
		return fmt.Sprintf("%s[%d]", v.Array.Elem, len(v.Array.Data))
	}
	return string(v.Kind)
}

// Equal compares kinds and payloads; arrays compare by identity.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindFloat, KindDouble:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	case KindArray:
		return v.Array == o.Array
	}
	return v.Int == o.Int && v.Str == o.Str
}
