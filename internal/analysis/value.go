// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"slices"

	"github.com/dotandev/deobf/internal/insn"
)

// Set is a sorted, duplicate-free set of producing instructions. Sets are
// never mutated once built, so they can be shared between frames.
type Set []insn.ID

// NewSet builds a set from ids.
func NewSet(ids ...insn.ID) Set {
	s := slices.Clone(ids)
	slices.Sort(s)
	return slices.Compact(s)
}

// Contains reports whether id is in s.
func (s Set) Contains(id insn.ID) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// Single returns the only member of s.
func (s Set) Single() (insn.ID, bool) {
	if len(s) != 1 {
		return insn.NoID, false
	}
	return s[0], true
}

// Union returns s ∪ o. When o adds nothing, s itself is returned.
func (s Set) Union(o Set) Set {
	if len(o) == 0 || s.covers(o) {
		return s
	}
	if len(s) == 0 {
		return o
	}
	out := make(Set, 0, len(s)+len(o))
	i, j := 0, 0
	for i < len(s) && j < len(o) {
		switch {
		case s[i] < o[j]:
			out = append(out, s[i])
			i++
		case s[i] > o[j]:
			out = append(out, o[j])
			j++
		default:
			out = append(out, s[i])
			i++
			j++
		}
	}
	out = append(out, s[i:]...)
	return append(out, o[j:]...)
}

func (s Set) covers(o Set) bool {
	for _, id := range o {
		if !s.Contains(id) {
			return false
		}
	}
	return true
}

// Value is one stack entry or local slot: its width in words and the
// instructions that may have produced it. The second word of a long or
// double local is a width-1 value with an empty set.
type Value struct {
	Size    int
	Sources Set
}

func produced(size int, id insn.ID) Value {
	return Value{Size: size, Sources: Set{id}}
}

var top = Value{Size: 1}

// IsTop reports whether v is the unusable second half of a wide local or
// the result of merging values of different widths.
func (v Value) IsTop() bool {
	return len(v.Sources) == 0
}

func merge(a, b Value) (Value, bool) {
	if a.Size != b.Size {
		if a.IsTop() && a.Size == 1 {
			return a, false
		}
		return top, true
	}
	u := a.Sources.Union(b.Sources)
	if len(u) == len(a.Sources) {
		return a, false
	}
	return Value{Size: a.Size, Sources: u}, true
}

// Frame is the abstract state before an instruction executes.
type Frame struct {
	Locals []Value
	Stack  []Value
}

// Top returns the value n entries below the top of the stack; Top(0) is the
// top.
func (f *Frame) Top(n int) (Value, bool) {
	i := len(f.Stack) - 1 - n
	if i < 0 {
		return Value{}, false
	}
	return f.Stack[i], true
}

// Local returns local slot i.
func (f *Frame) Local(i int) (Value, bool) {
	if i < 0 || i >= len(f.Locals) {
		return Value{}, false
	}
	return f.Locals[i], true
}

// Height returns the stack height in words.
func (f *Frame) Height() int {
	h := 0
	for _, v := range f.Stack {
		h += v.Size
	}
	return h
}

func (f *Frame) clone() *Frame {
	return &Frame{
		Locals: slices.Clone(f.Locals),
		Stack:  slices.Clone(f.Stack),
	}
}
