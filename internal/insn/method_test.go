// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package insn

import (
	"errors"
	"testing"

	dErrors "github.com/dotandev/deobf/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndIndexOf(t *testing.T) {
	m := NewMethod("a/B", "f", "()I", AccStatic)
	a := m.Add(&Op{Code: Iconst1})
	r := m.Add(&Op{Code: Ireturn})

	before := m.New(&Op{Code: Nop})
	after := m.New(&Op{Code: Nop})
	require.NoError(t, m.InsertBefore(a, before))
	require.NoError(t, m.InsertAfter(a, after))

	assert.Equal(t, 0, m.IndexOf(before))
	assert.Equal(t, 1, m.IndexOf(a))
	assert.Equal(t, 2, m.IndexOf(after))
	assert.Equal(t, 3, m.IndexOf(r))
	assert.Equal(t, 4, m.Len())
}

func TestInsertRejectsPlacedID(t *testing.T) {
	m := NewMethod("a/B", "f", "()V", AccStatic)
	a := m.Add(&Op{Code: Nop})
	b := m.Add(&Op{Code: Return})

	err := m.InsertAfter(b, a)
	assert.True(t, errors.Is(err, dErrors.ErrInvariantViolation))
}

func TestRemoveAndReplace(t *testing.T) {
	m := NewMethod("a/B", "f", "()I", AccStatic)
	a := m.Add(&Op{Code: Iconst1})
	b := m.Add(&Op{Code: Iconst2})
	add := m.Add(&Op{Code: Iadd})
	ret := m.Add(&Op{Code: Ireturn})

	gen := m.Generation()
	c := m.New(&Op{Code: Iconst3})
	require.NoError(t, m.Replace(add, c))
	require.NoError(t, m.Remove(a))
	require.NoError(t, m.Remove(b))
	assert.Greater(t, m.Generation(), gen)

	order, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []ID{c, ret}, order)
	assert.False(t, m.Contains(add))
	assert.Equal(t, -1, m.IndexOf(add))

	err = m.Remove(add)
	assert.True(t, errors.Is(err, dErrors.ErrUnknownInstruction))
}

func TestDanglingLabelReportedBySnapshot(t *testing.T) {
	m := NewMethod("a/B", "f", "()V", AccStatic)
	l := m.Add(&Label{Name: "L0"})
	m.Add(&Jump{Code: Goto, Target: l})

	require.NoError(t, m.Remove(l))

	_, err := m.Snapshot()
	require.Error(t, err)
	assert.True(t, errors.Is(err, dErrors.ErrInvariantViolation))
	assert.True(t, errors.Is(err, dErrors.ErrDanglingReference))
}

func TestValidateTryRangeOrder(t *testing.T) {
	m := NewMethod("a/B", "f", "()V", AccStatic)
	s := m.Add(&Label{})
	m.Add(&Op{Code: Nop})
	e := m.Add(&Label{})
	h := m.Add(&Label{})
	m.Add(&Op{Code: Athrow})

	m.AddTryCatch(TryCatch{Start: e, End: s, Handler: h})
	assert.True(t, errors.Is(m.Validate(), dErrors.ErrInvariantViolation))

	m.SetTryCatch(0, TryCatch{Start: s, End: e, Handler: h})
	assert.NoError(t, m.Validate())
}

func TestRewriteIsAtomic(t *testing.T) {
	m := NewMethod("a/B", "f", "()V", AccStatic)
	l := m.Add(&Label{})
	j := m.Add(&Jump{Code: Goto, Target: l})
	before, _ := m.Snapshot()
	gen := m.Generation()

	err := m.Rewrite([]ID{j})
	assert.True(t, errors.Is(err, dErrors.ErrDanglingReference))
	after, _ := m.Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, gen, m.Generation())

	err = m.Rewrite([]ID{l, j, l})
	assert.True(t, errors.Is(err, dErrors.ErrInvariantViolation))

	require.NoError(t, m.Rewrite([]ID{j, l}))
	assert.Equal(t, 0, m.IndexOf(j))
}

func TestAllIsLive(t *testing.T) {
	m := NewMethod("a/B", "f", "()V", AccStatic)
	a := m.Add(&Op{Code: Nop})
	m.Add(&Op{Code: Return})

	var seen []ID
	for _, id := range m.All() {
		seen = append(seen, id)
		if id == a {
			require.NoError(t, m.InsertAfter(a, m.New(&Op{Code: Nop})))
		}
	}
	assert.Len(t, seen, 3)
}

func TestShrinkTryRange(t *testing.T) {
	m := NewMethod("a/B", "f", "()V", AccStatic)
	s := m.Add(&Label{Name: "start"})
	n1 := m.Add(&Op{Code: Nop})
	call := m.Add(&Call{Code: Invokestatic, Owner: "a/B", Name: "g", Desc: "()V"})
	n2 := m.Add(&Op{Code: Nop})
	e := m.Add(&Label{Name: "end"})
	m.Add(&Op{Code: Return})
	h := m.Add(&Label{Name: "handler"})
	m.Add(&Op{Code: Athrow})
	m.AddTryCatch(TryCatch{Start: s, End: e, Handler: h, Type: "java/lang/Exception"})

	ok, err := m.ShrinkTryRange(0, func(id ID) bool { return CanThrow(m.Insn(id)) })
	require.NoError(t, err)
	require.True(t, ok)

	tc := m.TryCatches()[0]
	assert.Equal(t, m.IndexOf(call)-1, m.IndexOf(tc.Start))
	assert.Equal(t, m.IndexOf(call)+1, m.IndexOf(tc.End))
	assert.Less(t, m.IndexOf(n1), m.IndexOf(tc.Start))
	assert.Greater(t, m.IndexOf(n2), m.IndexOf(tc.End))
	assert.NoError(t, m.Validate())

	ok, err = m.ShrinkTryRange(0, func(ID) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloneKeepsIDs(t *testing.T) {
	m := NewMethod("a/B", "f", "()I", AccStatic)
	a := m.Add(&LdcInsn{Value: int32(7)})
	m.Add(&Op{Code: Ireturn})

	c := m.Clone()
	c.Insn(a).(*LdcInsn).Value = int32(8)

	assert.Equal(t, int32(7), m.Insn(a).(*LdcInsn).Value)
	assert.Equal(t, 0, c.IndexOf(a))
}

func TestStackDelta(t *testing.T) {
	m := NewMethod("a/B", "f", "()V", AccStatic)
	ids := []ID{
		m.Add(&Op{Code: Lconst1}),
		m.Add(&Op{Code: Dup2}),
		m.Add(&Op{Code: Ladd}),
		m.Add(&Call{Code: Invokestatic, Owner: "a/B", Name: "h", Desc: "(JI)I"}),
	}
	// the call needs an int on top as well
	push := m.New(&Op{Code: Iconst0})
	require.NoError(t, m.InsertBefore(ids[3], push))

	d, err := StackDelta(m, []ID{ids[0], ids[1], ids[2], push, ids[3]})
	require.NoError(t, err)
	assert.Equal(t, 1, d)
}

func TestPushInt(t *testing.T) {
	tests := []struct {
		n    int32
		code Opcode
	}{
		{-1, IconstM1},
		{5, Iconst5},
		{100, Bipush},
		{-129, Sipush},
		{1 << 20, Ldc},
	}
	for _, tt := range tests {
		in := PushInt(tt.n)
		assert.Equal(t, tt.code, in.Opcode())
		v, ok := IntValue(in)
		assert.True(t, ok)
		assert.Equal(t, tt.n, v)
	}
}

func TestParseMethodDesc(t *testing.T) {
	params, ret, err := ParseMethodDesc("(I[JLjava/lang/String;D)Ljava/lang/Object;")
	require.NoError(t, err)
	assert.Equal(t, []string{"I", "[J", "Ljava/lang/String;", "D"}, params)
	assert.Equal(t, "Ljava/lang/Object;", ret)

	words, size, err := ArgWords("(IJ)V")
	require.NoError(t, err)
	assert.Equal(t, 3, words)
	assert.Equal(t, 0, size)

	_, _, err = ParseMethodDesc("(Q)V")
	assert.Error(t, err)
}
