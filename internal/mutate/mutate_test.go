// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package mutate

import (
	"errors"
	"testing"

	"github.com/dotandev/deobf/internal/asm"
	dErrors "github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const body = `
.method f ()I static
  bipush 7
  iconst_2
  ixor
  ireturn
`

func TestApplyFoldsWindow(t *testing.T) {
	m := asm.MustParseMethod(body)
	a, b, xor, ret := m.At(0), m.At(1), m.At(2), m.At(3)
	gen := m.Generation()

	l := New()
	require.NoError(t, l.Replace(xor, m.New(insn.PushInt(5))))
	require.NoError(t, l.Remove(b))
	require.NoError(t, l.Remove(a))
	assert.Equal(t, 3, l.Len())

	require.NoError(t, l.Apply(m))
	assert.Greater(t, m.Generation(), gen)
	assert.Equal(t, 2, m.Len())
	v, ok := insn.IntValue(m.Insn(m.At(0)))
	require.True(t, ok)
	assert.Equal(t, int32(5), v)
	assert.Equal(t, ret, m.At(1))
}

func TestInsertsKeepStagingOrder(t *testing.T) {
	m := asm.MustParseMethod(body)
	xor := m.At(2)
	n1 := m.New(&insn.Op{Code: insn.Nop})
	n2 := m.New(&insn.Op{Code: insn.Nop})
	n3 := m.New(&insn.Op{Code: insn.Nop})

	l := New()
	require.NoError(t, l.InsertBefore(xor, n1))
	require.NoError(t, l.InsertBefore(xor, n2))
	require.NoError(t, l.InsertAfter(xor, n3))
	require.NoError(t, l.Apply(m))

	assert.Equal(t, []insn.ID{n1, n2, xor, n3}, []insn.ID{m.At(2), m.At(3), m.At(4), m.At(5)})
}

func TestConflictsFailFast(t *testing.T) {
	m := asm.MustParseMethod(body)
	x := m.At(2)

	tests := []struct {
		name  string
		first func(*Log) error
		then  func(*Log) error
	}{
		{"remove twice", func(l *Log) error { return l.Remove(x) }, func(l *Log) error { return l.Remove(x) }},
		{"remove then replace", func(l *Log) error { return l.Remove(x) }, func(l *Log) error { return l.Replace(x, m.New(&insn.Op{Code: insn.Nop})) }},
		{"replace then remove", func(l *Log) error { return l.Replace(x, m.New(&insn.Op{Code: insn.Nop})) }, func(l *Log) error { return l.Remove(x) }},
		{"replace twice", func(l *Log) error { return l.Replace(x, m.New(&insn.Op{Code: insn.Nop})) }, func(l *Log) error { return l.Replace(x, m.New(&insn.Op{Code: insn.Nop})) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			require.NoError(t, tt.first(l))
			err := tt.then(l)
			require.Error(t, err)
			assert.True(t, errors.Is(err, dErrors.ErrEditConflict))
			assert.Equal(t, 1, l.Len())
		})
	}
}

func TestPayloadCannotBeAnchor(t *testing.T) {
	m := asm.MustParseMethod(body)
	p := m.New(&insn.Op{Code: insn.Nop})

	l := New()
	require.NoError(t, l.InsertAfter(m.At(0), p))
	assert.True(t, errors.Is(l.Remove(p), dErrors.ErrEditConflict))
	assert.True(t, errors.Is(l.InsertAfter(m.At(1), p), dErrors.ErrEditConflict))

	require.NoError(t, l.Remove(m.At(1)))
	assert.True(t, errors.Is(l.InsertAfter(m.At(2), m.At(1)), dErrors.ErrEditConflict))
}

func TestApplyIsAtomic(t *testing.T) {
	m := asm.MustParseMethod(`
  goto L1
L1:
  return
`)
	before := asm.Format(m)
	gen := m.Generation()

	l := New()
	require.NoError(t, l.Remove(m.At(1)))
	err := l.Apply(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dErrors.ErrDanglingReference))
	assert.Equal(t, before, asm.Format(m))
	assert.Equal(t, gen, m.Generation())
}

func TestApplyRejectsUnknownAnchor(t *testing.T) {
	m := asm.MustParseMethod(body)
	other := asm.MustParseMethod(body + "\n  nop")

	l := New()
	require.NoError(t, l.Remove(other.At(4)))
	assert.True(t, errors.Is(l.Apply(m), dErrors.ErrUnknownInstruction))
}

func TestLogIsSingleUse(t *testing.T) {
	m := asm.MustParseMethod(body)
	l := New()
	require.NoError(t, l.Replace(m.At(0), m.New(insn.PushInt(1))))
	require.NoError(t, l.Apply(m))

	assert.True(t, errors.Is(l.Apply(m), dErrors.ErrLogConsumed))
	assert.True(t, errors.Is(l.Remove(m.At(1)), dErrors.ErrLogConsumed))
}

func TestStackEffectOfFold(t *testing.T) {
	m := asm.MustParseMethod(body)
	window := []insn.ID{m.At(0), m.At(1), m.At(2)}
	orig, err := insn.StackDelta(m, window)
	require.NoError(t, err)

	folded := m.New(insn.PushInt(5))
	l := New()
	require.NoError(t, l.Replace(window[2], folded))
	require.NoError(t, l.Remove(window[0]))
	require.NoError(t, l.Remove(window[1]))
	require.NoError(t, l.Apply(m))

	got, err := insn.StackDelta(m, []insn.ID{folded})
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}
