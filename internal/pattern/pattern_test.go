// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/classtable"
	dErrors "github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var xorPush = New("xor-push",
	Capture("a", IntPush()),
	Capture("b", IntPush()),
	Capture("op", Op(insn.Ixor)),
)

func TestFindSkipsLineMarkers(t *testing.T) {
	m := asm.MustParseMethod(`
  bipush 7
.line 3
  iconst_2
  ixor
  pop
  return
`)
	match, ok := Find(xorPush, m, m.Entry())
	require.True(t, ok)
	assert.Equal(t, 3, match.Size())
	assert.Len(t, match.Window, 4)
	assert.Equal(t, []insn.ID{m.At(0)}, match.Captured("a"))
	assert.Equal(t, m.At(2), match.First("b"))
	assert.Equal(t, m.At(3), match.End)
	assert.Equal(t, insn.NoID, match.First("missing"))
}

func TestFindRefusesLabels(t *testing.T) {
	m := asm.MustParseMethod(`
  bipush 7
L1:
  iconst_2
  ixor
  pop
  return
`)
	_, ok := Find(xorPush, m, m.Entry())
	assert.False(t, ok)

	match, ok := Find(xorPush.CrossLabels(), m, m.Entry())
	require.True(t, ok)
	assert.Equal(t, 3, match.Size())

	bounded := New("bounded", IntPush(), LabelBoundary(), IntPush(), Op(insn.Ixor))
	match, ok = Find(bounded, m, m.Entry())
	require.True(t, ok)
	assert.Equal(t, 3, match.Size())
}

func TestNoCrossLabelMatchesRandomised(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := []insn.Instruction{
		&insn.Op{Code: insn.Iconst1},
		&insn.IntInsn{Code: insn.Bipush, Operand: 9},
		&insn.Op{Code: insn.Ixor},
		&insn.Line{Number: 1},
	}
	for round := 0; round < 200; round++ {
		m := insn.NewMethod("a/B", "f", "()V", insn.AccStatic)
		for i := 0; i < 12; i++ {
			if rng.Intn(4) == 0 {
				m.Add(&insn.Label{})
				continue
			}
			m.Add(insn.Copy(pool[rng.Intn(len(pool))]))
		}
		for _, id := range m.All() {
			match, ok := Find(xorPush, m, id)
			if !ok {
				continue
			}
			for _, w := range match.Window {
				_, isLabel := m.Insn(w).(*insn.Label)
				require.False(t, isLabel, "round %d matched across a label", round)
			}
		}
	}
}

func TestInvokeNameMatchers(t *testing.T) {
	m := asm.MustParseMethod(`
  ldc "abc"
  invokevirtual java/lang/String hashCode ()I
  invokestatic a/obf/Decrypt d0 (I)Ljava/lang/String;
  pop
  return
`)
	hash := m.At(1)
	dec := m.At(2)

	tests := []struct {
		name string
		step Step
		id   insn.ID
		want bool
	}{
		{"exact", Invoke(insn.Invokevirtual, "java/lang/String", "hashCode", "()I"), hash, true},
		{"wrong kind", Invoke(insn.Invokestatic, "java/lang/String", "hashCode", "()I"), hash, false},
		{"any kind", Invoke(0, "java/lang/String", "*", "*"), hash, true},
		{"glob", Invoke(0, "a/obf/*", "d*", "(I)*"), dec, true},
		{"regex", Invoke(0, "*", `~^d\d+$`, "*"), dec, true},
		{"regex miss", Invoke(0, "*", `~^x\d+$`, "*"), dec, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Find(New(tt.name, tt.step), m, tt.id)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestOwnerIs(t *testing.T) {
	table := classtable.NewMap()
	require.NoError(t, table.Add(&classtable.Type{Name: "a/Impl", Super: "a/Api"}))

	m := asm.MustParseMethod(`
  getstatic a/Impl K I
  getstatic x/Other K I
  pop2
  return
`)
	p := New("api-field", OwnerIs(FieldRef(insn.Getstatic, "*", "K", "I"), table, "a/Api"))
	_, ok := Find(p, m, m.At(0))
	assert.True(t, ok)
	_, ok = Find(p, m, m.At(1))
	assert.False(t, ok)
}

func TestScenarioANoEntryNoMatch(t *testing.T) {
	m := asm.MustParseMethod(`
  iconst_m1
  iconst_m1
  imul
  pop
  return
`)
	empty := NewCatalog[string]()
	_, _, ok := empty.Longest(m, m.Entry())
	assert.False(t, ok)

	other := NewCatalog[string]()
	require.NoError(t, other.Register(New("neg-neg-add", Op(insn.IconstM1), Op(insn.IconstM1), Op(insn.Iadd)), "add"))
	_, _, ok = other.Longest(m, m.Entry())
	assert.False(t, ok)

	require.NoError(t, other.Register(New("neg-neg-mul", Op(insn.IconstM1), Op(insn.IconstM1), Op(insn.Imul)), "mul"))
	match, v, ok := other.Longest(m, m.Entry())
	require.True(t, ok)
	assert.Equal(t, "mul", v)
	assert.Equal(t, 3, match.Size())
}

func TestLongestMatchWins(t *testing.T) {
	m := asm.MustParseMethod(`
  iconst_1
  iconst_2
  iadd
  pop
  return
`)
	c := NewCatalog[int]()
	require.NoError(t, c.Register(New("push", IntPush()), 1))
	require.NoError(t, c.Register(New("add", IntPush(), IntPush(), Op(insn.Iadd)), 3))
	require.NoError(t, c.Register(New("pair", IntPush(), IntPush()), 2))

	match, v, ok := c.Longest(m, m.Entry())
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, "add", match.Pattern.Name())

	all := c.All(m, m.Entry())
	require.Len(t, all, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{all[0].Value, all[1].Value, all[2].Value})

	assert.Error(t, c.Register(New("push", Op(insn.Nop)), 0))
}

func TestCatalogValidate(t *testing.T) {
	c := NewCatalog[int]()
	require.NoError(t, c.Register(New("xor", IntPush(), IntPush(), Op(insn.Ixor)), 0))
	require.NoError(t, c.Register(New("add", IntPush(), IntPush(), Op(insn.Iadd)), 0))
	require.NoError(t, c.Register(New("hash", Const(), Invoke(0, "java/lang/String", "hashCode", "()I")), 0))
	require.NoError(t, c.Register(New("len", Const(), Invoke(0, "java/lang/String", "length", "()I")), 0))
	assert.NoError(t, c.Validate())

	require.NoError(t, c.Register(New("xor-or-and", IntPush(), IntPush(), Op(insn.Ixor, insn.Iand)), 0))
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, dErrors.ErrCatalogOverlap))
}

func TestMarkerAnchor(t *testing.T) {
	m := asm.MustParseMethod(`
L0:
  iconst_1
  pop
  return
`)
	_, ok := Find(New("push", IntPush()), m, m.Entry())
	assert.False(t, ok)

	match, ok := Find(New("entry", LabelBoundary(), IntPush()), m, m.Entry())
	require.True(t, ok)
	assert.Equal(t, m.At(0), match.Start)
	assert.Equal(t, m.At(1), match.End)
}
