// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/dotandev/deobf/internal/asm"
	dErrors "github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/oracle"
	"github.com/dotandev/deobf/internal/pattern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var xorPattern = pattern.New("xor",
	pattern.IntPush(),
	pattern.IntPush(),
	pattern.Op(insn.Ixor),
)

// foldXor evaluates the window through the oracle.
var foldXor = RuleFunc(func(ctx context.Context, s *Site) (*Resolution, error) {
	v, err := s.Evaluate(ctx, s.Match.Semantic(), "I")
	if err != nil {
		return nil, err
	}
	return &Resolution{Replace: s.Match.Semantic(), Seq: []insn.Instruction{insn.PushInt(int32(v.Int))}}, nil
})

func catalog(t *testing.T, entries ...pattern.Entry[Rule]) *pattern.Catalog[Rule] {
	t.Helper()
	c := pattern.NewCatalog[Rule]()
	for _, e := range entries {
		require.NoError(t, c.Register(e.Pattern, e.Value))
	}
	return c
}

func TestFoldMethodReachesFixpoint(t *testing.T) {
	m := asm.MustParseMethod(`
.method f ()I static
  bipush 7
  iconst_2
  ixor
  iconst_1
  ixor
  ireturn
`)
	f := NewFolder(catalog(t, pattern.Entry[Rule]{Pattern: xorPattern, Value: foldXor}),
		oracle.NewInterpreter(nil, nil), nil)

	rep, err := f.FoldMethod(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.Equal(t, 3, rep.Passes)
	assert.Equal(t, 2, rep.Resolved["xor"])
	assert.Equal(t, "iconst_4\nireturn\n", body(m))

	again, err := f.FoldMethod(context.Background(), m)
	require.NoError(t, err)
	assert.Zero(t, again.Edits)
	assert.Equal(t, 1, again.Passes)
}

func body(m *insn.Method) string {
	s := ""
	for _, id := range m.All() {
		s += asm.String(m, id) + "\n"
	}
	return s
}

func TestFoldMethodSkipsFaultsAndConsensus(t *testing.T) {
	o := &oracle.MockOracle{}
	o.On("Execute", mock.Anything, mock.Anything).Return(oracle.Value{}, oracle.Throw("java/lang/ArithmeticException", "/ by zero"))

	m := asm.MustParseMethod("iconst_1\n iconst_2\n ixor\n pop\n return")
	before := asm.Format(m)

	shy := RuleFunc(func(context.Context, *Site) (*Resolution, error) {
		return nil, dErrors.WrapConsensus("producers disagree")
	})
	f := NewFolder(catalog(t,
		pattern.Entry[Rule]{Pattern: xorPattern, Value: foldXor},
		pattern.Entry[Rule]{Pattern: pattern.New("pop", pattern.Op(insn.Pop)), Value: shy},
	), o, nil)

	rep, err := f.FoldMethod(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, before, asm.Format(m))
	o.AssertNumberOfCalls(t, "Execute", 1)
}

func TestFoldMethodDoubleClaim(t *testing.T) {
	m := asm.MustParseMethod("nop\n nop\n nop\n return")
	before := asm.Format(m)
	third := m.At(2)

	greedy := RuleFunc(func(_ context.Context, s *Site) (*Resolution, error) {
		if s.Match.Start == third {
			return nil, nil
		}
		return &Resolution{Replace: []insn.ID{s.Match.Start, third}}, nil
	})
	f := NewFolder(catalog(t, pattern.Entry[Rule]{Pattern: pattern.New("nop", pattern.Op(insn.Nop)), Value: greedy}), nil, nil)

	_, err := f.FoldMethod(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dErrors.ErrInvariantViolation))
	assert.Equal(t, before, asm.Format(m))
}

func TestFoldMethodRejectsStackChange(t *testing.T) {
	m := asm.MustParseMethod("nop\n return")
	bad := RuleFunc(func(_ context.Context, s *Site) (*Resolution, error) {
		return &Resolution{Replace: s.Match.Semantic(), Seq: []insn.Instruction{insn.PushInt(1)}}, nil
	})
	f := NewFolder(catalog(t, pattern.Entry[Rule]{Pattern: pattern.New("nop", pattern.Op(insn.Nop)), Value: bad}), nil, nil)

	_, err := f.FoldMethod(context.Background(), m)
	assert.True(t, errors.Is(err, dErrors.ErrInvariantViolation))
}

func TestFoldMethodPassLimit(t *testing.T) {
	m := asm.MustParseMethod("nop\n return")
	churn := RuleFunc(func(_ context.Context, s *Site) (*Resolution, error) {
		return &Resolution{Replace: s.Match.Semantic(), Seq: []insn.Instruction{&insn.Op{Code: insn.Nop}}}, nil
	})
	f := NewFolder(catalog(t, pattern.Entry[Rule]{Pattern: pattern.New("nop", pattern.Op(insn.Nop)), Value: churn}), nil, nil)
	f.MaxPasses = 3

	rep, err := f.FoldMethod(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, rep.Converged)
	assert.Equal(t, 3, rep.Passes)
	assert.Equal(t, 3, rep.Edits)
}

func TestFoldMethodAnalysisError(t *testing.T) {
	m := asm.MustParseMethod(".method f ()V static\n iadd\n return")
	f := NewFolder(catalog(t), nil, nil)
	_, err := f.FoldMethod(context.Background(), m)
	assert.True(t, errors.Is(err, dErrors.ErrAnalysis))
}

func TestFoldMethodCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFolder(catalog(t), nil, nil)
	_, err := f.FoldMethod(ctx, asm.MustParseMethod("return"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFoldMethodSkipsUnreachableOracle(t *testing.T) {
	m := asm.MustParseMethod("nop\n iconst_1\n iconst_2\n ixor\n pop\n return")
	drop := RuleFunc(func(_ context.Context, s *Site) (*Resolution, error) {
		return &Resolution{Replace: s.Match.Semantic()}, nil
	})
	f := NewFolder(catalog(t,
		pattern.Entry[Rule]{Pattern: xorPattern, Value: foldXor},
		pattern.Entry[Rule]{Pattern: pattern.New("nop", pattern.Op(insn.Nop)), Value: drop},
	), oracle.NewClient("http://127.0.0.1:1/rpc", ""), nil)

	rep, err := f.FoldMethod(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.Equal(t, 1, rep.Resolved["nop"])
	assert.Positive(t, rep.Skipped)
	assert.Equal(t, "iconst_1\niconst_2\nixor\npop\nreturn\n", body(m))
}

func TestFoldMethodDivertMustEndInGoto(t *testing.T) {
	m := asm.MustParseMethod("iconst_1\n nop\n pop\n return")
	bad := RuleFunc(func(_ context.Context, s *Site) (*Resolution, error) {
		return &Resolution{Replace: s.Match.Semantic(), Seq: []insn.Instruction{&insn.Op{Code: insn.Pop}}, Divert: true}, nil
	})
	f := NewFolder(catalog(t, pattern.Entry[Rule]{Pattern: pattern.New("nop", pattern.Op(insn.Nop)), Value: bad}), nil, nil)

	_, err := f.FoldMethod(context.Background(), m)
	assert.True(t, errors.Is(err, dErrors.ErrInvariantViolation))
}

func TestFoldMethodDefersCollidingAlso(t *testing.T) {
	m := asm.MustParseMethod("nop\n iconst_1\n pop\n return")
	first := m.At(0)

	drop := RuleFunc(func(_ context.Context, s *Site) (*Resolution, error) {
		return &Resolution{Replace: s.Match.Semantic()}, nil
	})
	reach := RuleFunc(func(_ context.Context, s *Site) (*Resolution, error) {
		if !s.Method.Contains(first) {
			return nil, nil
		}
		return &Resolution{Also: []*Resolution{{Replace: []insn.ID{first}}}}, nil
	})
	f := NewFolder(catalog(t,
		pattern.Entry[Rule]{Pattern: pattern.New("nop", pattern.Op(insn.Nop)), Value: drop},
		pattern.Entry[Rule]{Pattern: pattern.New("pop", pattern.Op(insn.Pop)), Value: reach},
	), nil, nil)

	rep, err := f.FoldMethod(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Resolved["nop"])
	assert.Zero(t, rep.Resolved["pop"])
	assert.Equal(t, "iconst_1\npop\nreturn\n", body(m))
}
