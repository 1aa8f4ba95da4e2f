// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package idiom

import (
	"context"
	"fmt"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/pattern"
	"github.com/dotandev/deobf/internal/resolve"
)

var (
	ArithmeticPattern = pattern.New("constant-arithmetic",
		pattern.Capture("a", pattern.IntPush()),
		pattern.Capture("b", pattern.IntPush()),
		pattern.Capture("op", pattern.Op(insn.Iadd, insn.Isub, insn.Imul, insn.Idiv, insn.Irem,
			insn.Ishl, insn.Ishr, insn.Iushr, insn.Iand, insn.Ior, insn.Ixor)),
	)

	UnaryPattern = pattern.New("constant-unary",
		pattern.Capture("a", pattern.IntPush()),
		pattern.Capture("op", pattern.Op(insn.Ineg, insn.I2b, insn.I2c, insn.I2s)),
	)

	StringHashPattern = pattern.New("string-hash",
		pattern.Capture("str", pattern.Const()),
		pattern.Invoke(insn.Invokevirtual, "java/lang/String", "hashCode", "()I"),
	)

	DeadPushPattern = pattern.New("dead-push",
		pattern.Capture("push", pattern.Const()),
		pattern.Capture("pop", pattern.Op(insn.Pop, insn.Pop2)),
	)
)

const foldableDesc = `(I|J|Ljava/lang/String;)`

func staticCallPattern(owners string) *pattern.Pattern {
	return pattern.New("static-call",
		pattern.Capture("arg", pattern.Const()),
		pattern.Capture("call", pattern.Invoke(insn.Invokestatic, owners, "*", "~^\\("+foldableDesc+"\\)"+foldableDesc+"$")),
	)
}

func staticCallNoArgPattern(owners string) *pattern.Pattern {
	return pattern.New("static-call-noarg",
		pattern.Capture("call", pattern.Invoke(insn.Invokestatic, owners, "*", "~^\\(\\)"+foldableDesc+"$")),
	)
}

// evaluate runs the whole window through the oracle and returns the
// instruction pushing the result.
func evaluate(ctx context.Context, s *resolve.Site, ret string) (*resolve.Resolution, error) {
	ids := s.Match.Semantic()
	v, err := s.Evaluate(ctx, ids, ret)
	if err != nil {
		return nil, err
	}
	c, err := v.Const()
	if err != nil {
		return nil, errors.WrapExecutionFault(err)
	}
	push, err := insn.PushConst(c)
	if err != nil {
		return nil, errors.WrapExecutionFault(err)
	}
	return &resolve.Resolution{Replace: ids, Seq: []insn.Instruction{push}}, nil
}

func foldArithmetic(ctx context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	return evaluate(ctx, s, "I")
}

func foldStringHash(ctx context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	c, _ := insn.ConstValue(s.Method.Insn(s.Match.First("str")))
	if _, ok := c.(string); !ok {
		return nil, nil
	}
	return evaluate(ctx, s, "I")
}

// foldStaticCall folds calls whose target the class table knows. The
// oracle runs the callee's body, including its class initialiser.
func foldStaticCall(ctx context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	call := s.Method.Insn(s.Match.First("call")).(*insn.Call)
	if s.Table == nil {
		return nil, nil
	}
	if m, ok := s.Table.LookupMember(call.Owner, call.Name, call.Desc); !ok || m.Body == nil || !m.IsStatic() {
		return nil, nil
	}
	params, ret, err := insn.ParseMethodDesc(call.Desc)
	if err != nil {
		return nil, err
	}
	if arg := s.Match.First("arg"); arg != insn.NoID {
		c, _ := insn.ConstValue(s.Method.Insn(arg))
		if len(params) != 1 || !constFits(c, params[0]) {
			return nil, nil
		}
	}
	return evaluate(ctx, s, ret)
}

func constFits(c any, desc string) bool {
	switch c.(type) {
	case int32:
		return desc == "I"
	case int64:
		return desc == "J"
	case string:
		return desc == "Ljava/lang/String;"
	}
	return false
}

func foldDeadPush(_ context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	push, pop := s.Match.First("push"), s.Match.First("pop")
	_, words, err := insn.Effect(s.Method.Insn(push))
	if err != nil {
		return nil, err
	}
	want := 1
	if s.Method.Insn(pop).Opcode() == insn.Pop2 {
		want = 2
	}
	if words != want {
		return nil, nil
	}
	return &resolve.Resolution{Replace: []insn.ID{push, pop}}, nil
}

func intConst(src resolve.Source) (int32, error) {
	n, ok := src.Value.(int32)
	if !ok {
		return 0, errors.WrapConsensus(fmt.Sprintf("operand is %T, not int", src.Value))
	}
	return n, nil
}
