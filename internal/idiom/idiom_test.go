// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package idiom

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/dotandev/deobf/internal/analysis"
	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/classtable"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/oracle"
	"github.com/dotandev/deobf/internal/resolve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func folder(t *testing.T, table *classtable.Map) (*resolve.Folder, *oracle.Interpreter) {
	t.Helper()
	c, err := Catalog(Options{})
	require.NoError(t, err)
	var tt classtable.Table
	if table != nil {
		tt = table
	}
	it := oracle.NewInterpreter(oracle.Standard(), tt)
	return resolve.NewFolder(c, it, tt), it
}

func run(t *testing.T, it *oracle.Interpreter, m *insn.Method) (oracle.Value, error) {
	t.Helper()
	return it.Execute(context.Background(), &oracle.Request{Owner: m.Owner, Body: m})
}

func fold(t *testing.T, f *resolve.Folder, m *insn.Method) *resolve.Report {
	t.Helper()
	rep, err := f.FoldMethod(context.Background(), m)
	require.NoError(t, err)
	require.True(t, rep.Converged)
	return rep
}

func firstSemantic(m *insn.Method) insn.Instruction {
	for _, id := range m.All() {
		if in := m.Insn(id); !insn.IsMarker(in) {
			return in
		}
	}
	return nil
}

func TestCatalogHasNoAmbiguousPatterns(t *testing.T) {
	c, err := Catalog(Options{StaticOwners: "a/*"})
	require.NoError(t, err)
	assert.Equal(t, len(Entries(Options{})), c.Len())
}

func TestScenarioBXorSwitch(t *testing.T) {
	const src = `
.method f ()I static
  bipush 7
  iconst_2
  ixor
  lookupswitch Ldef 1:Lone %d:Lhit
Lone:
  iconst_1
  ireturn
Lhit:
  bipush 50
  ireturn
Ldef:
  iconst_m1
  ireturn
`
	tests := []struct {
		name string
		key  int
		want int32
	}{
		{"case present", 5, 50},
		{"case absent", 6, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, it := folder(t, nil)
			m := asm.MustParseMethod(fmt.Sprintf(src, tt.key))
			hit, def := m.At(7), m.At(10)

			rep := fold(t, f, m)
			assert.Equal(t, 1, rep.Resolved["xor-switch"])

			j, ok := firstSemantic(m).(*insn.Jump)
			require.True(t, ok)
			assert.Equal(t, insn.Goto, j.Code)
			if tt.key == 5 {
				assert.Equal(t, hit, j.Target)
			} else {
				assert.Equal(t, def, j.Target)
			}

			got, err := run(t, it, m)
			require.NoError(t, err)
			assert.Equal(t, oracle.Int(tt.want), got)
		})
	}
}

const pathSplitXor = `
.method f (I)I static
  iload_0
  ifeq Lelse
  %s
  goto Ljoin
Lelse:
  iconst_3
Ljoin:
  iconst_2
  ixor
  lookupswitch Ldef 5:Lfive 1:Lone
Lfive:
  bipush 50
  ireturn
Lone:
  bipush 10
  ireturn
Ldef:
  iconst_m1
  ireturn
`

func TestXorSwitchSplitByPath(t *testing.T) {
	f, it := folder(t, nil)
	m := asm.MustParseMethod(fmt.Sprintf(pathSplitXor, "bipush 7"))
	orig := m.Clone()
	sw, five, one := m.At(9), m.At(10), m.At(13)

	rep := fold(t, f, m)
	assert.Equal(t, 1, rep.Resolved["xor-path-switch"])
	assert.Equal(t, 2, rep.Resolved["dead-push"])

	frames, err := analysis.Analyze(m)
	require.NoError(t, err)
	assert.False(t, frames.Reachable(sw), "switch still reachable:\n%s", asm.Format(m))

	var targets []insn.ID
	for _, id := range m.All() {
		if j, ok := m.Insn(id).(*insn.Jump); ok && j.Code == insn.Goto && frames.Reachable(id) {
			targets = append(targets, j.Target)
		}
	}
	assert.ElementsMatch(t, []insn.ID{five, one}, targets)

	for _, arg := range []int32{0, 1, -4} {
		want, err := it.Execute(context.Background(), &oracle.Request{Owner: orig.Owner, Body: orig, Args: []oracle.Value{oracle.Int(arg)}})
		require.NoError(t, err)
		got, err := it.Execute(context.Background(), &oracle.Request{Owner: m.Owner, Body: m, Args: []oracle.Value{oracle.Int(arg)}})
		require.NoError(t, err)
		assert.Equal(t, want, got, "f(%d)", arg)
	}
}

func TestXorSwitchSplitKeepsUnknownPath(t *testing.T) {
	f, it := folder(t, nil)
	m := asm.MustParseMethod(fmt.Sprintf(pathSplitXor, "iload_0"))
	orig := m.Clone()
	sw, one := m.At(9), m.At(13)

	rep := fold(t, f, m)
	assert.Equal(t, 1, rep.Resolved["xor-path-switch"])
	assert.NotZero(t, rep.Skipped)

	frames, err := analysis.Analyze(m)
	require.NoError(t, err)
	assert.True(t, frames.Reachable(sw))
	var diverted int
	for _, id := range m.All() {
		if j, ok := m.Insn(id).(*insn.Jump); ok && j.Code == insn.Goto && j.Target == one {
			diverted++
		}
	}
	assert.Equal(t, 1, diverted)

	for _, arg := range []int32{0, 3, 4, 7} {
		want, err := it.Execute(context.Background(), &oracle.Request{Owner: orig.Owner, Body: orig, Args: []oracle.Value{oracle.Int(arg)}})
		require.NoError(t, err)
		got, err := it.Execute(context.Background(), &oracle.Request{Owner: m.Owner, Body: m, Args: []oracle.Value{oracle.Int(arg)}})
		require.NoError(t, err)
		assert.Equal(t, want, got, "f(%d)", arg)
	}
}

func TestXorSwitchSplitNeedsJoinLabel(t *testing.T) {
	f, _ := folder(t, nil)
	m := asm.MustParseMethod(`
.method f (I)I static
  iload_0
  iconst_2
  ixor
  lookupswitch Ldef 1:Lone
Lone:
  iconst_1
  ireturn
Ldef:
  iconst_0
  ireturn
`)
	before := asm.Format(m)
	rep := fold(t, f, m)
	assert.Zero(t, rep.Resolved["xor-path-switch"])
	assert.Equal(t, before, asm.Format(m))
}

func TestTableSwitchOnFoldedKey(t *testing.T) {
	f, it := folder(t, nil)
	m := asm.MustParseMethod(`
.method f ()I static
  bipush 12
  iconst_4
  isub
  tableswitch 7 Ldef La Lb
La:
  bipush 70
  ireturn
Lb:
  bipush 80
  ireturn
Ldef:
  iconst_0
  ireturn
`)
	rep := fold(t, f, m)
	assert.Equal(t, 1, rep.Resolved["constant-arithmetic"])
	assert.Equal(t, 1, rep.Resolved["constant-switch"])
	assert.Equal(t, 1, rep.Resolved["dead-push"])

	got, err := run(t, it, m)
	require.NoError(t, err)
	assert.Equal(t, oracle.Int(80), got)
	assert.IsType(t, &insn.Jump{}, firstSemantic(m))
}

func TestScenarioCRethrowHandler(t *testing.T) {
	f, _ := folder(t, nil)
	m := asm.MustParseMethod(`
.method f (I)I static
.try Ls1 Le1 Lrethrow
.try Ls2 Le2 Lhandle java/lang/ArithmeticException
Ls1:
  iload_0
  iconst_2
  idiv
  istore_0
Le1:
  nop
Ls2:
  bipush 10
  iload_0
  idiv
  ireturn
Le2:
Lrethrow:
  athrow
Lhandle:
  pop
  iconst_m1
  ireturn
`)
	require.Len(t, m.TryCatches(), 2)
	kept := *m.TryCatches()[1]

	rep := fold(t, f, m)
	assert.Equal(t, 1, rep.Resolved["rethrow-handler"])
	require.Len(t, m.TryCatches(), 1)
	assert.Equal(t, kept, *m.TryCatches()[0])
}

func TestRethrowHandlerKeptWhenShadowing(t *testing.T) {
	f, _ := folder(t, nil)
	m := asm.MustParseMethod(`
.method f (I)I static
.try Ls Le Lrethrow
.try Ls Le Lcatch
Ls:
  bipush 10
  iload_0
  idiv
  ireturn
Le:
Lrethrow:
  athrow
Lcatch:
  pop
  iconst_0
  ireturn
`)
	rep := fold(t, f, m)
	assert.Zero(t, rep.Edits)
	assert.Len(t, m.TryCatches(), 2)
}

func decryptor(t *testing.T) *classtable.Map {
	t.Helper()
	bodies, err := asm.Parse(`
.class a/Keys
.method <clinit> ()V static
  bipush 42
  putstatic a/Keys key I
  return
.end
.method mix (I)I static
  iload_0
  getstatic a/Keys key I
  ixor
  ireturn
.end
.method name (Ljava/lang/String;)Ljava/lang/String; static
  aload_0
  ldc "!"
  invokevirtual java/lang/String concat (Ljava/lang/String;)Ljava/lang/String;
  areturn
.end
`)
	require.NoError(t, err)
	table := classtable.NewMap()
	require.NoError(t, table.Add(&classtable.Type{
		Name:    "a/Keys",
		Super:   "java/lang/Object",
		Version: "52.0",
		Members: []*classtable.Member{{Owner: "a/Keys", Name: "key", Desc: "I", Access: insn.AccStatic}},
	}))
	table.AddMethods(bodies...)
	return table
}

func TestStaticCallFeedsSwitch(t *testing.T) {
	f, it := folder(t, decryptor(t))
	m := asm.MustParseMethod(`
.method f ()I static
  iconst_5
  invokestatic a/Keys mix (I)I
  lookupswitch Ldef 47:Lhit
Lhit:
  bipush 9
  ireturn
Ldef:
  iconst_0
  ireturn
`)
	want, err := run(t, it, m.Clone())
	require.NoError(t, err)

	rep := fold(t, f, m)
	assert.Equal(t, 1, rep.Resolved["static-call"])
	assert.Equal(t, 1, rep.Resolved["constant-switch"])
	assert.IsType(t, &insn.Jump{}, firstSemantic(m))

	got, err := run(t, it, m)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, oracle.Int(9), got)
}

func TestStaticCallStrings(t *testing.T) {
	f, _ := folder(t, decryptor(t))
	m := asm.MustParseMethod(`
.method f ()Ljava/lang/String; static
  ldc "hi"
  invokestatic a/Keys name (Ljava/lang/String;)Ljava/lang/String;
  areturn
`)
	fold(t, f, m)
	assert.Equal(t, &insn.LdcInsn{Value: "hi!"}, firstSemantic(m))
}

func TestStaticCallNeedsKnownTarget(t *testing.T) {
	f, _ := folder(t, decryptor(t))
	m := asm.MustParseMethod(`
.method f ()I static
  iconst_5
  invokestatic x/Unknown mix (I)I
  ireturn
`)
	before := asm.Format(m)
	rep := fold(t, f, m)
	assert.Zero(t, rep.Edits)
	assert.Equal(t, before, asm.Format(m))
}

func TestStringHash(t *testing.T) {
	f, _ := folder(t, nil)
	m := asm.MustParseMethod(`
.method f ()I static
  ldc "abc"
  invokevirtual java/lang/String hashCode ()I
  ireturn
`)
	fold(t, f, m)
	assert.Equal(t, &insn.LdcInsn{Value: int32(96354)}, firstSemantic(m))
}

func TestConstantBranchThroughLocal(t *testing.T) {
	f, it := folder(t, nil)
	m := asm.MustParseMethod(`
.method f ()I static
  iconst_3
  istore_0
  iload_0
  iconst_5
  if_icmplt Lless
  iconst_0
  ireturn
Lless:
  iconst_1
  ireturn
`)
	rep := fold(t, f, m)
	assert.Equal(t, 1, rep.Resolved["constant-branch"])
	for _, id := range m.All() {
		assert.False(t, m.Insn(id).Opcode().IsConditionalJump())
	}
	got, err := run(t, it, m)
	require.NoError(t, err)
	assert.Equal(t, oracle.Int(1), got)
}

func TestNullBranchCollapses(t *testing.T) {
	f, _ := folder(t, nil)
	m := asm.MustParseMethod(`
.method f ()I static
  aconst_null
  ifnonnull Lnever
  iconst_2
  ireturn
Lnever:
  iconst_3
  ireturn
`)
	rep := fold(t, f, m)
	assert.Equal(t, 1, rep.Resolved["constant-branch"])
	assert.Equal(t, 1, rep.Resolved["dead-push"])
	assert.Equal(t, &insn.Op{Code: insn.Iconst2}, firstSemantic(m))
}

func TestBranchOnParameterIsLeftAlone(t *testing.T) {
	f, _ := folder(t, nil)
	m := asm.MustParseMethod(`
.method f (I)I static
  iload_0
  ifeq Lz
  iconst_1
  ireturn
Lz:
  iconst_0
  ireturn
`)
	rep := fold(t, f, m)
	assert.Zero(t, rep.Edits)
	assert.Equal(t, 1, rep.Skipped)
}

func TestFoldingIsIdempotent(t *testing.T) {
	f, it := folder(t, decryptor(t))
	m := asm.MustParseMethod(`
.method f (I)I static
.try Ls Le Lrethrow
Ls:
  bipush 7
  iconst_2
  ixor
  lookupswitch Ldef 5:Lfive
Lfive:
  ldc "abc"
  invokevirtual java/lang/String hashCode ()I
  iconst_3
  invokestatic a/Keys mix (I)I
  iadd
  istore_1
  iload_0
  ifeq Lz
  iload_1
  ireturn
Lz:
  iconst_0
  ineg
  ireturn
Le:
Lrethrow:
  athrow
Ldef:
  iconst_m1
  ireturn
`)
	orig := m.Clone()
	first := fold(t, f, m)
	assert.NotZero(t, first.Edits)
	folded := asm.Format(m)

	second := fold(t, f, m)
	assert.Zero(t, second.Edits)
	assert.Equal(t, 1, second.Passes)
	assert.Equal(t, folded, asm.Format(m))

	for _, arg := range []int32{0, 1, -9} {
		want, err := it.Execute(context.Background(), &oracle.Request{Owner: orig.Owner, Body: orig, Args: []oracle.Value{oracle.Int(arg)}})
		require.NoError(t, err)
		got, err := it.Execute(context.Background(), &oracle.Request{Owner: m.Owner, Body: m, Args: []oracle.Value{oracle.Int(arg)}})
		require.NoError(t, err)
		assert.Equal(t, want, got, "f(%d)", arg)
	}
}

// Folding must not change what a window computes or how it leaves the
// stack, whatever the operands. Both forms run on the interpreter and must
// agree, faults included.
func TestFoldPreservesBehaviour(t *testing.T) {
	f, it := folder(t, nil)
	rng := rand.New(rand.NewPCG(7, 11))

	binary := []string{"iadd", "isub", "imul", "idiv", "irem", "ishl", "ishr", "iushr", "iand", "ior", "ixor"}
	unary := []string{"ineg", "i2b", "i2c", "i2s"}
	branches := []string{"if_icmpeq", "if_icmpne", "if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple"}
	operand := func() int32 {
		if rng.IntN(4) == 0 {
			return int32(rng.IntN(7) - 3)
		}
		return rng.Int32() - rng.Int32()
	}

	var cases []string
	for i := 0; i < 200; i++ {
		a, b := operand(), operand()
		switch i % 4 {
		case 0:
			cases = append(cases, fmt.Sprintf(".method f ()I static\n ldc %d\n ldc %d\n %s\n ireturn", a, b, binary[rng.IntN(len(binary))]))
		case 1:
			cases = append(cases, fmt.Sprintf(".method f ()I static\n ldc %d\n %s\n ireturn", a, unary[rng.IntN(len(unary))]))
		case 2:
			cases = append(cases, fmt.Sprintf(`.method f ()I static
 ldc %d
 ldc %d
 %s Lt
 iconst_0
 ireturn
Lt:
 iconst_1
 ireturn`, a, b, branches[rng.IntN(len(branches))]))
		case 3:
			// one case hits a^b or misses it by two, the other always misses
			lo, hi := a^b+int32(rng.IntN(2))*2, a^b^1
			if lo > hi {
				lo, hi = hi, lo
			}
			cases = append(cases, fmt.Sprintf(`.method f ()I static
 ldc %d
 ldc %d
 ixor
 lookupswitch Ld %d:Lk %d:Lo
Lk:
 iconst_1
 ireturn
Lo:
 iconst_2
 ireturn
Ld:
 iconst_3
 ireturn`, a, b, lo, hi))
		}
	}

	for _, src := range cases {
		m := asm.MustParseMethod(src)
		orig := m.Clone()
		fold(t, f, m)

		want, wantErr := run(t, it, orig)
		got, gotErr := run(t, it, m)
		if wantErr != nil {
			fw, ok := oracle.AsFault(wantErr)
			require.True(t, ok, src)
			fg, ok := oracle.AsFault(gotErr)
			require.True(t, ok, src)
			assert.Equal(t, fw.Kind, fg.Kind, src)
			continue
		}
		require.NoError(t, gotErr, src)
		assert.Equal(t, want, got, src)
	}
}
