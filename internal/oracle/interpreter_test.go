// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/classtable"
	dErrors "github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, o Oracle, src string, args ...Value) (Value, error) {
	t.Helper()
	m := asm.MustParseMethod(src)
	return o.Execute(context.Background(), &Request{Owner: m.Owner, Body: m, Args: args})
}

func faultKind(t *testing.T, err error) FaultKind {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, dErrors.ErrExecutionFault))
	f, ok := AsFault(err)
	require.True(t, ok, "not a fault: %v", err)
	return f.Kind
}

func TestInterpretArithmetic(t *testing.T) {
	it := NewInterpreter(Standard(), nil)

	tests := []struct {
		name string
		body string
		want Value
	}{
		{"int overflow wraps", "ldc 2147483647\n iconst_1\n iadd\n ireturn", Int(math.MinInt32)},
		{"min int div -1", "ldc -2147483648\n iconst_m1\n idiv\n ireturn", Int(math.MinInt32)},
		{"irem keeps dividend sign", "bipush -7\n iconst_3\n irem\n ireturn", Int(-1)},
		{"iushr", "iconst_m1\n bipush 28\n iushr\n ireturn", Int(15)},
		{"ishl masks distance", "iconst_1\n bipush 33\n ishl\n ireturn", Int(2)},
		{"xor", "bipush 7\n iconst_2\n ixor\n ireturn", Int(5)},
		{"lshl", "lconst_1\n bipush 40\n lshl\n lreturn", Long(1 << 40)},
		{"lcmp", "ldc 5L\n lconst_1\n lcmp\n ireturn", Int(1)},
		{"f2i of nan", "fconst_0\n fconst_0\n fdiv\n f2i\n ireturn", Int(0)},
		{"d2i saturates", "ldc 1e20d\n d2i\n ireturn", Int(math.MaxInt32)},
		{"i2b", "sipush 200\n i2b\n ireturn", Int(-56)},
		{"i2c", "iconst_m1\n i2c\n ireturn", Int(65535)},
		{"dcmpg nan", "dconst_0\n dconst_0\n ddiv\n dconst_1\n dcmpg\n ireturn", Int(1)},
		{"dcmpl nan", "dconst_0\n dconst_0\n ddiv\n dconst_1\n dcmpl\n ireturn", Int(-1)},
		{"frem", "ldc 7.5f\n fconst_2\n frem\n freturn", Float(1.5)},
		{"dup2 of long", "ldc 3L\n dup2\n ladd\n lreturn", Long(6)},
		{"dup_x1 and swap", "iconst_1\n iconst_2\n dup_x1\n pop\n swap\n isub\n ireturn", Int(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execute(t, it, tt.body)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestInterpretDivideByZero(t *testing.T) {
	_, err := execute(t, NewInterpreter(nil, nil), "iconst_1\n iconst_0\n idiv\n ireturn")
	assert.Equal(t, FaultRuntime, faultKind(t, err))
}

func TestInterpretControlFlow(t *testing.T) {
	it := NewInterpreter(nil, nil)

	sum, err := execute(t, it, `
.method sum (I)I static
  iconst_0
  istore_1
Lloop:
  iload_0
  ifle Ldone
  iload_1
  iload_0
  iadd
  istore_1
  iinc 0 -1
  goto Lloop
Ldone:
  iload_1
  ireturn
`, Int(10))
	require.NoError(t, err)
	assert.Equal(t, Int(55), sum)

	pick := `
.method pick (I)I static
  iload_0
  tableswitch 1 Ldef La Lb
La:
  bipush 10
  ireturn
Lb:
  bipush 20
  ireturn
Ldef:
  iconst_m1
  ireturn
`
	for arg, want := range map[int32]int32{1: 10, 2: 20, 3: -1, -5: -1} {
		got, err := execute(t, it, pick, Int(arg))
		require.NoError(t, err)
		assert.Equal(t, Int(want), got, "pick(%d)", arg)
	}
}

func TestInterpretArrays(t *testing.T) {
	it := NewInterpreter(nil, nil)

	got, err := execute(t, it, `
.method f ()I static
  iconst_2
  newarray 8
  dup
  iconst_0
  sipush 300
  bastore
  iconst_0
  baload
  ireturn
`)
	require.NoError(t, err)
	assert.Equal(t, Int(44), got)

	_, err = execute(t, it, `
.method f ()I static
  iconst_1
  newarray 10
  iconst_1
  iaload
  ireturn
`)
	assert.Equal(t, FaultRuntime, faultKind(t, err))
}

func TestInterpretStepLimit(t *testing.T) {
	it := NewInterpreter(nil, nil)
	it.MaxSteps = 500

	_, err := execute(t, it, "Lspin:\n goto Lspin")
	assert.Equal(t, FaultResourceLimit, faultKind(t, err))
}

func TestInterpretHonoursContext(t *testing.T) {
	it := NewInterpreter(nil, nil)
	it.MaxSteps = math.MaxInt

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m := asm.MustParseMethod("Lspin:\n goto Lspin")
	_, err := it.Execute(ctx, &Request{Owner: m.Owner, Body: m})
	assert.Equal(t, FaultResourceLimit, faultKind(t, err))
}

func TestInterpretStringProviders(t *testing.T) {
	it := NewInterpreter(Standard(), nil)

	got, err := execute(t, it, `
.method f ()I static
  ldc "abc"
  invokevirtual java/lang/String hashCode ()I
  ireturn
`)
	require.NoError(t, err)
	assert.Equal(t, Int(96354), got)
	assert.Equal(t, int32(96354), StringHash("abc"))

	got, err = execute(t, it, `
.method f (Ljava/lang/String;)C static
  aload_0
  iconst_1
  invokevirtual java/lang/String charAt (I)C
  ireturn
`, String("héllo"))
	require.NoError(t, err)
	assert.Equal(t, Int('é'), got)

	_, err = execute(t, it, `
.method f ()C static
  ldc ""
  iconst_0
  invokevirtual java/lang/String charAt (I)C
  ireturn
`)
	assert.Equal(t, FaultRuntime, faultKind(t, err))
}

func TestInterpretUnresolved(t *testing.T) {
	it := NewInterpreter(Standard(), nil)
	_, err := execute(t, it, `
.method f ()I static
  invokestatic x/Missing key ()I
  ireturn
`)
	assert.Equal(t, FaultUnresolved, faultKind(t, err))

	_, err = execute(t, it, `
.method f ()I static
  getstatic x/Missing K I
  ireturn
`)
	assert.Equal(t, FaultUnresolved, faultKind(t, err))
}

func TestInterpretRejectsBadArguments(t *testing.T) {
	it := NewInterpreter(nil, nil)
	src := ".method f (I)I static\n iload_0\n ireturn"

	_, err := execute(t, it, src)
	require.Error(t, err)
	assert.False(t, errors.Is(err, dErrors.ErrExecutionFault))

	_, err = execute(t, it, src, String("x"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, dErrors.ErrExecutionFault))
}

func decryptorTable(t *testing.T) *classtable.Map {
	t.Helper()
	bodies, err := asm.Parse(`
.class a/Keys
.method <clinit> ()V static
  getstatic a/Keys runs I
  iconst_1
  iadd
  putstatic a/Keys runs I
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
.method forever (I)I static
  iload_0
  invokestatic a/Keys forever (I)I
  ireturn
.end
`)
	require.NoError(t, err)

	table := classtable.NewMap()
	require.NoError(t, table.Add(&classtable.Type{
		Name:  "a/Keys",
		Super: "java/lang/Object",
		Members: []*classtable.Member{
			{Owner: "a/Keys", Name: "runs", Desc: "I", Access: insn.AccStatic},
			{Owner: "a/Keys", Name: "key", Desc: "I", Access: insn.AccStatic},
			{Owner: "a/Keys", Name: "seed", Desc: "I", Access: insn.AccStatic, Value: int32(1234)},
		},
	}))
	table.AddMethods(bodies...)
	return table
}

func TestStaticInitialiserRunsOnce(t *testing.T) {
	env := Standard()
	it := NewInterpreter(env, decryptorTable(t))
	src := `
.method f (I)I static
  iload_0
  invokestatic a/Keys mix (I)I
  ireturn
`

	var wg sync.WaitGroup
	results := make([]Value, 32)
	errs := make([]error, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = execute(t, it, src, Int(int32(i)))
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, Int(int32(i)^42), results[i])
	}
	runs, ok := env.Static("a/Keys", "runs")
	require.True(t, ok)
	assert.Equal(t, Int(1), runs)
}

func TestStaticConstantValue(t *testing.T) {
	it := NewInterpreter(nil, decryptorTable(t))
	got, err := execute(t, it, ".method f ()I static\n getstatic a/Keys seed I\n ireturn")
	require.NoError(t, err)
	assert.Equal(t, Int(1234), got)
}

func TestCallDepthLimit(t *testing.T) {
	it := NewInterpreter(nil, decryptorTable(t))
	it.MaxDepth = 8
	_, err := execute(t, it, ".method f ()I static\n iconst_0\n invokestatic a/Keys forever (I)I\n ireturn")
	assert.Equal(t, FaultResourceLimit, faultKind(t, err))
}

func TestMalformedBodyFaults(t *testing.T) {
	_, err := execute(t, NewInterpreter(nil, nil), ".method f ()I static\n iadd\n ireturn")
	assert.Equal(t, FaultRuntime, faultKind(t, err))
}

type stepLog struct {
	mu    sync.Mutex
	steps map[string]int
}

func (l *stepLog) Observe(stack []string, steps int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps[strings.Join(stack, " > ")] += steps
}

func TestObserverSeesSelfSteps(t *testing.T) {
	log := &stepLog{steps: make(map[string]int)}
	it := NewInterpreter(Standard(), decryptorTable(t))
	it.Observer = log

	_, err := execute(t, it, `
.class a/User
.method f ()I static
  bipush 3
  invokestatic a/Keys mix (I)I
  ireturn
`)
	require.NoError(t, err)

	assert.Equal(t, 3, log.steps["a/User.f()I"])
	assert.Equal(t, 4, log.steps["a/User.f()I > a/Keys.mix(I)I"])
	assert.Contains(t, log.steps, "a/User.f()I > a/Keys.<clinit>()V")
}
