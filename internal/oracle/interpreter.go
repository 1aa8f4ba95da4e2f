// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dotandev/deobf/internal/classtable"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxSteps = 1_000_000
	DefaultMaxDepth = 64

	maxArrayLength = 1 << 20
	ctxCheckEvery  = 1024
)

// Interpreter executes snippets in process. Calls resolve first against
// Env providers, then against method bodies in Table. Exceptions are not
// dispatched to handlers; any throw ends the execution with FaultRuntime.
type Interpreter struct {
	Env      *Environment
	Table    classtable.Table
	MaxSteps int
	MaxDepth int
	// Observer, when set, is told how many instructions every frame ran.
	Observer StepObserver
}

// StepObserver receives the instructions one interpreted frame executed
// itself, excluding its callees, with the call stack outermost first.
// It is called from concurrent executions.
type StepObserver interface {
	Observe(stack []string, steps int)
}

// NewInterpreter returns an interpreter with the default bounds.
func NewInterpreter(env *Environment, table classtable.Table) *Interpreter {
	if env == nil {
		env = NewEnvironment()
	}
	return &Interpreter{Env: env, Table: table, MaxSteps: DefaultMaxSteps, MaxDepth: DefaultMaxDepth}
}

type execution struct {
	env          *Environment
	table        classtable.Table
	maxSteps     int
	maxDepth     int
	ctx          context.Context
	steps        int
	initializing map[string]bool
	statics      map[string]Value
	observer     StepObserver
	stack        []string
}

// Execute runs req.Body with the receiver and arguments in its parameter
// slots.
func (it *Interpreter) Execute(ctx context.Context, req *Request) (Value, error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.Start(ctx, "oracle_execute")
	defer span.End()

	if req == nil || req.Body == nil {
		return Value{}, fmt.Errorf("oracle: request has no body")
	}
	span.SetAttributes(attribute.String("oracle.owner", req.Owner), attribute.String("oracle.method", req.Body.String()))

	params, _, err := insn.ParseMethodDesc(req.Body.Desc)
	if err != nil {
		return Value{}, err
	}
	if len(req.Args) != len(params) {
		return Value{}, fmt.Errorf("oracle: %s takes %d arguments, got %d", req.Body, len(params), len(req.Args))
	}
	for i, p := range params {
		if !req.Args[i].Fits(p) {
			return Value{}, fmt.Errorf("oracle: argument %d is %s, want %s", i, req.Args[i].Kind, p)
		}
	}

	var args []Value
	if !req.Body.IsStatic() {
		if req.Receiver == nil || req.Receiver.Kind == KindNull {
			return Value{}, Throw("java/lang/NullPointerException", "receiver")
		}
		args = append(args, *req.Receiver)
	}
	args = append(args, req.Args...)

	x := &execution{
		env:          it.Env,
		table:        it.Table,
		maxSteps:     it.MaxSteps,
		maxDepth:     it.MaxDepth,
		ctx:          ctx,
		initializing: make(map[string]bool),
		statics:      make(map[string]Value),
		observer:     it.Observer,
	}
	if x.env == nil {
		x.env = NewEnvironment()
	}
	if x.maxSteps <= 0 {
		x.maxSteps = DefaultMaxSteps
	}
	if x.maxDepth <= 0 {
		x.maxDepth = DefaultMaxDepth
	}

	v, err := x.invoke(req.Body, args, 0)
	span.SetAttributes(attribute.Int("oracle.steps", x.steps))
	if err != nil {
		span.RecordError(err)
		logger.Logger.Debug("Snippet faulted", "method", req.Body.String(), "steps", x.steps, "error", err)
		return Value{}, err
	}
	logger.Logger.Debug("Snippet executed", "method", req.Body.String(), "steps", x.steps, "result", v.String())
	return v, nil
}

func (x *execution) invoke(m *insn.Method, args []Value, depth int) (v Value, err error) {
	if depth > x.maxDepth {
		return Value{}, limit("call depth exceeds %d", x.maxDepth)
	}
	self := 0
	if x.observer != nil {
		x.stack = append(x.stack, m.String())
		defer func() {
			x.observer.Observe(slices.Clone(x.stack), self)
			x.stack = x.stack[:len(x.stack)-1]
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(underflow); !ok {
				panic(r)
			}
			err = &Fault{Kind: FaultRuntime, Msg: fmt.Sprintf("malformed body %s: stack or local index out of range", m)}
		}
	}()

	order, err := m.Snapshot()
	if err != nil {
		return Value{}, err
	}
	labels := make(map[insn.ID]int)
	for i, id := range order {
		if _, ok := m.Insn(id).(*insn.Label); ok {
			labels[id] = i
		}
	}

	words := 0
	for _, a := range args {
		words++
		if a.Wide() {
			words++
		}
	}
	f := &frame{locals: make([]Value, max(m.MaxLocals, words))}
	slot := 0
	for _, a := range args {
		f.store(slot, a)
		slot++
		if a.Wide() {
			slot++
		}
	}

	pc := 0
	for pc < len(order) {
		x.steps++
		self++
		if x.steps > x.maxSteps {
			return Value{}, limit("more than %d steps", x.maxSteps)
		}
		if x.steps%ctxCheckEvery == 0 {
			if err := x.ctx.Err(); err != nil {
				return Value{}, limit("%v", err)
			}
		}

		in := m.Insn(order[pc])
		target, ret, done, err := x.step(f, in, depth)
		if err != nil {
			return Value{}, err
		}
		if done {
			return ret, nil
		}
		if target == insn.NoID {
			pc++
			continue
		}
		next, ok := labels[target]
		if !ok {
			return Value{}, &Fault{Kind: FaultRuntime, Msg: fmt.Sprintf("jump to unplaced label %d", target)}
		}
		pc = next
	}
	return Value{}, &Fault{Kind: FaultRuntime, Msg: fmt.Sprintf("fell off the end of %s", m)}
}

// step executes one instruction. It returns the label to continue at, or
// NoID to fall through, and the result once the method returns.
func (x *execution) step(f *frame, in insn.Instruction, depth int) (insn.ID, Value, bool, error) {
	none := insn.NoID
	switch v := in.(type) {
	case *insn.Label, *insn.Line:
		return none, Value{}, false, nil

	case *insn.Op:
		return x.op(f, v.Code)

	case *insn.IntInsn:
		if v.Code != insn.Newarray {
			f.push(Int(v.Operand))
			return none, Value{}, false, nil
		}
		elem, ok := arrayTypes[v.Operand]
		if !ok {
			return none, Value{}, false, &Fault{Kind: FaultRuntime, Msg: fmt.Sprintf("bad newarray type %d", v.Operand)}
		}
		arr, err := newArray(elem, f.pop().I32())
		if err != nil {
			return none, Value{}, false, err
		}
		f.push(arr)

	case *insn.LdcInsn:
		c, err := FromConst(v.Value)
		if err != nil {
			return none, Value{}, false, unresolved("%v", err)
		}
		f.push(c)

	case *insn.Var:
		switch {
		case v.Code >= insn.Iload && v.Code <= insn.Aload:
			f.push(f.load(v.Index))
		case v.Code >= insn.Istore && v.Code <= insn.Astore:
			f.store(v.Index, f.pop())
		default:
			return none, Value{}, false, unresolved("%s is not supported", v.Code)
		}

	case *insn.IInc:
		f.store(v.Index, Int(f.load(v.Index).I32()+v.Delta))

	case *insn.Jump:
		switch v.Code {
		case insn.Goto, insn.GotoW:
			return v.Target, Value{}, false, nil
		case insn.Jsr, insn.JsrW:
			return none, Value{}, false, unresolved("%s is not supported", v.Code)
		}
		if branch(v.Code, f) {
			return v.Target, Value{}, false, nil
		}

	case *insn.LookupSwitch:
		key := f.pop().I32()
		if i, ok := slices.BinarySearch(v.Keys, key); ok {
			return v.Targets[i], Value{}, false, nil
		}
		return v.Default, Value{}, false, nil

	case *insn.TableSwitch:
		key := f.pop().I32()
		if key >= v.Low && key <= v.High && int(key-v.Low) < len(v.Targets) {
			return v.Targets[key-v.Low], Value{}, false, nil
		}
		return v.Default, Value{}, false, nil

	case *insn.TypeInsn:
		return none, Value{}, false, x.typeInsn(f, v)

	case *insn.Field:
		return none, Value{}, false, x.field(f, v, depth)

	case *insn.Call:
		return none, Value{}, false, x.call(f, v, depth)

	case *insn.InvokeDynamic:
		return none, Value{}, false, unresolved("invokedynamic %s%s", v.Name, v.Desc)

	case *insn.MultiANewArray:
		dims := make([]int32, v.Dims)
		for i := v.Dims - 1; i >= 0; i-- {
			dims[i] = f.pop().I32()
		}
		arr, err := multiArray(v.Desc, dims)
		if err != nil {
			return none, Value{}, false, err
		}
		f.push(arr)

	default:
		return none, Value{}, false, unresolved("%s is not supported", in.Opcode())
	}
	return none, Value{}, false, nil
}

func (x *execution) op(f *frame, code insn.Opcode) (insn.ID, Value, bool, error) {
	none := insn.NoID
	switch {
	case code == insn.Nop:
	case code <= insn.Dconst1:
		c, _ := insn.ConstValue(&insn.Op{Code: code})
		v, err := FromConst(c)
		if err != nil {
			return none, Value{}, false, err
		}
		f.push(v)

	case code >= insn.Iaload && code <= insn.Saload:
		idx := f.pop().I32()
		arr, err := checkIndex(f.pop(), idx)
		if err != nil {
			return none, Value{}, false, err
		}
		f.push(arr.Data[idx])

	case code >= insn.Iastore && code <= insn.Sastore:
		val := f.pop()
		idx := f.pop().I32()
		arr, err := checkIndex(f.pop(), idx)
		if err != nil {
			return none, Value{}, false, err
		}
		arr.Data[idx] = narrow(arr.Elem, val)

	case code >= insn.Pop && code <= insn.Swap:
		f.shuffle(code)

	case code >= insn.Iadd && code <= insn.Drem,
		code >= insn.Ishl && code <= insn.Lxor:
		b := f.pop()
		a := f.pop()
		r, err := binary(code, a, b)
		if err != nil {
			return none, Value{}, false, err
		}
		f.push(r)

	case code >= insn.Ineg && code <= insn.Dneg:
		f.push(negate(code, f.pop()))

	case code >= insn.I2l && code <= insn.I2s:
		f.push(convert(code, f.pop()))

	case code >= insn.Lcmp && code <= insn.Dcmpg:
		b := f.pop()
		a := f.pop()
		f.push(compare(code, a, b))

	case code == insn.Return:
		return none, Void(), true, nil

	case code.IsReturn():
		return none, f.pop(), true, nil

	case code == insn.Arraylength:
		arr := f.pop()
		if arr.Kind != KindArray {
			return none, Value{}, false, Throw("java/lang/NullPointerException", "arraylength")
		}
		f.push(Int(int32(len(arr.Array.Data))))

	case code == insn.Athrow:
		thrown := f.pop()
		if thrown.Kind == KindNull {
			return none, Value{}, false, Throw("java/lang/NullPointerException", "athrow")
		}
		return none, Value{}, false, Throw("java/lang/Throwable", "thrown by snippet")

	case code == insn.Monitorenter || code == insn.Monitorexit:
		if f.pop().Kind == KindNull {
			return none, Value{}, false, Throw("java/lang/NullPointerException", "monitor")
		}

	default:
		return none, Value{}, false, unresolved("%s is not supported", code)
	}
	return none, Value{}, false, nil
}

func (x *execution) typeInsn(f *frame, v *insn.TypeInsn) error {
	switch v.Code {
	case insn.Anewarray:
		elem := v.Desc
		if !strings.HasPrefix(elem, "[") {
			elem = "L" + elem + ";"
		}
		arr, err := newArray(elem, f.pop().I32())
		if err != nil {
			return err
		}
		f.push(arr)
	case insn.Checkcast:
		val := f.pop()
		if val.Kind != KindNull && !instanceOf(val, v.Desc) {
			return Throw("java/lang/ClassCastException", fmt.Sprintf("%s cannot be cast to %s", val.Kind, v.Desc))
		}
		f.push(val)
	case insn.Instanceof:
		val := f.pop()
		f.push(boolean(val.Kind != KindNull && instanceOf(val, v.Desc)))
	default:
		return unresolved("cannot instantiate %s", v.Desc)
	}
	return nil
}

// instanceOf is exact for the value kinds the interpreter models.
func instanceOf(v Value, class string) bool {
	switch class {
	case "java/lang/Object":
		return true
	case "java/lang/String", "java/lang/CharSequence", "java/lang/Comparable":
		return v.Kind == KindString
	case "java/lang/Class":
		return v.Kind == KindType
	case "java/io/Serializable":
		return v.Kind == KindString || v.Kind == KindArray
	}
	if strings.HasPrefix(class, "[") && v.Kind == KindArray {
		return class[1:] == v.Array.Elem || (!isPrimitive(class[1:]) && !isPrimitive(v.Array.Elem))
	}
	return false
}

func isPrimitive(desc string) bool {
	return len(desc) == 1
}

func (x *execution) field(f *frame, v *insn.Field, depth int) error {
	switch v.Code {
	case insn.Getstatic:
		val, err := x.static(v.Owner, v.Name, v.Desc, depth)
		if err != nil {
			return err
		}
		f.push(val)
		return nil
	case insn.Putstatic:
		val := f.pop()
		owner := x.declaring(v.Owner, v.Name, v.Desc)
		if err := x.initClass(owner, depth); err != nil {
			return err
		}
		if len(x.initializing) > 0 {
			x.env.SetStatic(owner, v.Name, val)
		} else {
			x.statics[owner+"."+v.Name] = val
		}
		return nil
	}
	return unresolved("instance field %s.%s", v.Owner, v.Name)
}

func (x *execution) declaring(owner, name, desc string) string {
	if x.table == nil {
		return owner
	}
	if mem, ok := x.table.LookupMember(owner, name, desc); ok {
		return mem.Owner
	}
	return owner
}

// static reads a static field, initialising its class first. Stores made
// by this execution outside an initialiser are seen first, except by
// initialisers, which only see shared state. A field the class table
// declares but nothing has written reads as its ConstantValue or the zero
// value.
func (x *execution) static(owner, name, desc string, depth int) (Value, error) {
	decl := x.declaring(owner, name, desc)
	if err := x.initClass(decl, depth); err != nil {
		return Value{}, err
	}
	if len(x.initializing) == 0 {
		if v, ok := x.statics[decl+"."+name]; ok {
			return v, nil
		}
	}
	if v, ok := x.env.Static(decl, name); ok {
		return v, nil
	}
	if x.table != nil {
		if mem, ok := x.table.LookupMember(owner, name, desc); ok {
			if mem.Value != nil {
				return FromConst(mem.Value)
			}
			return Zero(desc), nil
		}
	}
	return Value{}, unresolved("field %s.%s %s", owner, name, desc)
}

// initClass runs the static initialiser of owner and its superclasses once
// per Environment. See Environment.Initialize for how concurrent
// executions share the run.
func (x *execution) initClass(owner string, depth int) error {
	if x.table == nil || x.initializing[owner] {
		return nil
	}
	t, ok := x.table.LookupType(owner)
	if !ok {
		return nil
	}
	if t.Super != "" {
		if err := x.initClass(t.Super, depth); err != nil {
			return err
		}
	}
	clinit, ok := t.Member("<clinit>", "()V")
	if !ok || clinit.Body == nil {
		return nil
	}
	return x.env.Initialize(x.ctx, owner, x, len(x.initializing) > 0, func() error {
		x.initializing[owner] = true
		defer delete(x.initializing, owner)
		logger.Logger.Debug("Running static initialiser", "class", owner)
		_, err := x.invoke(clinit.Body, nil, depth+1)
		return err
	})
}

func (x *execution) call(f *frame, v *insn.Call, depth int) error {
	params, ret, err := insn.ParseMethodDesc(v.Desc)
	if err != nil {
		return unresolved("%v", err)
	}
	args := make([]Value, len(params))
	for i := len(params) - 1; i >= 0; i-- {
		args[i] = f.pop()
	}
	var recv *Value
	if v.Code != insn.Invokestatic {
		r := f.pop()
		if r.Kind == KindNull {
			return Throw("java/lang/NullPointerException", fmt.Sprintf("invoking %s.%s", v.Owner, v.Name))
		}
		recv = &r
	} else if err := x.initClass(v.Owner, depth); err != nil {
		return err
	}

	result, err := x.dispatch(v, recv, args, depth)
	if err != nil {
		return err
	}
	if ret != "V" {
		f.push(result)
	}
	return nil
}

func (x *execution) dispatch(v *insn.Call, recv *Value, args []Value, depth int) (Value, error) {
	if p, ok := x.env.Lookup(v.Owner, v.Name, v.Desc); ok {
		return p(x.ctx, recv, args)
	}
	if recv != nil && recv.Kind == KindString {
		if p, ok := x.env.Lookup("java/lang/String", v.Name, v.Desc); ok {
			return p(x.ctx, recv, args)
		}
	}
	if x.table != nil && (v.Code == insn.Invokestatic || v.Code == insn.Invokespecial) {
		if mem, ok := x.table.LookupMember(v.Owner, v.Name, v.Desc); ok && mem.Body != nil {
			callArgs := args
			if recv != nil {
				callArgs = append([]Value{*recv}, args...)
			}
			return x.invoke(mem.Body, callArgs, depth+1)
		}
	}
	return Value{}, unresolved("method %s.%s%s", v.Owner, v.Name, v.Desc)
}

func checkIndex(ref Value, idx int32) (*Array, error) {
	if ref.Kind != KindArray {
		return nil, Throw("java/lang/NullPointerException", "array access")
	}
	if idx < 0 || int(idx) >= len(ref.Array.Data) {
		return nil, Throw("java/lang/ArrayIndexOutOfBoundsException", Int(idx).String())
	}
	return ref.Array, nil
}

func newArray(elem string, n int32) (Value, error) {
	if n < 0 {
		return Value{}, Throw("java/lang/NegativeArraySizeException", Int(n).String())
	}
	if n > maxArrayLength {
		return Value{}, limit("array of %d elements", n)
	}
	return NewArray(elem, int(n)), nil
}

func multiArray(desc string, dims []int32) (Value, error) {
	if !strings.HasPrefix(desc, "[") {
		return Value{}, unresolved("multianewarray of %s", desc)
	}
	arr, err := newArray(desc[1:], dims[0])
	if err != nil || len(dims) == 1 {
		return arr, err
	}
	for i := range arr.Array.Data {
		sub, err := multiArray(desc[1:], dims[1:])
		if err != nil {
			return Value{}, err
		}
		arr.Array.Data[i] = sub
	}
	return arr, nil
}
