// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package insn

import "fmt"

// Effect returns the number of operand-stack words i pops and pushes.
// Long and double values count as two words. Every instruction except the
// dup family and swap pushes at most one value, so push is also the size of
// that value.
func Effect(i Instruction) (pop, push int, err error) {
	switch v := i.(type) {
	case *Label, *Line:
		return 0, 0, nil
	case *Op:
		return opEffect(v.Code)
	case *IntInsn:
		if v.Code == Newarray {
			return 1, 1, nil
		}
		return 0, 1, nil
	case *LdcInsn:
		switch v.Value.(type) {
		case int64, float64:
			return 0, 2, nil
		}
		return 0, 1, nil
	case *Var:
		size := VarSize(v.Code)
		if v.Code >= Iload && v.Code <= Aload {
			return 0, size, nil
		}
		if v.Code == Ret {
			return 0, 0, nil
		}
		return size, 0, nil
	case *IInc:
		return 0, 0, nil
	case *TypeInsn:
		switch v.Code {
		case NewObject:
			return 0, 1, nil
		default:
			return 1, 1, nil
		}
	case *Field:
		size := TypeSize(v.Desc)
		switch v.Code {
		case Getstatic:
			return 0, size, nil
		case Putstatic:
			return size, 0, nil
		case Getfield:
			return 1, size, nil
		default:
			return 1 + size, 0, nil
		}
	case *Call:
		args, ret, err := ArgWords(v.Desc)
		if err != nil {
			return 0, 0, err
		}
		if v.Code != Invokestatic {
			args++
		}
		return args, ret, nil
	case *InvokeDynamic:
		return ArgWords(v.Desc)
	case *Jump:
		switch {
		case v.Code == Goto || v.Code == GotoW:
			return 0, 0, nil
		case v.Code == Jsr || v.Code == JsrW:
			return 0, 1, nil
		case v.Code == Ifnull || v.Code == Ifnonnull || (v.Code >= Ifeq && v.Code <= Ifle):
			return 1, 0, nil
		default:
			return 2, 0, nil
		}
	case *LookupSwitch, *TableSwitch:
		return 1, 0, nil
	case *MultiANewArray:
		return v.Dims, 1, nil
	}
	return 0, 0, fmt.Errorf("insn: no stack effect for %T", i)
}

// VarSize returns the value size moved by a local load or store opcode.
func VarSize(code Opcode) int {
	switch code {
	case Lload, Dload, Lstore, Dstore:
		return 2
	}
	return 1
}

func opEffect(code Opcode) (int, int, error) {
	switch {
	case code == Nop:
		return 0, 0, nil
	case code == Lconst0 || code == Lconst1 || code == Dconst0 || code == Dconst1:
		return 0, 2, nil
	case code <= Fconst2:
		return 0, 1, nil
	case code == Laload || code == Daload:
		return 2, 2, nil
	case code >= Iaload && code <= Saload:
		return 2, 1, nil
	case code == Lastore || code == Dastore:
		return 4, 0, nil
	case code >= Iastore && code <= Sastore:
		return 3, 0, nil
	}

	switch code {
	case Pop:
		return 1, 0, nil
	case Pop2:
		return 2, 0, nil
	case Dup:
		return 1, 2, nil
	case DupX1:
		return 2, 3, nil
	case DupX2:
		return 3, 4, nil
	case Dup2:
		return 2, 4, nil
	case Dup2X1:
		return 3, 5, nil
	case Dup2X2:
		return 4, 6, nil
	case Swap:
		return 2, 2, nil
	case Ineg, Fneg, I2f, F2i, I2b, I2c, I2s, Arraylength, Checkcast, Instanceof:
		return 1, 1, nil
	case Lneg, Dneg, L2d, D2l:
		return 2, 2, nil
	case I2l, I2d, F2l, F2d:
		return 1, 2, nil
	case L2i, L2f, D2i, D2f:
		return 2, 1, nil
	case Lshl, Lshr, Lushr:
		return 3, 2, nil
	case Lcmp, Dcmpl, Dcmpg:
		return 4, 1, nil
	case Fcmpl, Fcmpg:
		return 2, 1, nil
	case Ireturn, Freturn, Areturn, Athrow, Monitorenter, Monitorexit:
		return 1, 0, nil
	case Lreturn, Dreturn:
		return 2, 0, nil
	case Return:
		return 0, 0, nil
	}

	if code >= Iadd && code <= Lxor {
		// add..rem cycle int, long, float, double; the bitwise ops cycle
		// int, long.
		var wide bool
		if code < Ineg {
			wide = (code-Iadd)%2 == 1
		} else {
			wide = (code-Ishl)%2 == 1
		}
		if wide {
			return 4, 2, nil
		}
		return 2, 1, nil
	}
	return 0, 0, fmt.Errorf("insn: no stack effect for opcode %s", code)
}

// StackDelta returns the net operand-stack change, in words, of executing
// ids in order as straight-line code.
func StackDelta(m *Method, ids []ID) (int, error) {
	delta := 0
	for _, id := range ids {
		in := m.Insn(id)
		if in == nil {
			return 0, fmt.Errorf("insn: unknown instruction %d", id)
		}
		pop, push, err := Effect(in)
		if err != nil {
			return 0, err
		}
		delta += push - pop
	}
	return delta, nil
}
