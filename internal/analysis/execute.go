// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"fmt"

	"github.com/dotandev/deobf/internal/insn"
)

func (f *Frame) pop() (Value, error) {
	if len(f.Stack) == 0 {
		return Value{}, fmt.Errorf("stack underflow")
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, nil
}

func (f *Frame) popSize(size int) (Value, error) {
	v, err := f.pop()
	if err != nil {
		return v, err
	}
	if v.Size != size {
		return v, fmt.Errorf("expected a %d-word value, found %d words", size, v.Size)
	}
	return v, nil
}

func (f *Frame) popWords(words int) error {
	for words > 0 {
		v, err := f.pop()
		if err != nil {
			return err
		}
		if v.Size > words {
			return fmt.Errorf("operand splits a %d-word value", v.Size)
		}
		words -= v.Size
	}
	return nil
}

func (f *Frame) push(vs ...Value) {
	f.Stack = append(f.Stack, vs...)
}

func (f *Frame) setLocal(i int, v Value) error {
	if i < 0 || i+v.Size > len(f.Locals) {
		return fmt.Errorf("local %d out of range (max %d)", i, len(f.Locals))
	}
	// Overwriting the second word of a wide local kills the first.
	if i > 0 && f.Locals[i-1].Size == 2 {
		f.Locals[i-1] = top
	}
	f.Locals[i] = v
	if v.Size == 2 {
		f.Locals[i+1] = top
	}
	return nil
}

// execute applies in, identified by id, to f in place.
func execute(f *Frame, id insn.ID, in insn.Instruction) error {
	switch v := in.(type) {
	case *insn.Label, *insn.Line:
		return nil

	case *insn.Var:
		size := insn.VarSize(v.Code)
		switch {
		case v.Code == insn.Ret:
			return fmt.Errorf("ret is not supported")
		case v.Code >= insn.Iload && v.Code <= insn.Aload:
			l, ok := f.Local(v.Index)
			if !ok {
				return fmt.Errorf("local %d out of range", v.Index)
			}
			if l.IsTop() || l.Size != size {
				return fmt.Errorf("local %d holds no %d-word value", v.Index, size)
			}
			f.push(produced(size, id))
			return nil
		default:
			if _, err := f.popSize(size); err != nil {
				return err
			}
			return f.setLocal(v.Index, produced(size, id))
		}

	case *insn.IInc:
		l, ok := f.Local(v.Index)
		if !ok || l.Size != 1 || l.IsTop() {
			return fmt.Errorf("iinc on unusable local %d", v.Index)
		}
		return f.setLocal(v.Index, produced(1, id))

	case *insn.Jump:
		if v.Code == insn.Jsr || v.Code == insn.JsrW {
			return fmt.Errorf("jsr is not supported")
		}

	case *insn.Op:
		if v.Code >= insn.Pop && v.Code <= insn.Swap {
			return shuffle(f, v.Code)
		}
	}

	pop, push, err := insn.Effect(in)
	if err != nil {
		return err
	}
	if err := f.popWords(pop); err != nil {
		return err
	}
	if push > 0 {
		f.push(produced(push, id))
	}
	return nil
}

// shuffle implements pop, pop2, the dup family and swap. Moved and copied
// values keep their producers.
func shuffle(f *Frame, code insn.Opcode) error {
	switch code {
	case insn.Pop:
		_, err := f.popSize(1)
		return err

	case insn.Pop2:
		v, err := f.pop()
		if err != nil {
			return err
		}
		if v.Size == 1 {
			_, err = f.popSize(1)
		}
		return err

	case insn.Dup:
		v1, err := f.popSize(1)
		if err != nil {
			return err
		}
		f.push(v1, v1)
		return nil

	case insn.DupX1:
		v1, err := f.popSize(1)
		if err != nil {
			return err
		}
		v2, err := f.popSize(1)
		if err != nil {
			return err
		}
		f.push(v1, v2, v1)
		return nil

	case insn.DupX2:
		v1, err := f.popSize(1)
		if err != nil {
			return err
		}
		v2, err := f.pop()
		if err != nil {
			return err
		}
		if v2.Size == 2 {
			f.push(v1, v2, v1)
			return nil
		}
		v3, err := f.popSize(1)
		if err != nil {
			return err
		}
		f.push(v1, v3, v2, v1)
		return nil

	case insn.Dup2:
		v1, err := f.pop()
		if err != nil {
			return err
		}
		if v1.Size == 2 {
			f.push(v1, v1)
			return nil
		}
		v2, err := f.popSize(1)
		if err != nil {
			return err
		}
		f.push(v2, v1, v2, v1)
		return nil

	case insn.Dup2X1:
		v1, err := f.pop()
		if err != nil {
			return err
		}
		if v1.Size == 2 {
			v2, err := f.popSize(1)
			if err != nil {
				return err
			}
			f.push(v1, v2, v1)
			return nil
		}
		v2, err := f.popSize(1)
		if err != nil {
			return err
		}
		v3, err := f.popSize(1)
		if err != nil {
			return err
		}
		f.push(v2, v1, v3, v2, v1)
		return nil

	case insn.Dup2X2:
		v1, err := f.pop()
		if err != nil {
			return err
		}
		if v1.Size == 2 {
			v2, err := f.pop()
			if err != nil {
				return err
			}
			if v2.Size == 2 {
				f.push(v1, v2, v1)
				return nil
			}
			v3, err := f.popSize(1)
			if err != nil {
				return err
			}
			f.push(v1, v3, v2, v1)
			return nil
		}
		v2, err := f.popSize(1)
		if err != nil {
			return err
		}
		v3, err := f.pop()
		if err != nil {
			return err
		}
		if v3.Size == 2 {
			f.push(v2, v1, v3, v2, v1)
			return nil
		}
		v4, err := f.popSize(1)
		if err != nil {
			return err
		}
		f.push(v2, v1, v4, v3, v2, v1)
		return nil

	case insn.Swap:
		v1, err := f.popSize(1)
		if err != nil {
			return err
		}
		v2, err := f.popSize(1)
		if err != nil {
			return err
		}
		f.push(v1, v2)
		return nil
	}
	return fmt.Errorf("unexpected stack opcode %s", code)
}
