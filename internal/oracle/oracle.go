// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package oracle defines the contract for concretely executing a small,
// self-contained method body and the implementations of it: an in-process
// bounded interpreter, an external executor process, and a JSON-RPC
// client/service pair. Faults are reported as *Fault and match
// errors.ErrExecutionFault.
package oracle

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
)

// Oracle executes a snippet and returns the value it produces. A void
// snippet yields Void().
type Oracle interface {
	Execute(ctx context.Context, req *Request) (Value, error)
}

// Request is one execution. Body is a complete method ending in a return;
// Owner is the class whose statics and members the snippet resolves
// against. Args fill the parameter slots after the receiver, if any.
type Request struct {
	Owner    string
	Body     *insn.Method
	Args     []Value
	Receiver *Value
}

type wireRequest struct {
	Owner    string  `json:"owner"`
	Body     string  `json:"body"`
	Args     []Value `json:"args,omitempty"`
	Receiver *Value  `json:"receiver,omitempty"`
}

// MarshalJSON encodes the body in assembly text.
func (r *Request) MarshalJSON() ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("oracle: request has no body")
	}
	return json.Marshal(wireRequest{
		Owner:    r.Owner,
		Body:     asm.Format(r.Body),
		Args:     r.Args,
		Receiver: r.Receiver,
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := asm.ParseMethod(w.Body)
	if err != nil {
		return err
	}
	if w.Owner != "" {
		body.Owner = w.Owner
	}
	*r = Request{Owner: w.Owner, Body: body, Args: w.Args, Receiver: w.Receiver}
	return nil
}

// Response is the wire form of an execution result. Exactly one of the
// fields is meaningful: Fault when set, Value otherwise.
type Response struct {
	Value Value  `json:"value"`
	Fault *Fault `json:"fault,omitempty"`
}

func respond(v Value, err error) (Response, error) {
	if err == nil {
		return Response{Value: v}, nil
	}
	if f, ok := AsFault(err); ok {
		return Response{Fault: f}, nil
	}
	return Response{}, err
}

func (r Response) result() (Value, error) {
	if r.Fault != nil {
		return Value{}, r.Fault
	}
	return r.Value, nil
}

// FaultKind classifies why an execution produced no value.
type FaultKind string

const (
	// FaultUnresolved is a class or member the oracle cannot resolve.
	FaultUnresolved FaultKind = "unresolved"
	// FaultRuntime is an exception thrown by the snippet.
	FaultRuntime FaultKind = "runtime"
	// FaultResourceLimit is a step, depth or time bound being hit.
	FaultResourceLimit FaultKind = "resource_limit"
)

// Fault is an execution failure. It matches errors.ErrExecutionFault.
type Fault struct {
	Kind FaultKind `json:"kind"`
	Msg  string    `json:"msg"`

	// retry marks a fault caused by another execution's timing rather than
	// by the code run. It does not cross the wire.
	retry bool
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s: %s", errors.ErrExecutionFault, f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error {
	return errors.ErrExecutionFault
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func unresolved(format string, args ...any) *Fault {
	return &Fault{Kind: FaultUnresolved, Msg: fmt.Sprintf(format, args...)}
}

// Throw returns the fault for a Java exception of the given class, for use
// by providers.
func Throw(class, detail string) *Fault {
	if detail == "" {
		return &Fault{Kind: FaultRuntime, Msg: class}
	}
	return &Fault{Kind: FaultRuntime, Msg: class + ": " + detail}
}

func limit(format string, args ...any) *Fault {
	return &Fault{Kind: FaultResourceLimit, Msg: fmt.Sprintf(format, args...)}
}

// Snippet builds a static method named run on owner from copies of the
// given instructions of m, followed by a return for ret. Jumps in ids must
// target labels that are also in ids.
func Snippet(owner string, m *insn.Method, ids []insn.ID, params []string, ret string) (*insn.Method, error) {
	desc := "("
	words := 0
	for _, p := range params {
		desc += p
		words += insn.TypeSize(p)
	}
	desc += ")" + ret
	s := insn.NewMethod(owner, "run", desc, insn.AccStatic)
	s.MaxLocals = max(m.MaxLocals, words)

	remap := make(map[insn.ID]insn.ID, len(ids))
	for _, id := range ids {
		if l, ok := m.Insn(id).(*insn.Label); ok {
			remap[id] = s.New(&insn.Label{Name: l.Name})
		}
	}
	for _, id := range ids {
		in := m.Insn(id)
		if in == nil {
			return nil, errors.WrapUnknownInstruction(int32(id))
		}
		if n, ok := remap[id]; ok {
			if err := s.Append(n); err != nil {
				return nil, err
			}
			continue
		}
		c := insn.Copy(in)
		if err := retarget(c, remap); err != nil {
			return nil, err
		}
		s.Add(c)
	}
	s.Add(&insn.Op{Code: returnOp(ret)})
	return s, s.Validate()
}

func retarget(in insn.Instruction, remap map[insn.ID]insn.ID) error {
	fix := func(id *insn.ID) error {
		n, ok := remap[*id]
		if !ok {
			return errors.WrapDanglingReference(fmt.Sprintf("snippet jumps to label %d outside the copied range", *id))
		}
		*id = n
		return nil
	}
	switch v := in.(type) {
	case *insn.Jump:
		return fix(&v.Target)
	case *insn.LookupSwitch:
		if err := fix(&v.Default); err != nil {
			return err
		}
		for i := range v.Targets {
			if err := fix(&v.Targets[i]); err != nil {
				return err
			}
		}
	case *insn.TableSwitch:
		if err := fix(&v.Default); err != nil {
			return err
		}
		for i := range v.Targets {
			if err := fix(&v.Targets[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func returnOp(desc string) insn.Opcode {
	switch desc {
	case "V":
		return insn.Return
	case "Z", "B", "C", "S", "I":
		return insn.Ireturn
	case "J":
		return insn.Lreturn
	case "F":
		return insn.Freturn
	case "D":
		return insn.Dreturn
	}
	return insn.Areturn
}
