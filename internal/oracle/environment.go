// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"context"
	"sync"
	"unicode/utf16"
)

// Provider implements a method natively. recv is nil for static methods.
type Provider func(ctx context.Context, recv *Value, args []Value) (Value, error)

// classInit tracks one class's static initialiser. done is closed when the
// run that owns it finishes, successfully or not.
type classInit struct {
	owner    any
	done     chan struct{}
	finished bool
	err      error
}

// Environment holds the native methods and static field state an execution
// sees. One Environment is built by the caller and may be shared by
// concurrent executions: static initialisation completes at most once per
// class. Only initialisers write shared statics; stores made by a snippet
// stay local to its execution.
type Environment struct {
	mu        sync.RWMutex
	providers map[string]Provider
	statics   map[string]Value
	inits     map[string]*classInit
}

// NewEnvironment returns an empty environment.
func NewEnvironment() *Environment {
	return &Environment{
		providers: make(map[string]Provider),
		statics:   make(map[string]Value),
		inits:     make(map[string]*classInit),
	}
}

func memberKey(owner, name, desc string) string {
	return owner + "." + name + desc
}

// Provide registers p for owner.name+desc, replacing any earlier provider.
func (e *Environment) Provide(owner, name, desc string, p Provider) *Environment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[memberKey(owner, name, desc)] = p
	return e
}

// Lookup returns the provider for owner.name+desc.
func (e *Environment) Lookup(owner, name, desc string) (Provider, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[memberKey(owner, name, desc)]
	return p, ok
}

// SetStatic stores a static field value.
func (e *Environment) SetStatic(owner, name string, v Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statics[owner+"."+name] = v
}

// Static returns a static field value if one was stored.
func (e *Environment) Static(owner, name string) (Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.statics[owner+"."+name]
	return v, ok
}

// Initialize runs init for owner unless it has already completed. token
// identifies the calling execution. A caller that finds another execution
// running the initialiser waits for it, unless nested is set: an execution
// that is itself inside an initialiser gets a retryable runtime fault
// instead, so two initialisers that need each other cannot block forever.
//
// Resource-limit faults and retryable faults are not remembered; the next
// caller runs the initialiser again. Any other error is final for owner.
func (e *Environment) Initialize(ctx context.Context, owner string, token any, nested bool, init func() error) error {
	for {
		e.mu.Lock()
		ci, ok := e.inits[owner]
		if !ok {
			ci = &classInit{owner: token, done: make(chan struct{})}
			e.inits[owner] = ci
			e.mu.Unlock()
			return e.run(owner, ci, init)
		}
		finished, running := ci.finished, ci.owner
		e.mu.Unlock()

		switch {
		case finished:
			return ci.err
		case running == token:
			return nil
		case nested:
			return &Fault{Kind: FaultRuntime, Msg: "initialiser of " + owner + " is running in another execution", retry: true}
		}

		select {
		case <-ci.done:
		case <-ctx.Done():
			return limit("waiting for initialiser of %s: %v", owner, ctx.Err())
		}
	}
}

func (e *Environment) run(owner string, ci *classInit, init func() error) error {
	err := init()

	e.mu.Lock()
	defer e.mu.Unlock()
	if retryable(err) {
		delete(e.inits, owner)
	} else {
		ci.finished = true
		ci.err = err
	}
	close(ci.done)
	return err
}

func retryable(err error) bool {
	f, ok := AsFault(err)
	return ok && (f.Kind == FaultResourceLimit || f.retry)
}

// Standard returns an environment with the java.lang methods string and
// arithmetic idioms commonly call.
func Standard() *Environment {
	e := NewEnvironment()
	const str = "java/lang/String"

	e.Provide(str, "hashCode", "()I", func(_ context.Context, recv *Value, _ []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		return Int(StringHash(s)), nil
	})
	e.Provide(str, "length", "()I", func(_ context.Context, recv *Value, _ []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		return Int(int32(len(utf16.Encode([]rune(s))))), nil
	})
	e.Provide(str, "isEmpty", "()Z", func(_ context.Context, recv *Value, _ []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		return boolean(s == ""), nil
	})
	e.Provide(str, "charAt", "(I)C", func(_ context.Context, recv *Value, args []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		units := utf16.Encode([]rune(s))
		i := args[0].I32()
		if i < 0 || int(i) >= len(units) {
			return Value{}, Throw("java/lang/StringIndexOutOfBoundsException", Int(i).String())
		}
		return Int(int32(units[i])), nil
	})
	e.Provide(str, "toCharArray", "()[C", func(_ context.Context, recv *Value, _ []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		units := utf16.Encode([]rune(s))
		arr := NewArray("C", len(units))
		for i, u := range units {
			arr.Array.Data[i] = Int(int32(u))
		}
		return arr, nil
	})
	e.Provide(str, "intern", "()Ljava/lang/String;", func(_ context.Context, recv *Value, _ []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	})
	e.Provide(str, "equals", "(Ljava/lang/Object;)Z", func(_ context.Context, recv *Value, args []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		return boolean(args[0].Kind == KindString && args[0].Str == s), nil
	})
	e.Provide(str, "concat", "(Ljava/lang/String;)Ljava/lang/String;", func(_ context.Context, recv *Value, args []Value) (Value, error) {
		s, err := receiverString(recv)
		if err != nil {
			return Value{}, err
		}
		if args[0].Kind != KindString {
			return Value{}, Throw("java/lang/NullPointerException", "")
		}
		return String(s + args[0].Str), nil
	})
	e.Provide(str, "valueOf", "([C)Ljava/lang/String;", func(_ context.Context, _ *Value, args []Value) (Value, error) {
		if args[0].Kind != KindArray {
			return Value{}, Throw("java/lang/NullPointerException", "")
		}
		units := make([]uint16, len(args[0].Array.Data))
		for i, c := range args[0].Array.Data {
			units[i] = uint16(c.Int)
		}
		return String(string(utf16.Decode(units))), nil
	})

	const jmath = "java/lang/Math"
	e.Provide(jmath, "abs", "(I)I", func(_ context.Context, _ *Value, args []Value) (Value, error) {
		n := args[0].I32()
		if n < 0 {
			n = -n
		}
		return Int(n), nil
	})
	e.Provide(jmath, "max", "(II)I", func(_ context.Context, _ *Value, args []Value) (Value, error) {
		return Int(max(args[0].I32(), args[1].I32())), nil
	})
	e.Provide(jmath, "min", "(II)I", func(_ context.Context, _ *Value, args []Value) (Value, error) {
		return Int(min(args[0].I32(), args[1].I32())), nil
	})
	e.Provide("java/lang/Integer", "rotateLeft", "(II)I", func(_ context.Context, _ *Value, args []Value) (Value, error) {
		x, d := uint32(args[0].I32()), uint(args[1].I32())&31
		return Int(int32(x<<d | x>>(32-d))), nil
	})
	e.Provide("java/lang/Integer", "rotateRight", "(II)I", func(_ context.Context, _ *Value, args []Value) (Value, error) {
		x, d := uint32(args[0].I32()), uint(args[1].I32())&31
		return Int(int32(x>>d | x<<(32-d))), nil
	})
	return e
}

// StringHash is java.lang.String.hashCode.
func StringHash(s string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(u)
	}
	return h
}

func receiverString(recv *Value) (string, error) {
	if recv == nil || recv.Kind != KindString {
		return "", Throw("java/lang/NullPointerException", "")
	}
	return recv.Str, nil
}

func boolean(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}
