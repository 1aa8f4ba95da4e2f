// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package idiom holds a small reference set of fold rules: constant
// arithmetic, constant branches and switches, string hashing, calls to
// known static methods, dead pushes and rethrow-only handlers. They are
// generic JVM idioms, not tied to any particular obfuscator.
package idiom

import (
	"github.com/dotandev/deobf/internal/pattern"
	"github.com/dotandev/deobf/internal/resolve"
)

// Entry is one reference rule.
type Entry struct {
	Pattern *pattern.Pattern
	Rule    resolve.Rule
	Doc     string
}

// Options tune the reference set.
type Options struct {
	// StaticOwners limits static-call folding to owners matching this
	// name pattern ("*" wildcards or "~regex"). Empty means any owner the
	// class table knows.
	StaticOwners string
}

// Entries returns the reference rules in registration order.
func Entries(opts Options) []Entry {
	owners := opts.StaticOwners
	if owners == "" {
		owners = "*"
	}
	return []Entry{
		{XorSwitchPattern, resolve.RuleFunc(foldXorSwitch), "push a; push b; ixor; switch -> goto case a^b"},
		{XorPathSwitchPattern, resolve.RuleFunc(foldXorPathSwitch), "paths pushing a; J: push b; ixor; switch -> each path: pop; goto case a^b"},
		{ArithmeticPattern, resolve.RuleFunc(foldArithmetic), "push a; push b; <int op> -> push result"},
		{UnaryPattern, resolve.RuleFunc(foldArithmetic), "push a; ineg|i2b|i2c|i2s -> push result"},
		{StringHashPattern, resolve.RuleFunc(foldStringHash), `ldc "s"; String.hashCode() -> push hash`},
		{staticCallPattern(owners), resolve.RuleFunc(foldStaticCall), "push c; invokestatic known(c) -> push result"},
		{staticCallNoArgPattern(owners), resolve.RuleFunc(foldStaticCall), "invokestatic known() -> push result"},
		{DeadPushPattern, resolve.RuleFunc(foldDeadPush), "push c; pop -> nothing"},
		{BranchPattern, resolve.RuleFunc(foldBranch), "if<cond> on constants -> pop; goto | pop"},
		{SwitchPattern, resolve.RuleFunc(foldSwitch), "switch on a constant -> pop; goto case"},
		{HandlerPattern, resolve.RuleFunc(dropRethrowHandler), "handler that only rethrows -> drop try entry"},
	}
}

// Catalog registers Entries(opts) and rejects the set if two equal-length
// patterns could match the same window.
func Catalog(opts Options) (*pattern.Catalog[resolve.Rule], error) {
	c := pattern.NewCatalog[resolve.Rule]()
	for _, e := range Entries(opts) {
		if err := c.Register(e.Pattern, e.Rule); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
