// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package classtable is the read-mostly whole-program view of classes used
// to resolve owners and members across class boundaries. A missing type
// means "unknown", never an error: obfuscated inputs routinely reference
// classes that are not part of the input set.
package classtable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dotandev/deobf/internal/insn"
	"github.com/hashicorp/go-version"
)

// IndyVersion is the first class-file version that may contain
// invokedynamic.
const IndyVersion = "51.0"

// Member is a field or method of a type.
type Member struct {
	Owner  string
	Name   string
	Desc   string
	Access int
	// Body is the method body when the class table carries code.
	Body *insn.Method
	// Value is a field's ConstantValue attribute, if any.
	Value any
}

// IsStatic reports ACC_STATIC.
func (m *Member) IsStatic() bool {
	return m.Access&insn.AccStatic != 0
}

// Type describes one class or interface.
type Type struct {
	Name       string
	Super      string
	Interfaces []string
	// Version is the class-file version as "major.minor", e.g. "52.0".
	Version string
	Members []*Member
}

// AtLeast reports whether the class-file version is v or newer. Types with
// no or an unparsable version are treated as current.
func (t *Type) AtLeast(v string) bool {
	if t.Version == "" {
		return true
	}
	have, err := version.NewVersion(t.Version)
	if err != nil {
		return true
	}
	want, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	return have.GreaterThanOrEqual(want)
}

// Member returns the member declared by t itself.
func (t *Type) Member(name, desc string) (*Member, bool) {
	for _, m := range t.Members {
		if m.Name == name && m.Desc == desc {
			return m, true
		}
	}
	return nil, false
}

// Table resolves types and members. Implementations must be safe for
// concurrent readers.
type Table interface {
	LookupType(name string) (*Type, bool)
	LookupMember(owner, name, desc string) (*Member, bool)
}

// Map is an in-memory Table.
type Map struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewMap returns an empty table.
func NewMap() *Map {
	return &Map{types: make(map[string]*Type)}
}

// Add registers t, replacing any type with the same name.
func (m *Map) Add(t *Type) error {
	if t.Name == "" {
		return fmt.Errorf("classtable: type has no name")
	}
	if t.Version != "" {
		if _, err := version.NewVersion(t.Version); err != nil {
			return fmt.Errorf("classtable: %s: bad class version %q: %w", t.Name, t.Version, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[t.Name] = t
	return nil
}

// AddMethods registers bodies as members of their owners, creating owner
// types as needed.
func (m *Map) AddMethods(bodies ...*insn.Method) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bodies {
		t, ok := m.types[b.Owner]
		if !ok {
			t = &Type{Name: b.Owner, Super: "java/lang/Object"}
			m.types[b.Owner] = t
		}
		if old, ok := t.Member(b.Name, b.Desc); ok {
			old.Body = b
			old.Access = b.Access
			continue
		}
		t.Members = append(t.Members, &Member{
			Owner:  b.Owner,
			Name:   b.Name,
			Desc:   b.Desc,
			Access: b.Access,
			Body:   b,
		})
	}
}

// LookupType returns the named type.
func (m *Map) LookupType(name string) (*Type, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[name]
	return t, ok
}

// LookupMember finds name+desc on owner or, failing that, on its
// supertypes.
func (m *Map) LookupMember(owner, name, desc string) (*Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	queue := []string{owner}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		t, ok := m.types[n]
		if !ok {
			continue
		}
		if mem, ok := t.Member(name, desc); ok {
			return mem, true
		}
		if t.Super != "" {
			queue = append(queue, t.Super)
		}
		queue = append(queue, t.Interfaces...)
	}
	return nil, false
}

// Names returns the registered type names, sorted.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.types))
	for n := range m.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsSubtype reports whether sub is super or inherits from it through
// classes and interfaces known to table.
func IsSubtype(table Table, sub, super string) bool {
	if table == nil {
		return sub == super
	}
	seen := make(map[string]bool)
	queue := []string{sub}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == super {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		t, ok := table.LookupType(n)
		if !ok {
			continue
		}
		if t.Super != "" {
			queue = append(queue, t.Super)
		}
		queue = append(queue, t.Interfaces...)
	}
	return false
}
