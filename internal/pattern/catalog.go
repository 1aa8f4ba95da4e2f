// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"fmt"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/hashicorp/go-multierror"
)

// Entry pairs a pattern with the caller's payload, usually a rewrite rule.
type Entry[T any] struct {
	Pattern *Pattern
	Value   T
}

// Catalog is an ordered set of patterns tried together at one anchor.
type Catalog[T any] struct {
	entries []Entry[T]
	names   map[string]bool
}

// NewCatalog returns an empty catalog.
func NewCatalog[T any]() *Catalog[T] {
	return &Catalog[T]{names: make(map[string]bool)}
}

// Register adds p. Pattern names must be unique.
func (c *Catalog[T]) Register(p *Pattern, v T) error {
	if c.names[p.Name()] {
		return fmt.Errorf("pattern %q already registered", p.Name())
	}
	c.names[p.Name()] = true
	c.entries = append(c.entries, Entry[T]{Pattern: p, Value: v})
	return nil
}

// Entries returns the registered entries in registration order.
func (c *Catalog[T]) Entries() []Entry[T] {
	return append([]Entry[T](nil), c.entries...)
}

// Len returns the number of entries.
func (c *Catalog[T]) Len() int {
	return len(c.entries)
}

// Longest tries every entry at anchor and returns the match that consumed
// the most source instructions. Equal sizes resolve to the earlier entry;
// Validate rejects catalogs where that tie-break could matter.
func (c *Catalog[T]) Longest(m *insn.Method, anchor insn.ID) (*Match, T, bool) {
	var (
		best  *Match
		value T
	)
	for _, e := range c.entries {
		match, ok := Find(e.Pattern, m, anchor)
		if !ok {
			continue
		}
		if best == nil || match.Size() > best.Size() {
			best, value = match, e.Value
		}
	}
	return best, value, best != nil
}

// All returns every entry that matches at anchor, longest first.
func (c *Catalog[T]) All(m *insn.Method, anchor insn.ID) []Entry[T] {
	type hit struct {
		e    Entry[T]
		size int
	}
	var hits []hit
	for _, e := range c.entries {
		if match, ok := Find(e.Pattern, m, anchor); ok {
			hits = append(hits, hit{e, match.Size()})
		}
	}
	out := make([]Entry[T], 0, len(hits))
	for len(hits) > 0 {
		bi := 0
		for i, h := range hits {
			if h.size > hits[bi].size {
				bi = i
			}
		}
		out = append(out, hits[bi].e)
		hits = append(hits[:bi], hits[bi+1:]...)
	}
	return out
}

// Validate reports every pair of patterns with the same number of steps
// whose steps pairwise intersect. Such a pair could match the same window
// and the longest-match rule could not choose between them.
func (c *Catalog[T]) Validate() error {
	var result *multierror.Error
	for i := 0; i < len(c.entries); i++ {
		for j := i + 1; j < len(c.entries); j++ {
			a, b := c.entries[i].Pattern, c.entries[j].Pattern
			if overlaps(a, b) {
				result = multierror.Append(result, errors.WrapCatalogOverlap(a.Name(), b.Name()))
			}
		}
	}
	return result.ErrorOrNil()
}

func overlaps(a, b *Pattern) bool {
	if len(a.steps) != len(b.steps) || a.Len() != b.Len() {
		return false
	}
	for i := range a.steps {
		if !a.steps[i].intersects(b.steps[i]) {
			return false
		}
	}
	return true
}
