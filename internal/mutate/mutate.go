// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package mutate batches instruction edits computed against one snapshot of
// a method and applies them in a single pass. Edits are keyed by anchor
// identity, so their staging order does not matter except for several
// inserts at the same anchor, which keep staging order.
package mutate

import (
	"fmt"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/logger"
)

// Kind is the kind of a pending edit.
type Kind uint8

const (
	KindRemove Kind = iota
	KindInsertBefore
	KindInsertAfter
	KindReplace
)

func (k Kind) String() string {
	switch k {
	case KindRemove:
		return "remove"
	case KindInsertBefore:
		return "insert-before"
	case KindInsertAfter:
		return "insert-after"
	case KindReplace:
		return "replace"
	}
	return "unknown"
}

// Edit is one pending change. Seq holds detached IDs allocated with
// Method.New; it is empty for removals.
type Edit struct {
	Kind   Kind
	Anchor insn.ID
	Seq    []insn.ID
}

// Log collects edits for one method. It is used once.
type Log struct {
	exclusive map[insn.ID]Edit // remove and replace
	before    map[insn.ID][]insn.ID
	after     map[insn.ID][]insn.ID
	payload   map[insn.ID]bool
	count     int
	consumed  bool
}

// New returns an empty log.
func New() *Log {
	return &Log{
		exclusive: make(map[insn.ID]Edit),
		before:    make(map[insn.ID][]insn.ID),
		after:     make(map[insn.ID][]insn.ID),
		payload:   make(map[insn.ID]bool),
	}
}

// Len returns the number of staged edits.
func (l *Log) Len() int {
	return l.count
}

// Empty reports whether nothing is staged.
func (l *Log) Empty() bool {
	return l.count == 0
}

// Removes reports whether id is staged for removal or replacement.
func (l *Log) Removes(id insn.ID) bool {
	_, ok := l.exclusive[id]
	return ok
}

// Stage records e. Two removals or replacements of one anchor, or an
// anchor that is also inserted payload, are conflicts.
func (l *Log) Stage(e Edit) error {
	if l.consumed {
		return errors.ErrLogConsumed
	}
	if e.Anchor < 0 {
		return errors.WrapUnknownInstruction(int32(e.Anchor))
	}
	if l.payload[e.Anchor] {
		return errors.WrapEditConflict(fmt.Sprintf("%s anchored at %d, which is inserted by another edit", e.Kind, e.Anchor))
	}
	seen := make(map[insn.ID]bool, len(e.Seq))
	for _, id := range e.Seq {
		if l.payload[id] || seen[id] {
			return errors.WrapEditConflict(fmt.Sprintf("instruction %d inserted twice", id))
		}
		if _, ok := l.exclusive[id]; ok || id == e.Anchor {
			return errors.WrapEditConflict(fmt.Sprintf("instruction %d is both an anchor and inserted", id))
		}
		seen[id] = true
	}

	switch e.Kind {
	case KindRemove, KindReplace:
		if prev, ok := l.exclusive[e.Anchor]; ok {
			return errors.WrapEditConflict(fmt.Sprintf("%s and %s of instruction %d", prev.Kind, e.Kind, e.Anchor))
		}
		if e.Kind == KindRemove {
			e.Seq = nil
		}
		l.exclusive[e.Anchor] = e
	case KindInsertBefore:
		l.before[e.Anchor] = append(l.before[e.Anchor], e.Seq...)
	case KindInsertAfter:
		l.after[e.Anchor] = append(l.after[e.Anchor], e.Seq...)
	default:
		return fmt.Errorf("mutate: unknown edit kind %d", e.Kind)
	}
	for id := range seen {
		l.payload[id] = true
	}
	l.count++
	return nil
}

// Remove stages removal of id.
func (l *Log) Remove(id insn.ID) error {
	return l.Stage(Edit{Kind: KindRemove, Anchor: id})
}

// InsertBefore stages seq before anchor.
func (l *Log) InsertBefore(anchor insn.ID, seq ...insn.ID) error {
	return l.Stage(Edit{Kind: KindInsertBefore, Anchor: anchor, Seq: seq})
}

// InsertAfter stages seq after anchor.
func (l *Log) InsertAfter(anchor insn.ID, seq ...insn.ID) error {
	return l.Stage(Edit{Kind: KindInsertAfter, Anchor: anchor, Seq: seq})
}

// Replace stages substitution of anchor by seq.
func (l *Log) Replace(anchor insn.ID, seq ...insn.ID) error {
	return l.Stage(Edit{Kind: KindReplace, Anchor: anchor, Seq: seq})
}

// Apply builds the edited order in one pass over m and installs it with
// Method.Rewrite. Nothing is changed when any anchor is missing or the
// result would leave a dangling reference. The log cannot be used again
// afterwards, whatever the outcome.
func (l *Log) Apply(m *insn.Method) error {
	if l.consumed {
		return errors.ErrLogConsumed
	}
	l.consumed = true
	if l.count == 0 {
		return nil
	}

	for _, anchors := range []map[insn.ID][]insn.ID{l.before, l.after} {
		for a := range anchors {
			if !m.Contains(a) {
				return errors.WrapUnknownInstruction(int32(a))
			}
		}
	}
	for a := range l.exclusive {
		if !m.Contains(a) {
			return errors.WrapUnknownInstruction(int32(a))
		}
	}
	for id := range l.payload {
		if m.Contains(id) {
			return errors.WrapEditConflict(fmt.Sprintf("inserted instruction %d is already placed", id))
		}
	}

	order := make([]insn.ID, 0, m.Len()+len(l.payload))
	for _, id := range m.All() {
		order = append(order, l.before[id]...)
		if e, ok := l.exclusive[id]; ok {
			order = append(order, e.Seq...)
		} else {
			order = append(order, id)
		}
		order = append(order, l.after[id]...)
	}

	if err := m.Rewrite(order); err != nil {
		return err
	}
	logger.Logger.Debug("Edits applied", "method", m.String(), "edits", l.count, "generation", m.Generation())
	return nil
}
