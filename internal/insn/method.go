// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package insn

import (
	"fmt"
	"iter"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/hashicorp/go-multierror"
)

// ID is a stable handle to an instruction in a Method's arena. IDs are
// never reused within one method.
type ID int32

const (
	// NoID marks an absent instruction.
	NoID ID = -1
	// EntryID is the pseudo-producer of parameters and uninitialised locals.
	EntryID ID = -2
)

// AccStatic is the ACC_STATIC access flag.
const AccStatic = 0x0008

// TryCatch is one exception-table entry. End is exclusive. Type is the
// internal name of the caught class; empty means catch-all.
type TryCatch struct {
	Start   ID
	End     ID
	Handler ID
	Type    string
}

// Method owns the instructions of one method body. Instructions live in an
// arena indexed by ID; the body is the ordered list of placed IDs. Every
// structural change bumps Generation so that derived data (frames, matches,
// captured index sets) can detect that it is stale.
type Method struct {
	Owner     string
	Name      string
	Desc      string
	Access    int
	MaxLocals int

	arena  []Instruction
	placed []bool
	order  []ID
	tries  []*TryCatch
	gen    uint64

	pos    []int32
	posGen uint64
	posOK  bool
}

// NewMethod returns an empty method body.
func NewMethod(owner, name, desc string, access int) *Method {
	return &Method{Owner: owner, Name: name, Desc: desc, Access: access}
}

// String returns owner.name+desc.
func (m *Method) String() string {
	return fmt.Sprintf("%s.%s%s", m.Owner, m.Name, m.Desc)
}

// IsStatic reports whether ACC_STATIC is set.
func (m *Method) IsStatic() bool {
	return m.Access&AccStatic != 0
}

// Generation is incremented by every structural change.
func (m *Method) Generation() uint64 {
	return m.gen
}

// New allocates i in the arena without placing it in the body. The returned
// ID can be placed with Append, InsertBefore, InsertAfter, Replace or a
// mutation log. Allocation does not change the generation.
func (m *Method) New(i Instruction) ID {
	id := ID(len(m.arena))
	m.arena = append(m.arena, i)
	m.placed = append(m.placed, false)
	return id
}

// NewLabel allocates a detached label.
func (m *Method) NewLabel() ID {
	return m.New(&Label{})
}

// Insn returns the instruction for id, or nil if id was never allocated.
func (m *Method) Insn(id ID) Instruction {
	if id < 0 || int(id) >= len(m.arena) {
		return nil
	}
	return m.arena[id]
}

// Contains reports whether id is currently placed in the body.
func (m *Method) Contains(id ID) bool {
	return id >= 0 && int(id) < len(m.placed) && m.placed[id]
}

// Len returns the number of placed instructions, markers included.
func (m *Method) Len() int {
	return len(m.order)
}

// At returns the ID at position i of the body.
func (m *Method) At(i int) ID {
	return m.order[i]
}

// Add allocates i and appends it to the body.
func (m *Method) Add(i Instruction) ID {
	id := m.New(i)
	m.order = append(m.order, id)
	m.placed[id] = true
	m.touch()
	return id
}

// Append places detached IDs at the end of the body.
func (m *Method) Append(ids ...ID) error {
	if err := m.checkDetached(ids); err != nil {
		return err
	}
	m.order = append(m.order, ids...)
	m.place(ids)
	return nil
}

// InsertBefore places detached IDs immediately before anchor.
func (m *Method) InsertBefore(anchor ID, ids ...ID) error {
	idx := m.IndexOf(anchor)
	if idx < 0 {
		return errors.WrapUnknownInstruction(int32(anchor))
	}
	return m.insertAt(idx, ids)
}

// InsertAfter places detached IDs immediately after anchor.
func (m *Method) InsertAfter(anchor ID, ids ...ID) error {
	idx := m.IndexOf(anchor)
	if idx < 0 {
		return errors.WrapUnknownInstruction(int32(anchor))
	}
	return m.insertAt(idx+1, ids)
}

// Remove takes id out of the body. Removing a label that is still the
// target of a jump, switch or try entry is allowed; the dangling reference
// is reported by the next Snapshot or Validate.
func (m *Method) Remove(id ID) error {
	idx := m.IndexOf(id)
	if idx < 0 {
		return errors.WrapUnknownInstruction(int32(id))
	}
	m.order = append(m.order[:idx], m.order[idx+1:]...)
	m.placed[id] = false
	m.touch()
	return nil
}

// Replace substitutes old with the detached IDs.
func (m *Method) Replace(old ID, ids ...ID) error {
	idx := m.IndexOf(old)
	if idx < 0 {
		return errors.WrapUnknownInstruction(int32(old))
	}
	if err := m.checkDetached(ids); err != nil {
		return err
	}
	next := make([]ID, 0, len(m.order)-1+len(ids))
	next = append(next, m.order[:idx]...)
	next = append(next, ids...)
	next = append(next, m.order[idx+1:]...)
	m.placed[old] = false
	m.order = next
	m.place(ids)
	return nil
}

// IndexOf returns the position of id in the body, or -1.
func (m *Method) IndexOf(id ID) int {
	if !m.Contains(id) {
		return -1
	}
	m.ensurePositions()
	return int(m.pos[id])
}

// Snapshot returns a copy of the body order that stays valid while the
// method is mutated. It fails if any reference dangles.
func (m *Method) Snapshot() ([]ID, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return append([]ID(nil), m.order...), nil
}

// All is a live view of the body: positions are re-read on every step, so
// edits made during iteration are observed.
func (m *Method) All() iter.Seq2[int, ID] {
	return func(yield func(int, ID) bool) {
		for i := 0; i < len(m.order); i++ {
			if !yield(i, m.order[i]) {
				return
			}
		}
	}
}

// Rewrite replaces the whole body order in one step. Every ID must be
// allocated and appear once, and the resulting body must have no dangling
// references; otherwise the method is left untouched.
func (m *Method) Rewrite(order []ID) error {
	seen := make(map[ID]bool, len(order))
	for _, id := range order {
		if id < 0 || int(id) >= len(m.arena) {
			return errors.WrapUnknownInstruction(int32(id))
		}
		if seen[id] {
			return errors.WrapInvariantViolation(fmt.Sprintf("instruction %d placed twice", id))
		}
		seen[id] = true
	}
	if err := m.validate(order, func(id ID) bool { return seen[id] }); err != nil {
		return err
	}

	for i := range m.placed {
		m.placed[i] = false
	}
	m.order = append(m.order[:0:0], order...)
	m.place(order)
	return nil
}

// Validate checks that every jump, switch and try entry names a placed
// label and that each try range starts before it ends.
func (m *Method) Validate() error {
	return m.validate(m.order, m.Contains)
}

func (m *Method) validate(order []ID, placed func(ID) bool) error {
	var result *multierror.Error

	pos := make(map[ID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	isLabel := func(id ID) bool {
		_, ok := m.Insn(id).(*Label)
		return ok && placed(id)
	}

	for _, id := range order {
		for _, t := range Targets(m.arena[id]) {
			if !isLabel(t) {
				result = multierror.Append(result, errors.WrapDanglingReference(
					fmt.Sprintf("%s at %d targets %d", m.arena[id].Opcode(), id, t)))
			}
		}
	}
	for i, tc := range m.tries {
		for _, l := range []ID{tc.Start, tc.End, tc.Handler} {
			if !isLabel(l) {
				result = multierror.Append(result, errors.WrapDanglingReference(
					fmt.Sprintf("try entry %d references %d", i, l)))
			}
		}
		if isLabel(tc.Start) && isLabel(tc.End) && pos[tc.Start] >= pos[tc.End] {
			result = multierror.Append(result, errors.WrapInvariantViolation(
				fmt.Sprintf("try entry %d starts at or after its end", i)))
		}
	}
	return result.ErrorOrNil()
}

// TryCatches returns the exception table. The entries are shared; use
// SetTryCatch to change one so the generation is bumped.
func (m *Method) TryCatches() []*TryCatch {
	return append([]*TryCatch(nil), m.tries...)
}

// AddTryCatch appends an exception-table entry.
func (m *Method) AddTryCatch(tc TryCatch) {
	m.tries = append(m.tries, &tc)
	m.touch()
}

// SetTryCatch overwrites entry i.
func (m *Method) SetTryCatch(i int, tc TryCatch) {
	*m.tries[i] = tc
	m.touch()
}

// RemoveTryCatch deletes entry i.
func (m *Method) RemoveTryCatch(i int) {
	m.tries = append(m.tries[:i], m.tries[i+1:]...)
	m.touch()
}

// Covering returns the try entries whose range contains id.
func (m *Method) Covering(id ID) []*TryCatch {
	idx := m.IndexOf(id)
	if idx < 0 {
		return nil
	}
	var out []*TryCatch
	for _, tc := range m.tries {
		s, e := m.IndexOf(tc.Start), m.IndexOf(tc.End)
		if s >= 0 && e >= 0 && s <= idx && idx < e {
			out = append(out, tc)
		}
	}
	return out
}

// ShrinkTryRange narrows try entry i to the span between the first and the
// last instruction inside it for which keep returns true. New boundary
// labels are inserted when no label already sits at the new edge. It
// returns false, leaving the entry alone, when keep rejects every
// instruction in the range; the caller decides whether to drop the entry.
func (m *Method) ShrinkTryRange(i int, keep func(ID) bool) (bool, error) {
	tc := m.tries[i]
	s, e := m.IndexOf(tc.Start), m.IndexOf(tc.End)
	if s < 0 || e < 0 || s >= e {
		return false, errors.WrapDanglingReference(fmt.Sprintf("try entry %d has no valid range", i))
	}

	first, last := -1, -1
	for j := s; j < e; j++ {
		if keep(m.order[j]) {
			if first < 0 {
				first = j
			}
			last = j
		}
	}
	if first < 0 {
		return false, nil
	}

	start := tc.Start
	if first > s {
		if _, ok := m.arena[m.order[first-1]].(*Label); ok {
			start = m.order[first-1]
		} else {
			start = m.NewLabel()
			if err := m.insertAt(first, []ID{start}); err != nil {
				return false, err
			}
			last++
		}
	}

	end := tc.End
	if next := last + 1; next < m.IndexOf(tc.End) {
		if _, ok := m.arena[m.order[next]].(*Label); ok {
			end = m.order[next]
		} else {
			end = m.NewLabel()
			if err := m.insertAt(next, []ID{end}); err != nil {
				return false, err
			}
		}
	}

	if start != tc.Start || end != tc.End {
		tc.Start, tc.End = start, end
		m.touch()
	}
	return true, nil
}

// Entry returns the first placed instruction, or NoID for an empty body.
func (m *Method) Entry() ID {
	if len(m.order) == 0 {
		return NoID
	}
	return m.order[0]
}

// Next returns the instruction after id, or NoID.
func (m *Method) Next(id ID) ID {
	idx := m.IndexOf(id)
	if idx < 0 || idx+1 >= len(m.order) {
		return NoID
	}
	return m.order[idx+1]
}

// NextSemantic returns the first non-marker instruction after id, or NoID.
func (m *Method) NextSemantic(id ID) ID {
	idx := m.IndexOf(id)
	if idx < 0 {
		return NoID
	}
	for j := idx + 1; j < len(m.order); j++ {
		if !IsMarker(m.arena[m.order[j]]) {
			return m.order[j]
		}
	}
	return NoID
}

// Clone deep-copies the method. IDs are preserved, so IDs taken from m can
// be used against the clone.
func (m *Method) Clone() *Method {
	c := &Method{
		Owner:     m.Owner,
		Name:      m.Name,
		Desc:      m.Desc,
		Access:    m.Access,
		MaxLocals: m.MaxLocals,
		arena:     make([]Instruction, len(m.arena)),
		placed:    append([]bool(nil), m.placed...),
		order:     append([]ID(nil), m.order...),
		gen:       m.gen,
	}
	for i, in := range m.arena {
		c.arena[i] = Copy(in)
	}
	for _, tc := range m.tries {
		cp := *tc
		c.tries = append(c.tries, &cp)
	}
	return c
}

func (m *Method) insertAt(idx int, ids []ID) error {
	if err := m.checkDetached(ids); err != nil {
		return err
	}
	next := make([]ID, 0, len(m.order)+len(ids))
	next = append(next, m.order[:idx]...)
	next = append(next, ids...)
	next = append(next, m.order[idx:]...)
	m.order = next
	m.place(ids)
	return nil
}

func (m *Method) checkDetached(ids []ID) error {
	seen := make(map[ID]bool, len(ids))
	for _, id := range ids {
		if id < 0 || int(id) >= len(m.arena) {
			return errors.WrapUnknownInstruction(int32(id))
		}
		if m.placed[id] || seen[id] {
			return errors.WrapInvariantViolation(fmt.Sprintf("instruction %d is already placed", id))
		}
		seen[id] = true
	}
	return nil
}

func (m *Method) place(ids []ID) {
	for _, id := range ids {
		m.placed[id] = true
	}
	m.touch()
}

func (m *Method) touch() {
	m.gen++
	m.posOK = false
}

func (m *Method) ensurePositions() {
	if m.posOK && m.posGen == m.gen && len(m.pos) == len(m.arena) {
		return
	}
	if cap(m.pos) < len(m.arena) {
		m.pos = make([]int32, len(m.arena))
	}
	m.pos = m.pos[:len(m.arena)]
	for i, id := range m.order {
		m.pos[id] = int32(i)
	}
	m.posGen = m.gen
	m.posOK = true
}
