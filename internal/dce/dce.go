// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package dce removes what folding leaves behind: instructions no path
// reaches, jumps to the very next instruction, and exception entries that
// no longer protect anything that can throw.
package dce

import (
	"fmt"

	"github.com/dotandev/deobf/internal/analysis"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/mutate"
)

// Stats holds metrics about one Eliminate call.
type Stats struct {
	Rounds              int
	OriginalSize        int
	OptimizedSize       int
	RemovedInstructions int
	RemovedJumps        int
	RemovedTries        int
	ShrunkTries         int
}

// Changed reports whether anything was removed or narrowed.
func (s Stats) Changed() bool {
	return s.RemovedInstructions+s.RemovedJumps+s.RemovedTries+s.ShrunkTries > 0
}

// Eliminate prunes m in rounds until a round changes nothing. Dropping a
// try entry can orphan its handler, which the next round removes.
func Eliminate(m *insn.Method) (Stats, error) {
	stats := Stats{OriginalSize: m.Len()}
	for {
		stats.Rounds++
		changed, err := round(m, &stats)
		if err != nil {
			return stats, err
		}
		if !changed {
			break
		}
	}
	stats.OptimizedSize = m.Len()
	if stats.Changed() {
		logger.Logger.Debug("Dead code removed",
			"method", m.String(),
			"rounds", stats.Rounds,
			"instructions", stats.RemovedInstructions,
			"jumps", stats.RemovedJumps,
			"tries", stats.RemovedTries,
		)
	}
	return stats, nil
}

func round(m *insn.Method, stats *Stats) (bool, error) {
	frames, err := analysis.Analyze(m)
	if err != nil {
		return false, err
	}
	live := make(map[insn.ID]bool, len(frames.Order()))
	for _, id := range frames.Order() {
		if frames.Reachable(id) {
			live[id] = true
		}
	}

	changed, err := pruneTries(m, live, stats)
	if err != nil {
		return false, err
	}

	referenced := make(map[insn.ID]bool)
	for _, tc := range m.TryCatches() {
		referenced[tc.Start] = true
		referenced[tc.End] = true
		referenced[tc.Handler] = true
	}

	log := mutate.New()
	for _, id := range m.All() {
		in := m.Insn(id)
		switch {
		case !live[id]:
			if _, ok := in.(*insn.Label); ok && referenced[id] {
				continue
			}
			if err := log.Remove(id); err != nil {
				return false, err
			}
			stats.RemovedInstructions++
		case jumpsToNext(m, id):
			if err := log.Remove(id); err != nil {
				return false, err
			}
			stats.RemovedJumps++
		}
	}
	if log.Empty() {
		return changed, nil
	}
	if err := log.Apply(m); err != nil {
		return false, fmt.Errorf("%s: pruning: %w", m, err)
	}
	return true, nil
}

// pruneTries narrows each entry to its live throwing instructions and
// drops entries left with none.
func pruneTries(m *insn.Method, live map[insn.ID]bool, stats *Stats) (bool, error) {
	keep := func(id insn.ID) bool {
		return live[id] && insn.CanThrow(m.Insn(id))
	}
	changed := false
	for i := len(m.TryCatches()) - 1; i >= 0; i-- {
		before := *m.TryCatches()[i]
		ok, err := m.ShrinkTryRange(i, keep)
		if err != nil {
			return false, err
		}
		if !ok {
			m.RemoveTryCatch(i)
			stats.RemovedTries++
			changed = true
			continue
		}
		after := m.TryCatches()[i]
		if after.Start != before.Start || after.End != before.End {
			stats.ShrunkTries++
			changed = true
		}
	}
	return changed, nil
}

// jumpsToNext reports whether id is a goto whose target follows it with
// only markers in between.
func jumpsToNext(m *insn.Method, id insn.ID) bool {
	j, ok := m.Insn(id).(*insn.Jump)
	if !ok || (j.Code != insn.Goto && j.Code != insn.GotoW) {
		return false
	}
	for next := m.Next(id); next != insn.NoID; next = m.Next(next) {
		if next == j.Target {
			return true
		}
		if !insn.IsMarker(m.Insn(next)) {
			return false
		}
	}
	return false
}
