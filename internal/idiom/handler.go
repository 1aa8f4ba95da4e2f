// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package idiom

import (
	"context"
	"slices"

	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/pattern"
	"github.com/dotandev/deobf/internal/resolve"
)

var HandlerPattern = pattern.New("rethrow-handler",
	pattern.LabelBoundary(),
	pattern.Capture("throw", pattern.Op(insn.Athrow)),
)

// dropRethrowHandler removes try entries whose handler immediately
// rethrows the exception it caught. An entry is kept when a later entry
// overlapping its range would catch the exception once it is gone but
// does not already catch the rethrow.
func dropRethrowHandler(_ context.Context, s *resolve.Site) (*resolve.Resolution, error) {
	m := s.Method
	throw := s.Match.First("throw")

	var labels []insn.ID
	for _, id := range s.Match.Window {
		if _, ok := m.Insn(id).(*insn.Label); ok {
			labels = append(labels, id)
		}
	}

	fr, err := s.Frames.At(throw)
	if err != nil {
		return nil, err
	}
	exc, ok := fr.Top(0)
	if !ok {
		return nil, nil
	}
	for _, src := range exc.Sources {
		if !slices.Contains(labels, src) {
			return nil, nil
		}
	}

	tries := m.TryCatches()
	var drop []*insn.TryCatch
	for i, tc := range tries {
		if !slices.Contains(labels, tc.Handler) {
			continue
		}
		if shadowed(m, tc, tries[i+1:], throw) {
			continue
		}
		drop = append(drop, tc)
	}
	if len(drop) == 0 {
		return nil, nil
	}
	return &resolve.Resolution{DropTries: drop}, nil
}

func shadowed(m *insn.Method, tc *insn.TryCatch, later []*insn.TryCatch, throw insn.ID) bool {
	s, e := m.IndexOf(tc.Start), m.IndexOf(tc.End)
	covering := m.Covering(throw)
	for _, o := range later {
		os, oe := m.IndexOf(o.Start), m.IndexOf(o.End)
		if os < e && s < oe && !slices.Contains(covering, o) {
			return true
		}
	}
	return false
}
