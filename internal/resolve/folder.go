// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package resolve drives idiom folding over one method: analyse, match the
// catalog at every live instruction, let the matched rule compute a
// replacement, stage it, apply, and repeat until a pass changes nothing.
package resolve

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/dotandev/deobf/internal/analysis"
	"github.com/dotandev/deobf/internal/asm"
	"github.com/dotandev/deobf/internal/classtable"
	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/mutate"
	"github.com/dotandev/deobf/internal/oracle"
	"github.com/dotandev/deobf/internal/pattern"
	"github.com/dotandev/deobf/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxPasses bounds the fold loop when Folder.MaxPasses is unset.
const DefaultMaxPasses = 16

// Rule turns one match into a Resolution. A nil Resolution with a nil
// error means the instance needs no change. ErrConsensus and execution
// faults skip the instance; any other error fails the method.
type Rule interface {
	Resolve(ctx context.Context, s *Site) (*Resolution, error)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(ctx context.Context, s *Site) (*Resolution, error)

func (f RuleFunc) Resolve(ctx context.Context, s *Site) (*Resolution, error) {
	return f(ctx, s)
}

// Resolution is the folded form of a match. The first instruction of
// Replace is substituted by Seq and the others are removed, so Seq must
// have the same net stack effect as Replace. DropTries lists exception
// entries to delete once the edits are in.
type Resolution struct {
	Replace   []insn.ID
	Seq       []insn.Instruction
	DropTries []*insn.TryCatch

	// Divert marks a Seq that leaves the path with a final goto. The stack
	// it jumps with must suit the target; the balance against Replace is
	// not checked.
	Divert bool
	// Also holds further edits staged and applied together with this one.
	// They may lie outside the matched window.
	Also []*Resolution
}

// edits flattens res and everything it carries in Also.
func (res *Resolution) edits() []*Resolution {
	out := []*Resolution{res}
	for _, r := range res.Also {
		out = append(out, r.edits()...)
	}
	return out
}

// replaced returns the Replace IDs of every edit in res.
func (res *Resolution) replaced() []insn.ID {
	var ids []insn.ID
	for _, e := range res.edits() {
		ids = append(ids, e.Replace...)
	}
	return ids
}

// Site is what a rule sees for one match.
type Site struct {
	Method *insn.Method
	Frames *analysis.Frames
	Match  *pattern.Match
	Oracle oracle.Oracle
	Table  classtable.Table
}

// Source resolves the operand depth entries below the stack top before at.
func (s *Site) Source(at insn.ID, depth int) (Source, error) {
	return FindSource(s.Method, s.Frames, at, depth, SourceOptions{})
}

// Evaluate runs ids as a static snippet of the method's class and returns
// the value left on the stack, typed by ret.
func (s *Site) Evaluate(ctx context.Context, ids []insn.ID, ret string) (oracle.Value, error) {
	if s.Oracle == nil {
		return oracle.Value{}, errors.WrapExecutionFault(fmt.Errorf("no oracle configured"))
	}
	body, err := oracle.Snippet(s.Method.Owner, s.Method, ids, nil, ret)
	if err != nil {
		return oracle.Value{}, err
	}
	return s.Oracle.Execute(ctx, &oracle.Request{Owner: s.Method.Owner, Body: body})
}

// Report summarises one FoldMethod call.
type Report struct {
	Method    string
	Passes    int
	Edits     int
	Skipped   int
	Converged bool
	Resolved  map[string]int
}

// Folder folds idioms in methods. It holds no per-method state and may be
// shared by workers as long as Oracle and Table are safe for concurrent use.
type Folder struct {
	Catalog   *pattern.Catalog[Rule]
	Oracle    oracle.Oracle
	Table     classtable.Table
	MaxPasses int
}

// NewFolder returns a folder with the default pass limit.
func NewFolder(catalog *pattern.Catalog[Rule], o oracle.Oracle, table classtable.Table) *Folder {
	return &Folder{Catalog: catalog, Oracle: o, Table: table, MaxPasses: DefaultMaxPasses}
}

// FoldMethod folds m in place. On an analysis error or invariant violation
// the error is returned and the edits of earlier, completed passes remain;
// a pass is applied atomically or not at all.
func (f *Folder) FoldMethod(ctx context.Context, m *insn.Method) (*Report, error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.Start(ctx, "fold_method")
	defer span.End()
	span.SetAttributes(attribute.String("method", m.String()))

	limit := f.MaxPasses
	if limit <= 0 {
		limit = DefaultMaxPasses
	}
	rep := &Report{Method: m.String(), Resolved: make(map[string]int)}
	if !logger.Has(ctx, "method") {
		ctx = logger.With(ctx, "method", rep.Method)
	}

	for rep.Passes < limit {
		edits, err := f.pass(ctx, m, rep)
		if err != nil {
			span.RecordError(err)
			return rep, err
		}
		rep.Passes++
		if edits == 0 {
			rep.Converged = true
			break
		}
		rep.Edits += edits
	}

	span.SetAttributes(
		attribute.Int("fold.passes", rep.Passes),
		attribute.Int("fold.edits", rep.Edits),
		attribute.Bool("fold.converged", rep.Converged),
	)
	if !rep.Converged {
		logger.Logger.WarnContext(ctx, "Fold did not converge", "passes", rep.Passes)
	}
	return rep, nil
}

type staged struct {
	rule string
	res  *Resolution
}

// pass runs one analyse, match, apply round and returns the number of
// edits made.
func (f *Folder) pass(ctx context.Context, m *insn.Method, rep *Report) (int, error) {
	frames, err := analysis.Analyze(m)
	if err != nil {
		return 0, err
	}

	claims := make(map[insn.ID]string)
	var plan []staged
	for _, id := range frames.Order() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, ok := claims[id]; ok || !frames.Reachable(id) {
			continue
		}
		match, rule, ok := f.Catalog.Longest(m, id)
		if !ok || slices.ContainsFunc(match.Semantic(), func(s insn.ID) bool { _, c := claims[s]; return c }) {
			continue
		}
		name := match.Pattern.Name()

		site := &Site{Method: m, Frames: frames, Match: match, Oracle: f.Oracle, Table: f.Table}
		res, err := rule.Resolve(ctx, site)
		switch {
		case err == nil:
		case stderrors.Is(err, errors.ErrConsensus):
			rep.Skipped++
			logger.Logger.DebugContext(ctx, "Idiom skipped", "rule", name, "at", asm.String(m, id), "error", err)
			continue
		case stderrors.Is(err, errors.ErrExecutionFault):
			rep.Skipped++
			logger.Logger.WarnContext(ctx, "Oracle could not fold idiom", "rule", name, "window", window(m, match), "error", err)
			continue
		default:
			return 0, fmt.Errorf("%s: rule %s at %d: %w", rep.Method, name, id, err)
		}
		if res == nil || (len(res.replaced()) == 0 && len(res.DropTries) == 0) {
			continue
		}

		for _, e := range res.edits() {
			if err := check(m, e); err != nil {
				return 0, fmt.Errorf("%s: rule %s: %w", rep.Method, name, err)
			}
		}
		for _, c := range res.Replace {
			if prev, ok := claims[c]; ok {
				return 0, errors.WrapInvariantViolation(fmt.Sprintf("instruction %d claimed by %s and %s", c, prev, name))
			}
		}
		if c, prev, ok := conflict(claims, res); ok {
			if prev == "" {
				return 0, errors.WrapInvariantViolation(fmt.Sprintf("instruction %d replaced twice by %s", c, name))
			}
			// An edit carried in Also collides with an earlier rule; the
			// next pass sees the result of that rule.
			rep.Skipped++
			logger.Logger.DebugContext(ctx, "Idiom deferred", "rule", name, "at", asm.String(m, id), "instruction", c, "claimed_by", prev)
			continue
		}
		for _, c := range res.replaced() {
			claims[c] = name
		}
		for _, c := range match.Semantic() {
			claims[c] = name
		}
		plan = append(plan, staged{rule: name, res: res})
	}

	if len(plan) == 0 {
		return 0, nil
	}
	return f.apply(ctx, m, plan, rep)
}

// conflict returns the first instruction replaced by res.Also that an
// earlier resolution of this pass already claimed, with that rule's name.
// An empty name means two edits of res replace the same instruction.
func conflict(claims map[insn.ID]string, res *Resolution) (insn.ID, string, bool) {
	seen := make(map[insn.ID]bool)
	for _, c := range res.Replace {
		seen[c] = true
	}
	for _, e := range res.edits()[1:] {
		for _, c := range e.Replace {
			if prev, ok := claims[c]; ok {
				return c, prev, true
			}
			if seen[c] {
				return c, "", true
			}
			seen[c] = true
		}
	}
	return insn.NoID, "", false
}

// check verifies that a resolution only touches placed semantic
// instructions and keeps the stack balanced.
func check(m *insn.Method, res *Resolution) error {
	if len(res.Replace) == 0 && len(res.Seq) > 0 {
		return errors.WrapInvariantViolation("replacement without an anchor")
	}
	for _, id := range res.Replace {
		if !m.Contains(id) {
			return errors.WrapUnknownInstruction(int32(id))
		}
		if insn.IsMarker(m.Insn(id)) {
			return errors.WrapInvariantViolation(fmt.Sprintf("marker %d cannot be replaced", id))
		}
	}
	if len(res.Replace) == 0 {
		return nil
	}
	if res.Divert {
		var last insn.Instruction
		if n := len(res.Seq); n > 0 {
			last = res.Seq[n-1]
		}
		if j, ok := last.(*insn.Jump); !ok || j.Code != insn.Goto {
			return errors.WrapInvariantViolation("diverting replacement does not end in goto")
		}
		return nil
	}

	before, err := insn.StackDelta(m, res.Replace)
	if err != nil {
		return err
	}
	after := 0
	for _, in := range res.Seq {
		pop, push, err := insn.Effect(in)
		if err != nil {
			return err
		}
		after += push - pop
	}
	if before != after {
		return errors.WrapInvariantViolation(fmt.Sprintf("replacement changes the stack by %d words, original by %d", after, before))
	}
	return nil
}

func (f *Folder) apply(ctx context.Context, m *insn.Method, plan []staged, rep *Report) (int, error) {
	log := mutate.New()
	var drops []*insn.TryCatch
	for _, p := range plan {
		for _, res := range p.res.edits() {
			if len(res.Replace) > 0 {
				seq := make([]insn.ID, len(res.Seq))
				for i, in := range res.Seq {
					seq[i] = m.New(in)
				}
				if err := log.Replace(res.Replace[0], seq...); err != nil {
					return 0, err
				}
				for _, id := range res.Replace[1:] {
					if err := log.Remove(id); err != nil {
						return 0, err
					}
				}
			}
			for _, tc := range res.DropTries {
				if slices.Contains(drops, tc) {
					return 0, errors.WrapInvariantViolation(fmt.Sprintf("try entry dropped twice by %s", p.rule))
				}
				drops = append(drops, tc)
			}
		}
		rep.Resolved[p.rule]++
	}

	edits := log.Len()
	if err := log.Apply(m); err != nil {
		return 0, err
	}
	for _, tc := range drops {
		if i := slices.Index(m.TryCatches(), tc); i >= 0 {
			m.RemoveTryCatch(i)
			edits++
		}
	}
	if err := m.Validate(); err != nil {
		return 0, err
	}
	logger.Logger.DebugContext(ctx, "Fold pass applied", "resolutions", len(plan), "edits", edits)
	return edits, nil
}

func window(m *insn.Method, match *pattern.Match) string {
	s := ""
	for i, id := range match.Semantic() {
		if i > 0 {
			s += "; "
		}
		s += asm.String(m, id)
	}
	return s
}
