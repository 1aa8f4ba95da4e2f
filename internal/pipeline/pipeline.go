// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package pipeline folds the methods of whole classes on a bounded worker
// pool. Each method is folded on a private copy that replaces the original
// only when folding succeeds, so a failing method never blocks or corrupts
// its siblings.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dotandev/deobf/internal/classtable"
	"github.com/dotandev/deobf/internal/dce"
	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/insn"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/resolve"
	"github.com/dotandev/deobf/internal/telemetry"
	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
)

// Method outcomes.
const (
	StatusFolded    = "folded"
	StatusUnchanged = "unchanged"
	StatusFailed    = "failed"
)

// Class is the unit of work: the methods of one class.
type Class struct {
	Name string
	// Version is the class-file version, e.g. "52.0". Empty means current.
	Version string
	Methods []*insn.Method
}

// Group collects methods into classes by owner, keeping first-seen order.
func Group(methods []*insn.Method) []*Class {
	var out []*Class
	byName := make(map[string]*Class)
	for _, m := range methods {
		c, ok := byName[m.Owner]
		if !ok {
			c = &Class{Name: m.Owner}
			byName[m.Owner] = c
			out = append(out, c)
		}
		c.Methods = append(c.Methods, m)
	}
	return out
}

// MethodResult is the outcome for one method.
type MethodResult struct {
	Method string
	Status string
	Report *resolve.Report
	Pruned dce.Stats
	Err    error
}

// ClassResult collects the method outcomes of one class in method order.
type ClassResult struct {
	Class   string
	RunID   string
	Methods []MethodResult
}

// Err aggregates the method failures, or returns nil.
func (r *ClassResult) Err() error {
	var result *multierror.Error
	for _, m := range r.Methods {
		if m.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", m.Method, m.Err))
		}
	}
	return result.ErrorOrNil()
}

// Count returns how many methods ended with status.
func (r *ClassResult) Count(status string) int {
	n := 0
	for _, m := range r.Methods {
		if m.Status == status {
			n++
		}
	}
	return n
}

// Pipeline runs a Folder over classes. With Prune set, code the folds
// made unreachable is removed afterwards.
type Pipeline struct {
	Folder  *resolve.Folder
	Table   classtable.Table
	Workers int
	Prune   bool
	RunID   string
}

// New creates a pipeline with a fresh run ID.
func New(folder *resolve.Folder, table classtable.Table, workers int) (*Pipeline, error) {
	if workers <= 0 {
		workers = 4
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	return &Pipeline{Folder: folder, Table: table, Workers: workers, RunID: id.String()}, nil
}

// Run folds every class in turn and returns the per-class results with
// all method failures aggregated into one error.
func (p *Pipeline) Run(ctx context.Context, classes []*Class) ([]*ClassResult, error) {
	var result *multierror.Error
	out := make([]*ClassResult, 0, len(classes))
	for _, c := range classes {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res := p.FoldClass(ctx, c)
		out = append(out, res)
		if err := res.Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return out, result.ErrorOrNil()
}

// FoldClass folds the methods of c concurrently. Successfully folded
// methods replace their entries in c.Methods.
func (p *Pipeline) FoldClass(ctx context.Context, c *Class) *ClassResult {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.Start(ctx, "pipeline_class")
	defer span.End()
	span.SetAttributes(
		attribute.String("class", c.Name),
		attribute.String("run_id", p.RunID),
		attribute.Int("methods", len(c.Methods)),
	)
	ctx = logger.With(ctx, "run_id", p.RunID, "class", c.Name)

	res := &ClassResult{Class: c.Name, RunID: p.RunID, Methods: make([]MethodResult, len(c.Methods))}
	indy := p.allowsInvokeDynamic(c)

	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var processed atomic.Int64

	for i, m := range c.Methods {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			folded, mr := p.foldMethod(ctx, m, indy)
			if mr.Status == StatusFolded {
				c.Methods[i] = folded
			}
			res.Methods[i] = mr

			current := processed.Add(1)
			logger.Logger.DebugContext(ctx, "Method processed",
				"method", mr.Method,
				"status", mr.Status,
				"processed", current,
				"total", len(c.Methods),
			)
		}()
	}
	wg.Wait()

	failed := res.Count(StatusFailed)
	span.SetAttributes(
		attribute.Int("folded", res.Count(StatusFolded)),
		attribute.Int("failed", failed),
	)
	if failed > 0 {
		logger.Logger.WarnContext(ctx, "Some methods were left unchanged after errors",
			"failed", failed, "total", len(c.Methods))
	}
	return res
}

// foldMethod folds a copy of m. The copy is returned only when the fold
// completed without error.
func (p *Pipeline) foldMethod(ctx context.Context, m *insn.Method, indy bool) (folded *insn.Method, mr MethodResult) {
	mr = MethodResult{Method: m.String(), Status: StatusFailed}
	ctx = logger.With(ctx, "method", mr.Method)
	defer func() {
		if r := recover(); r != nil {
			folded = nil
			mr.Status = StatusFailed
			mr.Err = errors.WrapInvariantViolation(fmt.Sprintf("panic while folding: %v", r))
			logger.Logger.ErrorContext(ctx, "Method fold panicked", "panic", r)
		}
	}()

	if !indy && hasInvokeDynamic(m) {
		mr.Err = errors.WrapAnalysis(m.String(), "invokedynamic in a class older than "+classtable.IndyVersion)
		return nil, mr
	}

	work := m.Clone()
	rep, err := p.Folder.FoldMethod(ctx, work)
	mr.Report = rep
	if err != nil {
		mr.Err = err
		logger.Logger.WarnContext(ctx, "Method skipped", "error", err)
		return nil, mr
	}
	if p.Prune {
		mr.Pruned, err = dce.Eliminate(work)
		if err != nil {
			mr.Err = err
			logger.Logger.WarnContext(ctx, "Method skipped", "error", err)
			return nil, mr
		}
	}
	if rep.Edits == 0 && !mr.Pruned.Changed() {
		mr.Status = StatusUnchanged
		return nil, mr
	}
	mr.Status = StatusFolded
	return work, mr
}

func (p *Pipeline) allowsInvokeDynamic(c *Class) bool {
	t := &classtable.Type{Name: c.Name, Version: c.Version}
	if p.Table != nil {
		if known, ok := p.Table.LookupType(c.Name); ok && known.Version != "" {
			t = known
		}
	}
	return t.AtLeast(classtable.IndyVersion)
}

func hasInvokeDynamic(m *insn.Method) bool {
	for _, id := range m.All() {
		if _, ok := m.Insn(id).(*insn.InvokeDynamic); ok {
			return true
		}
	}
	return false
}
