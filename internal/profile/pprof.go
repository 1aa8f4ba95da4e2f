// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package profile turns the interpreter's step counts into a pprof
// profile, so `go tool pprof` can show which decryptor or helper methods
// the oracle spent its time in.
package profile

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/pprof/profile"
)

const (
	// SampleTypeSteps is the pprof sample type for interpreted instructions.
	SampleTypeSteps = "steps"
	// SampleUnitCount is the unit for step samples.
	SampleUnitCount = "count"
)

// Recorder accumulates self step counts per call stack. It is safe for
// concurrent use and satisfies oracle.StepObserver.
type Recorder struct {
	mu    sync.Mutex
	steps map[string]int64
}

func NewRecorder() *Recorder {
	return &Recorder{steps: make(map[string]int64)}
}

// Observe adds steps executed in the innermost frame of stack, which lists
// callers first.
func (r *Recorder) Observe(stack []string, steps int) {
	if len(stack) == 0 || steps <= 0 {
		return
	}
	key := strings.Join(stack, "\x00")
	r.mu.Lock()
	r.steps[key] += int64(steps)
	r.mu.Unlock()
}

// Total returns all steps recorded so far.
func (r *Recorder) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, v := range r.steps {
		n += v
	}
	return n
}

// Profile builds a pprof profile with one sample per distinct stack.
func (r *Recorder) Profile() (*profile.Profile, error) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.steps))
	for k := range r.steps {
		keys = append(keys, k)
	}
	counts := make(map[string]int64, len(keys))
	for _, k := range keys {
		counts[k] = r.steps[k]
	}
	r.mu.Unlock()
	sort.Strings(keys)

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: SampleTypeSteps, Unit: SampleUnitCount},
		},
		DefaultSampleType: SampleTypeSteps,
		Mapping: []*profile.Mapping{
			{ID: 1, File: "oracle", HasFunctions: true},
		},
	}
	mapping := p.Mapping[0]
	locByName := make(map[string]*profile.Location)

	location := func(name string) *profile.Location {
		if loc, ok := locByName[name]; ok {
			return loc
		}
		fn := &profile.Function{ID: uint64(len(p.Function) + 1), Name: name, SystemName: name}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Mapping: mapping,
			Address: uint64(len(p.Location) + 1),
			Line:    []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		locByName[name] = loc
		return loc
	}

	for _, k := range keys {
		frames := strings.Split(k, "\x00")
		// pprof stacks are leaf first.
		locs := make([]*profile.Location, len(frames))
		for i, name := range frames {
			locs[len(frames)-1-i] = location(name)
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{counts[k]},
		})
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("profile validation failed: %w", err)
	}
	return p, nil
}

// WritePprof writes the recorded profile to w (gzip-compressed protobuf).
func (r *Recorder) WritePprof(w io.Writer) error {
	p, err := r.Profile()
	if err != nil {
		return err
	}
	return p.Write(w)
}
