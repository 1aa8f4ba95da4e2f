// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderEmpty(t *testing.T) {
	p, err := NewRecorder().Profile()
	require.NoError(t, err)
	require.Len(t, p.SampleType, 1)
	assert.Equal(t, SampleTypeSteps, p.SampleType[0].Type)
	assert.Equal(t, SampleUnitCount, p.SampleType[0].Unit)
	assert.Empty(t, p.Sample)
}

func TestRecorderMergesStacks(t *testing.T) {
	r := NewRecorder()
	r.Observe([]string{"run()I", "a/Keys.mix(I)I"}, 12)
	r.Observe([]string{"run()I", "a/Keys.mix(I)I"}, 3)
	r.Observe([]string{"run()I"}, 4)
	r.Observe(nil, 100)
	r.Observe([]string{"run()I"}, 0)

	assert.Equal(t, int64(19), r.Total())

	p, err := r.Profile()
	require.NoError(t, err)
	require.Len(t, p.Sample, 2)
	assert.Len(t, p.Function, 2)

	byLeaf := make(map[string]*profile.Sample)
	for _, s := range p.Sample {
		byLeaf[s.Location[0].Line[0].Function.Name] = s
	}
	mix := byLeaf["a/Keys.mix(I)I"]
	require.NotNil(t, mix)
	assert.Equal(t, []int64{15}, mix.Value)
	require.Len(t, mix.Location, 2)
	assert.Equal(t, "run()I", mix.Location[1].Line[0].Function.Name)
	assert.Equal(t, []int64{4}, byLeaf["run()I"].Value)
}

func TestRecorderConcurrentObserve(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Observe([]string{"run()I"}, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1600), r.Total())
}

func TestWritePprofRoundTrip(t *testing.T) {
	r := NewRecorder()
	r.Observe([]string{"run()I", "a/Keys.<clinit>()V"}, 7)

	var buf bytes.Buffer
	require.NoError(t, r.WritePprof(&buf))
	assert.NotZero(t, buf.Len())

	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.Sample, 1)
	assert.Equal(t, []int64{7}, parsed.Sample[0].Value)
}
