// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"testing"

	"github.com/gomlx/sd3boost/mmdit"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestScheduleEnabled(t *testing.T) {
	require.False(t, Schedule{}.Enabled())
	require.False(t, Schedule{Window: mmdit.CacheWindow{NumLayers: 4}}.Enabled())
	require.False(t, Schedule{Window: mmdit.CacheWindow{StepStride: 2}}.Enabled())
	require.True(t, Schedule{Window: mmdit.CacheWindow{NumLayers: 4, StepStride: 2}}.Enabled())
}

func TestSchedulePlan(t *testing.T) {
	schedule := Schedule{Window: mmdit.CacheWindow{
		Start:      2,
		NumLayers:  4,
		StepStride: 3,
		StartStep:  2,
	}}

	// Steps 0..7: warm-up recomputes, then one recompute every 3rd step.
	wantSkip := []bool{false, false, false, true, true, false, true, true}
	for step, want := range wantSkip {
		useCache, skip := schedule.Plan(step)
		require.True(t, useCache, "step %d", step)
		require.Equal(t, want, skip, "step %d", step)
	}

	// A disabled schedule never touches the cache.
	disabled := Schedule{}
	for step := range 8 {
		useCache, skip := disabled.Plan(step)
		require.False(t, useCache, "step %d", step)
		require.False(t, skip, "step %d", step)
	}
}

func TestSchedulePlanZeroStartStep(t *testing.T) {
	schedule := Schedule{Window: mmdit.CacheWindow{NumLayers: 2, StepStride: 2}}
	// Step 0 must recompute: there is no delta yet to skip with.
	useCache, skip := schedule.Plan(0)
	require.True(t, useCache)
	require.False(t, skip)
	_, skip = schedule.Plan(1)
	require.True(t, skip)
	_, skip = schedule.Plan(2)
	require.False(t, skip)
}

// Run must hand each step the delta returned by the previous one, starting
// from nil.
func TestRunThreadsDelta(t *testing.T) {
	schedule := Schedule{Window: mmdit.CacheWindow{NumLayers: 2, StepStride: 2, StartStep: 1}}

	recorded := &mmdit.DeltaCache{}
	var gotSteps []int
	var gotDeltas []*mmdit.DeltaCache
	err := schedule.Run(4, func(step int, useCache, skip bool, delta *mmdit.DeltaCache) (*mmdit.DeltaCache, error) {
		gotSteps = append(gotSteps, step)
		gotDeltas = append(gotDeltas, delta)
		wantCache, wantSkip := schedule.Plan(step)
		require.Equal(t, wantCache, useCache)
		require.Equal(t, wantSkip, skip)
		return recorded, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3}, gotSteps)
	require.Nil(t, gotDeltas[0], "no delta exists before the first step")
	for _, delta := range gotDeltas[1:] {
		require.Same(t, recorded, delta)
	}
}

func TestRunStopsOnError(t *testing.T) {
	schedule := Schedule{Window: mmdit.CacheWindow{NumLayers: 2, StepStride: 2}}

	stepErr := errors.New("backend exploded")
	var calls int
	err := schedule.Run(5, func(step int, useCache, skip bool, delta *mmdit.DeltaCache) (*mmdit.DeltaCache, error) {
		calls++
		if step == 2 {
			return nil, stepErr
		}
		return delta, nil
	})
	require.ErrorIs(t, err, stepErr)
	require.ErrorContains(t, err, "step 2")
	require.Equal(t, 3, calls, "the loop must stop at the failing step")
}
