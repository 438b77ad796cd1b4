// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler owns the caller side of the delta-cache contract: it turns
// the scheduler fields of a cache window (StepStride, StartStep) into
// per-step recompute/skip decisions and threads the delta artifacts from one
// denoising step to the next. The model itself never looks at step numbers.
package sampler

import (
	"github.com/gomlx/sd3boost/mmdit"
	"github.com/pkg/errors"
)

// Schedule evaluates a cache window's step policy. The zero value (or any
// window with NumLayers or StepStride <= 0) disables caching entirely.
type Schedule struct {
	Window mmdit.CacheWindow
}

// Enabled reports whether the schedule uses the delta cache at all.
func (s Schedule) Enabled() bool {
	return s.Window.NumLayers > 0 && s.Window.StepStride > 0
}

// Plan decides the invocation mode for a denoising step.
//
// Before StartStep every step recomputes the window, keeping the recorded
// delta fresh at full quality. From StartStep on, the window is recomputed
// every StepStride-th step and skipped otherwise. The step at StartStep
// itself always recomputes, so a delta exists before the first skip.
func (s Schedule) Plan(step int) (useCache, skip bool) {
	if !s.Enabled() {
		return false, false
	}
	if step < s.Window.StartStep {
		return true, false
	}
	return true, (step-s.Window.StartStep)%s.Window.StepStride != 0
}

// StepFunc runs one denoising step. It receives the planned invocation mode
// and the delta recorded by the most recent recompute step (nil before the
// first cached step), and returns the delta to carry forward -- normally the
// one returned by Model.ForwardCached.
type StepFunc func(step int, useCache, skip bool, delta *mmdit.DeltaCache) (*mmdit.DeltaCache, error)

// Run drives numSteps denoising steps, threading the delta cache between
// them. The cache state lives entirely in this loop: per-request isolation
// comes for free by running one Run loop per request.
func (s Schedule) Run(numSteps int, fn StepFunc) error {
	var delta *mmdit.DeltaCache
	for step := range numSteps {
		useCache, skip := s.Plan(step)
		var err error
		delta, err = fn(step, useCache, skip, delta)
		if err != nil {
			return errors.WithMessagef(err, "denoising step %d", step)
		}
	}
	return nil
}
