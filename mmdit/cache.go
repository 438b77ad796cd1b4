// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmdit

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// CacheWindow describes the contiguous run of blocks covered by the delta
// cache: blocks [Start, Start+NumLayers).
//
// StepStride and StartStep are scheduler fields: the model never reads them,
// it only threads them through. The sampler package turns them into per-step
// recompute/skip decisions.
type CacheWindow struct {
	Start      int
	StepStride int
	NumLayers  int
	StartStep  int
}

// End returns the exclusive end index of the window.
func (w CacheWindow) End() int { return w.Start + w.NumLayers }

func (w CacheWindow) validateFor(numBlocks int) {
	if w.Start < 0 || w.NumLayers < 0 || w.End() > numBlocks {
		Panicf("cache window [%d, %d) out of range for a %d-block stack", w.Start, w.End(), numBlocks)
	}
}

// terminatesContext reports whether the window covers a context-pre-only
// block: if so, the context stream is absent after the window, and the
// window produces no context delta.
func (w CacheWindow) terminatesContext(blocks []blockSpec) bool {
	for _, spec := range blocks[w.Start:w.End()] {
		if spec.contextPreOnly {
			return true
		}
	}
	return false
}

// deltaPair carries the two window residuals through graph building. Either
// node may be nil: primary is nil when no delta exists at all, context is nil
// when the context stream terminates inside the window.
type deltaPair struct {
	primary, context *Node
}

// forwardRange executes blocks [start, end) in index order, each block
// feeding the next. After every non-terminal block, if controlnet residuals
// were supplied, the residual for that block's bucket is added to the primary
// stream: with R residuals over N blocks, block i draws from bucket i/(N/R).
func forwardRange(ctx *context.Context, cfg Config, blocks []blockSpec,
	primary, contextState *Node, controlResiduals []*Node, temb *Node, start, end int) (*Node, *Node) {
	for i := start; i < end; i++ {
		spec := blocks[i]
		primary, contextState = blockForward(
			ctx.In(fmt.Sprintf("block_%02d", i)), cfg, primary, contextState, temb, spec)
		if len(controlResiduals) > 0 && !spec.contextPreOnly {
			interval := len(blocks) / len(controlResiduals)
			bucket := min(i/interval, len(controlResiduals)-1)
			primary = Add(primary, controlResiduals[bucket])
		}
	}
	return primary, contextState
}

// forwardBlocks is the block-range delta-cache executor. The invocation mode
// is fully determined by (useCache, skip); there is no hidden state across
// calls:
//
//   - useCache=false: run [0, N) in one pass, no deltas.
//   - useCache=true, skip=false: run [0, Start), snapshot, run the window,
//     record delta = after-window - before-window, run [End, N).
//   - useCache=true, skip=true: run [0, Start), substitute
//     before-window + supplied delta for the window, run [End, N). The
//     supplied delta is passed through unchanged.
//
// The zones outside the window execute identically in every mode. Requesting
// skip without a previously recorded delta is a caller sequencing error and
// fails immediately: silently substituting a zero delta would degrade output
// quality with no signal.
func forwardBlocks(ctx *context.Context, cfg Config, blocks []blockSpec,
	primary, contextState *Node, controlResiduals []*Node, temb *Node,
	useCache, skip bool, window CacheWindow, delta deltaPair) (*Node, *Node, deltaPair) {
	numBlocks := len(blocks)
	if !useCache {
		primary, contextState = forwardRange(
			ctx, cfg, blocks, primary, contextState, controlResiduals, temb, 0, numBlocks)
		return primary, contextState, deltaPair{}
	}

	window.validateFor(numBlocks)
	primary, contextState = forwardRange(
		ctx, cfg, blocks, primary, contextState, controlResiduals, temb, 0, window.Start)
	beforePrimary, beforeContext := primary, contextState

	if !skip {
		primary, contextState = forwardRange(
			ctx, cfg, blocks, primary, contextState, controlResiduals, temb, window.Start, window.End())
		delta.primary = Sub(primary, beforePrimary)
		delta.context = nil
		if contextState != nil {
			delta.context = Sub(contextState, beforeContext)
		}
	} else {
		if delta.primary == nil {
			Panicf("cache skip requested but no delta from a previous recompute invocation was supplied")
		}
		if !delta.primary.Shape().Equal(beforePrimary.Shape()) {
			Panicf("cached primary delta shape %s does not match the before-window state %s: "+
				"the delta was recorded under a different invocation sequence",
				delta.primary.Shape(), beforePrimary.Shape())
		}
		primary = Add(beforePrimary, delta.primary)
		if window.terminatesContext(blocks) {
			contextState = nil
		} else {
			if delta.context == nil {
				Panicf("cache skip requested but no context delta was supplied for a window that keeps the context stream")
			}
			if !delta.context.Shape().Equal(beforeContext.Shape()) {
				Panicf("cached context delta shape %s does not match the before-window state %s",
					delta.context.Shape(), beforeContext.Shape())
			}
			contextState = Add(beforeContext, delta.context)
		}
	}

	primary, contextState = forwardRange(
		ctx, cfg, blocks, primary, contextState, controlResiduals, temb, window.End(), numBlocks)
	return primary, contextState, delta
}
