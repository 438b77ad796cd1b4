// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmdit

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// useKVDownsample reports whether the K/V branch of the given layer is
// spatially downsampled. The schedule is static, keyed to layer depth only:
// layers at or below the cutoff are downsampled, deeper layers are not.
func useKVDownsample(cfg Config, layerIdx int) bool {
	return cfg.KVDownsample && layerIdx <= cfg.KVDownsampleCutoff
}

// downsampleSequence shrinks a [batch, seqLen, channels] token sequence by
// interpreting it as a square 2D grid and interpolating the grid down by
// factor. seqLen must be a perfect square.
func downsampleSequence(x *Node, factor float64, bilinear bool) *Node {
	x.AssertRank(3)
	dims := x.Shape().Dimensions
	batchSize, seqLen, channels := dims[0], dims[1], dims[2]
	side := int(math.Sqrt(float64(seqLen)))
	if side*side != seqLen {
		Panicf("K/V downsampling requires a square token grid, got sequence length %d", seqLen)
	}
	newSide := int(float64(side) / factor)
	if newSide < 1 {
		Panicf("downsampling factor %g collapses a %dx%d grid below one token", factor, side, side)
	}
	grid := Reshape(x, batchSize, side, side, channels)
	interp := Interpolate(grid, NoInterpolation, newSide, newSide, NoInterpolation)
	if bilinear {
		interp = interp.Bilinear()
	} else {
		interp = interp.Nearest()
	}
	grid = interp.Done()
	return Reshape(grid, batchSize, newSide*newSide, channels)
}

// scaledDotProductAttention runs one joint attention over already projected
// query/key/value of shape [batch, elements, numHeads, headDim]. Key and
// value may have fewer elements than query (the downsampled K/V branch).
// Returns [batch, queryElements, numHeads, headDim].
func scaledDotProductAttention(query, key, value *Node) *Node {
	headDim := query.Shape().Dimensions[query.Rank()-1]
	logits := Einsum("bqhd,bkhd->bqhk", query, key)
	logits = DivScalar(logits, math.Sqrt(float64(headDim)))
	coefficients := Softmax(logits, -1)
	return Einsum("bqhk,bkhd->bqhd", coefficients, value)
}

// jointAttention computes the joint self/cross attention of one block: both
// streams are projected to Q/K/V, concatenated along the sequence axis,
// attended jointly, and split back at the primary sequence length.
//
// The primary K/V branch is optionally spatially downsampled (see
// useKVDownsample); the query is not, so the output keeps the input sequence
// lengths for both streams.
//
// When contextPreOnly is set the context stream terminates at this block:
// its output projection is skipped and nil is returned for the context.
func jointAttention(ctx *context.Context, cfg Config, primary, contextState *Node,
	layerIdx int, contextPreOnly bool) (primaryOut, contextOut *Node) {
	primary.AssertRank(3)
	contextState.AssertRank(3)
	if primary.DType() != contextState.DType() {
		Panicf("primary and context streams must share a dtype, got %s vs %s",
			primary.DType(), contextState.DType())
	}
	dims := primary.Shape().Dimensions
	batchSize, primaryLen := dims[0], dims[1]
	modelDim := cfg.ModelDim()

	query := layers.Dense(ctx.In("to_q"), primary, true, cfg.NumHeads, cfg.HeadDim)
	kvInput := primary
	if useKVDownsample(cfg, layerIdx) {
		kvInput = downsampleSequence(primary, cfg.KVDownsampleFactor, cfg.KVDownsampleBilinear)
	}
	key := layers.Dense(ctx.In("to_k"), kvInput, true, cfg.NumHeads, cfg.HeadDim)
	value := layers.Dense(ctx.In("to_v"), kvInput, true, cfg.NumHeads, cfg.HeadDim)

	contextQuery := layers.Dense(ctx.In("add_q_proj"), contextState, true, cfg.NumHeads, cfg.HeadDim)
	contextKey := layers.Dense(ctx.In("add_k_proj"), contextState, true, cfg.NumHeads, cfg.HeadDim)
	contextValue := layers.Dense(ctx.In("add_v_proj"), contextState, true, cfg.NumHeads, cfg.HeadDim)

	query = Concatenate([]*Node{query, contextQuery}, 1)
	key = Concatenate([]*Node{key, contextKey}, 1)
	value = Concatenate([]*Node{value, contextValue}, 1)

	attended := scaledDotProductAttention(query, key, value)
	jointLen := attended.Shape().Dimensions[1]
	attended = Reshape(attended, batchSize, jointLen, modelDim)

	// Split back at the (pre-downsampling) primary sequence length.
	primaryOut = Slice(attended, AxisRange(), AxisRangeFromStart(primaryLen), AxisRange())
	contextOut = Slice(attended, AxisRange(), AxisRangeToEnd(primaryLen), AxisRange())

	primaryOut = layers.Dense(ctx.In("to_out"), primaryOut, true, modelDim)
	if contextPreOnly {
		return primaryOut, nil
	}
	contextOut = layers.Dense(ctx.In("to_add_out"), contextOut, true, modelDim)
	return primaryOut, contextOut
}
