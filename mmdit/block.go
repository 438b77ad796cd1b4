// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmdit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// adaLNModulation projects the conditioning embedding to numChunks modulation
// vectors of the model dimension: SiLU followed by a single learned linear
// layer, split along the feature axis. Non-terminal blocks use 6 chunks
// (shift/scale/gate for attention and feed-forward); the terminal context
// norm and the output norm use 2 (scale/shift).
func adaLNModulation(ctx *context.Context, temb *Node, dim, numChunks int) []*Node {
	h := activations.Swish(temb)
	h = layers.Dense(ctx.In("linear"), h, true, numChunks*dim)
	return Split(h, -1, numChunks)
}

// layerNormNoAffine is the normalization used throughout the block stack:
// mean/variance over the feature axis, no learned gain or offset (the
// modulation pathways supply scale and shift instead).
func layerNormNoAffine(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).
		LearnedGain(false).
		LearnedOffset(false).
		Epsilon(1e-6).
		Done()
}

// modulate applies x*(1+scale)+shift, broadcasting the [batch, dim]
// modulation vectors over the sequence axis.
func modulate(x, shift, scale *Node) *Node {
	scale = InsertAxes(scale, 1)
	shift = InsertAxes(shift, 1)
	return Add(Mul(x, AddScalar(scale, 1)), shift)
}

// gate multiplies a residual branch by its [batch, dim] gating vector.
func gate(x, gating *Node) *Node {
	return Mul(x, InsertAxes(gating, 1))
}

// feedForward is the position-wise MLP of a block: linear expansion by
// cfg.FeedForwardMult, approximate GELU, linear back to the model dimension.
//
// If cfg.FeedForwardChunkSize > 0 the sequence axis is processed in chunks,
// reusing the same weights per chunk; the MLP is position-wise, so the result
// is bit-identical to the unchunked path.
func feedForward(ctx *context.Context, cfg Config, x *Node) *Node {
	seqLen := x.Shape().Dimensions[1]
	chunkSize := cfg.FeedForwardChunkSize
	if chunkSize <= 0 || chunkSize >= seqLen {
		return feedForwardBody(ctx, cfg, x)
	}
	var parts []*Node
	for start := 0; start < seqLen; start += chunkSize {
		end := min(start+chunkSize, seqLen)
		chunk := Slice(x, AxisRange(), AxisRange(start, end), AxisRange())
		parts = append(parts, feedForwardBody(ctx, cfg, chunk))
	}
	return Concatenate(parts, 1)
}

func feedForwardBody(ctx *context.Context, cfg Config, x *Node) *Node {
	dim := cfg.ModelDim()
	h := layers.Dense(ctx.In("linear1"), x, true, dim*cfg.FeedForwardMult)
	h = activations.GeluApproximate(h)
	return layers.Dense(ctx.In("linear2"), h, true, dim)
}

// blockForward runs one joint-transformer block over both streams:
//
//	norm+modulate -> joint attention -> gated residual ->
//	norm+modulate -> feed-forward    -> gated residual
//
// applied independently to the primary and context streams, with the
// attention step shared. A context-pre-only block normalizes its context
// input with the 2-chunk continuous modulation, feeds it to attention, and
// then terminates the context stream: the returned context is nil.
func blockForward(ctx *context.Context, cfg Config, primary, contextState, temb *Node,
	spec blockSpec) (*Node, *Node) {
	dim := cfg.ModelDim()

	mods := adaLNModulation(ctx.In("norm1"), temb, dim, 6)
	shiftMSA, scaleMSA, gateMSA := mods[0], mods[1], mods[2]
	shiftMLP, scaleMLP, gateMLP := mods[3], mods[4], mods[5]
	normPrimary := modulate(layerNormNoAffine(ctx.In("norm1"), primary), shiftMSA, scaleMSA)

	var normContext *Node
	var cShiftMSA, cScaleMSA, cGateMSA, cShiftMLP, cScaleMLP, cGateMLP *Node
	if spec.contextPreOnly {
		cMods := adaLNModulation(ctx.In("norm1_context"), temb, dim, 2)
		cScale, cShift := cMods[0], cMods[1]
		normContext = modulate(layerNormNoAffine(ctx.In("norm1_context"), contextState), cShift, cScale)
	} else {
		cMods := adaLNModulation(ctx.In("norm1_context"), temb, dim, 6)
		cShiftMSA, cScaleMSA, cGateMSA = cMods[0], cMods[1], cMods[2]
		cShiftMLP, cScaleMLP, cGateMLP = cMods[3], cMods[4], cMods[5]
		normContext = modulate(layerNormNoAffine(ctx.In("norm1_context"), contextState), cShiftMSA, cScaleMSA)
	}

	attnOut, contextAttnOut := jointAttention(
		ctx.In("attn"), cfg, normPrimary, normContext, spec.layerIdx, spec.contextPreOnly)

	primary = Add(primary, gate(attnOut, gateMSA))
	normPrimary = modulate(layerNormNoAffine(ctx.In("norm2"), primary), shiftMLP, scaleMLP)
	primary = Add(primary, gate(feedForward(ctx.In("ff"), cfg, normPrimary), gateMLP))

	if spec.contextPreOnly {
		// Terminal for the context stream within this invocation.
		return primary, nil
	}

	contextState = Add(contextState, gate(contextAttnOut, cGateMSA))
	normContext = modulate(layerNormNoAffine(ctx.In("norm2_context"), contextState), cShiftMLP, cScaleMLP)
	contextState = Add(contextState, gate(feedForward(ctx.In("ff_context"), cfg, normContext), cGateMLP))
	return primary, contextState
}
