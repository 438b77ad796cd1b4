// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mmdit implements an MMDiT-style joint-transformer denoiser with a
// block-range delta cache, for accelerating iterative diffusion inference.
//
// The model runs two co-evolving streams through a stack of transformer
// blocks: the "primary" stream holds the patchified latent image tokens, the
// "context" stream holds the conditioning (text) tokens. Each block mixes the
// two streams with one joint attention over their concatenated Q/K/V.
//
// Successive denoising steps are usually similar, so the contribution of a
// contiguous run of mid-stack blocks is close to constant across neighboring
// steps. The delta cache exploits this: on a "recompute" step the model runs
// the full stack and records, for a configured window of blocks, the residual
// delta = state-after-window - state-before-window. On a "skip" step the
// window is not executed at all; the recorded delta is added to the current
// before-window state instead. Blocks outside the window are always executed
// exactly, so only the windowed zone is ever approximated.
//
// The model holds no cache state across invocations: delta tensors are
// returned to, and supplied back by, the caller on every call (see
// DeltaCache). Which steps skip and which recompute is the caller's policy;
// see the sampler package for the standard stride-based schedule.
package mmdit

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Config defines the architecture of the denoiser. The zero value is not
// usable; start from DefaultConfig and override what you need.
type Config struct {
	// NumLayers is the number of transformer blocks in the stack.
	NumLayers int

	// NumHeads and HeadDim define the attention geometry. The model
	// embedding dimension is NumHeads*HeadDim.
	NumHeads int
	HeadDim  int

	// PatchSize is the side of the square latent patches. Latent height and
	// width must be divisible by it.
	PatchSize int

	// InChannels and OutChannels are the latent channel counts at the model
	// input and output.
	InChannels  int
	OutChannels int

	// PosEmbedMaxSize is the side of the learned 2D positional embedding
	// grid; the actual patch grid is center-cropped from it.
	PosEmbedMaxSize int

	// ContextDim is the feature dimension of the raw conditioning tokens,
	// before the context embedder projects them to the model dimension.
	ContextDim int

	// PooledDim is the feature dimension of the pooled conditioning vector
	// combined with the timestep embedding.
	PooledDim int

	// TimeEmbedDim is the size of the sinusoidal timestep embedding, before
	// the conditioning MLP projects it to the model dimension.
	TimeEmbedDim int

	// FeedForwardMult is the hidden-layer expansion factor of the per-block
	// feed-forward sub-layer.
	FeedForwardMult int

	// FeedForwardChunkSize, if > 0, executes the feed-forward sub-layer in
	// fixed-size chunks along the sequence axis. Purely a memory knob: the
	// result is bit-identical to unchunked execution.
	FeedForwardChunkSize int

	// KVDownsample enables spatial downsampling of the primary-stream K/V
	// branch in attention, for layers with index <= KVDownsampleCutoff.
	// Queries are never downsampled, so output shapes are unaffected.
	KVDownsample         bool
	KVDownsampleCutoff   int
	KVDownsampleFactor   float64
	KVDownsampleBilinear bool

	// ContextPreOnly optionally marks blocks after which the context stream
	// terminates. If nil, only the last block is marked. A marked block must
	// be the last one: no later block could attend to the absent stream.
	ContextPreOnly []bool

	// DType of all activations and weights.
	DType dtypes.DType
}

// DefaultConfig returns the reference configuration: an SD3-medium shaped
// stack of 18 joint-transformer blocks over 16-channel latents.
func DefaultConfig() Config {
	return Config{
		NumLayers:            18,
		NumHeads:             18,
		HeadDim:              64,
		PatchSize:            2,
		InChannels:           16,
		OutChannels:          16,
		PosEmbedMaxSize:      96,
		ContextDim:           4096,
		PooledDim:            2048,
		TimeEmbedDim:         256,
		FeedForwardMult:      4,
		KVDownsampleCutoff:   11,
		KVDownsampleFactor:   2.2,
		KVDownsampleBilinear: true,
		DType:                dtypes.Float32,
	}
}

// ModelDim is the embedding dimension carried by both streams through the
// block stack.
func (c Config) ModelDim() int { return c.NumHeads * c.HeadDim }

// Validate returns an error if the configuration is not usable.
func (c Config) Validate() error {
	if c.NumLayers <= 0 || c.NumHeads <= 0 || c.HeadDim <= 0 {
		return errors.Errorf("config requires positive NumLayers, NumHeads and HeadDim, got %d/%d/%d",
			c.NumLayers, c.NumHeads, c.HeadDim)
	}
	if c.PatchSize <= 0 || c.InChannels <= 0 || c.OutChannels <= 0 {
		return errors.Errorf("config requires positive PatchSize, InChannels and OutChannels, got %d/%d/%d",
			c.PatchSize, c.InChannels, c.OutChannels)
	}
	if c.TimeEmbedDim%2 != 0 {
		return errors.Errorf("TimeEmbedDim must be even (half sine, half cosine), got %d", c.TimeEmbedDim)
	}
	if c.KVDownsample && c.KVDownsampleFactor <= 1 {
		return errors.Errorf("KVDownsampleFactor must be > 1, got %g", c.KVDownsampleFactor)
	}
	if c.ContextPreOnly != nil {
		if len(c.ContextPreOnly) != c.NumLayers {
			return errors.Errorf("ContextPreOnly must have one entry per layer (%d), got %d",
				c.NumLayers, len(c.ContextPreOnly))
		}
		for i, pre := range c.ContextPreOnly {
			if pre && i != c.NumLayers-1 {
				return errors.Errorf("block %d is marked context-pre-only but is not the last block: "+
					"the context stream terminates there and later blocks could not attend to it", i)
			}
		}
	}
	return nil
}

// blockSpec is the per-stage configuration the stack is built from.
// Behavior variation is data, not a type hierarchy.
type blockSpec struct {
	layerIdx       int
	contextPreOnly bool
}

func (c Config) buildBlockSpecs() []blockSpec {
	specs := make([]blockSpec, c.NumLayers)
	for i := range specs {
		pre := i == c.NumLayers-1
		if c.ContextPreOnly != nil {
			pre = c.ContextPreOnly[i]
		}
		specs[i] = blockSpec{layerIdx: i, contextPreOnly: pre}
	}
	return specs
}
