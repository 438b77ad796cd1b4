// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmdit

import (
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/stretchr/testify/require"
)

func TestUseKVDownsample(t *testing.T) {
	cfg := testConfig()
	require.False(t, useKVDownsample(cfg, 0), "downsampling is off by default")

	cfg.KVDownsample = true // cutoff is 1 in testConfig
	require.True(t, useKVDownsample(cfg, 0))
	require.True(t, useKVDownsample(cfg, 1))
	require.False(t, useKVDownsample(cfg, 2))
	require.False(t, useKVDownsample(cfg, 3))
}

func TestDownsampleSequence(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	x := randomTensor(rng, 2, 16, 3) // a 4x4 grid of 3-channel tokens

	for _, bilinear := range []bool{true, false} {
		out, err := ExecOnce(testBackend(), func(x *Node) *Node {
			return downsampleSequence(x, 2.0, bilinear)
		}, x)
		require.NoError(t, err)
		require.Equal(t, []int{2, 4, 3}, out.Shape().Dimensions,
			"a 4x4 grid halved per side leaves 2x2=4 tokens")
	}

	// Non-square sequences have no grid interpretation.
	_, err := ExecOnce(testBackend(), func(x *Node) *Node {
		return downsampleSequence(x, 2.0, true)
	}, randomTensor(rng, 1, 15, 3))
	require.Error(t, err)

	// A factor that collapses the grid below one token is rejected.
	_, err = ExecOnce(testBackend(), func(x *Node) *Node {
		return downsampleSequence(x, 8.0, true)
	}, randomTensor(rng, 1, 16, 3))
	require.Error(t, err)
}

// Downsampling applies to the K/V branch only, so attention outputs must keep
// the input sequence lengths in every layer.
func TestJointAttentionShapes(t *testing.T) {
	cfg := testConfig()
	cfg.KVDownsample = true
	rng := rand.New(rand.NewPCG(7, 11))
	primary := randomTensor(rng, 1, 16, cfg.ModelDim())
	contextTokens := randomTensor(rng, 1, 6, cfg.ModelDim())

	for layerIdx := range cfg.NumLayers {
		ctx := context.New()
		ctx.SetRNGStateFromSeed(int64(layerIdx))
		exec, err := context.NewExec(testBackend(), ctx,
			func(ctx *context.Context, inputs []*Node) []*Node {
				p, c := jointAttention(ctx, cfg, inputs[0], inputs[1], layerIdx, false)
				return []*Node{p, c}
			})
		require.NoError(t, err)
		outputs, err := exec.Exec(primary, contextTokens)
		require.NoError(t, err)
		require.Equal(t, []int{1, 16, cfg.ModelDim()}, outputs[0].Shape().Dimensions)
		require.Equal(t, []int{1, 6, cfg.ModelDim()}, outputs[1].Shape().Dimensions)
	}
}

func TestJointAttentionContextPreOnly(t *testing.T) {
	cfg := testConfig()
	rng := rand.New(rand.NewPCG(13, 17))
	primary := randomTensor(rng, 1, 16, cfg.ModelDim())
	contextTokens := randomTensor(rng, 1, 6, cfg.ModelDim())

	ctx := context.New()
	ctx.SetRNGStateFromSeed(99)
	exec, err := context.NewExec(testBackend(), ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			p, c := jointAttention(ctx, cfg, inputs[0], inputs[1], cfg.NumLayers-1, true)
			if c != nil {
				Panicf("context output should terminate on a context-pre-only block")
			}
			return []*Node{p}
		})
	require.NoError(t, err)
	outputs, err := exec.Exec(primary, contextTokens)
	require.NoError(t, err)
	require.Equal(t, []int{1, 16, cfg.ModelDim()}, outputs[0].Shape().Dimensions)
}

// Attention still mixes context into the primary stream when K/V
// downsampling is active: only the primary K/V tokens shrink, the context
// K/V tokens are untouched.
func TestJointAttentionDownsampledStillAttendsContext(t *testing.T) {
	cfg := testConfig()
	cfg.KVDownsample = true
	rng := rand.New(rand.NewPCG(19, 23))
	primary := randomTensor(rng, 1, 16, cfg.ModelDim())
	contextA := randomTensor(rng, 1, 6, cfg.ModelDim())
	contextB := randomTensor(rng, 1, 6, cfg.ModelDim())

	ctx := context.New()
	ctx.SetRNGStateFromSeed(7)
	exec, err := context.NewExec(testBackend(), ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			p, _ := jointAttention(ctx, cfg, inputs[0], inputs[1], 0, false)
			return []*Node{p}
		})
	require.NoError(t, err)
	outA, err := exec.Exec(primary, contextA)
	require.NoError(t, err)
	outB, err := exec.Exec(primary, contextB)
	require.NoError(t, err)
	require.NotEqual(t, outA[0].Value(), outB[0].Value(),
		"changing the context tokens must change the primary attention output")
}
