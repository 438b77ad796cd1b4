// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmdit

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestForwardShape(t *testing.T) {
	model := newTestModel(t, testConfig())
	latent, prompt, pooled, timestep := testInputs(model.Config())

	out, err := model.Forward(latent, prompt, pooled, timestep)
	require.NoError(t, err)
	require.Equal(t, []int{1, model.cfg.OutChannels, 8, 8}, out.Shape().Dimensions,
		"output must keep the latent geometry with OutChannels channels")
}

// The same model serves multiple latent geometries: executables specialize
// per shape, weights (including the center-cropped positional embedding) are
// shared.
func TestForwardMultipleGeometries(t *testing.T) {
	model := newTestModel(t, testConfig())
	_, prompt, pooled, timestep := testInputs(model.Config())
	rng := rand.New(rand.NewPCG(67, 71))

	for _, size := range []int{8, 12, 16} { // up to the 8x8 patch-grid table
		latent := randomTensor(rng, 1, model.cfg.InChannels, size, size)
		out, err := model.Forward(latent, prompt, pooled, timestep)
		require.NoError(t, err)
		require.Equal(t, []int{1, model.cfg.OutChannels, size, size}, out.Shape().Dimensions)
	}

	// 20x20 needs a 10x10 patch grid, larger than the embedding table.
	latent := randomTensor(rng, 1, model.cfg.InChannels, 20, 20)
	_, err := model.Forward(latent, prompt, pooled, timestep)
	require.Error(t, err)
}

func TestForwardInputValidation(t *testing.T) {
	model := newTestModel(t, testConfig())
	latent, prompt, pooled, timestep := testInputs(model.Config())
	rng := rand.New(rand.NewPCG(73, 79))

	// Wrong channel count.
	_, err := model.Forward(randomTensor(rng, 1, model.cfg.InChannels+1, 8, 8), prompt, pooled, timestep)
	require.Error(t, err)

	// Not divisible by the patch size.
	_, err = model.Forward(randomTensor(rng, 1, model.cfg.InChannels, 7, 7), prompt, pooled, timestep)
	require.Error(t, err)

	// Too many controlnet residuals.
	residuals := make([]*tensors.Tensor, model.cfg.NumLayers+1)
	for i := range residuals {
		residuals[i] = randomTensor(rng, 1, 16, model.cfg.ModelDim())
	}
	_, err = model.ForwardWithControl(latent, prompt, pooled, timestep, residuals)
	require.Error(t, err)
}

func TestControlResidualsChangeOutput(t *testing.T) {
	model := newTestModel(t, testConfig())
	latent, prompt, pooled, timestep := testInputs(model.Config())
	rng := rand.New(rand.NewPCG(83, 89))
	residual := randomTensor(rng, 1, 16, model.cfg.ModelDim())

	plain, err := model.Forward(latent, prompt, pooled, timestep)
	require.NoError(t, err)
	controlled, err := model.ForwardWithControl(latent, prompt, pooled, timestep,
		[]*tensors.Tensor{residual})
	require.NoError(t, err)

	require.True(t, plain.Shape().Equal(controlled.Shape()))
	require.NotEqual(t, tensors.MustCopyFlatData[float32](plain),
		tensors.MustCopyFlatData[float32](controlled))
}

func TestScaleAttentionWeights(t *testing.T) {
	model := newTestModel(t, testConfig())
	latent, prompt, pooled, timestep := testInputs(model.Config())

	// Before the first invocation no weights exist to rescale.
	err := model.ScaleAttentionWeights(0.5)
	require.ErrorContains(t, err, "no attention weights")

	before, err := model.Forward(latent, prompt, pooled, timestep)
	require.NoError(t, err)

	require.NoError(t, model.ScaleAttentionWeights(0.5))
	after, err := model.Forward(latent, prompt, pooled, timestep)
	require.NoError(t, err)
	require.NotEqual(t, tensors.MustCopyFlatData[float32](before),
		tensors.MustCopyFlatData[float32](after),
		"halving the attention projections must change the output")

	// Scaling back by the inverse restores the original weights.
	require.NoError(t, model.ScaleAttentionWeights(2.0))
	restored, err := model.Forward(latent, prompt, pooled, timestep)
	require.NoError(t, err)
	requireAllClose(t, before, restored, 1e-4)
}

func TestForwardIsDeterministic(t *testing.T) {
	model := newTestModel(t, testConfig())
	latent, prompt, pooled, timestep := testInputs(model.Config())

	first, err := model.Forward(latent, prompt, pooled, timestep)
	require.NoError(t, err)
	second, err := model.Forward(latent, prompt, pooled, timestep)
	require.NoError(t, err)
	require.Equal(t, tensors.MustCopyFlatData[float32](first),
		tensors.MustCopyFlatData[float32](second))
}
