// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sd3boost benchmarks the block-range delta cache on a randomly initialized
// MMDiT denoiser: it runs the same denoising loop with and without the cache
// and reports the speedup and the drift the approximation introduces.
//
// Usage:
//
//	go run ./cmd/sd3boost
//	go run ./cmd/sd3boost --steps=28 --cache-stride=3 --downsample
//	go run ./cmd/sd3boost --backend=go
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sd3boost/mmdit"
	"github.com/gomlx/sd3boost/sampler"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBackend    = flag.String("backend", "", "Backend to use (default: auto-detect).")
	flagSteps      = flag.Int("steps", 28, "Number of denoising steps.")
	flagImageSize  = flag.Int("image-size", 64, "Latent height/width.")
	flagLayers     = flag.Int("layers", 12, "Number of transformer blocks.")
	flagHeads      = flag.Int("heads", 6, "Number of attention heads.")
	flagHeadDim    = flag.Int("head-dim", 32, "Dimension per attention head.")
	flagCacheStart = flag.Int("cache-start", 3, "First block of the cached window.")
	flagCacheSize  = flag.Int("cache-layers", 6, "Number of blocks in the cached window.")
	flagStride     = flag.Int("cache-stride", 2, "Recompute the window every N-th step.")
	flagStartStep  = flag.Int("cache-start-step", 2, "First step at which skipping is allowed.")
	flagDownsample = flag.Bool("downsample", false, "Enable K/V spatial downsampling in early layers.")
	flagSeed       = flag.Uint64("seed", 42, "Seed for the random inputs.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := must.M1(backends.New())
	if *flagBackend != "" {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	}
	fmt.Printf("Backend: %s\n", backend.Name())

	cfg := mmdit.DefaultConfig()
	cfg.NumLayers = *flagLayers
	cfg.NumHeads = *flagHeads
	cfg.HeadDim = *flagHeadDim
	cfg.InChannels = 8
	cfg.OutChannels = 8
	cfg.ContextDim = 256
	cfg.PooledDim = 128
	cfg.KVDownsample = *flagDownsample
	cfg.KVDownsampleFactor = 2.0

	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(int64(*flagSeed)))
	model := must.M1(mmdit.New(backend, ctx, cfg))

	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed^0x9e3779b97f4a7c15))
	size := *flagImageSize
	latent := randTensor(rng, 1, cfg.InChannels, size, size)
	prompt := randTensor(rng, 1, 32, cfg.ContextDim)
	pooled := randTensor(rng, 1, cfg.PooledDim)

	// Warm up: compiles the full-mode executable and materializes weights.
	reference := must.M1(model.Forward(latent, prompt, pooled, timestepTensor(0, *flagSteps)))
	var numParams int64
	for v := range ctx.IterVariables() {
		numParams += int64(v.Shape().Size())
	}
	fmt.Printf("Model: %d blocks, %s parameters\n\n", cfg.NumLayers, humanize.Comma(numParams))

	// Baseline: every step executes the whole stack.
	fmt.Printf("Uncached loop (%d steps):\n", *flagSteps)
	bar := progressbar.Default(int64(*flagSteps), "denoising")
	start := time.Now()
	for step := range *flagSteps {
		reference = must.M1(model.Forward(latent, prompt, pooled, timestepTensor(step, *flagSteps)))
		must.M(bar.Add(1))
	}
	uncachedTime := time.Since(start)
	fmt.Printf("  %s (%.1f steps/s)\n\n", uncachedTime.Round(time.Millisecond),
		float64(*flagSteps)/uncachedTime.Seconds())

	schedule := sampler.Schedule{Window: mmdit.CacheWindow{
		Start:      *flagCacheStart,
		StepStride: *flagStride,
		NumLayers:  *flagCacheSize,
		StartStep:  *flagStartStep,
	}}
	fmt.Printf("Cached loop (window=[%d,%d), stride=%d, start-step=%d):\n",
		schedule.Window.Start, schedule.Window.End(), *flagStride, *flagStartStep)
	bar = progressbar.Default(int64(*flagSteps), "denoising")
	var cached *tensors.Tensor
	var skipped int
	start = time.Now()
	must.M(schedule.Run(*flagSteps, func(step int, useCache, skip bool, delta *mmdit.DeltaCache) (*mmdit.DeltaCache, error) {
		timestep := timestepTensor(step, *flagSteps)
		var err error
		if !useCache {
			cached, err = model.Forward(latent, prompt, pooled, timestep)
		} else {
			cached, delta, err = model.ForwardCached(latent, prompt, pooled, timestep, nil,
				schedule.Window, skip, delta)
		}
		if skip {
			skipped++
		}
		must.M(bar.Add(1))
		return delta, err
	}))
	cachedTime := time.Since(start)
	fmt.Printf("  %s (%.1f steps/s), %d/%d steps skipped the window\n",
		cachedTime.Round(time.Millisecond), float64(*flagSteps)/cachedTime.Seconds(),
		skipped, *flagSteps)
	fmt.Printf("  Speedup: %.2fx\n", uncachedTime.Seconds()/cachedTime.Seconds())
	fmt.Printf("  Final-step drift (mean abs): %.3g\n", meanAbsDiff(reference, cached))
}

// timestepTensor maps a step index to a batch-1 timestep in [0, 1000).
func timestepTensor(step, numSteps int) *tensors.Tensor {
	t := 1000.0 * float32(numSteps-step) / float32(numSteps)
	return tensors.FromFlatDataAndDimensions([]float32{t}, 1)
}

func randTensor(rng *rand.Rand, dimensions ...int) *tensors.Tensor {
	size := 1
	for _, d := range dimensions {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, dimensions...)
}

func meanAbsDiff(a, b *tensors.Tensor) float64 {
	aData := tensors.MustCopyFlatData[float32](a)
	bData := tensors.MustCopyFlatData[float32](b)
	var sum float64
	for i := range aData {
		sum += math.Abs(float64(aData[i]) - float64(bData[i]))
	}
	return sum / float64(len(aData))
}
