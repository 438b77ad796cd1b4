// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mmdit

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is the pipeline driver: it wraps the embedding/patchify steps around
// the block stack and compiles one executable per invocation mode.
//
// The model holds no cache state across invocations -- delta tensors move in
// and out by value on every call -- so a Model is shareable between request
// contexts as long as calls are serialized; concurrent invocations are
// rejected.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config
	blocks  []blockSpec

	mu    sync.Mutex
	execs map[execKey]*context.Exec

	inForward atomic.Bool
}

// DeltaCache holds the window residuals recorded by a recompute invocation.
// The caller owns persistence: keep the value returned by ForwardCached and
// supply it back on a later skip invocation. Context is nil when the cache
// window covers the terminal context-pre-only block.
type DeltaCache struct {
	Primary *tensors.Tensor
	Context *tensors.Tensor
}

type invocationMode int

const (
	modeFull invocationMode = iota
	modeRecompute
	modeSkip
)

func (m invocationMode) String() string {
	switch m {
	case modeFull:
		return "full"
	case modeRecompute:
		return "cache-recompute"
	case modeSkip:
		return "cache-skip"
	}
	return "invalid"
}

type execKey struct {
	mode         invocationMode
	numControl   int
	windowStart  int
	windowLayers int
}

// New creates a Model on the given backend. Weight variables live in ctx and
// are created (with ctx's initializer) on the first invocation; load or seed
// ctx beforehand for reproducible weights.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		blocks:  cfg.buildBlockSpecs(),
		execs:   make(map[execKey]*context.Exec),
	}, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Forward runs the full block stack: every block executes, no cache artifacts
// are produced or consumed.
//
// Shapes: latent [batch, InChannels, height, width], prompt
// [batch, tokens, ContextDim], pooled [batch, PooledDim], timestep [batch].
// The output is [batch, OutChannels, height, width].
func (m *Model) Forward(latent, prompt, pooled, timestep *tensors.Tensor) (*tensors.Tensor, error) {
	return m.ForwardWithControl(latent, prompt, pooled, timestep, nil)
}

// ForwardWithControl is Forward with optional controlnet residuals, each
// shaped like the patchified primary stream [batch, tokens, ModelDim()]. At
// most NumLayers residuals may be given; blocks map to residuals in evenly
// divided buckets.
func (m *Model) ForwardWithControl(latent, prompt, pooled, timestep *tensors.Tensor,
	controlResiduals []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(controlResiduals) > m.cfg.NumLayers {
		return nil, errors.Errorf("got %d controlnet residuals for a %d-block stack",
			len(controlResiduals), m.cfg.NumLayers)
	}
	exec, err := m.getExec(modeFull, len(controlResiduals), CacheWindow{})
	if err != nil {
		return nil, err
	}
	outputs, err := m.run(exec, m.buildArgs(latent, prompt, pooled, timestep, controlResiduals, nil, false))
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// ForwardCached runs one cached invocation over the given window.
//
// With skip=false the window is recomputed and its residual recorded: the
// returned DeltaCache is new, and delta may be nil. With skip=true the window
// is not executed; the supplied delta substitutes for it, and is returned
// unchanged. Skipping without a previously recorded delta is a sequencing
// error.
func (m *Model) ForwardCached(latent, prompt, pooled, timestep *tensors.Tensor,
	controlResiduals []*tensors.Tensor, window CacheWindow, skip bool,
	delta *DeltaCache) (*tensors.Tensor, *DeltaCache, error) {
	if window.NumLayers <= 0 || window.Start < 0 || window.End() > m.cfg.NumLayers {
		return nil, nil, errors.Errorf("cache window [%d, %d) out of range for a %d-block stack",
			window.Start, window.End(), m.cfg.NumLayers)
	}
	if len(controlResiduals) > m.cfg.NumLayers {
		return nil, nil, errors.Errorf("got %d controlnet residuals for a %d-block stack",
			len(controlResiduals), m.cfg.NumLayers)
	}
	mode := modeRecompute
	if skip {
		if delta == nil || delta.Primary == nil {
			return nil, nil, errors.Errorf(
				"cache skip requested but no delta was supplied: record one with a recompute invocation first")
		}
		if !window.terminatesContext(m.blocks) && delta.Context == nil {
			return nil, nil, errors.Errorf(
				"cache skip requested without a context delta, but window [%d, %d) keeps the context stream alive",
				window.Start, window.End())
		}
		mode = modeSkip
	}
	exec, err := m.getExec(mode, len(controlResiduals), window)
	if err != nil {
		return nil, nil, err
	}
	outputs, err := m.run(exec, m.buildArgs(latent, prompt, pooled, timestep, controlResiduals, delta, skip))
	if err != nil {
		return nil, nil, err
	}
	if mode == modeSkip {
		// Deltas pass through unchanged; they are not recomputed.
		return outputs[0], delta, nil
	}
	newDelta := &DeltaCache{Primary: outputs[1]}
	if len(outputs) > 2 {
		newDelta.Context = outputs[2]
	}
	return outputs[0], newDelta, nil
}

// ScaleAttentionWeights multiplies every attention projection weight by
// scale. Rescaling learned weights is a configuration-phase operation: call
// it between invocations, never from within one. It requires weights to have
// been materialized (by a previous invocation or a checkpoint load).
func (m *Model) ScaleAttentionWeights(scale float64) error {
	if m.inForward.Load() {
		return errors.Errorf(
			"weight rescaling is not allowed during an invocation: adjust weights between denoising steps")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var numScaled int
	_, err := context.ExecOnceN(m.backend, m.ctx,
		func(ctx *context.Context, g *Graph) {
			for v := range ctx.IterVariables() {
				if v.Name() != "weights" || !strings.Contains(v.Scope(), "/attn/") {
					continue
				}
				v.SetValueGraph(MulScalar(v.ValueGraph(g), scale))
				numScaled++
			}
		})
	if err != nil {
		return errors.WithMessage(err, "rescaling attention weights")
	}
	if numScaled == 0 {
		return errors.Errorf(
			"no attention weights to rescale: they are materialized on the first invocation or checkpoint load")
	}
	klog.V(1).Infof("sd3boost: rescaled %d attention weight tensors by %g", numScaled, scale)
	return nil
}

func (m *Model) buildArgs(latent, prompt, pooled, timestep *tensors.Tensor,
	controlResiduals []*tensors.Tensor, delta *DeltaCache, skip bool) []any {
	args := []any{latent, prompt, pooled, timestep}
	for _, residual := range controlResiduals {
		args = append(args, residual)
	}
	if skip {
		args = append(args, delta.Primary)
		if delta.Context != nil {
			args = append(args, delta.Context)
		}
	}
	return args
}

func (m *Model) run(exec *context.Exec, args []any) ([]*tensors.Tensor, error) {
	if !m.inForward.CompareAndSwap(false, true) {
		return nil, errors.Errorf(
			"concurrent invocation: callers must serialize calls on a Model, keeping per-request cache state isolated")
	}
	defer m.inForward.Store(false)
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, errors.WithMessage(err, "model invocation failed")
	}
	return outputs, nil
}

func (m *Model) getExec(mode invocationMode, numControl int, window CacheWindow) (*context.Exec, error) {
	key := execKey{mode: mode, numControl: numControl}
	if mode != modeFull {
		key.windowStart, key.windowLayers = window.Start, window.NumLayers
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec, ok := m.execs[key]; ok {
		return exec, nil
	}
	klog.V(1).Infof("sd3boost: compiling %s executable (window=[%d,%d), controlnet residuals=%d)",
		mode, window.Start, window.End(), numControl)
	exec, err := context.NewExec(m.backend, m.ctx, m.graphFn(mode, numControl, window))
	if err != nil {
		return nil, errors.WithMessagef(err, "building %s executable", mode)
	}
	m.execs[key] = exec
	return exec, nil
}

// graphFn returns the graph-building function for one invocation mode. The
// input layout is: latent, prompt, pooled, timestep, then numControl
// controlnet residuals, then (skip mode only) the delta tensors.
func (m *Model) graphFn(mode invocationMode, numControl int, window CacheWindow) func(*context.Context, []*Node) []*Node {
	return func(ctx *context.Context, inputs []*Node) []*Node {
		numExpected := 4 + numControl
		var delta deltaPair
		if mode == modeSkip {
			numExpected++
			if !window.terminatesContext(m.blocks) {
				numExpected++
			}
		}
		if len(inputs) != numExpected {
			Panicf("%s executable expects %d inputs, got %d", mode, numExpected, len(inputs))
		}
		latent, prompt, pooled, timestep := inputs[0], inputs[1], inputs[2], inputs[3]
		controlResiduals := inputs[4 : 4+numControl]
		if mode == modeSkip {
			rest := inputs[4+numControl:]
			delta.primary = rest[0]
			if len(rest) > 1 {
				delta.context = rest[1]
			}
		}

		primary, gridH, gridW := m.patchify(ctx, latent)
		temb := m.conditioningEmbedding(ctx, timestep, pooled)
		contextState := layers.Dense(ctx.In("context_embedder"), prompt, true, m.cfg.ModelDim())

		useCache := mode != modeFull
		skip := mode == modeSkip
		primary, _, outDelta := forwardBlocks(ctx, m.cfg, m.blocks,
			primary, contextState, controlResiduals, temb, useCache, skip, window, delta)

		outputs := []*Node{m.headOutput(ctx, primary, temb, gridH, gridW)}
		if mode == modeRecompute {
			outputs = append(outputs, outDelta.primary)
			if outDelta.context != nil {
				outputs = append(outputs, outDelta.context)
			}
		}
		return outputs
	}
}

// patchify folds the latent into non-overlapping PatchSize x PatchSize
// patches, projects each to the model dimension and adds the center-cropped
// learned positional embedding. Returns the token sequence and the patch
// grid dimensions.
func (m *Model) patchify(ctx *context.Context, latent *Node) (tokens *Node, gridH, gridW int) {
	cfg := m.cfg
	latent.AssertRank(4)
	dims := latent.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels != cfg.InChannels {
		Panicf("latent has %d channels, model expects %d", channels, cfg.InChannels)
	}
	p := cfg.PatchSize
	if height%p != 0 || width%p != 0 {
		Panicf("latent %dx%d is not divisible by patch size %d", height, width, p)
	}
	gridH, gridW = height/p, width/p

	x := Reshape(latent, batchSize, channels, gridH, p, gridW, p)
	x = TransposeAllAxes(x, 0, 2, 4, 3, 5, 1)
	x = Reshape(x, batchSize, gridH*gridW, p*p*channels)
	x = layers.Dense(ctx.In("patch_embed"), x, true, cfg.ModelDim())
	return Add(x, m.positionalEmbedding(ctx, x.Graph(), gridH, gridW)), gridH, gridW
}

func (m *Model) positionalEmbedding(ctx *context.Context, g *Graph, gridH, gridW int) *Node {
	cfg := m.cfg
	maxSize := cfg.PosEmbedMaxSize
	if gridH > maxSize || gridW > maxSize {
		Panicf("patch grid %dx%d exceeds the positional embedding table (%dx%d)",
			gridH, gridW, maxSize, maxSize)
	}
	posVar := ctx.In("pos_embed").VariableWithShape("embeddings",
		shapes.Make(cfg.DType, maxSize, maxSize, cfg.ModelDim()))
	emb := posVar.ValueGraph(g)
	top, left := (maxSize-gridH)/2, (maxSize-gridW)/2
	emb = Slice(emb, AxisRange(top, top+gridH), AxisRange(left, left+gridW), AxisRange())
	return Reshape(emb, 1, gridH*gridW, cfg.ModelDim())
}

// conditioningEmbedding combines the sinusoidal timestep embedding with the
// pooled conditioning vector, each passed through its own two-layer MLP. The
// result modulates every block.
func (m *Model) conditioningEmbedding(ctx *context.Context, timestep, pooled *Node) *Node {
	cfg := m.cfg
	g := timestep.Graph()
	timestep.AssertRank(1)
	pooled.AssertRank(2)
	dim := cfg.ModelDim()

	half := cfg.TimeEmbedDim / 2
	exponents := IotaFull(g, shapes.Make(cfg.DType, half))
	frequencies := Exp(MulScalar(exponents, -math.Log(10000.0)/float64(half)))
	angles := Einsum("b,f->bf", timestep, frequencies)
	sinusoid := Concatenate([]*Node{Cos(angles), Sin(angles)}, -1)

	tCtx := ctx.In("timestep_embedder")
	t := layers.Dense(tCtx.In("linear1"), sinusoid, true, dim)
	t = layers.Dense(tCtx.In("linear2"), activations.Swish(t), true, dim)

	pCtx := ctx.In("pooled_embedder")
	cond := layers.Dense(pCtx.In("linear1"), pooled, true, dim)
	cond = layers.Dense(pCtx.In("linear2"), activations.Swish(cond), true, dim)
	return Add(t, cond)
}

// headOutput applies the final modulated norm and projection, then
// unpatchifies back to [batch, OutChannels, height, width].
func (m *Model) headOutput(ctx *context.Context, primary, temb *Node, gridH, gridW int) *Node {
	cfg := m.cfg
	batchSize := primary.Shape().Dimensions[0]
	p := cfg.PatchSize

	mods := adaLNModulation(ctx.In("norm_out"), temb, cfg.ModelDim(), 2)
	scaleOut, shiftOut := mods[0], mods[1]
	h := modulate(layerNormNoAffine(ctx.In("norm_out"), primary), shiftOut, scaleOut)
	h = layers.Dense(ctx.In("proj_out"), h, true, p*p*cfg.OutChannels)

	h = Reshape(h, batchSize, gridH, gridW, p, p, cfg.OutChannels)
	h = TransposeAllAxes(h, 0, 5, 1, 3, 2, 4)
	return Reshape(h, batchSize, cfg.OutChannels, gridH*p, gridW*p)
}
