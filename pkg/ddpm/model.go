// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ddpm implements a denoising diffusion probabilistic model (DDPM) on small grayscale images:
// the noise schedule, the noise prediction U-Net, the training step with an exponential moving
// average (EMA) of the weights, the evaluation loss and ancestral sampling.
//
// The model weights live under the "/model" scope of its context, the EMA weights under "/ema" and
// everything else (optimizer moments, global step, random number generator state) is considered
// optimizer state.
package ddpm

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/tinyddpm/pkg/config"
	"github.com/gomlx/tinyddpm/pkg/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ModelScope holds the trained weights.
	ModelScope = "model"

	// EMAScope holds the exponential moving average of the weights in ModelScope, used for sampling.
	EMAScope = "ema"
)

// DType used by the model.
var DType = dtypes.Float32

// Model is the diffusion model with its optimizer. It is not safe for concurrent use.
type Model struct {
	backend  backends.Backend
	ctx      *context.Context
	cfg      config.ModelConfig
	schedule *Schedule
	unet     *unet

	trainer                    *train.Trainer
	lossExec, emaExec          *context.Exec
	noiseExec, reverseStepExec *context.Exec
	emaInitialized             bool
}

// New creates the model and its variables, initialized randomly.
//
// If cfg.Seed is not 0 it seeds the random number generator, making initialization, the training
// noise and the samples reproducible.
func New(backend backends.Backend, cfg *config.Config) (m *Model, err error) {
	if err = cfg.Model.Validate(); err != nil {
		return nil, err
	}
	m = &Model{
		backend: backend,
		ctx:     context.New().Checked(false),
		cfg:     cfg.Model,
	}
	m.schedule, err = NewSchedule(cfg.Model.Schedule, cfg.Model.NumTimesteps, cfg.ScheduleLow, cfg.ScheduleHigh)
	if err != nil {
		return nil, errors.WithMessage(err, "creating noise schedule")
	}
	m.unet = newUNet(&m.cfg)
	if cfg.Seed != 0 {
		m.ctx.SetRNGStateFromSeed(cfg.Seed)
	}

	err = exceptions.TryCatch[error](func() {
		customLoss := func(labels, predictions []*Node) *Node { return predictions[0] }
		m.trainer = train.NewTrainer(backend, m.ctx, m.trainGraph, customLoss,
			optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
			[]metrics.Interface{}, // trainMetrics
			[]metrics.Interface{}) // evalMetrics
		m.lossExec = context.MustNewExec(backend, m.ctx, m.evalLossGraph)
		m.emaExec = context.MustNewExec(backend, m.ctx, m.emaGraph)
		m.noiseExec = context.MustNewExec(backend, m.ctx, m.initialNoiseGraph)
		m.reverseStepExec = context.MustNewExec(backend, m.ctx, m.reverseStepGraph)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating diffusion model")
	}
	if err = m.initializeVariables(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("diffusion model created: %d parameters, %d timesteps (%s schedule)",
		m.NumParameters(), m.schedule.NumTimesteps(), m.cfg.Schedule)
	return m, nil
}

// Context of the model, holding its variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Schedule of the noise.
func (m *Model) Schedule() *Schedule { return m.schedule }

// initializeVariables creates the model variables by computing the loss of a dummy batch,
// so they can be counted, saved and restored before the first training step.
func (m *Model) initializeVariables() error {
	images := tensors.FromShape(shapes.Make(DType, 1, config.ImageSize, config.ImageSize, config.ImageChannels))
	labels := tensors.FromValue([]int32{0})
	outputs, err := m.lossExec.Exec(images, labels)
	if err != nil {
		return errors.WithMessage(err, "initializing diffusion model variables")
	}
	return outputs[0].FinalizeAll()
}

// scheduleValues gathers the per example values of the schedule coefficients at the given timesteps,
// shaped [batch_size, 1, 1, 1].
func scheduleValues(coefficients []float64, timesteps *Node, dtype dtypes.DType) *Node {
	g := timesteps.Graph()
	values := Gather(ConvertDType(Const(g, coefficients), dtype), InsertAxes(timesteps, -1))
	return Reshape(values, timesteps.Shape().Dimensions[0], 1, 1, 1)
}

// lossGraph picks a random timestep per example, diffuses the images to it with random noise,
// and returns the loss of the predicted noise against the actual one.
func (m *Model) lossGraph(ctx *context.Context, images, labels *Node) *Node {
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	timesteps := ctx.RandomIntN(g, m.schedule.NumTimesteps(), shapes.Make(dtypes.Int32, batchSize))
	noise := ctx.RandomNormal(g, images.Shape())
	noisy := Add(
		Mul(scheduleValues(m.schedule.SqrtAlphasCumprod, timesteps, DType), images),
		Mul(scheduleValues(m.schedule.SqrtOneMinusAlphasCumprod, timesteps, DType), noise))
	noisy = StopGradient(noisy)
	predictedNoise := m.unet.build(ctx.In(ModelScope), noisy, timesteps, labels)

	var loss *Node
	switch m.cfg.LossType {
	case "l1":
		loss = losses.MeanAbsoluteError([]*Node{noise}, []*Node{predictedNoise})
	default:
		loss = losses.MeanSquaredError([]*Node{noise}, []*Node{predictedNoise})
	}
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return loss
}

func (m *Model) trainGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{m.lossGraph(ctx, inputs[0], inputs[1])}
}

func (m *Model) evalLossGraph(ctx *context.Context, images, labels *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	return m.lossGraph(ctx, images, labels)
}

// TrainStep runs one optimization step on the batch and returns its loss.
//
// Every EMAUpdateRate steps it also updates the EMA weights: they are copied from the model during
// the first EMAStart steps, and blended with EMADecay afterward.
func (m *Model) TrainStep(batch datasets.Batch) (loss float64, err error) {
	outputs, err := m.trainer.TrainStep(nil, []*tensors.Tensor{batch.Images, batch.Labels},
		[]*tensors.Tensor{batch.Labels})
	if err != nil {
		return 0, errors.WithMessage(err, "diffusion model train step")
	}
	loss = shapes.ConvertTo[float64](outputs[0].Value())
	for _, t := range outputs {
		_ = t.FinalizeAll()
	}

	step := m.GlobalStep()
	if step%int64(m.cfg.EMAUpdateRate) == 0 {
		decay := m.cfg.EMADecay
		if step < int64(m.cfg.EMAStart) {
			decay = 0
		}
		if _, err = m.UpdateEMA(decay); err != nil {
			return loss, err
		}
	}
	return loss, nil
}

// GlobalStep returns the number of training steps taken, including those restored from a checkpoint.
func (m *Model) GlobalStep() int64 {
	return optimizers.GetGlobalStep(m.ctx)
}

// UpdateEMA sets every EMA weight to decay·ema + (1-decay)·weight, and returns the mean absolute
// difference between the updated EMA weights and the model weights.
//
// The first update always copies the weights, regardless of decay.
func (m *Model) UpdateEMA(decay float64) (diff float64, err error) {
	if !m.emaInitialized {
		decay = 0
	}
	outputs, err := m.emaExec.Exec(decay)
	if err != nil {
		return 0, errors.WithMessage(err, "updating EMA weights")
	}
	m.emaInitialized = true
	diff = shapes.ConvertTo[float64](outputs[0].Value())
	_ = outputs[0].FinalizeAll()
	return diff, nil
}

// emaGraph updates the variables in EMAScope from their counterparts in ModelScope.
func (m *Model) emaGraph(ctx *context.Context, decay *Node) *Node {
	g := decay.Graph()
	modelScope := ctx.In(ModelScope).Scope()
	emaScope := ctx.In(EMAScope).Scope()
	var modelVars []*context.Variable
	for v := range ctx.In(ModelScope).IterVariablesInScope() {
		modelVars = append(modelVars, v)
	}
	if len(modelVars) == 0 {
		exceptions.Panicf("no variables in scope %q to average", modelScope)
	}

	var diffs []*Node
	for _, v := range modelVars {
		emaCtx := ctx.InAbsPath(emaScope + strings.TrimPrefix(v.Scope(), modelScope)).
			WithInitializer(initializers.Zero)
		emaVar := emaCtx.VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		weights := v.ValueGraph(g)
		if !v.DType().IsFloat() {
			emaVar.SetValueGraph(weights)
			continue
		}
		varDecay := ConvertDType(decay, v.DType())
		ema := Add(Mul(emaVar.ValueGraph(g), varDecay), Mul(weights, OneMinus(varDecay)))
		emaVar.SetValueGraph(ema)
		diffs = append(diffs, ConvertDType(ReduceAllMean(Abs(Sub(ema, weights))), dtypes.Float64))
	}
	if len(diffs) == 0 {
		return ScalarZero(g, dtypes.Float64)
	}
	return DivScalar(ReduceAllSum(Stack(diffs, 0)), float64(len(diffs)))
}

// Loss returns the loss of the batch in inference mode (no dropout), with random timesteps and noise.
func (m *Model) Loss(batch datasets.Batch) (float64, error) {
	outputs, err := m.lossExec.Exec(batch.Images, batch.Labels)
	if err != nil {
		return 0, errors.WithMessage(err, "evaluating diffusion loss")
	}
	loss := shapes.ConvertTo[float64](outputs[0].Value())
	_ = outputs[0].FinalizeAll()
	return loss, nil
}

func (m *Model) initialNoiseGraph(ctx *context.Context, labels *Node) *Node {
	g := labels.Graph()
	numSamples := labels.Shape().Dimensions[0]
	return ctx.RandomNormal(g, shapes.Make(DType, numSamples, config.ImageSize, config.ImageSize, config.ImageChannels))
}

// reverseStepGraph takes x_t to x_{t-1}. Inputs are x_t, labels, t, and the schedule coefficients at t:
// RemoveNoiseCoeff, ReciprocalSqrtAlphas and Sigma.
func (m *Model) reverseStepGraph(ctx *context.Context, inputs []*Node) *Node {
	x, labels, timestep := inputs[0], inputs[1], inputs[2]
	removeNoiseCoeff, reciprocalSqrtAlpha, sigma := inputs[3], inputs[4], inputs[5]
	g := x.Graph()
	ctx.SetTraining(g, false)
	dtype := x.DType()
	numSamples := x.Shape().Dimensions[0]

	timesteps := BroadcastToDims(ConvertDType(timestep, dtypes.Int32), numSamples)
	predictedNoise := m.unet.build(ctx.In(EMAScope), x, timesteps, labels)
	x = Sub(x, Mul(predictedNoise, ConvertDType(removeNoiseCoeff, dtype)))
	x = Mul(x, ConvertDType(reciprocalSqrtAlpha, dtype))
	noise := ctx.RandomNormal(g, x.Shape())
	return Add(x, Mul(noise, ConvertDType(sigma, dtype)))
}

// Sample generates one image per label with the EMA weights, by ancestral sampling from pure noise
// through all the timesteps. The labels are ignored if the model doesn't use them.
//
// It returns a float32 tensor shaped [len(labels), 28, 28, 1], with values approximately in [-1, 1].
func (m *Model) Sample(labels []int32) (*tensors.Tensor, error) {
	if len(labels) == 0 {
		return nil, errors.New("diffusion sampling requires at least one sample")
	}
	if !m.emaInitialized {
		if _, err := m.UpdateEMA(0); err != nil {
			return nil, err
		}
	}
	labelsT := tensors.FromValue(labels)
	outputs, err := m.noiseExec.Exec(labelsT)
	if err != nil {
		return nil, errors.WithMessage(err, "generating initial noise")
	}
	x := outputs[0]
	s := m.schedule
	for t := s.NumTimesteps() - 1; t >= 0; t-- {
		sigma := s.Sigma[t]
		if t == 0 {
			sigma = 0
		}
		outputs, err = m.reverseStepExec.Exec(x, labelsT, int32(t), s.RemoveNoiseCoeff[t], s.ReciprocalSqrtAlphas[t], sigma)
		if err != nil {
			return nil, errors.WithMessagef(err, "sampling reverse step t=%d", t)
		}
		_ = x.FinalizeAll()
		x = outputs[0]
	}
	return x, nil
}

// NumParameters returns the number of scalar weights of the model, excluding the EMA copy.
func (m *Model) NumParameters() int {
	var count int
	for v := range m.ctx.In(ModelScope).IterVariablesInScope() {
		count += v.Shape().Size()
	}
	return count
}

// Memory returns the number of bytes used by all the variables, including optimizer state.
func (m *Model) Memory() uintptr {
	return m.ctx.Memory()
}

// Finalize frees the compiled graphs. The model can't be used afterward.
func (m *Model) Finalize() {
	for _, e := range []*context.Exec{m.lossExec, m.emaExec, m.noiseExec, m.reverseStepExec} {
		if e != nil {
			e.Finalize()
		}
	}
}
