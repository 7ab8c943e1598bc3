// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package eval measures a diffusion model on held-out data and generates the samples shown
// at each evaluation.
package eval

import (
	"image"
	"io"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/tinyddpm/pkg/config"
	"github.com/gomlx/tinyddpm/pkg/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is what the Evaluator needs from the diffusion model.
// Neither method may change the model weights.
type Model interface {
	// Loss of one batch in inference mode.
	Loss(batch datasets.Batch) (float64, error)

	// Sample one image per label, shaped [len(labels), height, width, 1], with values in [-1, 1].
	Sample(labels []int32) (*tensors.Tensor, error)
}

// ErrNoBatches is returned when the held-out source yields no batch at all.
var ErrNoBatches = errors.New("held-out dataset yielded no batches")

// Result of one evaluation. It is not kept after being reported.
type Result struct {
	// TestLoss is the mean of the per-batch losses over the whole held-out set.
	TestLoss float64

	// NumBatches used to compute TestLoss.
	NumBatches int

	// Samples generated by the model, in the display range.
	Samples []*image.Gray
}

// Evaluator computes the held-out loss and generates samples.
type Evaluator struct {
	model      Model
	heldOut    datasets.Source
	numSamples int
	useLabels  bool
}

// New creates an Evaluator. numSamples images are generated per evaluation: if useLabels is set,
// sample i is conditioned on label i % config.NumLabels.
func New(model Model, heldOut datasets.Source, numSamples int, useLabels bool) *Evaluator {
	return &Evaluator{model: model, heldOut: heldOut, numSamples: numSamples, useLabels: useLabels}
}

// Loss runs one full pass over the held-out set and returns the mean of the per-batch losses,
// each batch weighted equally.
func (e *Evaluator) Loss() (loss float64, numBatches int, err error) {
	e.heldOut.Reset()
	var sum float64
	for {
		batch, err := e.heldOut.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "reading held-out dataset %q", e.heldOut.Name())
		}
		batchLoss, err := e.model.Loss(batch)
		_ = batch.Finalize()
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "held-out batch #%d", numBatches)
		}
		sum += batchLoss
		numBatches++
	}
	if numBatches == 0 {
		return 0, 0, errors.Wrapf(ErrNoBatches, "evaluating on %q", e.heldOut.Name())
	}
	return sum / float64(numBatches), numBatches, nil
}

// SampleLabels returns the labels passed to the model to generate the samples.
// They are all 0 when the model is not conditioned on labels, and ignored by it.
func (e *Evaluator) SampleLabels() []int32 {
	labels := make([]int32, e.numSamples)
	if e.useLabels {
		for ii := range labels {
			labels[ii] = int32(ii % config.NumLabels)
		}
	}
	return labels
}

// Samples generates the sample images.
func (e *Evaluator) Samples() ([]*image.Gray, error) {
	if e.numSamples <= 0 {
		return nil, nil
	}
	samples, err := e.model.Sample(e.SampleLabels())
	if err != nil {
		return nil, errors.WithMessage(err, "generating evaluation samples")
	}
	defer func() { _ = samples.FinalizeAll() }()
	return ToGrayImages(samples)
}

// Evaluate computes the held-out loss and generates the samples.
func (e *Evaluator) Evaluate() (Result, error) {
	loss, numBatches, err := e.Loss()
	if err != nil {
		return Result{}, err
	}
	samples, err := e.Samples()
	if err != nil {
		return Result{}, err
	}
	klog.V(1).Infof("evaluation: test loss %.6f over %d batches, %d samples", loss, numBatches, len(samples))
	return Result{TestLoss: loss, NumBatches: numBatches, Samples: samples}, nil
}

// DisplayRange maps a value from the model range [-1, 1] to [0, 1], clipping values outside it.
func DisplayRange(v float64) float64 {
	v = (v + 1) / 2
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}

// ToGrayImages converts a batch of single channel images shaped [batch_size, height, width, 1],
// with values in the model range [-1, 1], to grayscale images.
func ToGrayImages(t *tensors.Tensor) ([]*image.Gray, error) {
	shape := t.Shape()
	if shape.Rank() != 4 || shape.Dimensions[3] != 1 {
		return nil, errors.Errorf("expected images shaped [batch_size, height, width, 1], got %s", shape)
	}
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("expected float32 images, got %s", t.DType())
	}
	numImages, height, width := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2]
	flat := tensors.MustCopyFlatData[float32](t)
	images := make([]*image.Gray, numImages)
	pos := 0
	for ii := range images {
		img := image.NewGray(image.Rect(0, 0, width, height))
		for h := range height {
			for w := range width {
				img.Pix[h*img.Stride+w] = uint8(math.Round(255 * DisplayRange(float64(flat[pos]))))
				pos++
			}
		}
		images[ii] = img
	}
	return images, nil
}
