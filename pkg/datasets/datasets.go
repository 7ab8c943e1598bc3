// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets defines the batches fed to the diffusion model and the Cycler, which turns a
// finite dataset into an endless stream of batches.
package datasets

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Batch of examples.
type Batch struct {
	// Images shaped [batch_size, height, width, channels], float32 values in [-1, 1].
	Images *tensors.Tensor

	// Labels shaped [batch_size], int32.
	Labels *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Shape().Dimensions[0]
}

// Finalize frees the batch tensors immediately, instead of waiting for the garbage collector.
// The batch can't be used afterward.
func (b Batch) Finalize() error {
	for _, t := range []*tensors.Tensor{b.Images, b.Labels} {
		if t == nil {
			continue
		}
		if err := t.FinalizeAll(); err != nil {
			return errors.WithMessage(err, "finalizing batch")
		}
	}
	return nil
}

// Source is a finite, batched dataset.
//
// Yield returns io.EOF at the end of each epoch, and Reset restarts it, reshuffling
// if the source is shuffled. All batches yielded have the same shape.
type Source interface {
	Name() string
	Yield() (Batch, error)
	Reset()
}

// ErrEmptySource is returned by Cycler.Next if the source has no complete batch even right after a Reset.
var ErrEmptySource = errors.New("dataset has no complete batch")

// Cycler wraps a Source and yields batches forever, resetting the source whenever it is exhausted.
//
// It keeps no cursor of its own: continuing a run simply means continuing to call Next.
type Cycler struct {
	src    Source
	epochs int
	yields int
}

// NewCycler creates a Cycler over src.
func NewCycler(src Source) *Cycler {
	return &Cycler{src: src}
}

// Next returns the next batch. It never returns io.EOF.
func (c *Cycler) Next() (Batch, error) {
	batch, err := c.src.Yield()
	if err == io.EOF {
		c.epochs++
		klog.V(1).Infof("dataset %q: finished epoch %d after %d batches, restarting", c.src.Name(), c.epochs, c.yields)
		c.src.Reset()
		batch, err = c.src.Yield()
		if err == io.EOF {
			return Batch{}, errors.Wrapf(ErrEmptySource, "cycling over %q", c.src.Name())
		}
	}
	if err != nil {
		return Batch{}, errors.WithMessagef(err, "reading from dataset %q", c.src.Name())
	}
	c.yields++
	return batch, nil
}

// Epochs returns the number of times the underlying source was exhausted.
func (c *Cycler) Epochs() int { return c.epochs }

// Yields returns the total number of batches returned so far.
func (c *Cycler) Yields() int { return c.yields }
