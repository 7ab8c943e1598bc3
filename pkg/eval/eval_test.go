// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eval

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/tinyddpm/pkg/datasets"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listSource yields numBatches empty batches per epoch.
type listSource struct {
	numBatches, next, resets int
}

func (s *listSource) Name() string { return "list" }
func (s *listSource) Reset()       { s.next = 0; s.resets++ }

func (s *listSource) Yield() (datasets.Batch, error) {
	if s.next >= s.numBatches {
		return datasets.Batch{}, io.EOF
	}
	s.next++
	return datasets.Batch{}, nil
}

// fakeModel returns losses 1, 2, 3, ... and samples with values outside the model range.
type fakeModel struct {
	calls  int
	labels []int32
}

func (m *fakeModel) Loss(datasets.Batch) (float64, error) {
	m.calls++
	return float64(m.calls), nil
}

func (m *fakeModel) Sample(labels []int32) (*tensors.Tensor, error) {
	m.labels = labels
	values := []float32{-3, -1, 0, 1, 0.5, 7}
	data := make([]float32, len(labels)*2*3)
	for ii := range data {
		data[ii] = values[ii%len(values)]
	}
	return tensors.FromFlatDataAndDimensions(data, len(labels), 2, 3, 1), nil
}

func TestLoss(t *testing.T) {
	src := &listSource{numBatches: 4}
	model := &fakeModel{}
	e := New(model, src, 2, true)

	loss, numBatches, err := e.Loss()
	require.NoError(t, err)
	assert.Equal(t, 4, numBatches)
	assert.InDelta(t, 2.5, loss, 1e-9) // (1+2+3+4)/4

	// A second pass uses the whole set again.
	loss, numBatches, err = e.Loss()
	require.NoError(t, err)
	assert.Equal(t, 4, numBatches)
	assert.InDelta(t, 6.5, loss, 1e-9) // (5+6+7+8)/4
	assert.Equal(t, 2, src.resets)
	assert.Equal(t, 8, model.calls)
}

func TestLossEmpty(t *testing.T) {
	e := New(&fakeModel{}, &listSource{}, 2, true)
	_, _, err := e.Loss()
	assert.True(t, errors.Is(err, ErrNoBatches))
}

func TestSamples(t *testing.T) {
	model := &fakeModel{}
	e := New(model, &listSource{numBatches: 1}, 3, true)
	result, err := e.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 0}, model.labels)
	require.Len(t, result.Samples, 3)
	img := result.Samples[0]
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	// -3 and -1 map to black, 0 to gray, 1 and above to white.
	assert.Equal(t, []uint8{0, 0, 128, 255, 191, 255}, img.Pix)

	unconditioned := New(model, &listSource{numBatches: 1}, 3, false)
	_, err = unconditioned.Samples()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 0}, model.labels)
}

func TestDisplayRange(t *testing.T) {
	for _, v := range []float64{-100, -1, -0.3, 0, 0.999, 1, 1.5, 1e9} {
		d := DisplayRange(v)
		assert.True(t, d >= 0 && d <= 1, "DisplayRange(%g)=%g", v, d)
	}
	assert.Equal(t, 0.5, DisplayRange(0))
	assert.Equal(t, 0.75, DisplayRange(0.5))
}

func TestToGrayImagesShape(t *testing.T) {
	_, err := ToGrayImages(tensors.FromValue([][]float32{{1, 2}}))
	require.Error(t, err)
}
