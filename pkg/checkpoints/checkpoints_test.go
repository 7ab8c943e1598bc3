// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel keeps its state as plain values.
type fakeModel struct {
	model, optim                 State
	restoredModel, restoredOptim State
	failOptim                    bool
}

func (f *fakeModel) ModelState() (State, error) { return f.model, nil }

func (f *fakeModel) OptimizerState() (State, error) {
	if f.failOptim {
		return nil, errors.New("optimizer on fire")
	}
	return f.optim, nil
}

func (f *fakeModel) RestoreModelState(s State) error {
	f.restoredModel = s
	return nil
}

func (f *fakeModel) RestoreOptimizerState(s State) error {
	f.restoredOptim = s
	return nil
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		model: State{
			{Scope: "/model/000_init_conv", Name: "weights", Value: tensors.FromValue([][]float32{{1, 2}, {3, 4}})},
			{Scope: "/ema/000_init_conv", Name: "weights", Value: tensors.FromValue([][]float32{{1, 2}, {3, 5}})},
		},
		optim: State{
			{Scope: "/", Name: "global_step", Value: tensors.FromScalar(int64(5))},
		},
	}
}

func TestPaths(t *testing.T) {
	m := New("/tmp/logs", "aigc-ddpm", "run1")
	model, optim := m.Paths(800)
	assert.Equal(t, "/tmp/logs/aigc-ddpm-run1-iteration-800-model.bin", model)
	assert.Equal(t, "/tmp/logs/aigc-ddpm-run1-iteration-800-optim.bin", optim)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "proj", "run")
	src := newFakeModel()
	require.NoError(t, m.Save(5, src))

	modelPath, optimPath := m.Paths(5)
	require.FileExists(t, modelPath)
	require.FileExists(t, optimPath)

	dst := &fakeModel{}
	iteration, err := LoadModel(modelPath, dst)
	require.NoError(t, err)
	assert.Equal(t, 5, iteration)
	require.Len(t, dst.restoredModel, 2)
	assert.Equal(t, "/ema/000_init_conv", dst.restoredModel[1].Scope)
	assert.Equal(t, "weights", dst.restoredModel[1].Name)
	assert.Equal(t, [][]float32{{1, 2}, {3, 5}}, dst.restoredModel[1].Value.Value())

	iteration, err = LoadOptimizer(optimPath, dst)
	require.NoError(t, err)
	assert.Equal(t, 5, iteration)
	require.Len(t, dst.restoredOptim, 1)
	assert.Equal(t, int64(5), dst.restoredOptim[0].Value.Value())

	// Kinds can't be swapped.
	_, err = LoadModel(optimPath, dst)
	assert.True(t, errors.Is(err, ErrInvalidArtifact))
}

func TestSaveNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "proj", "run")
	require.NoError(t, m.Save(10, newFakeModel()))
	require.Error(t, m.Save(10, newFakeModel()))

	// The original artifacts are intact.
	artifact, err := Read(m.Path(10, KindModel))
	require.NoError(t, err)
	assert.Len(t, artifact.State, 2)
}

func TestSaveInvalidIteration(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "proj", "run")
	err := m.Save(0, newFakeModel())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidIteration))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveFailureLeavesNoArtifact(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "proj", "run")
	src := newFakeModel()
	src.failOptim = true
	require.ErrorContains(t, m.Save(3, src), "optimizer on fire")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "artifacts must come in pairs")
	assert.NoFileExists(t, m.Path(3, KindModel))
	assert.NoFileExists(t, m.Path(3, KindOptimizer))

	// Once the optimizer recovers, the same iteration can be saved.
	src.failOptim = false
	require.NoError(t, m.Save(3, src))
	assert.FileExists(t, m.Path(3, KindModel))
	assert.FileExists(t, m.Path(3, KindOptimizer))
}

func TestReadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))
	_, err := Read(path)
	assert.True(t, errors.Is(err, ErrInvalidArtifact))

	_, err = Read(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
