// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads the model and optimizer state of a training run.
//
// Each checkpoint event writes two artifacts, named after the project, the run and the iteration:
//
//	{dir}/{project}-{run}-iteration-{N}-model.bin
//	{dir}/{project}-{run}-iteration-{N}-optim.bin
//
// Artifacts are written once and never overwritten or pruned.
package checkpoints

import (
	"bufio"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrInvalidIteration is returned when saving a checkpoint for an iteration < 1.
	ErrInvalidIteration = errors.New("checkpoint iteration must be >= 1")

	// ErrInvalidArtifact is returned when loading a file that is not a checkpoint artifact of the expected kind.
	ErrInvalidArtifact = errors.New("invalid checkpoint artifact")
)

// Kind of artifact.
type Kind string

const (
	KindModel     Kind = "model"
	KindOptimizer Kind = "optim"
)

// FileSuffix is the extension of the artifacts.
const FileSuffix = ".bin"

// magic identifies the artifacts, it is written uncompressed before the gzip stream.
const magic = "tddpm_01"

// Variable is one saved variable: its absolute scope, name and value.
type Variable struct {
	Scope, Name string
	Value       *tensors.Tensor
}

// State is a list of variables.
type State []Variable

// Snapshotter provides the state to be saved. The returned tensors are only read.
type Snapshotter interface {
	ModelState() (State, error)
	OptimizerState() (State, error)
}

// Restorer takes the state loaded from a checkpoint.
type Restorer interface {
	RestoreModelState(State) error
	RestoreOptimizerState(State) error
}

// header is the gob encoded metadata written before the tensors.
type header struct {
	Kind      Kind
	Iteration int
	Project   string
	Run       string
	Scopes    []string
	Names     []string
	DTypes    []dtypes.DType
	Dims      [][]int
}

// Manager builds the artifact paths of a run and saves and loads them.
type Manager struct {
	dir, project, run string
}

// New creates a Manager writing to dir. "~" in dir is expanded to the home directory.
func New(dir, project, run string) *Manager {
	return &Manager{dir: fsutil.MustReplaceTildeInDir(dir), project: project, run: run}
}

// String implements fmt.Stringer.
func (m *Manager) String() string {
	return fmt.Sprintf("checkpoints.Manager(%q)", filepath.Join(m.dir, m.project+"-"+m.run))
}

// Dir where artifacts are written.
func (m *Manager) Dir() string { return m.dir }

// Path returns the path of the artifact of the given kind for iteration.
func (m *Manager) Path(iteration int, kind Kind) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%s-iteration-%d-%s%s", m.project, m.run, iteration, kind, FileSuffix))
}

// Paths returns the paths of the model and optimizer artifacts for iteration.
func (m *Manager) Paths(iteration int) (model, optim string) {
	return m.Path(iteration, KindModel), m.Path(iteration, KindOptimizer)
}

// Save writes the model and optimizer artifacts of iteration.
//
// It fails if iteration < 1 or if any of the artifacts already exists. A failure is meant to be
// fatal: no retry is attempted, and an artifact that failed to be written is removed.
func (m *Manager) Save(iteration int, snapshotter Snapshotter) error {
	if iteration < 1 {
		return errors.Wrapf(ErrInvalidIteration, "%s: got iteration %d", m, iteration)
	}
	if err := os.MkdirAll(m.dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint directory", m)
	}
	// Both states are read before anything is written.
	modelState, err := snapshotter.ModelState()
	if err != nil {
		return errors.WithMessagef(err, "%s: reading model state", m)
	}
	optimState, err := snapshotter.OptimizerState()
	if err != nil {
		return errors.WithMessagef(err, "%s: reading optimizer state", m)
	}
	if err = m.write(iteration, KindModel, modelState); err != nil {
		return err
	}
	if err = m.write(iteration, KindOptimizer, optimState); err != nil {
		// Artifacts come in pairs.
		_ = os.Remove(m.Path(iteration, KindModel))
		return err
	}
	klog.V(1).Infof("%s: saved iteration %d (%d model and %d optimizer variables)",
		m, iteration, len(modelState), len(optimState))
	return nil
}

func (m *Manager) write(iteration int, kind Kind, state State) (err error) {
	path := m.Path(iteration, kind)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create %s checkpoint", m, kind)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	h := header{Kind: kind, Iteration: iteration, Project: m.project, Run: m.run}
	for _, v := range state {
		h.Scopes = append(h.Scopes, v.Scope)
		h.Names = append(h.Names, v.Name)
		h.DTypes = append(h.DTypes, v.Value.DType())
		h.Dims = append(h.Dims, v.Value.Shape().Dimensions)
	}
	if _, err = f.WriteString(magic); err != nil {
		return errors.Wrapf(err, "%s: failed to write %q", m, path)
	}
	zw := gzip.NewWriter(f)
	enc := gob.NewEncoder(zw)
	if err = enc.Encode(&h); err != nil {
		return errors.Wrapf(err, "%s: failed to encode header of %q", m, path)
	}
	for _, v := range state {
		if err = v.Value.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "%s: failed to write variable %s/%s to %q", m, v.Scope, v.Name, path)
		}
	}
	if err = zw.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to flush %q", m, path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close %q", m, path)
	}
	return nil
}

// Artifact is the content of one checkpoint file.
type Artifact struct {
	Kind      Kind
	Iteration int
	Project   string
	Run       string
	State     State
}

// Read loads the artifact at path.
func Read(path string) (*Artifact, error) {
	path = fsutil.MustReplaceTildeInDir(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	buf := make([]byte, len(magic))
	if _, err = io.ReadFull(r, buf); err != nil || string(buf) != magic {
		return nil, errors.Wrapf(ErrInvalidArtifact, "%q has no checkpoint header", path)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decompress checkpoint %q", path)
	}
	defer func() { _ = zr.Close() }()
	dec := gob.NewDecoder(zr)
	var h header
	if err = dec.Decode(&h); err != nil {
		return nil, errors.Wrapf(err, "failed to decode header of checkpoint %q", path)
	}
	if len(h.Names) != len(h.Scopes) || len(h.Names) != len(h.DTypes) || len(h.Names) != len(h.Dims) {
		return nil, errors.Wrapf(ErrInvalidArtifact, "%q has an inconsistent header", path)
	}
	artifact := &Artifact{Kind: h.Kind, Iteration: h.Iteration, Project: h.Project, Run: h.Run,
		State: make(State, 0, len(h.Names))}
	for ii, name := range h.Names {
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %s/%s from %q", h.Scopes[ii], name, path)
		}
		if want := shapes.Make(h.DTypes[ii], h.Dims[ii]...); !value.Shape().Equal(want) {
			return nil, errors.Wrapf(ErrInvalidArtifact, "variable %s/%s in %q shaped %s, header says %s",
				h.Scopes[ii], name, path, value.Shape(), want)
		}
		artifact.State = append(artifact.State, Variable{Scope: h.Scopes[ii], Name: name, Value: value})
	}
	return artifact, nil
}

func load(path string, kind Kind, restore func(State) error) (iteration int, err error) {
	artifact, err := Read(path)
	if err != nil {
		return 0, err
	}
	if artifact.Kind != kind {
		return 0, errors.Wrapf(ErrInvalidArtifact, "%q is a %q checkpoint, expected %q", path, artifact.Kind, kind)
	}
	if err = restore(artifact.State); err != nil {
		return 0, errors.WithMessagef(err, "restoring %s checkpoint %q", kind, path)
	}
	klog.Infof("loaded %s checkpoint %q (iteration %d, %d variables)", kind, path, artifact.Iteration, len(artifact.State))
	return artifact.Iteration, nil
}

// LoadModel restores the model state from the artifact at path, and returns the iteration it was saved at.
func LoadModel(path string, restorer Restorer) (iteration int, err error) {
	return load(path, KindModel, restorer.RestoreModelState)
}

// LoadOptimizer restores the optimizer state from the artifact at path, and returns the iteration it was saved at.
func LoadOptimizer(path string, restorer Restorer) (iteration int, err error) {
	return load(path, KindOptimizer, restorer.RestoreOptimizerState)
}
