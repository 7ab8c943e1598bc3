// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainloop

import (
	"bytes"
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/tinyddpm/pkg/checkpoints"
	"github.com/gomlx/tinyddpm/pkg/config"
	"github.com/gomlx/tinyddpm/pkg/datasets"
	"github.com/gomlx/tinyddpm/pkg/eval"
	"github.com/gomlx/tinyddpm/pkg/tracking"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel has a single weight, the number of steps taken.
type fakeModel struct {
	steps      int
	restored   int
	beforeStep func()
	stepErr    error
	loss       float64
}

func (m *fakeModel) TrainStep(datasets.Batch) (float64, error) {
	if m.beforeStep != nil {
		m.beforeStep()
	}
	if m.stepErr != nil {
		return 0, m.stepErr
	}
	m.steps++
	if m.loss != 0 {
		return m.loss, nil
	}
	return 1 / float64(m.steps), nil
}

func (m *fakeModel) ModelState() (checkpoints.State, error) {
	return checkpoints.State{{Scope: "/model", Name: "steps", Value: tensors.FromScalar(int64(m.steps))}}, nil
}

func (m *fakeModel) OptimizerState() (checkpoints.State, error) {
	return checkpoints.State{{Scope: "/", Name: "global_step", Value: tensors.FromScalar(int64(m.steps))}}, nil
}

func (m *fakeModel) RestoreModelState(state checkpoints.State) error {
	m.restored = int(state[0].Value.Value().(int64))
	m.steps = m.restored
	return nil
}

func (m *fakeModel) RestoreOptimizerState(checkpoints.State) error { return nil }
func (m *fakeModel) NumParameters() int                            { return 1 }
func (m *fakeModel) Memory() uintptr                               { return 8 }

// fakeBatches counts the batches pulled.
type fakeBatches struct{ count int }

func (b *fakeBatches) Next() (datasets.Batch, error) {
	b.count++
	return datasets.Batch{}, nil
}

type fakeEvaluator struct{ calls int }

func (e *fakeEvaluator) Evaluate() (eval.Result, error) {
	e.calls++
	return eval.Result{TestLoss: 0.25, NumBatches: 3, Samples: []*image.Gray{
		image.NewGray(image.Rect(0, 0, 28, 28)), image.NewGray(image.Rect(0, 0, 28, 28))}}, nil
}

type fakeSession struct {
	watched bool
	records []tracking.Metrics
	status  tracking.Status
	closes  int
}

func (s *fakeSession) Watch(tracking.Watchable) error { s.watched = true; return nil }
func (s *fakeSession) Record(m tracking.Metrics) error {
	s.records = append(s.records, m)
	return nil
}
func (s *fakeSession) SetStatus(status tracking.Status) { s.status = status }
func (s *fakeSession) Close() error                     { s.closes++; return nil }

type testRun struct {
	cfg       *config.Config
	model     *fakeModel
	batches   *fakeBatches
	evaluator *fakeEvaluator
	manager   *checkpoints.Manager
	session   *fakeSession
	opens     int
	output    bytes.Buffer
}

// newTestRun with 10 iterations, evaluating and checkpointing every 5.
func newTestRun(t *testing.T) *testRun {
	cfg := config.Default()
	cfg.Iterations = 10
	cfg.LogRate = 5
	cfg.CheckpointRate = 5
	cfg.BatchSize = 4
	cfg.LogDir = t.TempDir()
	cfg.RunName = "test"
	return &testRun{
		cfg:       &cfg,
		model:     &fakeModel{},
		batches:   &fakeBatches{},
		evaluator: &fakeEvaluator{},
		manager:   checkpoints.New(cfg.LogDir, cfg.ProjectName, cfg.RunName),
		session:   &fakeSession{},
	}
}

func (r *testRun) newLoop(t *testing.T) *Loop {
	loop, err := r.tryNewLoop()
	require.NoError(t, err)
	return loop
}

func (r *testRun) tryNewLoop() (*Loop, error) {
	openSession := func() (Session, error) {
		r.opens++
		return r.session, nil
	}
	loop, err := New(r.cfg, r.model, r.batches, r.evaluator, r.manager, openSession)
	if err != nil {
		return nil, err
	}
	loop.SetOutput(&r.output)
	return loop, nil
}

func (r *testRun) artifacts(t *testing.T) []string {
	entries, err := os.ReadDir(r.cfg.LogDir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), checkpoints.FileSuffix) {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestRunScenario(t *testing.T) {
	r := newTestRun(t)
	r.cfg.LogToTracker = true
	loop := r.newLoop(t)

	// Running loss before each iteration.
	var before []int
	r.model.beforeStep = func() { before = append(before, loop.RunningLoss.Count()) }

	outcome, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, StateFinished, loop.State())
	assert.Equal(t, 10, r.model.steps)
	assert.Equal(t, 10, r.batches.count)

	assert.Equal(t, 2, r.evaluator.calls)
	assert.Equal(t, 2, loop.NumEvaluations)
	assert.Equal(t, 2, loop.NumCheckpoints)
	assert.Len(t, r.artifacts(t), 4)
	for _, iteration := range []int{5, 10} {
		model, optim := r.manager.Paths(iteration)
		assert.FileExists(t, model)
		assert.FileExists(t, optim)
	}

	require.Len(t, before, 10)
	assert.Equal(t, 0, before[0], "running loss before iteration 1")
	assert.Equal(t, 0, before[5], "running loss before iteration 6")
	assert.Equal(t, 0, loop.RunningLoss.Count(), "running loss at the end")
	assert.Equal(t, 0.0, loop.RunningLoss.Sum())

	// Tracking.
	assert.Equal(t, 1, r.opens)
	assert.True(t, r.session.watched)
	assert.Equal(t, 1, r.session.closes)
	assert.Equal(t, tracking.StatusFinished, r.session.status)
	require.Len(t, r.session.records, 2)
	first := r.session.records[0]
	assert.Equal(t, 5, first.Iteration)
	assert.InDelta(t, (1+1.0/2+1.0/3+1.0/4+1.0/5)/5, first.TrainLoss, 1e-9)
	assert.Equal(t, 0.25, first.TestLoss)
	assert.Len(t, first.Samples, 2)
	assert.Equal(t, 10, r.session.records[1].Iteration)

	output := r.output.String()
	assert.Contains(t, output, "=====> iter: 1, loss: 1.000000\n")
	assert.Contains(t, output, "=====> iter: 10, loss: 0.100000\n")
	assert.Equal(t, 2, strings.Count(output, "---------> test loss: 0.250000\n"))
}

func TestCadenceCounts(t *testing.T) {
	for _, tc := range []struct{ iterations, logRate, checkpointRate int }{
		{7, 2, 3}, {12, 12, 5}, {9, 4, 9}, {3, 1, 1},
	} {
		r := newTestRun(t)
		r.cfg.Iterations, r.cfg.LogRate, r.cfg.CheckpointRate = tc.iterations, tc.logRate, tc.checkpointRate
		loop := r.newLoop(t)
		outcome, err := loop.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)
		assert.Equal(t, tc.iterations/tc.logRate, r.evaluator.calls, "%+v", tc)
		assert.Len(t, r.artifacts(t), 2*(tc.iterations/tc.checkpointRate), "%+v", tc)
	}
}

func TestLoggingDisabled(t *testing.T) {
	r := newTestRun(t)
	r.cfg.ProjectName = ""
	r.manager = checkpoints.New(r.cfg.LogDir, "noproject", r.cfg.RunName)
	loop := r.newLoop(t)
	outcome, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 0, r.opens)
	assert.Empty(t, r.session.records)
	assert.Equal(t, 0, r.session.closes)
}

func TestLoggingWithoutProject(t *testing.T) {
	r := newTestRun(t)
	r.cfg.LogToTracker = true
	r.cfg.ProjectName = ""
	_, err := r.tryNewLoop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfiguration))
	assert.Equal(t, 0, r.opens)
	assert.Equal(t, 0, r.model.steps)
}

func TestInterrupt(t *testing.T) {
	for _, k := range []int{1, 7, 10} {
		r := newTestRun(t)
		r.cfg.LogToTracker = true
		loop := r.newLoop(t)
		ctx, cancel := context.WithCancel(context.Background())
		r.model.beforeStep = func() {
			if loop.Iteration == k {
				cancel()
			}
		}
		outcome, err := loop.Run(ctx)
		require.NoError(t, err, "interrupt at %d", k)
		assert.Equal(t, OutcomeInterrupted, outcome)
		assert.Equal(t, k, r.model.steps, "the step in flight completes")
		assert.Equal(t, 1, r.session.closes, "interrupt at %d", k)
		assert.Equal(t, tracking.StatusInterrupted, r.session.status)
		assert.Contains(t, r.output.String(), "Keyboard interrupt, run finished early\n")

		// Only complete checkpoints before the interrupt.
		wantCheckpoints := (k - 1) / r.cfg.CheckpointRate
		assert.Len(t, r.artifacts(t), 2*wantCheckpoints, "interrupt at %d", k)
		_, optim := r.manager.Paths(k)
		assert.NoFileExists(t, optim)
	}
}

func TestInterruptBeforeStart(t *testing.T) {
	r := newTestRun(t)
	loop := r.newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, outcome)
	assert.Equal(t, 0, r.model.steps)
}

func TestFailure(t *testing.T) {
	r := newTestRun(t)
	r.cfg.LogToTracker = true
	loop := r.newLoop(t)
	r.model.beforeStep = func() {
		if loop.Iteration == 3 {
			r.model.stepErr = errors.New("device on fire")
		}
	}
	var endOutcome Outcome = -1
	loop.OnEnd("test", 0, func(_ *Loop, outcome Outcome) error {
		endOutcome = outcome
		return nil
	})
	outcome, err := loop.Run(context.Background())
	require.ErrorContains(t, err, "device on fire")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, OutcomeFailed, endOutcome)
	assert.Equal(t, 1, r.session.closes)
	assert.Equal(t, tracking.StatusFailed, r.session.status)

	// A loop only runs once.
	_, err = loop.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, r.session.closes)
}

func TestNaNLoss(t *testing.T) {
	r := newTestRun(t)
	r.model.loss = math.NaN()
	loop := r.newLoop(t)
	_, err := loop.Run(context.Background())
	require.ErrorContains(t, err, "NaN")
	assert.Empty(t, r.artifacts(t))
}

func TestResume(t *testing.T) {
	r := newTestRun(t)
	r.cfg.Iterations = 5
	_, err := r.newLoop(t).Run(context.Background())
	require.NoError(t, err)
	model, optim := r.manager.Paths(5)

	// Continue counting from the checkpoint.
	r2 := newTestRun(t)
	r2.cfg.Iterations, r2.cfg.LogRate = 8, 4
	r2.cfg.ModelCheckpoint, r2.cfg.OptimCheckpoint = model, optim
	r2.cfg.ResumeIteration = true
	loop := r2.newLoop(t)
	outcome, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 5, r2.model.restored)
	assert.Equal(t, 6, loop.StartIteration)
	assert.Equal(t, 3, r2.batches.count)
	assert.Equal(t, 1, r2.evaluator.calls)
	assert.NotContains(t, r2.output.String(), "iter: 1,")
	assert.Contains(t, r2.output.String(), "iter: 6,")

	// By default the count restarts at 1.
	r3 := newTestRun(t)
	r3.cfg.Iterations = 3
	r3.cfg.ModelCheckpoint = model
	loop = r3.newLoop(t)
	_, err = loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loop.StartIteration)
	assert.Equal(t, 3, r3.batches.count)
}

func TestWithTrackingSession(t *testing.T) {
	r := newTestRun(t)
	r.cfg.LogToTracker = true
	var session *tracking.Session
	openSession := func() (Session, error) {
		var err error
		session, err = tracking.Open(tracking.Options{Dir: r.cfg.LogDir, Project: r.cfg.ProjectName,
			Run: r.cfg.RunName, Config: r.cfg})
		return session, err
	}
	loop, err := New(r.cfg, r.model, r.batches, r.evaluator, r.manager, openSession)
	require.NoError(t, err)
	loop.SetOutput(&r.output).PrintIterations(false)
	outcome, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.NotContains(t, r.output.String(), "=====> iter")

	// The session was closed by the loop, closing it again is a no-op.
	require.NoError(t, session.Close())
	for _, name := range []string{tracking.RunFileName, tracking.MetricsFileName, tracking.CSVFileName,
		tracking.PlotFileName} {
		assert.FileExists(t, filepath.Join(session.Dir(), name))
	}
	assert.Equal(t, 2, session.DataFrame().Nrow())
}
