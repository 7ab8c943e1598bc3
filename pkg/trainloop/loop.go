// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainloop implements the controller of a diffusion training run.
//
// A Loop owns the iteration counter. Each iteration it takes one training step, and at their own
// cadences it evaluates the model (recording the metrics and samples if tracking is enabled) and
// saves a checkpoint. Everything runs sequentially on the caller's goroutine.
//
// Cancellation is cooperative: the context passed to Loop.Run is only checked at iteration
// boundaries, and a cancelled run is not an error. Whatever the way the run ends, the tracking
// session, if one was opened, is closed.
package trainloop

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"github.com/gomlx/tinyddpm/pkg/checkpoints"
	"github.com/gomlx/tinyddpm/pkg/config"
	"github.com/gomlx/tinyddpm/pkg/datasets"
	"github.com/gomlx/tinyddpm/pkg/eval"
	"github.com/gomlx/tinyddpm/pkg/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model trained by the loop.
type Model interface {
	// TrainStep takes one optimization step on the batch, including the EMA update, and returns the batch loss.
	TrainStep(batch datasets.Batch) (float64, error)

	checkpoints.Snapshotter
	checkpoints.Restorer
	tracking.Watchable
}

// Batches is an endless source of training batches, usually a *datasets.Cycler.
type Batches interface {
	Next() (datasets.Batch, error)
}

// Evaluator computes the held-out loss and the samples, usually an *eval.Evaluator.
type Evaluator interface {
	Evaluate() (eval.Result, error)
}

// Checkpointer saves checkpoints, usually a *checkpoints.Manager.
type Checkpointer interface {
	Save(iteration int, snapshotter checkpoints.Snapshotter) error
}

// Session records metrics, usually a *tracking.Session. Close must be safe to call more than once.
type Session interface {
	Watch(model tracking.Watchable) error
	Record(metrics tracking.Metrics) error
	SetStatus(status tracking.Status)
	Close() error
}

// OpenSessionFn opens the tracking session. It is only called if tracking is enabled.
type OpenSessionFn func() (Session, error)

// Loop controls a training run. Create it with New and run it with Run, only once.
//
// The public attributes are meant for reading only, from hooks or after the run.
type Loop struct {
	cfg          *config.Config
	model        Model
	batches      Batches
	evaluator    Evaluator
	checkpointer Checkpointer
	openSession  OpenSessionFn
	session      Session

	out             io.Writer
	printIterations bool
	state           State

	// Iteration currently being executed, 1-based.
	Iteration int

	// StartIteration is the first iteration of the run: 1, unless resuming the iteration count of a checkpoint.
	StartIteration int

	// EndIteration is the last iteration of the run, config.Config.Iterations.
	EndIteration int

	// RunningLoss accumulates the training loss between evaluations.
	RunningLoss RunningLoss

	// NumEvaluations and NumCheckpoints done so far.
	NumEvaluations, NumCheckpoints int

	// StepDurations of the training steps taken so far.
	StepDurations []time.Duration

	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onStep       *priorityHooks[*hookWithName[OnStepFn]]
	onEvaluation *priorityHooks[*hookWithName[OnEvaluationFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
}

// New creates the training loop. The configuration is validated before anything else, and a
// tracking session is only opened, with openSession, if cfg.LogToTracker is set.
func New(cfg *config.Config, model Model, batches Batches, evaluator Evaluator, checkpointer Checkpointer,
	openSession OpenSessionFn) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogToTracker && openSession == nil {
		return nil, errors.New("tracking enabled without a way to open a session")
	}
	return &Loop{
		cfg:             cfg,
		model:           model,
		batches:         batches,
		evaluator:       evaluator,
		checkpointer:    checkpointer,
		openSession:     openSession,
		out:             os.Stdout,
		printIterations: true,
		StartIteration:  1,
		EndIteration:    cfg.Iterations,
		onStart:         newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:          newPriorityHooks[*hookWithName[OnStepFn]](),
		onEvaluation:    newPriorityHooks[*hookWithName[OnEvaluationFn]](),
		onEnd:           newPriorityHooks[*hookWithName[OnEndFn]](),
	}, nil
}

// SetOutput changes where the progress lines are printed. The default is os.Stdout.
func (loop *Loop) SetOutput(w io.Writer) *Loop {
	loop.out = w
	return loop
}

// PrintIterations sets whether a line is printed for every iteration. It is usually disabled when
// a progress bar is attached. The default is true.
func (loop *Loop) PrintIterations(enabled bool) *Loop {
	loop.printIterations = enabled
	return loop
}

// State of the loop.
func (loop *Loop) State() State { return loop.state }

// Config of the run.
func (loop *Loop) Config() *config.Config { return loop.cfg }

func (loop *Loop) setState(state State) {
	klog.V(2).Infof("training loop: %s -> %s (iteration %d)", loop.state, state, loop.Iteration)
	loop.state = state
}

func (loop *Loop) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(loop.out, format, args...)
}

// interrupted checks for cancellation without blocking.
func interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run the training until the last iteration, or until ctx is cancelled.
//
// A cancellation is reported as OutcomeInterrupted with a nil error. Any other failure stops the run
// and is returned: the most recent checkpoint is then the recovery point.
func (loop *Loop) Run(ctx context.Context) (outcome Outcome, err error) {
	if loop.state != StateNew {
		return OutcomeFailed, errors.Errorf("training loop already run (state %s)", loop.state)
	}
	outcome = OutcomeFailed
	defer func() {
		outcome, err = loop.finish(outcome, err)
	}()

	loop.setState(StateInitializing)
	if err = loop.initialize(); err != nil {
		return
	}
	if err = loop.runStartHooks(); err != nil {
		return
	}

	for loop.Iteration = loop.StartIteration; loop.Iteration <= loop.EndIteration; loop.Iteration++ {
		if interrupted(ctx) {
			return loop.abort(), nil
		}
		loop.setState(StateRunning)
		if err = loop.step(); err != nil {
			return
		}

		if loop.Iteration%loop.cfg.LogRate == 0 {
			if interrupted(ctx) {
				return loop.abort(), nil
			}
			loop.setState(StateEvaluating)
			if err = loop.evaluate(); err != nil {
				return
			}
		}

		if loop.Iteration%loop.cfg.CheckpointRate == 0 {
			if interrupted(ctx) {
				return loop.abort(), nil
			}
			loop.setState(StateCheckpointing)
			if err = loop.checkpoint(); err != nil {
				return
			}
		}
	}
	loop.Iteration = loop.EndIteration
	return OutcomeCompleted, nil
}

// initialize loads the checkpoints and opens the tracking session.
func (loop *Loop) initialize() error {
	if path := loop.cfg.ModelCheckpoint; path != "" {
		iteration, err := checkpoints.LoadModel(path, loop.model)
		if err != nil {
			return err
		}
		if loop.cfg.ResumeIteration {
			loop.StartIteration = iteration + 1
			klog.Infof("resuming at iteration %d", loop.StartIteration)
		}
	}
	if path := loop.cfg.OptimCheckpoint; path != "" {
		if _, err := checkpoints.LoadOptimizer(path, loop.model); err != nil {
			return err
		}
	}
	if loop.StartIteration > loop.EndIteration {
		klog.Warningf("nothing to train: starting at iteration %d, but the run ends at %d",
			loop.StartIteration, loop.EndIteration)
	}

	if !loop.cfg.LogToTracker {
		return nil
	}
	session, err := loop.openSession()
	if err != nil {
		return errors.WithMessage(err, "opening experiment tracking session")
	}
	loop.session = session
	if err = session.Watch(loop.model); err != nil {
		klog.Warningf("experiment tracking failed to watch the model: %+v", err)
	}
	return nil
}

// step takes one training step.
func (loop *Loop) step() error {
	batch, err := loop.batches.Next()
	if err != nil {
		return errors.WithMessagef(err, "iteration %d: reading training batch", loop.Iteration)
	}
	startTime := time.Now()
	loss, err := loop.model.TrainStep(batch)
	loop.StepDurations = append(loop.StepDurations, time.Since(startTime))
	if finalizeErr := batch.Finalize(); finalizeErr != nil && err == nil {
		err = finalizeErr
	}
	if err != nil {
		return errors.WithMessagef(err, "iteration %d: training step", loop.Iteration)
	}
	if math.IsNaN(loss) {
		return errors.Errorf("iteration %d: batch loss is NaN, training interrupted", loop.Iteration)
	}
	if math.IsInf(loss, 0) {
		return errors.Errorf("iteration %d: batch loss is infinity (%f), training interrupted", loop.Iteration, loss)
	}
	loop.RunningLoss.Add(loss)
	if loop.printIterations {
		loop.printf("=====> iter: %d, loss: %.6f\n", loop.Iteration, loss)
	}
	return loop.runStepHooks(loss)
}

// evaluate the model, record the results and reset the running loss.
func (loop *Loop) evaluate() error {
	result, err := loop.evaluator.Evaluate()
	if err != nil {
		return errors.WithMessagef(err, "iteration %d: evaluation", loop.Iteration)
	}
	trainLoss := loop.RunningLoss.Mean()
	if loop.session != nil {
		err = loop.session.Record(tracking.Metrics{
			Iteration: loop.Iteration,
			TrainLoss: trainLoss,
			TestLoss:  result.TestLoss,
			Samples:   result.Samples,
		})
		if err != nil {
			return errors.WithMessagef(err, "iteration %d: recording metrics", loop.Iteration)
		}
	}
	loop.printf("---------> test loss: %.6f\n", result.TestLoss)
	loop.RunningLoss.Reset()
	loop.NumEvaluations++
	return loop.runEvaluationHooks(result, trainLoss)
}

func (loop *Loop) checkpoint() error {
	if err := loop.checkpointer.Save(loop.Iteration, loop.model); err != nil {
		return errors.WithMessagef(err, "iteration %d: checkpoint", loop.Iteration)
	}
	loop.NumCheckpoints++
	return nil
}

func (loop *Loop) abort() Outcome {
	loop.setState(StateAborted)
	loop.printf(InterruptedNotice)
	klog.Infof("training interrupted at iteration %d", loop.Iteration)
	return OutcomeInterrupted
}

// finish is the terminal phase of every run: it closes the tracking session and calls the OnEnd hooks.
func (loop *Loop) finish(outcome Outcome, err error) (Outcome, error) {
	loop.setState(StateFinishing)
	if loop.session != nil {
		loop.session.SetStatus(outcome.trackingStatus())
		if closeErr := loop.session.Close(); closeErr != nil {
			if err == nil {
				err = errors.WithMessage(closeErr, "closing experiment tracking session")
				outcome = OutcomeFailed
			} else {
				klog.Errorf("failed to close experiment tracking session: %+v", closeErr)
			}
		}
	}
	if hookErr := loop.runEndHooks(outcome); hookErr != nil && err == nil {
		err = hookErr
		outcome = OutcomeFailed
	}
	loop.setState(StateFinished)
	if err == nil {
		klog.Infof("training %s at iteration %d, median step time %s", outcome, loop.Iteration,
			loop.MedianStepDuration())
	}
	return outcome, err
}

// MedianStepDuration returns the median duration of the training steps. It returns 1 millisecond
// if no step was taken.
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}
