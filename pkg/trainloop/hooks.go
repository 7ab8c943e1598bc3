// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainloop

import (
	"iter"
	"slices"

	"github.com/gomlx/tinyddpm/pkg/eval"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. loss is the one of the training step just taken.
type OnStepFn func(loop *Loop, loss float64) error

// OnEvaluationFn is the type of OnEvaluation hooks. trainLoss is the mean training loss since the
// previous evaluation.
type OnEvaluationFn func(loop *Loop, result eval.Result, trainLoss float64) error

// OnEndFn is the type of OnEnd hooks. They are called by the finishing phase on every path, with
// the outcome of the run.
type OnEndFn func(loop *Loop, outcome Outcome) error

// OnStart adds a hook with given priority and name (for error reporting) to the start of the run,
// after checkpoints are loaded and before the first iteration.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEvaluation adds a hook with given priority and name (for error reporting) called after each
// evaluation, once the result was recorded.
func (loop *Loop) OnEvaluation(name string, priority Priority, fn OnEvaluationFn) {
	loop.onEvaluation.Add(priority, &hookWithName[OnEvaluationFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the finishing phase.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (loop *Loop) runStartHooks() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) runStepHooks(loss float64) error {
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) runEvaluationHooks(result eval.Result, trainLoss float64) error {
	for hook := range loop.onEvaluation.All() {
		if err := hook.fn(loop, result, trainLoss); err != nil {
			return errors.WithMessagef(err, "OnEvaluation(hook %q)", hook.name)
		}
	}
	return nil
}

// runEndHooks calls all hooks, even if some fail, and returns the first error.
func (loop *Loop) runEndHooks(outcome Outcome) (firstErr error) {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, outcome); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return firstErr
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order. Hooks with the same priority
// are returned in the order they were added.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
