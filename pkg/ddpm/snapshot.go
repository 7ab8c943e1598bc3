// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/tinyddpm/pkg/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	_ checkpoints.Snapshotter = (*Model)(nil)
	_ checkpoints.Restorer    = (*Model)(nil)
)

// inScope returns whether the absolute scope is scopeName (under the root) or one of its sub-scopes.
func inScope(scope, scopeName string) bool {
	prefix := context.ScopeSeparator + scopeName
	return scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator)
}

func isModelState(scope string) bool {
	return inScope(scope, ModelScope) || inScope(scope, EMAScope)
}

// snapshot returns the current value of the variables selected by keep.
func (m *Model) snapshot(keep func(scope string) bool) (state checkpoints.State, err error) {
	for v := range m.ctx.IterVariables() {
		if !keep(v.Scope()) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		state = append(state, checkpoints.Variable{Scope: v.Scope(), Name: v.Name(), Value: value})
	}
	return state, nil
}

// ModelState implements checkpoints.Snapshotter: the weights and their EMA.
func (m *Model) ModelState() (checkpoints.State, error) {
	return m.snapshot(isModelState)
}

// OptimizerState implements checkpoints.Snapshotter: every variable not in the model state.
func (m *Model) OptimizerState() (checkpoints.State, error) {
	return m.snapshot(func(scope string) bool { return !isModelState(scope) })
}

// RestoreModelState implements checkpoints.Restorer.
//
// Every weight in the state must already exist in the model with the same shape, which fails for
// checkpoints of a different architecture.
func (m *Model) RestoreModelState(state checkpoints.State) error {
	var restoredEMA bool
	for _, sv := range state {
		if !isModelState(sv.Scope) {
			return errors.Errorf("variable %q in scope %q is not part of the model state", sv.Name, sv.Scope)
		}
		v := m.ctx.GetVariableByScopeAndName(sv.Scope, sv.Name)
		if v == nil {
			if inScope(sv.Scope, EMAScope) {
				// EMA variables are created with the first average, defer them to it.
				m.deferLoading(sv)
				restoredEMA = true
				continue
			}
			return errors.Errorf("checkpoint variable %q not found in the model, was it created with a different configuration?",
				strings.TrimSuffix(sv.Scope, context.ScopeSeparator)+context.ScopeSeparator+sv.Name)
		}
		if err := setValue(v, sv.Value); err != nil {
			return err
		}
		restoredEMA = restoredEMA || inScope(sv.Scope, EMAScope)
	}
	if restoredEMA {
		m.emaInitialized = true
	}
	klog.V(1).Infof("restored %d model variables", len(state))
	return nil
}

// RestoreOptimizerState implements checkpoints.Restorer.
//
// Optimizer variables are only created by the first training step, so the ones that don't exist yet
// are loaded when they are created.
func (m *Model) RestoreOptimizerState(state checkpoints.State) error {
	for _, sv := range state {
		if isModelState(sv.Scope) {
			return errors.Errorf("variable %q in scope %q is part of the model state, not the optimizer",
				sv.Name, sv.Scope)
		}
		if v := m.ctx.GetVariableByScopeAndName(sv.Scope, sv.Name); v != nil {
			if err := setValue(v, sv.Value); err != nil {
				return err
			}
			continue
		}
		m.deferLoading(sv)
	}
	klog.V(1).Infof("restored %d optimizer variables, global step is now %d", len(state), m.GlobalStep())
	return nil
}

func setValue(v *context.Variable, value *tensors.Tensor) error {
	if !v.Shape().Equal(value.Shape()) {
		return errors.Errorf("checkpoint variable %q shaped %s, but the model expects %s",
			v.ScopeAndName(), value.Shape(), v.Shape())
	}
	return errors.WithMessagef(v.SetValue(value), "restoring variable %q", v.ScopeAndName())
}

// deferLoading registers the value to be used when the variable is created.
func (m *Model) deferLoading(sv checkpoints.Variable) {
	loader, ok := m.ctx.Loader().(*pendingLoader)
	if !ok {
		loader = &pendingLoader{values: make(map[scopeAndName]*tensors.Tensor), previous: m.ctx.Loader()}
		m.ctx.SetLoader(loader)
	}
	loader.values[scopeAndName{sv.Scope, sv.Name}] = sv.Value
}

type scopeAndName struct{ scope, name string }

// pendingLoader implements context.Loader with the restored values of variables not yet created.
type pendingLoader struct {
	values   map[scopeAndName]*tensors.Tensor
	previous context.Loader
}

// LoadVariable implements context.Loader.
func (l *pendingLoader) LoadVariable(ctx *context.Context, scope, name string) (*tensors.Tensor, bool) {
	key := scopeAndName{scope, name}
	if value, found := l.values[key]; found {
		delete(l.values, key)
		return value, true
	}
	if l.previous != nil {
		return l.previous.LoadVariable(ctx, scope, name)
	}
	return nil, false
}

// DeleteVariable implements context.Loader.
func (l *pendingLoader) DeleteVariable(ctx *context.Context, scope, name string) error {
	delete(l.values, scopeAndName{scope, name})
	if l.previous != nil {
		return l.previous.DeleteVariable(ctx, scope, name)
	}
	return nil
}
