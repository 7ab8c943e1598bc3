// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/tinyddpm/pkg/checkpoints"
)

// inScope returns whether a variable scope is scope or one of its sub-scopes.
// An empty scope includes everything.
func inScope(varScope, scope string) bool {
	scope = strings.TrimSuffix(scope, "/")
	return scope == "" || varScope == scope || strings.HasPrefix(varScope, scope+"/")
}

// globalStep returns the value of the optimizer global step, if the artifact has it.
func globalStep(artifact *checkpoints.Artifact) (string, bool) {
	for _, v := range artifact.State {
		if v.Name != optimizers.GlobalStepVariableName {
			continue
		}
		switch step := v.Value.Value().(type) {
		case int64:
			return humanize.Comma(step), true
		case int32:
			return humanize.Comma(int64(step)), true
		default:
			return fmt.Sprintf("%v", step), true
		}
	}
	return "", false
}

// summaryTable describes each artifact in one column.
func summaryTable(artifacts []*checkpoints.Artifact, names []string, scope string) string {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	row := func(title string, value func(a *checkpoints.Artifact) string) {
		cells := []string{title}
		for _, a := range artifacts {
			cells = append(cells, value(a))
		}
		table.Row(cells...)
	}
	table.Row(append([]string{"checkpoint"}, names...)...)
	row("kind", func(a *checkpoints.Artifact) string { return string(a.Kind) })
	row("run", func(a *checkpoints.Artifact) string { return a.Project + "-" + a.Run })
	row("iteration", func(a *checkpoints.Artifact) string { return humanize.Comma(int64(a.Iteration)) })
	row("global_step", func(a *checkpoints.Artifact) string {
		step, _ := globalStep(a)
		return step
	})
	row("scope", func(*checkpoints.Artifact) string { return scope })

	row("# variables", func(a *checkpoints.Artifact) string {
		return humanize.Comma(int64(scopeStats(a, scope).numVars))
	})
	row("# parameters", func(a *checkpoints.Artifact) string {
		return humanize.Comma(int64(scopeStats(a, scope).numParams))
	})
	row("# bytes", func(a *checkpoints.Artifact) string {
		return humanize.Bytes(uint64(scopeStats(a, scope).memory))
	})
	return table.Render()
}

type stats struct {
	numVars, numParams int
	memory             uintptr
}

// scopeStats counts the variables of the artifact under scope.
func scopeStats(artifact *checkpoints.Artifact, scope string) (s stats) {
	for _, v := range artifact.State {
		if !inScope(v.Scope, scope) {
			continue
		}
		s.numVars++
		s.numParams += v.Value.Shape().Size()
		s.memory += v.Value.Shape().Memory()
	}
	return
}
