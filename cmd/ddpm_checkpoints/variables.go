// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tinyddpm/pkg/checkpoints"
)

// variablesTable lists the variables of the artifact under scope, sorted by scope and name.
func variablesTable(artifact *checkpoints.Artifact, scope string) string {
	table := newPlainTable()
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	for _, v := range artifact.State {
		if !inScope(v.Scope, scope) {
			continue
		}
		shape := v.Value.Shape()
		rows = append(rows, []string{
			v.Scope, v.Name, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	return table.Render()
}
