// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/tinyddpm/pkg/tracking"
	"github.com/pkg/errors"
)

// metricsTable renders the metrics.csv written by a tracking session in runDir.
// If lastN > 0 only the last lastN records are included.
func metricsTable(runDir string, lastN int) (string, error) {
	path := filepath.Join(runDir, tracking.CSVFileName)
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open metrics of run %q", runDir)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return "", errors.Wrapf(df.Err, "failed to parse %q", path)
	}
	if lastN > 0 && df.Nrow() > lastN {
		indexes := make([]int, lastN)
		for ii := range indexes {
			indexes[ii] = df.Nrow() - lastN + ii
		}
		df = df.Subset(indexes)
	}

	records := df.Records()
	table := newPlainTable(lipgloss.Right)
	table.Headers(records[0]...)
	for _, row := range records[1:] {
		table.Row(row...)
	}
	return table.Render(), nil
}
