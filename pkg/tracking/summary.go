// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"math"
	"os"
	"path/filepath"

	mg "github.com/erkkah/margaid"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// Plot dimensions of loss.svg.
const (
	PlotWidth  = 1024
	PlotHeight = 400
)

// DataFrame returns the records so far, one row per record, with the columns
// "iteration", "train_loss" and "test_loss".
func (s *Session) DataFrame() dataframe.DataFrame {
	iterations := make([]int, len(s.records))
	trainLosses := make([]float64, len(s.records))
	testLosses := make([]float64, len(s.records))
	for ii, r := range s.records {
		iterations[ii] = r.Iteration
		trainLosses[ii] = r.TrainLoss
		testLosses[ii] = r.TestLoss
	}
	return dataframe.New(
		series.New(iterations, series.Int, "iteration"),
		series.New(trainLosses, series.Float, "train_loss"),
		series.New(testLosses, series.Float, "test_loss"),
	)
}

func (s *Session) writeCSV() error {
	if len(s.records) == 0 {
		return nil
	}
	path := filepath.Join(s.dir, CSVFileName)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create %q", s, path)
	}
	df := s.DataFrame()
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s: failed to write %q", s, path)
	}
	return errors.Wrapf(f.Close(), "%s: failed to close %q", s, path)
}

// writePlot draws the train and test losses per iteration. It needs at least two records.
func (s *Session) writePlot() error {
	trainSeries := mg.NewSeries(mg.Titled("train_loss"))
	testSeries := mg.NewSeries(mg.Titled("test_loss"))
	allPoints := mg.NewSeries()
	var numPoints int
	for _, r := range s.records {
		if math.IsNaN(r.TrainLoss) || math.IsInf(r.TrainLoss, 0) || math.IsNaN(r.TestLoss) || math.IsInf(r.TestLoss, 0) {
			continue
		}
		step := float64(r.Iteration)
		trainSeries.Add(mg.MakeValue(step, r.TrainLoss))
		testSeries.Add(mg.MakeValue(step, r.TestLoss))
		allPoints.Add(mg.MakeValue(step, r.TrainLoss), mg.MakeValue(step, r.TestLoss))
		numPoints++
	}
	if numPoints < 2 {
		return nil
	}

	diagram := mg.New(PlotWidth, PlotHeight,
		mg.WithAutorange(mg.XAxis, allPoints),
		mg.WithAutorange(mg.YAxis, allPoints),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, line := range []*mg.Series{trainSeries, testSeries} {
		diagram.Line(line, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Iterations")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "Loss")
	diagram.Frame()
	diagram.Title(s.info.Project + "/" + s.info.Run)
	diagram.Legend(mg.BottomLeft)

	path := filepath.Join(s.dir, PlotFileName)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create %q", s, path)
	}
	if err = diagram.Render(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s: failed to render loss plot", s)
	}
	return errors.Wrapf(f.Close(), "%s: failed to close %q", s, path)
}
