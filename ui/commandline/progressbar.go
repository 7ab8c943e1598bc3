// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tinyddpm/pkg/eval"
	"github.com/gomlx/tinyddpm/pkg/trainloop"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "tinyddpm.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out io.Writer
	bar *progressbar.ProgressBar

	// Steps taken but not yet sent to the display.
	pendingAmount int
	lastEnqueued  time.Time

	// Last values reported by the loop.
	batchLoss, trainLoss, testLoss float64
	numEvaluations                 int

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// progressBarUpdate is a snapshot of what to display, taken on the loop goroutine.
type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// when the Loop is run, it will display a progress bar with the iteration count and a table
// with the latest losses. It also disables the per-iteration lines printed by the loop.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *trainloop.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(loop, os.Stdout, extraMetrics...)
}

func attachProgressBar(loop *trainloop.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) *progressBar {
	pBar := newProgressBar(out, extraMetrics...)
	loop.PrintIterations(false)
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEvaluation(ProgressBarName, 0, pBar.onEvaluation)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar
}

func newProgressBar(out io.Writer, extraMetrics ...ExtraMetricFn) *progressBar {
	return &progressBar{
		out:            out,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
}

func (pBar *progressBar) onStart(loop *trainloop.Loop) error {
	numSteps := loop.EndIteration - loop.StartIteration + 1
	if numSteps <= 0 {
		return nil
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.display()
	return nil
}

func (pBar *progressBar) onStep(loop *trainloop.Loop, loss float64) error {
	if pBar.updates == nil {
		return nil
	}
	pBar.batchLoss = loss
	pBar.pendingAmount++
	if time.Since(pBar.lastEnqueued) >= maxUpdateFrequency || loop.Iteration == loop.EndIteration {
		pBar.enqueue(loop)
	}
	return nil
}

func (pBar *progressBar) onEvaluation(loop *trainloop.Loop, result eval.Result, trainLoss float64) error {
	pBar.trainLoss = trainLoss
	pBar.testLoss = result.TestLoss
	pBar.numEvaluations = loop.NumEvaluations
	if pBar.updates != nil {
		pBar.enqueue(loop)
	}
	return nil
}

func (pBar *progressBar) onEnd(loop *trainloop.Loop, _ trainloop.Outcome) error {
	if pBar.updates == nil {
		return nil
	}
	if pBar.pendingAmount > 0 {
		pBar.enqueue(loop)
	}
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.updates = nil
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

func (pBar *progressBar) enqueue(loop *trainloop.Loop) {
	pBar.updates <- progressBarUpdate{amount: pBar.pendingAmount, rows: pBar.statsRows(loop)}
	pBar.pendingAmount = 0
	pBar.lastEnqueued = time.Now()
}

// statsRows returns the name and value of each line of the stats table.
func (pBar *progressBar) statsRows(loop *trainloop.Loop) [][2]string {
	rows := [][2]string{
		{"Iteration", fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.Iteration)),
			humanize.Comma(int64(loop.EndIteration)))},
		{"Median train step duration", FormatDuration(loop.MedianStepDuration())},
		{"Batch loss", fmt.Sprintf("%.6f", pBar.batchLoss)},
	}
	if pBar.numEvaluations > 0 {
		rows = append(rows,
			[2]string{"Train loss", fmt.Sprintf("%.6f", pBar.trainLoss)},
			[2]string{"Test loss", fmt.Sprintf("%.6f", pBar.testLoss)},
			[2]string{"Evaluations", humanize.Comma(int64(pBar.numEvaluations))})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows
}

// display draws the updates asynchronously: this is handy if the training is faster than the terminal,
// in particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) display() {
	defer pBar.asyncUpdatesDone.Done()
	numLinesPrinted := 0
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numLinesPrinted)
		}
		pBar.isFirstOutput = false

		// Table rows, its two borders and the progress bar line.
		numLinesPrinted = len(update.rows) + 3
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		if amount > 0 {
			_ = pBar.bar.Add(amount) // Prints progress bar line.
		} else {
			_ = pBar.bar.RenderBlank()
		}
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
