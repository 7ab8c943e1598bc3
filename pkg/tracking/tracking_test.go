// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bufio"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct{}

func (fakeModel) NumParameters() int { return 1234 }
func (fakeModel) Memory() uintptr    { return 4936 }

func grayImage(value uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 28, 28))
	for ii := range img.Pix {
		img.Pix[ii] = value
	}
	return img
}

func readRunInfo(t *testing.T, dir string) runInfo {
	contents, err := os.ReadFile(filepath.Join(dir, RunFileName))
	require.NoError(t, err)
	var info runInfo
	require.NoError(t, json.Unmarshal(contents, &info))
	return info
}

func TestOpenRequiresProject(t *testing.T) {
	_, err := Open(Options{Dir: t.TempDir(), Run: "run"})
	assert.True(t, errors.Is(err, ErrNoProject))
}

func TestSession(t *testing.T) {
	root := t.TempDir()
	s, err := Open(Options{Dir: root, Project: "aigc-ddpm", Run: "run1", Config: map[string]int{"batch_size": 4}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "runs", "aigc-ddpm", "run1"), s.Dir())
	assert.NotEmpty(t, s.RunID())

	require.NoError(t, s.Watch(fakeModel{}))
	info := readRunInfo(t, s.Dir())
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, 1234, info.Parameters)
	assert.Equal(t, "4.9 kB", info.Memory)

	require.NoError(t, s.Record(Metrics{Iteration: 5, TrainLoss: 0.5, TestLoss: 0.4,
		Samples: []*image.Gray{grayImage(0), grayImage(255)}}))
	require.NoError(t, s.Record(Metrics{Iteration: 10, TrainLoss: 0.3, TestLoss: 0.25,
		Samples: []*image.Gray{grayImage(10), grayImage(20)}}))

	// Samples are saved enlarged.
	sample, err := imaging.Open(filepath.Join(s.Dir(), SamplesDirName, "iteration-10-sample-1.png"))
	require.NoError(t, err)
	assert.Equal(t, 28*DefaultSampleScale, sample.Bounds().Dx())

	df := s.DataFrame()
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []float64{0.4, 0.25}, df.Col("test_loss").Float())

	s.SetStatus(StatusInterrupted)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")
	assert.True(t, errors.Is(s.Record(Metrics{Iteration: 15}), ErrClosed))

	info = readRunInfo(t, s.Dir())
	assert.Equal(t, StatusInterrupted, info.Status)
	assert.Equal(t, 2, info.Records)
	assert.False(t, info.Finished.IsZero())

	f, err := os.Open(filepath.Join(s.Dir(), MetricsFileName))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var records []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.Len(t, records, 2)
	assert.Equal(t, 5, records[0].Iteration)
	assert.Equal(t, []string{"samples/iteration-5-sample-0.png", "samples/iteration-5-sample-1.png"}, records[0].Samples)

	for _, name := range []string{CSVFileName, PlotFileName} {
		assert.FileExists(t, filepath.Join(s.Dir(), name))
	}
}

func TestCloseWithoutRecords(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir(), Project: "p", Run: "r"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, StatusFinished, readRunInfo(t, s.Dir()).Status)
	assert.NoFileExists(t, filepath.Join(s.Dir(), CSVFileName))
	assert.NoFileExists(t, filepath.Join(s.Dir(), PlotFileName))
}
