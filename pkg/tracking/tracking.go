// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records the metrics and generated samples of a training run, so they can be
// inspected while it runs and compared across runs.
//
// Each run is kept in its own directory, {dir}/runs/{project}/{run}, with:
//
//   - run.json: the run metadata, configuration and status;
//   - metrics.jsonl: one JSON line per record;
//   - samples/iteration-{N}-sample-{K}.png: the samples of each record;
//   - metrics.csv and loss.svg: a table and a plot of all the records, written when the session is closed.
package tracking

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNoProject is returned by Open if no project name is given.
	ErrNoProject = errors.New("experiment tracking requires a project name")

	// ErrClosed is returned when recording to a closed session.
	ErrClosed = errors.New("tracking session already closed")
)

// Status of a run, as written in run.json.
type Status string

const (
	StatusRunning     Status = "running"
	StatusFinished    Status = "finished"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// File names in the run directory.
const (
	RunFileName     = "run.json"
	MetricsFileName = "metrics.jsonl"
	CSVFileName     = "metrics.csv"
	PlotFileName    = "loss.svg"
	SamplesDirName  = "samples"
)

// DefaultSampleScale is the factor by which samples are enlarged when saved.
const DefaultSampleScale = 4

// Options to Open a session.
type Options struct {
	// Dir is the root directory: runs are kept under {Dir}/runs/{Project}/{Run}.
	Dir string

	Project, Run string

	// Config is saved in run.json. It must be serializable to JSON.
	Config any

	// SampleScale enlarges samples when saving them as PNG. Defaults to DefaultSampleScale.
	SampleScale int
}

// Watchable is a model whose size is recorded by Session.Watch.
type Watchable interface {
	NumParameters() int
	Memory() uintptr
}

// Metrics is one record.
type Metrics struct {
	Iteration int
	TrainLoss float64
	TestLoss  float64
	Samples   []*image.Gray
}

// runInfo is the content of run.json.
type runInfo struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	Run        string    `json:"run"`
	Status     Status    `json:"status"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished,omitzero"`
	Parameters int       `json:"parameters,omitempty"`
	Memory     string    `json:"memory,omitempty"`
	Records    int       `json:"records"`
	Config     any       `json:"config,omitempty"`
}

// record is one line of metrics.jsonl.
type record struct {
	Iteration int       `json:"iteration"`
	TrainLoss float64   `json:"train_loss"`
	TestLoss  float64   `json:"test_loss"`
	Samples   []string  `json:"samples,omitempty"`
	Time      time.Time `json:"time"`
}

// Session of a run. It is not safe for concurrent use, except Close.
type Session struct {
	dir         string
	sampleScale int
	info        runInfo

	metricsFile   *os.File
	metricsWriter *bufio.Writer
	records       []record

	closeOnce sync.Once
	closed    bool
}

// Open creates the run directory and starts a session.
func Open(opts Options) (*Session, error) {
	if opts.Project == "" {
		return nil, ErrNoProject
	}
	if opts.Run == "" {
		return nil, errors.New("experiment tracking requires a run name")
	}
	dir, err := fsutil.ReplaceTildeInDir(opts.Dir)
	if err != nil {
		return nil, err
	}
	dir = filepath.Join(dir, "runs", opts.Project, opts.Run)
	if err = os.MkdirAll(filepath.Join(dir, SamplesDirName), 0o770); err != nil {
		return nil, errors.Wrapf(err, "failed to create tracking directory %q", dir)
	}
	s := &Session{
		dir:         dir,
		sampleScale: opts.SampleScale,
		info: runInfo{
			ID:      uuid.NewString(),
			Project: opts.Project,
			Run:     opts.Run,
			Status:  StatusRunning,
			Started: time.Now(),
			Config:  opts.Config,
		},
	}
	if s.sampleScale <= 0 {
		s.sampleScale = DefaultSampleScale
	}
	s.metricsFile, err = os.OpenFile(filepath.Join(dir, MetricsFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics file in %q", dir)
	}
	s.metricsWriter = bufio.NewWriter(s.metricsFile)
	if err = s.writeInfo(); err != nil {
		_ = s.metricsFile.Close()
		return nil, err
	}
	klog.Infof("tracking run %q of project %q (id %s) in %q", opts.Run, opts.Project, s.info.ID, dir)
	return s, nil
}

// RunID is a unique identifier of the session.
func (s *Session) RunID() string { return s.info.ID }

// Dir is the run directory.
func (s *Session) Dir() string { return s.dir }

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("tracking.Session(%s/%s, id=%s)", s.info.Project, s.info.Run, s.info.ID)
}

// Watch records the size of the model in run.json. It is best-effort: failures are only logged.
func (s *Session) Watch(model Watchable) error {
	s.info.Parameters = model.NumParameters()
	s.info.Memory = humanize.Bytes(uint64(model.Memory()))
	klog.V(1).Infof("%s: watching model with %s parameters, %s", s, humanize.Comma(int64(s.info.Parameters)), s.info.Memory)
	if err := s.writeInfo(); err != nil {
		klog.Warningf("%s: failed to record model size: %+v", s, err)
	}
	return nil
}

// SetStatus of the run, written to run.json when the session is closed.
func (s *Session) SetStatus(status Status) {
	s.info.Status = status
}

// Record saves one metrics record and its samples.
func (s *Session) Record(m Metrics) error {
	if s.closed {
		return ErrClosed
	}
	r := record{Iteration: m.Iteration, TrainLoss: m.TrainLoss, TestLoss: m.TestLoss, Time: time.Now()}
	for ii, img := range m.Samples {
		name := filepath.Join(SamplesDirName, fmt.Sprintf("iteration-%d-sample-%d.png", m.Iteration, ii))
		if err := s.saveSample(img, filepath.Join(s.dir, name)); err != nil {
			return err
		}
		r.Samples = append(r.Samples, name)
	}
	line, err := json.Marshal(&r)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode record for iteration %d", s, m.Iteration)
	}
	line = append(line, '\n')
	if _, err = s.metricsWriter.Write(line); err != nil {
		return errors.Wrapf(err, "%s: failed to write record for iteration %d", s, m.Iteration)
	}
	if err = s.metricsWriter.Flush(); err != nil {
		return errors.Wrapf(err, "%s: failed to write record for iteration %d", s, m.Iteration)
	}
	s.records = append(s.records, r)
	s.info.Records = len(s.records)
	return nil
}

func (s *Session) saveSample(img *image.Gray, path string) error {
	bounds := img.Bounds()
	scaled := imaging.Resize(img, bounds.Dx()*s.sampleScale, bounds.Dy()*s.sampleScale, imaging.NearestNeighbor)
	if err := imaging.Save(scaled, path); err != nil {
		return errors.Wrapf(err, "%s: failed to save sample", s)
	}
	return nil
}

func (s *Session) writeInfo() error {
	contents, err := json.MarshalIndent(&s.info, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode run information", s)
	}
	path := filepath.Join(s.dir, RunFileName)
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "%s: failed to write %q", s, path)
	}
	return nil
}

// Close writes the summary files and the final run status, and closes the session.
//
// Only the first call does anything: further calls are no-ops that return nil.
func (s *Session) Close() (err error) {
	s.closeOnce.Do(func() {
		s.closed = true
		if s.info.Status == StatusRunning {
			s.info.Status = StatusFinished
		}
		s.info.Finished = time.Now()
		errs := []error{
			s.metricsWriter.Flush(),
			s.metricsFile.Close(),
			s.writeCSV(),
			s.writePlot(),
			s.writeInfo(),
		}
		for _, e := range errs {
			if e != nil && err == nil {
				err = e
			}
		}
		klog.V(1).Infof("%s: closed with status %q after %d records", s, s.info.Status, len(s.records))
	})
	return err
}
