// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the typed configuration of a tiny MNIST diffusion training run.
//
// A Config is created once, filled from the command line (see RegisterFlags), validated with
// Config.Validate and then only read. Nothing in the training loop mutates it.
package config

import (
	"os"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ErrConfiguration is the sentinel wrapped by every validation failure, so callers can tell a
// misconfigured run apart from a runtime failure with errors.Is.
var ErrConfiguration = errors.New("invalid configuration")

// Device selects the compute backend.
type Device string

const (
	// DeviceAuto picks CUDA if a GPU is visible, otherwise the CPU.
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"

	// DeviceGo uses the pure Go backend. Slow, but it works everywhere.
	DeviceGo Device = "go"
)

// Fixed properties of the dataset the model is trained on.
const (
	NumLabels     = 2
	ImageSize     = 28
	ImageChannels = 1
	NumGroups     = 2
)

// ModelConfig holds the diffusion model construction parameters.
type ModelConfig struct {
	NumTimesteps         int
	Schedule             string
	LossType             string
	UseLabels            bool
	BaseChannels         int
	ChannelMults         []int
	NumResBlocks         int
	TimeEmbDim           int
	Norm                 string
	Dropout              float64
	Activation           string
	AttentionResolutions []int
	EMADecay             float64
	EMAUpdateRate        int

	// EMAStart is the number of EMA updates during which the shadow weights are simply copied
	// from the model, before blending starts.
	EMAStart int
}

// Config of a training run.
type Config struct {
	LearningRate   float64
	BatchSize      int
	Iterations     int
	LogToTracker   bool
	LogRate        int
	CheckpointRate int
	LogDir         string
	ProjectName    string
	RunName        string

	// ModelCheckpoint and OptimCheckpoint are optional artifacts to resume from.
	ModelCheckpoint string
	OptimCheckpoint string

	// ResumeIteration makes the loop continue counting from the iteration recorded in
	// ModelCheckpoint, instead of restarting at 1.
	ResumeIteration bool

	ScheduleLow, ScheduleHigh float64
	Device                    Device

	DataDir     string
	Seed        int64
	ProgressBar bool

	Model ModelConfig
}

// RunNameTimeFormat is the time layout used to build the default run name.
const RunNameTimeFormat = "2006-01-02-15-04"

// DefaultRunName returns the run name used when none is given.
func DefaultRunName(now time.Time) string {
	return "tiny_mnist_ddpm-" + now.Format(RunNameTimeFormat)
}

// DefaultModel returns the default model parameters of the "nano" diffusion model.
func DefaultModel() ModelConfig {
	return ModelConfig{
		NumTimesteps:         1000,
		Schedule:             "linear",
		LossType:             "l2",
		UseLabels:            true,
		BaseChannels:         4,
		ChannelMults:         []int{1, 2},
		NumResBlocks:         1,
		TimeEmbDim:           8,
		Norm:                 "gn",
		Dropout:              0.1,
		Activation:           "silu",
		AttentionResolutions: []int{1},
		EMADecay:             0.999,
		EMAUpdateRate:        1,
		EMAStart:             5000,
	}
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LearningRate:   2e-4,
		BatchSize:      128,
		Iterations:     800_000,
		LogToTracker:   false,
		LogRate:        200,
		CheckpointRate: 800,
		LogDir:         "./checkpoints/nano2",
		ProjectName:    "aigc-ddpm",
		RunName:        DefaultRunName(time.Now()),
		ScheduleLow:    1e-4,
		ScheduleHigh:   0.02,
		Device:         DeviceAuto,
		DataDir:        "~/work/mnist",
		Model:          DefaultModel(),
	}
}

var (
	validSchedules  = []string{"linear", "cosine"}
	validLossTypes  = []string{"l1", "l2"}
	validNorms      = []string{"gn", "bn", "ln", "none"}
	validDevices    = []Device{DeviceAuto, DeviceCPU, DeviceCUDA, DeviceGo}
	validActivation = []string{
		"none", "relu", "sigmoid", "leaky_relu", "selu", "swish", "hard_swish", "silu", "tanh", "gelu", "gelu_approx"}
)

func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Validate checks the configuration. It is called once before any resource is allocated,
// and every error it returns wraps ErrConfiguration.
func (c *Config) Validate() error {
	if c.LogToTracker && c.ProjectName == "" {
		return configErrorf("logging to the experiment tracker requires a project name")
	}
	if c.Iterations < 1 {
		return configErrorf("iterations must be >= 1, got %d", c.Iterations)
	}
	if c.BatchSize < 1 {
		return configErrorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.LogRate < 1 {
		return configErrorf("log_rate must be >= 1, got %d", c.LogRate)
	}
	if c.CheckpointRate < 1 {
		return configErrorf("checkpoint_rate must be >= 1, got %d", c.CheckpointRate)
	}
	if c.LearningRate <= 0 {
		return configErrorf("learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.ScheduleLow <= 0 || c.ScheduleHigh <= c.ScheduleLow || c.ScheduleHigh >= 1 {
		return configErrorf("noise schedule bounds must satisfy 0 < schedule_low (%g) < schedule_high (%g) < 1",
			c.ScheduleLow, c.ScheduleHigh)
	}
	if c.Model.Schedule == "linear" && c.Model.NumTimesteps > 0 &&
		c.ScheduleHigh*1000/float64(c.Model.NumTimesteps) >= 1 {
		return configErrorf("linear schedule_high (%g) scaled by 1000/num_timesteps (%d) must stay below 1",
			c.ScheduleHigh, c.Model.NumTimesteps)
	}
	if !slices.Contains(validDevices, c.Device) {
		return configErrorf("unknown device %q, valid values are %q", c.Device, validDevices)
	}
	if c.LogDir == "" {
		return configErrorf("log_dir must be set")
	}
	if c.RunName == "" {
		return configErrorf("run_name must be set")
	}
	if c.ResumeIteration && c.ModelCheckpoint == "" {
		return configErrorf("resume_iteration requires model_checkpoint")
	}
	for _, path := range []string{c.ModelCheckpoint, c.OptimCheckpoint} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(fsutil.MustReplaceTildeInDir(path)); err != nil {
			return configErrorf("checkpoint %q cannot be read: %v", path, err)
		}
	}
	return c.Model.Validate()
}

// Validate the model parameters.
func (m *ModelConfig) Validate() error {
	if m.NumTimesteps < 2 {
		return configErrorf("num_timesteps must be >= 2, got %d", m.NumTimesteps)
	}
	if !slices.Contains(validSchedules, m.Schedule) {
		return configErrorf("unknown schedule %q, valid values are %q", m.Schedule, validSchedules)
	}
	if !slices.Contains(validLossTypes, m.LossType) {
		return configErrorf("unknown loss_type %q, valid values are %q", m.LossType, validLossTypes)
	}
	if !slices.Contains(validNorms, m.Norm) {
		return configErrorf("unknown norm %q, valid values are %q", m.Norm, validNorms)
	}
	if !slices.Contains(validActivation, m.Activation) {
		return configErrorf("unknown activation %q, valid values are %q", m.Activation, validActivation)
	}
	if m.BaseChannels < 1 || m.TimeEmbDim < 2 || m.TimeEmbDim%2 != 0 {
		return configErrorf("base_channels must be >= 1 and time_emb_dim an even number >= 2, got %d and %d",
			m.BaseChannels, m.TimeEmbDim)
	}
	if len(m.ChannelMults) == 0 {
		return configErrorf("channel_mults cannot be empty")
	}
	// Each level but the last halves the image: 28 -> 14 -> 7 is as far as it goes.
	if size := ImageSize >> (len(m.ChannelMults) - 1); size < 1 || size<<(len(m.ChannelMults)-1) != ImageSize {
		return configErrorf("%d channel_mults levels cannot evenly downsample a %dx%d image",
			len(m.ChannelMults), ImageSize, ImageSize)
	}
	for _, mult := range m.ChannelMults {
		if mult < 1 {
			return configErrorf("channel_mults must be >= 1, got %v", m.ChannelMults)
		}
		if m.Norm == "gn" && (m.BaseChannels*mult)%NumGroups != 0 {
			return configErrorf("group normalization with %d groups requires channels divisible by it, got %d",
				NumGroups, m.BaseChannels*mult)
		}
	}
	for _, res := range m.AttentionResolutions {
		if res < 0 || res >= len(m.ChannelMults) {
			return configErrorf("attention_resolutions %v out of range for %d levels", m.AttentionResolutions,
				len(m.ChannelMults))
		}
	}
	if m.NumResBlocks < 1 {
		return configErrorf("num_res_blocks must be >= 1, got %d", m.NumResBlocks)
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return configErrorf("dropout must be in [0, 1), got %g", m.Dropout)
	}
	if m.EMADecay < 0 || m.EMADecay >= 1 {
		return configErrorf("ema_decay must be in [0, 1), got %g", m.EMADecay)
	}
	if m.EMAUpdateRate < 1 {
		return configErrorf("ema_update_rate must be >= 1, got %d", m.EMAUpdateRate)
	}
	if m.EMAStart < 0 {
		return configErrorf("ema_start must be >= 0, got %d", m.EMAStart)
	}
	return nil
}

// CheckpointDir returns LogDir with "~" expanded.
func (c *Config) CheckpointDir() string {
	return fsutil.MustReplaceTildeInDir(c.LogDir)
}
