// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2e-4, cfg.LearningRate)
	assert.Equal(t, 128, cfg.BatchSize)
	assert.Equal(t, 800_000, cfg.Iterations)
	assert.Equal(t, 200, cfg.LogRate)
	assert.Equal(t, 800, cfg.CheckpointRate)
	assert.False(t, cfg.LogToTracker)
	assert.Equal(t, []int{1, 2}, cfg.Model.ChannelMults)
	assert.Equal(t, []int{1}, cfg.Model.AttentionResolutions)
	assert.Equal(t, DeviceAuto, cfg.Device)
}

func TestDefaultRunName(t *testing.T) {
	now := time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC)
	assert.Equal(t, "tiny_mnist_ddpm-2024-03-07-09-05", DefaultRunName(now))
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"logging without project", func(cfg *Config) { cfg.LogToTracker, cfg.ProjectName = true, "" }},
		{"zero iterations", func(cfg *Config) { cfg.Iterations = 0 }},
		{"zero log rate", func(cfg *Config) { cfg.LogRate = 0 }},
		{"zero checkpoint rate", func(cfg *Config) { cfg.CheckpointRate = 0 }},
		{"inverted schedule", func(cfg *Config) { cfg.ScheduleLow, cfg.ScheduleHigh = 0.02, 1e-4 }},
		{"linear schedule with few timesteps", func(cfg *Config) { cfg.Model.NumTimesteps = 10 }},
		{"unknown device", func(cfg *Config) { cfg.Device = "tpu" }},
		{"missing checkpoint", func(cfg *Config) { cfg.ModelCheckpoint = "/does/not/exist-model.bin" }},
		{"resume without checkpoint", func(cfg *Config) { cfg.ResumeIteration = true }},
		{"unknown schedule", func(cfg *Config) { cfg.Model.Schedule = "quadratic" }},
		{"unknown loss", func(cfg *Config) { cfg.Model.LossType = "huber" }},
		{"unknown norm", func(cfg *Config) { cfg.Model.Norm = "rms" }},
		{"odd time embedding", func(cfg *Config) { cfg.Model.TimeEmbDim = 7 }},
		{"too many levels", func(cfg *Config) { cfg.Model.ChannelMults = []int{1, 1, 1, 1} }},
		{"attention out of range", func(cfg *Config) { cfg.Model.AttentionResolutions = []int{2} }},
		{"group norm odd channels", func(cfg *Config) { cfg.Model.BaseChannels = 3 }},
		{"ema decay", func(cfg *Config) { cfg.Model.EMADecay = 1.0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), "error %v should wrap ErrConfiguration", err)
		})
	}
}

func TestValidateLoggingDisabledNeedsNoProject(t *testing.T) {
	cfg := Default()
	cfg.LogToTracker = false
	cfg.ProjectName = ""
	require.NoError(t, cfg.Validate())
}

func TestValidateExistingCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p-r-iteration-5-model.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	cfg := Default()
	cfg.ModelCheckpoint = path
	cfg.ResumeIteration = true
	require.NoError(t, cfg.Validate())
}

func TestRegisterFlags(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{
		"-iterations=10", "-log_rate=5", "-checkpoint_rate=5", "-batch_size=4",
		"-channel_mults=1,2", "-attention_resolutions=", "-device=CPU", "-use_labels=false",
		"-log_to_tracker", "-project_name=proj",
	}))
	assert.Equal(t, 10, cfg.Iterations)
	assert.Equal(t, 5, cfg.LogRate)
	assert.Equal(t, 5, cfg.CheckpointRate)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, []int{1, 2}, cfg.Model.ChannelMults)
	assert.Empty(t, cfg.Model.AttentionResolutions)
	assert.Equal(t, DeviceCPU, cfg.Device)
	assert.False(t, cfg.Model.UseLabels)
	assert.True(t, cfg.LogToTracker)
	assert.Equal(t, "proj", cfg.ProjectName)
	require.NoError(t, cfg.Validate())

	// Defaults are reported as the current values.
	assert.Equal(t, "1,2", fs.Lookup("channel_mults").Value.String())
	assert.Error(t, fs.Set("channel_mults", "1,x"))
}
