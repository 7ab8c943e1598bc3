// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RegisterFlags binds every field of cfg to a flag in fs. The current values of cfg are used as
// the flags' defaults, so usually one calls it with a Default configuration.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.Float64Var(&cfg.LearningRate, "learning_rate", cfg.LearningRate, "Adam learning rate.")
	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "Batch size for training and evaluation.")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "Number of training iterations.")
	fs.BoolVar(&cfg.LogToTracker, "log_to_tracker", cfg.LogToTracker,
		"Record metrics and samples with the experiment tracker. Requires -project_name.")
	fs.IntVar(&cfg.LogRate, "log_rate", cfg.LogRate, "Evaluate and report every this many iterations.")
	fs.IntVar(&cfg.CheckpointRate, "checkpoint_rate", cfg.CheckpointRate, "Checkpoint every this many iterations.")
	fs.StringVar(&cfg.LogDir, "log_dir", cfg.LogDir, "Directory where checkpoints and tracking files are written.")
	fs.StringVar(&cfg.ProjectName, "project_name", cfg.ProjectName, "Project name, part of the checkpoint names.")
	fs.StringVar(&cfg.RunName, "run_name", cfg.RunName, "Run name, part of the checkpoint names.")
	fs.StringVar(&cfg.ModelCheckpoint, "model_checkpoint", cfg.ModelCheckpoint,
		"Model checkpoint to load before training.")
	fs.StringVar(&cfg.OptimCheckpoint, "optim_checkpoint", cfg.OptimCheckpoint,
		"Optimizer checkpoint to load before training.")
	fs.BoolVar(&cfg.ResumeIteration, "resume_iteration", cfg.ResumeIteration,
		"Continue counting iterations from the one recorded in -model_checkpoint, instead of restarting at 1.")
	fs.Float64Var(&cfg.ScheduleLow, "schedule_low", cfg.ScheduleLow, "Lower bound of the noise schedule.")
	fs.Float64Var(&cfg.ScheduleHigh, "schedule_high", cfg.ScheduleHigh, "Upper bound of the noise schedule.")
	fs.Var(&cfg.Device, "device", "Compute device: auto, cpu, cuda or go.")
	fs.StringVar(&cfg.DataDir, "data_dir", cfg.DataDir, "Directory where MNIST is downloaded to.")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed for data shuffling and initialization. 0 uses the clock.")
	fs.BoolVar(&cfg.ProgressBar, "progress_bar", cfg.ProgressBar,
		"Display a progress bar instead of printing one line per iteration.")

	m := &cfg.Model
	fs.IntVar(&m.NumTimesteps, "num_timesteps", m.NumTimesteps, "Number of diffusion timesteps.")
	fs.StringVar(&m.Schedule, "schedule", m.Schedule, "Noise schedule: linear or cosine.")
	fs.StringVar(&m.LossType, "loss_type", m.LossType, "Loss on the predicted noise: l1 or l2.")
	fs.BoolVar(&m.UseLabels, "use_labels", m.UseLabels, "Condition the model on the class labels.")
	fs.IntVar(&m.BaseChannels, "base_channels", m.BaseChannels, "Number of channels of the first U-Net level.")
	fs.Var(newIntListFlag(&m.ChannelMults), "channel_mults", "Channel multipliers per U-Net level, comma separated.")
	fs.IntVar(&m.NumResBlocks, "num_res_blocks", m.NumResBlocks, "Number of residual blocks per U-Net level.")
	fs.IntVar(&m.TimeEmbDim, "time_emb_dim", m.TimeEmbDim, "Size of the timestep embedding.")
	fs.StringVar(&m.Norm, "norm", m.Norm, "Normalization: gn (group), bn (batch), ln (layer) or none.")
	fs.Float64Var(&m.Dropout, "dropout", m.Dropout, "Dropout rate in the residual blocks.")
	fs.StringVar(&m.Activation, "activation", m.Activation, "Activation function.")
	fs.Var(newIntListFlag(&m.AttentionResolutions), "attention_resolutions",
		"U-Net levels (0-based) where self-attention is applied, comma separated.")
	fs.Float64Var(&m.EMADecay, "ema_decay", m.EMADecay, "Decay of the exponential moving average of the weights.")
	fs.IntVar(&m.EMAUpdateRate, "ema_update_rate", m.EMAUpdateRate, "Update the EMA weights every this many steps.")
	fs.IntVar(&m.EMAStart, "ema_start", m.EMAStart, "Copy the weights to the EMA, without blending, for this many steps.")
}

// String implements flag.Value.
func (d Device) String() string { return string(d) }

// Set implements flag.Value.
func (d *Device) Set(value string) error {
	*d = Device(strings.ToLower(value))
	return nil
}

// intListFlag implements flag.Value for a comma-separated list of ints.
type intListFlag struct {
	list *[]int
}

func newIntListFlag(list *[]int) *intListFlag {
	return &intListFlag{list: list}
}

func (f *intListFlag) String() string {
	if f.list == nil || len(*f.list) == 0 {
		return ""
	}
	parts := make([]string, len(*f.list))
	for ii, v := range *f.list {
		parts[ii] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (f *intListFlag) Set(listStr string) error {
	if listStr == "" {
		*f.list = make([]int, 0)
		return nil
	}
	parts := strings.Split(listStr, ",")
	parsed := make([]int, len(parts))
	for ii, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return errors.Wrapf(err, "invalid element #%d of list %q", ii, listStr)
		}
		parsed[ii] = v
	}
	*f.list = parsed
	return nil
}
