// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// train_tiny_mnist trains a small denoising diffusion model on two MNIST digits.
//
// It downloads MNIST to -data_dir if needed, then trains for -iterations, evaluating every -log_rate
// iterations and saving a model/optimizer checkpoint pair every -checkpoint_rate iterations to -log_dir.
// With -log_to_tracker the metrics and samples of each evaluation are also recorded under
// {log_dir}/runs/{project_name}/{run_name}.
//
// Ctrl+C (or SIGTERM) stops the training at the next iteration boundary: the checkpoints already
// written are kept and the program exits normally. Pressed while MNIST is downloading or the model
// is being built, it stops the program before the training starts.
//
// Example:
//
//	train_tiny_mnist -iterations=2000 -log_rate=100 -checkpoint_rate=500 -progress_bar
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/tinyddpm/pkg/checkpoints"
	"github.com/gomlx/tinyddpm/pkg/config"
	"github.com/gomlx/tinyddpm/pkg/datasets"
	"github.com/gomlx/tinyddpm/pkg/datasets/tinymnist"
	"github.com/gomlx/tinyddpm/pkg/ddpm"
	"github.com/gomlx/tinyddpm/pkg/eval"
	"github.com/gomlx/tinyddpm/pkg/tracking"
	"github.com/gomlx/tinyddpm/pkg/trainloop"
	"github.com/gomlx/tinyddpm/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func main() {
	cfg := config.Default()
	cfgFlags := flag.NewFlagSet("config", flag.ExitOnError)
	config.RegisterFlags(cfgFlags, &cfg)
	cfgFlags.VisitAll(func(f *flag.Flag) { flag.CommandLine.Var(f.Value, f.Name, f.Usage) })
	klog.InitFlags(nil)
	flag.Parse()
	commandline.ReportFlags(os.Stdout, cfgFlags)

	if err := cfg.Validate(); err != nil {
		klog.Exitf("%v", err)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
		klog.Infof("using seed %d", cfg.Seed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var outcome trainloop.Outcome
	err := exceptions.TryCatch[error](func() {
		outcome = must.M1(train(ctx, &cfg))
	})
	if err != nil {
		stop()
		klog.Fatalf("training failed: %+v", err)
	}
	klog.Infof("training %s", outcome)
}

// train wires the components of a run and runs it.
func train(ctx context.Context, cfg *config.Config) (outcome trainloop.Outcome, err error) {
	must.M(os.MkdirAll(cfg.CheckpointDir(), 0o777))

	backendConfig := selectBackend(cfg.Device, os.Getenv(backends.ConfigEnvVar), cudaVisible())
	must.M(os.Setenv(backends.ConfigEnvVar, backendConfig))
	var backend backends.Backend
	err = exceptions.TryCatch[error](func() { backend = backends.MustNew() })
	if err != nil {
		return trainloop.OutcomeFailed, errors.WithMessagef(err, "creating backend %q", backendConfig)
	}
	defer backend.Finalize()
	klog.Infof("backend: %s", backend.Description())

	if err = tinymnist.Download(ctx, cfg.DataDir); err != nil {
		if interrupted(ctx, os.Stdout) {
			return trainloop.OutcomeInterrupted, nil
		}
		return trainloop.OutcomeFailed, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	trainDS, err := tinymnist.Load(cfg.DataDir, tinymnist.Train, cfg.BatchSize, rng)
	if err != nil {
		return trainloop.OutcomeFailed, err
	}
	testDS, err := tinymnist.Load(cfg.DataDir, tinymnist.Test, cfg.BatchSize, nil)
	if err != nil {
		return trainloop.OutcomeFailed, err
	}

	model, err := ddpm.New(backend, cfg)
	if err != nil {
		return trainloop.OutcomeFailed, err
	}
	defer model.Finalize()
	if interrupted(ctx, os.Stdout) {
		return trainloop.OutcomeInterrupted, nil
	}

	openSession := func() (trainloop.Session, error) {
		return tracking.Open(tracking.Options{
			Dir:     cfg.CheckpointDir(),
			Project: cfg.ProjectName,
			Run:     cfg.RunName,
			Config:  cfg,
		})
	}
	loop, err := trainloop.New(cfg, model,
		datasets.NewCycler(trainDS),
		eval.New(model, testDS, config.NumLabels, cfg.Model.UseLabels),
		checkpoints.New(cfg.LogDir, cfg.ProjectName, cfg.RunName),
		openSession)
	if err != nil {
		return trainloop.OutcomeFailed, err
	}
	if cfg.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	fmt.Printf("Training %s (%d parameters) for %d iterations\n", cfg.RunName, model.NumParameters(),
		cfg.Iterations)
	return loop.Run(ctx)
}

// interrupted reports whether ctx was cancelled while the run was being set up, in which case it
// prints the same notice as an interrupted training loop.
func interrupted(ctx context.Context, w io.Writer) bool {
	if ctx.Err() == nil {
		return false
	}
	_, _ = fmt.Fprint(w, trainloop.InterruptedNotice)
	klog.Infof("training interrupted during setup")
	return true
}
