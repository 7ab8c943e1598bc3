// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddpm_checkpoints prints information about the checkpoint artifacts written by train_tiny_mnist.
//
// Usage:
//
//	ddpm_checkpoints [-summary] [-vars] [-scope=/model] <artifact.bin>...
//	ddpm_checkpoints -metrics=<run directory> [-last=20]
//
// The run directory of -metrics is the one of an experiment tracking session, {log_dir}/runs/{project}/{run}.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/tinyddpm/pkg/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/model", "The scope of the variables considered in the reports. "+
		"An artifact may hold variables that do not matter for the report, the random number generator "+
		"state for instance. Use \"/\" for all variables.")
	flagSummary = flag.Bool("summary", true, "Display a summary of each artifact: kind, iteration and sizes of "+
		"the variables under --scope.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under --scope.")
	flagMetrics = flag.String("metrics", "", "Lists the metrics recorded by the experiment tracking session in "+
		"the given run directory.")
	flagLast = flag.Int("last", 0, "If > 0, only the last records are listed by --metrics.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 && *flagMetrics == "" {
		klog.Errorf("Missing checkpoint artifact to read from. See 'ddpm_checkpoints -help'")
		os.Exit(1)
	}
	report(os.Stdout, args)
}

func report(w io.Writer, paths []string) {
	var artifacts []*checkpoints.Artifact
	var names []string
	for _, path := range paths {
		artifacts = append(artifacts, must.M1(checkpoints.Read(path)))
		names = append(names, filepath.Base(path))
	}

	if *flagSummary && len(artifacts) > 0 {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
		_, _ = fmt.Fprintln(w, summaryTable(artifacts, names, *flagScope))
	}
	if *flagVars {
		for ii, artifact := range artifacts {
			_, _ = fmt.Fprintln(w, titleStyle.Render("Variables of "+names[ii]))
			_, _ = fmt.Fprintln(w, variablesTable(artifact, *flagScope))
		}
	}
	if *flagMetrics != "" {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics"))
		_, _ = fmt.Fprintln(w, must.M1(metricsTable(*flagMetrics, *flagLast)))
	}
}
