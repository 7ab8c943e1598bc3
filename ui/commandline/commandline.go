// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"flag"
	"fmt"
	"io"
)

// ReportFlags prints the value of every flag in fs, one per line as "===> name : value",
// in lexicographical order.
func ReportFlags(w io.Writer, fs *flag.FlagSet) {
	fs.VisitAll(func(f *flag.Flag) {
		_, _ = fmt.Fprintf(w, "===> %s : %s\n", f.Name, f.Value.String())
	})
}
