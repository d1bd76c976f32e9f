// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f, which must not accept positional
// arguments, and reports usage problems on stderr.
//
// If ok is false the caller should exit with exitCode: 0 after
// printing help for -help, 2 for any usage error.
func ParseFlags(f *flag.FlagSet, prog string, args []string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		f.SetOutput(stderr)
		if f.Usage != nil {
			f.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options]\n", prog)
			f.PrintDefaults()
		}
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	} else if f.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		return false, 2
	}
	return true, 0
}
