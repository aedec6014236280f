// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// FlagSet is the subset of *flag.FlagSet used by ParseFlags.
type FlagSet interface {
	Init(string, flag.ErrorHandling)
	Args() []string
	NArg() int
	Parse([]string) error
	SetOutput(io.Writer)
	PrintDefaults()
}

// ParseFlags parses args into f and reports usage problems on
// stderr. It returns ok=false with the exit code the command should
// return: 0 after -help, 2 after a usage error.
//
// positional describes the accepted positional arguments for the
// usage message, e.g. "job.yml [job.yml ...]". An empty positional
// means none are accepted. Unless positional starts with "[", at
// least one positional argument is required.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	usage := func() {
		if fs, ok := f.(*flag.FlagSet); ok && fs.Usage != nil {
			fs.SetOutput(stderr)
			fs.Usage()
			return
		}
		fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
		f.SetOutput(stderr)
		f.PrintDefaults()
	}

	err := f.Parse(args)
	if err == flag.ErrHelp {
		usage()
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
	switch {
	case positional == "" && f.NArg() > 0:
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		return false, 2
	case positional != "" && !strings.HasPrefix(positional, "[") && f.NArg() == 0:
		usage()
		return false, 2
	}
	return true, 0
}
