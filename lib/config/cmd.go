// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.arvados.org/jobexec.git/lib/cmd"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
)

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := &Loader{
		Stdin:  stdin,
		Logger: ctxlog.New(stderr, "text", "info"),
	}

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	includeSecrets := flags.Bool("include-secrets", false, "Show secret values instead of xxxxx")

	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	var out []byte
	if *includeSecrets {
		out, err = yaml.Marshal(cfg)
	} else {
		var redacted map[string]interface{}
		redacted, err = Redacted(cfg)
		if err != nil {
			return 1
		}
		out, err = yaml.Marshal(redacted)
	}
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	var logbuf warnCounter
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	logger := ctxlog.New(&logbuf, "text", "info")
	loader := &Loader{
		Stdin:  stdin,
		Logger: logger,
	}
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	strict := flags.Bool("strict", true, "Strict validation of configuration file (warnings result in non-zero exit code)")

	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	_, err = loader.Load()
	stderr.Write(logbuf.buf)
	if err != nil {
		return 1
	}
	if logbuf.lines > 0 && *strict {
		return 1
	}
	return 0
}

type warnCounter struct {
	buf   []byte
	lines int
}

func (wc *warnCounter) Write(p []byte) (int, error) {
	wc.buf = append(wc.buf, p...)
	wc.lines++
	return len(p), nil
}

var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
