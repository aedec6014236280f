// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package engine

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.arvados.org/jobexec.git/lib/cmd"
	"git.arvados.org/jobexec.git/lib/config"
	"git.arvados.org/jobexec.git/lib/service"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// ServeCommand runs the engine as a service, accepting jobs and
// gatekeeper status callbacks over HTTP.
var ServeCommand cmd.Handler = service.Command(newServer)

// RunCommand runs the jobs described in YAML files given on the
// command line, and exits non-zero if any of them fail.
var RunCommand runCommand

type runCommand struct{}

func (runCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "job.yml [job.yml ...]", stderr); !ok {
		return code
	}

	var descs []jobexec.JobDescription
	for _, fnm := range flags.Args() {
		var desc jobexec.JobDescription
		desc, err = LoadJobFile(fnm)
		if err != nil {
			return 1
		}
		descs = append(descs, desc)
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	st, err := Setup(ctx, cfg, nil, logger)
	if err != nil {
		return 1
	}
	defer st.Close()

	var jcs []*jobexec.ExecutionContext
	for _, desc := range descs {
		jcs = append(jcs, st.NewJob(desc))
	}
	go func() {
		<-ctx.Done()
		for _, jc := range jcs {
			jc.Cancel()
		}
	}()
	failed := 0
	for i, err := range st.Engine.LaunchAll(ctx, jcs) {
		jc := jcs[i]
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", flags.Arg(i), jc.JobID(), jc.Status(), err)
		} else {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", flags.Arg(i), jc.JobID(), jc.Status())
		}
	}
	if failed > 0 {
		logger.WithFields(logrus.Fields{
			"Jobs":   len(jcs),
			"Failed": failed,
		}).Warn("some jobs failed")
		return 1
	}
	return 0
}

// LoadJobFile reads a job description from a YAML or JSON file.
func LoadJobFile(fnm string) (jobexec.JobDescription, error) {
	var desc jobexec.JobDescription
	buf, err := os.ReadFile(fnm)
	if err != nil {
		return desc, err
	}
	err = yaml.Unmarshal(buf, &desc)
	if err != nil {
		return desc, fmt.Errorf("%s: %w", fnm, err)
	}
	if desc.ProcessID == "" {
		return desc, fmt.Errorf("%s: ProcessID is empty", fnm)
	}
	return desc, nil
}
