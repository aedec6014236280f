// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// gramcli runs the gatekeeper client programs configured in the
// Grid section of the config.
type gramcli struct {
	submit []string
	status []string
	cancel []string
	logger logrus.FieldLogger
}

func newGramcli(cfg *jobexec.Config, logger logrus.FieldLogger) (*gramcli, error) {
	cli := &gramcli{logger: logger}
	for _, x := range []struct {
		tmpl string
		dst  *[]string
		key  string
	}{
		{cfg.Grid.SubmitCommand, &cli.submit, "SubmitCommand"},
		{cfg.Grid.StatusCommand, &cli.status, "StatusCommand"},
		{cfg.Grid.CancelCommand, &cli.cancel, "CancelCommand"},
	} {
		words, err := shlex.Split(x.tmpl)
		if err != nil {
			return nil, jobexec.Configf("Grid.%s: %s", x.key, err)
		} else if len(words) == 0 {
			return nil, jobexec.Configf("Grid.%s is empty", x.key)
		}
		*x.dst = words
	}
	return cli, nil
}

func (cli *gramcli) run(ctx context.Context, proxyFile string, env []string, words []string, args ...string) (string, error) {
	words = append(append([]string(nil), words...), args...)
	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Env = append(append([]string(nil), os.Environ()...), env...)
	if proxyFile != "" {
		cmd.Env = append(cmd.Env, "X509_USER_PROXY="+proxyFile)
	}
	out, err := cmd.Output()
	cli.logger.WithFields(logrus.Fields{
		"Command": words,
		"Stdout":  string(out),
	}).Debug("gatekeeper command finished")
	if err != nil {
		return "", errWithStderr(err)
	}
	return string(out), nil
}

// Submit sends the RSL to the gatekeeper and returns the job
// contact. env is added to the submit command's environment.
func (cli *gramcli) Submit(ctx context.Context, proxyFile, contact, rsl string, env ...string) (string, error) {
	out, err := cli.run(ctx, proxyFile, env, cli.submit, contact, rsl)
	if err != nil {
		return "", err
	}
	jobContact := lastLine(out)
	if jobContact == "" {
		return "", errors.New("no job contact in gatekeeper response")
	}
	return jobContact, nil
}

func (cli *gramcli) Status(ctx context.Context, proxyFile, jobContact string) (jobexec.JobState, error) {
	out, err := cli.run(ctx, proxyFile, nil, cli.status, jobContact)
	if err != nil {
		return jobexec.JobStateUnknown, err
	}
	return ParseState(lastLine(out))
}

func (cli *gramcli) Cancel(ctx context.Context, proxyFile, jobContact string) error {
	_, err := cli.run(ctx, proxyFile, nil, cli.cancel, jobContact)
	return err
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, strings.TrimSpace(string(err.Stderr)))
	}
	return err
}

// ParseState translates a GRAM job state name into a JobState.
func ParseState(s string) (jobexec.JobState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNSUBMITTED", "PENDING", "STAGE_IN", "SUSPENDED":
		return jobexec.JobStatePending, nil
	case "ACTIVE", "STAGE_OUT":
		return jobexec.JobStateActive, nil
	case "DONE":
		return jobexec.JobStateDone, nil
	case "FAILED":
		return jobexec.JobStateFailed, nil
	default:
		return jobexec.JobStateUnknown, fmt.Errorf("unrecognized gatekeeper job state %q", s)
	}
}
