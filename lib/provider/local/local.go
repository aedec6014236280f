// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package local runs jobs as child processes of the engine.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"git.arvados.org/jobexec.git/lib/descriptor"
	"git.arvados.org/jobexec.git/lib/monitor"
	"git.arvados.org/jobexec.git/lib/output"
	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

const Name = "local"

// Workspace gives access to job directories on the local
// filesystem.
type Workspace struct {
	output.LocalSource
}

func (Workspace) Mkdir(ctx context.Context, dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (Workspace) Upload(ctx context.Context, path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Provider runs one job attempt with the configured local shell.
type Provider struct {
	*provider.Deps

	desc   *descriptor.BatchDescriptor
	script string
}

func New(deps *provider.Deps) *Provider {
	return &Provider{Deps: deps}
}

func (p *Provider) Name() string { return Name }

// Workspace implements provider.WorkspaceProvider.
func (p *Provider) Workspace(ctx context.Context, jc *jobexec.ExecutionContext) (provider.Workspace, func(), error) {
	return Workspace{}, func() {}, nil
}

// Initialize creates the job directories and prepares the shell
// script that runs the application.
func (p *Provider) Initialize(ctx context.Context, jc *jobexec.ExecutionContext) error {
	d, err := descriptor.BuildBatch(ctx, &jc.JobDescription, nil)
	if err != nil {
		return err
	}
	if d.WorkingDir == "" {
		return &jobexec.SubmissionError{Err: errors.New("application has no working directory")}
	}
	jc.Application.StdoutPath = d.Stdout
	jc.Application.StderrPath = d.Stderr
	var dirs []string
	for _, dir := range []string{d.WorkingDir, d.InputDir, d.OutputDir} {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	if err := (Workspace{}).Mkdir(ctx, dirs...); err != nil {
		return err
	}
	var lines []string
	lines = append(lines, d.ModuleLoads...)
	lines = append(lines, d.PreJob...)
	lines = append(lines, d.CommandLine())
	lines = append(lines, d.PostJob...)
	p.desc = d
	p.script = strings.Join(lines, "\n")
	return nil
}

// Execute runs the job script and waits for it to exit.
func (p *Provider) Execute(ctx context.Context, jc *jobexec.ExecutionContext) error {
	if p.desc == nil {
		return errors.New("local provider is not initialized")
	}
	if timeout := p.Config.Monitor.WaitTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stdout, err := os.Create(p.desc.Stdout)
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.Create(p.desc.Stderr)
	if err != nil {
		return err
	}
	defer stderr.Close()

	shell := p.Config.Local.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", p.script)
	cmd.Dir = p.desc.WorkingDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for _, env := range p.desc.Environment {
		cmd.Env = append(cmd.Env, env.Name+"="+env.Value)
	}
	err = cmd.Start()
	if err != nil {
		return &jobexec.SubmissionError{Err: err}
	}
	jobID := fmt.Sprintf("local-%d", cmd.Process.Pid)
	jc.SetJobID(jobID)
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"JobID":  jobID,
		"Script": p.script,
	})
	logger.Info("started local process")

	mon := monitor.New(jc, nil, "", logger)
	mon.Update(jobexec.JobStateActive)
	err = cmd.Wait()
	if ctx.Err() != nil {
		mon.Update(jobexec.JobStateFailed)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("waiting for job %s: %w", jobID, monitor.ErrWaitTimeout)
		}
		return ctx.Err()
	}
	if err != nil {
		mon.Update(jobexec.JobStateFailed)
		return &jobexec.RemoteJobError{JobID: jobID, Reason: err.Error()}
	}
	mon.Update(jobexec.JobStateDone)
	return nil
}

func (p *Provider) Dispose(ctx context.Context, jc *jobexec.ExecutionContext) error {
	return nil
}
