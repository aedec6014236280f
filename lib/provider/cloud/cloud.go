// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud runs each job on a new VM instance created through
// a cloud driver. The instance is destroyed after the job's outputs
// have been collected.
package cloud

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"git.arvados.org/jobexec.git/lib/cloud"
	"git.arvados.org/jobexec.git/lib/clusterpool"
	"git.arvados.org/jobexec.git/lib/descriptor"
	"git.arvados.org/jobexec.git/lib/jobmanager"
	"git.arvados.org/jobexec.git/lib/monitor"
	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/lib/sshexecutor"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const Name = "cloud"

// Interval between boot probes.
var bootProbeInterval = time.Second

// Provider runs one job attempt on a dedicated cloud instance.
type Provider struct {
	*provider.Deps

	mtx      sync.Mutex
	inst     cloud.Instance
	exr      *sshexecutor.Executor
	sess     *clusterpool.Session
	destroy  sync.Once
	desc     *descriptor.BatchDescriptor
	script   string
	exitFile string
}

func New(deps *provider.Deps) *Provider {
	return &Provider{Deps: deps}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) signer() (ssh.Signer, error) {
	if key := p.Config.Cloud.SSHPrivateKey; key != "" {
		return ssh.ParsePrivateKey([]byte(key))
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// ensureInstance creates the job's instance and waits for it to
// boot, unless that has already been done.
func (p *Provider) ensureInstance(ctx context.Context, jc *jobexec.ExecutionContext) (*clusterpool.Session, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.sess != nil {
		return p.sess, nil
	}
	if p.InstanceSet == nil {
		return nil, jobexec.Configf("cloud provider has no instance set (Cloud.Driver not configured)")
	}
	itName := jc.ComputeResource.CloudInstanceType
	it, ok := p.Config.Cloud.InstanceTypes[itName]
	if !ok {
		return nil, jobexec.Configf("unknown cloud instance type %q", itName)
	}
	if it.Name == "" {
		it.Name = itName
	}
	signer, err := p.signer()
	if err != nil {
		return nil, jobexec.Configf("Cloud.SSHPrivateKey: %s", err)
	}
	logger := ctxlog.FromContext(ctx).WithField("InstanceType", it.Name)
	inst, err := p.InstanceSet.Create(it, cloud.ImageID(p.Config.Cloud.ImageID), cloud.InstanceTags{
		"ProcessID":    jc.ProcessID,
		"ExperimentID": jc.ExperimentID,
	}, "", signer.PublicKey())
	if err != nil {
		return nil, createError(err)
	}
	logger = logger.WithField("Instance", inst.String())
	logger.Info("created instance")
	p.inst = inst
	jc.Defer(func() { p.destroyInstance(logger) })

	exr := sshexecutor.New(inst)
	exr.SetSigners(signer)
	exr.SetTargetPort(p.Config.Cloud.SSHPort)
	p.exr = exr
	err = p.waitBooted(ctx, exr, logger)
	if err != nil {
		p.destroyInstance(logger)
		return nil, err
	}
	p.sess = clusterpool.NewSession(exr, nil)
	return p.sess, nil
}

// createError classifies a Create failure. Quota and rate limit
// errors mean the job was never started, so they are reported as
// submission errors.
func createError(err error) error {
	var qerr cloud.QuotaError
	if errors.As(err, &qerr) && qerr.IsQuotaError() {
		return &jobexec.SubmissionError{Err: fmt.Errorf("cloud quota exceeded: %w", err)}
	}
	var rerr cloud.RateLimitError
	if errors.As(err, &rerr) {
		return &jobexec.SubmissionError{Err: fmt.Errorf("cloud API rate limited until %s: %w", rerr.EarliestRetry().Format(time.RFC3339), err)}
	}
	return fmt.Errorf("creating instance: %w", err)
}

// waitBooted runs the boot probe command until it succeeds or
// Cloud.TimeoutBooting expires.
func (p *Provider) waitBooted(ctx context.Context, exr *sshexecutor.Executor, logger logrus.FieldLogger) error {
	timeout := p.Config.Cloud.TimeoutBooting.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	probe := p.Config.Cloud.BootProbeCommand
	if probe == "" {
		probe = "true"
	}
	t0 := time.Now()
	for {
		var err error
		if exr.Target().Address() == "" {
			err = sshexecutor.ErrNoAddress
		} else {
			_, stderr, execErr := exr.Execute(ctx, nil, probe, nil)
			if execErr != nil && len(stderr) > 0 {
				execErr = fmt.Errorf("%w (stderr: %q)", execErr, strings.TrimSpace(string(stderr)))
			}
			err = execErr
		}
		if err == nil {
			logger.WithField("Duration", time.Since(t0).Seconds()).Info("instance booted")
			return nil
		}
		logger.WithError(err).Debug("boot probe failed")
		select {
		case <-ctx.Done():
			return fmt.Errorf("instance did not boot within %s: %w", timeout, err)
		case <-time.After(bootProbeInterval):
		}
	}
}

func (p *Provider) destroyInstance(logger logrus.FieldLogger) {
	p.destroy.Do(func() {
		if p.exr != nil {
			p.exr.Close()
		}
		if p.inst == nil {
			return
		}
		if err := p.inst.Destroy(); err != nil {
			logger.WithError(err).Warn("error destroying instance")
			return
		}
		logger.Info("destroyed instance")
	})
}

// Workspace implements provider.WorkspaceProvider. The instance is
// created on first use.
func (p *Provider) Workspace(ctx context.Context, jc *jobexec.ExecutionContext) (provider.Workspace, func(), error) {
	sess, err := p.ensureInstance(ctx, jc)
	if err != nil {
		return nil, nil, err
	}
	return sess, func() {}, nil
}

// Initialize starts the instance (if a handler has not already done
// so), creates the job directories, and uploads the job script.
func (p *Provider) Initialize(ctx context.Context, jc *jobexec.ExecutionContext) error {
	sess, err := p.ensureInstance(ctx, jc)
	if err != nil {
		return err
	}
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
	if err := sess.Mkdir(ctx, dirs...); err != nil {
		return err
	}

	var lines []string
	lines = append(lines, d.ModuleLoads...)
	for _, env := range d.Environment {
		lines = append(lines, "export "+env.Name+"="+jobmanager.Quote(env.Value))
	}
	lines = append(lines, "cd "+jobmanager.Quote(d.WorkingDir))
	lines = append(lines, d.PreJob...)
	lines = append(lines, d.CommandLine())
	lines = append(lines, d.PostJob...)
	p.desc = d
	p.script = path.Join(d.WorkingDir, d.JobName+".sh")
	p.exitFile = path.Join(d.WorkingDir, d.JobName+".exit")
	return sess.Upload(ctx, p.script, strings.NewReader(strings.Join(lines, "\n")+"\n"))
}

// Execute starts the job script in the background on the instance,
// and polls for its exit code.
func (p *Provider) Execute(ctx context.Context, jc *jobexec.ExecutionContext) error {
	if p.desc == nil {
		return errors.New("cloud provider is not initialized")
	}
	q := jobmanager.Quote
	inner := fmt.Sprintf("sh %s >%s 2>%s; echo $? >%s.tmp && mv %s.tmp %s",
		q(p.script), q(p.desc.Stdout), q(p.desc.Stderr),
		q(p.exitFile), q(p.exitFile), q(p.exitFile))
	out, err := p.sess.Run(ctx, "nohup sh -c "+q(inner)+" >/dev/null 2>&1 </dev/null & echo $!")
	if err != nil {
		return &jobexec.SubmissionError{Err: err}
	}
	pid := strings.TrimSpace(out)
	jobID := p.inst.String() + ":" + pid
	jc.SetJobID(jobID)
	logger := ctxlog.FromContext(ctx).WithField("JobID", jobID)
	logger.Info("started job on instance")

	mon := monitor.New(jc, nil, "", logger)
	mon.Update(jobexec.JobStateActive)
	var exitCode string
	st, err := mon.PollAndWait(ctx, p.Config.Monitor.PollInterval.Duration(), p.Config.Monitor.WaitTimeout.Duration(), func(ctx context.Context) (jobexec.JobState, error) {
		ok, err := p.sess.Exists(ctx, p.exitFile)
		if err != nil || !ok {
			return jobexec.JobStateActive, err
		}
		var buf strings.Builder
		if _, err := p.sess.Fetch(ctx, p.exitFile, &buf); err != nil {
			return jobexec.JobStateUnknown, err
		}
		exitCode = strings.TrimSpace(buf.String())
		if exitCode == "0" {
			return jobexec.JobStateDone, nil
		}
		return jobexec.JobStateFailed, nil
	})
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if _, kerr := p.sess.Run(cctx, "kill "+q(pid)); kerr != nil {
			logger.WithError(kerr).Warn("error killing job process")
		}
		return fmt.Errorf("waiting for job %s: %w", jobID, err)
	}
	if st == jobexec.JobStateFailed {
		return &jobexec.RemoteJobError{JobID: jobID, Reason: "exit code " + exitCode}
	}
	return nil
}

// Dispose destroys the instance right away if the job did not
// succeed. Otherwise the instance is kept until the attempt's
// deferred cleanup runs, so outputs can be collected from it.
func (p *Provider) Dispose(ctx context.Context, jc *jobexec.ExecutionContext) error {
	if jc.Status() != jobexec.JobStateDone {
		p.destroyInstance(ctxlog.FromContext(ctx))
	}
	return nil
}
