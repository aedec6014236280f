// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package batch submits jobs to PBS, SLURM, UGE, and LSF clusters
// over SSH.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"git.arvados.org/jobexec.git/lib/clusterpool"
	"git.arvados.org/jobexec.git/lib/descriptor"
	"git.arvados.org/jobexec.git/lib/monitor"
	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

const Name = "ssh-batch"

// Number of consecutive polls in which neither the job manager's
// queue nor its accounting knows the job, before the job is taken
// to have finished.
const forgottenPolls = 3

// Provider runs one job attempt on a batch cluster reached through
// the shared cluster pool.
type Provider struct {
	*provider.Deps

	mtx        sync.Mutex // guards sess after submission
	sess       *clusterpool.Session
	script     []byte
	scriptPath string
}

// New returns a Provider for a single job attempt.
func New(deps *provider.Deps) *Provider {
	return &Provider{Deps: deps}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) acquire(ctx context.Context, jc *jobexec.ExecutionContext) (*clusterpool.Session, error) {
	if p.Pool == nil {
		return nil, jobexec.Configf("ssh-batch provider has no cluster pool")
	}
	cred, err := provider.BindCredential(ctx, jc, p.CredentialSource(), jobexec.SecuritySSH)
	if err != nil {
		return nil, err
	}
	return p.Pool.Acquire(ctx, clusterpool.TargetFor(jc.ComputeResource, cred), cred)
}

func (p *Provider) session() *clusterpool.Session {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.sess
}

// ensureSession returns the current session, acquiring a new one if
// the last replacement failed.
func (p *Provider) ensureSession(ctx context.Context, jc *jobexec.ExecutionContext) (*clusterpool.Session, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.sess != nil {
		return p.sess, nil
	}
	sess, err := p.acquire(ctx, jc)
	if err != nil {
		return nil, err
	}
	p.sess = sess
	return sess, nil
}

// replaceSession is called after sess failed with a connection
// error. It evicts sess from the pool and acquires another one for
// subsequent commands. If that fails, the provider is left without
// a session until the next call.
func (p *Provider) replaceSession(ctx context.Context, jc *jobexec.ExecutionContext, sess *clusterpool.Session, cause error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.sess != sess {
		// Already replaced.
		return
	}
	logger := ctxlog.FromContext(ctx).WithField("Target", sess.Target().String())
	logger.WithError(cause).Info("replacing broken cluster session")
	if !errors.Is(cause, clusterpool.ErrSessionClosed) {
		p.Pool.Evict(sess)
	}
	p.Pool.Release(sess)
	p.sess = nil
	repl, err := p.acquire(ctx, jc)
	if err != nil {
		logger.WithError(err).Warn("error replacing cluster session")
		return
	}
	p.sess = repl
}

// Workspace implements provider.WorkspaceProvider.
func (p *Provider) Workspace(ctx context.Context, jc *jobexec.ExecutionContext) (provider.Workspace, func(), error) {
	sess, err := p.acquire(ctx, jc)
	if err != nil {
		return nil, nil, err
	}
	return sess, func() { p.Pool.Release(sess) }, nil
}

// Initialize acquires a session, creates the job directories, and
// renders the batch script.
func (p *Provider) Initialize(ctx context.Context, jc *jobexec.ExecutionContext) error {
	sess, err := p.acquire(ctx, jc)
	if err != nil {
		return err
	}
	p.sess = sess

	d, err := descriptor.BuildBatch(ctx, &jc.JobDescription, p.Config.Notifications.Emails)
	if err != nil {
		return err
	}
	if d.WorkingDir == "" {
		return &jobexec.SubmissionError{Err: fmt.Errorf("application has no working directory")}
	}
	// Output collection looks for the streams where the script
	// sends them.
	jc.Application.StdoutPath = d.Stdout
	jc.Application.StderrPath = d.Stderr

	p.script, err = d.Render(sess.CommandSet)
	if err != nil {
		return err
	}
	p.scriptPath = path.Join(d.WorkingDir, d.JobName+".sh")

	var dirs []string
	for _, dir := range []string{d.WorkingDir, d.InputDir, d.OutputDir} {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return sess.Mkdir(ctx, dirs...)
}

// Execute uploads and submits the batch script, then polls the job
// manager until the job finishes.
func (p *Provider) Execute(ctx context.Context, jc *jobexec.ExecutionContext) error {
	sess := p.session()
	if sess == nil {
		return fmt.Errorf("ssh-batch provider is not initialized")
	}
	err := sess.Upload(ctx, p.scriptPath, bytes.NewReader(p.script))
	if err != nil {
		if clusterpool.IsConnectionError(err) {
			p.replaceSession(ctx, jc, sess, err)
		}
		return &jobexec.SubmissionError{Err: fmt.Errorf("uploading batch script: %w", err)}
	}
	jobID, err := sess.Submit(ctx, p.scriptPath)
	if err != nil {
		// The job may or may not have been queued, so the
		// submission is not retried here.
		if clusterpool.IsConnectionError(err) {
			p.replaceSession(ctx, jc, sess, err)
		}
		return err
	}
	jc.SetJobID(jobID)
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"JobID":  jobID,
		"Target": sess.Target().String(),
	})
	logger.Info("submitted batch job")

	hasFallback := sess.CommandSet.StatusFallbackCommand(jobID) != ""
	forgotten := 0
	mon := monitor.New(jc, p.Renewer(), jobexec.SecuritySSH, logger)
	mon.Update(jobexec.JobStatePending)
	st, err := mon.PollAndWait(ctx, p.Config.Monitor.PollInterval.Duration(), p.Config.Monitor.WaitTimeout.Duration(), func(ctx context.Context) (jobexec.JobState, error) {
		sess, err := p.ensureSession(ctx, jc)
		if err != nil {
			return jobexec.JobStateUnknown, err
		}
		st, err := sess.Status(ctx, jobID)
		if err != nil {
			if clusterpool.IsConnectionError(err) {
				p.replaceSession(ctx, jc, sess, err)
			}
			return st, err
		}
		if st != jobexec.JobStateUnknown {
			forgotten = 0
			return st, nil
		}
		forgotten++
		if hasFallback && forgotten < forgottenPolls {
			// The accounting record may lag behind the
			// queue.
			return st, nil
		}
		// The job manager has forgotten the job, which means
		// it finished. Output collection decides whether it
		// did what it was supposed to.
		if hasFallback {
			logger.Warn("job left the queue without an accounting record, assuming it finished")
		}
		return jobexec.JobStateDone, nil
	})
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if sess := p.session(); sess == nil {
			logger.Warn("cannot cancel job: no usable session")
		} else if cerr := sess.Cancel(cctx, jobID); cerr != nil {
			logger.WithError(cerr).Warn("error cancelling job")
		}
		return fmt.Errorf("waiting for job %s: %w", jobID, err)
	}
	if st == jobexec.JobStateFailed {
		return &jobexec.RemoteJobError{JobID: jobID, Reason: "job manager reported failure"}
	}
	return nil
}

// Dispose returns the session to the pool.
func (p *Provider) Dispose(ctx context.Context, jc *jobexec.ExecutionContext) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.sess != nil {
		p.Pool.Release(p.sess)
		p.sess = nil
	}
	return nil
}
