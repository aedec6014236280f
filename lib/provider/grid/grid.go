// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package grid submits jobs to grid gatekeepers using the
// gatekeeper's command line client and an X.509 proxy credential.
package grid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
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

const Name = "grid-gatekeeper"

var proxyNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Provider runs one job attempt through a grid gatekeeper.
type Provider struct {
	*provider.Deps

	cli       *gramcli
	rsl       string
	proxyFile string

	// Guards proxyCred and the proxy file, which are updated by
	// both the status poller and the callback listener.
	proxyMtx  sync.Mutex
	proxyCred *jobexec.Credential
}

func New(deps *provider.Deps) *Provider {
	return &Provider{Deps: deps}
}

func (p *Provider) Name() string { return Name }

// Workspace implements provider.WorkspaceProvider, using an SSH
// session to the gatekeeper host.
func (p *Provider) Workspace(ctx context.Context, jc *jobexec.ExecutionContext) (provider.Workspace, func(), error) {
	if p.Pool == nil {
		return nil, nil, jobexec.Configf("grid provider has no cluster pool")
	}
	cred, err := provider.BindCredential(ctx, jc, p.CredentialSource(), jobexec.SecuritySSH)
	if err != nil {
		return nil, nil, err
	}
	sess, err := p.Pool.Acquire(ctx, clusterpool.TargetFor(jc.ComputeResource, cred), cred)
	if err != nil {
		return nil, nil, err
	}
	return sess, func() { p.Pool.Release(sess) }, nil
}

// Initialize binds the proxy credential, writes it where the
// gatekeeper client can find it, and builds the RSL.
func (p *Provider) Initialize(ctx context.Context, jc *jobexec.ExecutionContext) error {
	cli, err := newGramcli(p.Config, ctxlog.FromContext(ctx))
	if err != nil {
		return err
	}
	p.cli = cli
	if _, err := provider.BindCredential(ctx, jc, p.CredentialSource(), jobexec.SecurityGrid); err != nil {
		return err
	}
	name := "x509up_" + proxyNameUnsafe.ReplaceAllString(jc.ProcessID, "_")
	p.proxyFile = filepath.Join(p.Config.Grid.ProxyDir, name)
	if err := p.writeProxy(jc); err != nil {
		return err
	}
	rsl, err := descriptor.BuildRSL(ctx, &jc.JobDescription)
	if err != nil {
		return err
	}
	p.rsl = rsl.String()
	return nil
}

// writeProxy (re)writes the proxy file if the bound grid credential
// has changed since it was last written.
func (p *Provider) writeProxy(jc *jobexec.ExecutionContext) error {
	p.proxyMtx.Lock()
	defer p.proxyMtx.Unlock()
	cred := jc.Credential(jobexec.SecurityGrid)
	if cred == nil || cred == p.proxyCred {
		return nil
	}
	pem := cred.Certificate
	if !bytes.Equal(cred.PrivateKey, cred.Certificate) {
		pem = append(append([]byte(nil), cred.Certificate...), cred.PrivateKey...)
	}
	tmp := p.proxyFile + ".tmp"
	if err := os.WriteFile(tmp, pem, 0600); err != nil {
		return fmt.Errorf("writing proxy file: %w", err)
	}
	if err := os.Rename(tmp, p.proxyFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing proxy file: %w", err)
	}
	p.proxyCred = cred
	return nil
}

func (p *Provider) contact(jc *jobexec.ExecutionContext) string {
	if c := jc.ComputeResource.GatekeeperContact; c != "" {
		return c
	}
	return jc.ComputeResource.Host
}

// Execute submits the RSL and waits for the job to finish.
//
// With a callback hub, the job's state comes from gatekeeper
// callbacks, and StatusCommand is polled at CallbackPollInterval in
// case callbacks are lost. Without one, StatusCommand is polled at
// Monitor.PollInterval.
func (p *Provider) Execute(ctx context.Context, jc *jobexec.ExecutionContext) error {
	if p.cli == nil {
		return errors.New("grid provider is not initialized")
	}
	logger := ctxlog.FromContext(ctx).WithField("Contact", p.contact(jc))
	var env []string
	if p.Callbacks != nil && p.Config.Grid.CallbackURL != "" {
		env = append(env, "JOBEXEC_CALLBACK_URL="+p.Config.Grid.CallbackURL)
	}
	jobContact, err := p.cli.Submit(ctx, p.proxyFile, p.contact(jc), p.rsl, env...)
	if err != nil {
		return &jobexec.SubmissionError{Err: err}
	}
	logger = logger.WithField("JobID", jobContact)
	logger.Info("submitted job to gatekeeper")

	mon := monitor.New(jc, p.Renewer(), jobexec.SecurityGrid, logger)
	mon.OnRenew = func(*jobexec.Credential) error { return p.writeProxy(jc) }
	query := func(ctx context.Context) (jobexec.JobState, error) {
		if err := p.writeProxy(jc); err != nil {
			return jobexec.JobStateUnknown, err
		}
		return p.cli.Status(ctx, p.proxyFile, jobContact)
	}
	timeout := p.Config.Monitor.WaitTimeout.Duration()
	jc.SetJobID(jobContact)
	mon.Update(jobexec.JobStatePending)
	var st jobexec.JobState
	if p.Callbacks != nil {
		events := p.Callbacks.Register(jobContact)
		defer p.Callbacks.Unregister(jobContact)
		st, err = mon.WatchAndWait(ctx, p.Config.Grid.CallbackPollInterval.Duration(), timeout, events, query)
	} else {
		st, err = mon.PollAndWait(ctx, p.Config.Monitor.PollInterval.Duration(), timeout, query)
	}
	if err != nil {
		if werr := p.writeProxy(jc); werr != nil {
			logger.WithError(werr).Warn("cancelling job with stale proxy file")
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if cerr := p.cli.Cancel(cctx, p.proxyFile, jobContact); cerr != nil {
			logger.WithError(cerr).Warn("error cancelling job")
		}
		return fmt.Errorf("waiting for job %s: %w", jobContact, err)
	}
	if st == jobexec.JobStateFailed {
		return &jobexec.RemoteJobError{JobID: jobContact, Reason: "gatekeeper reported failure"}
	}
	return nil
}

// Dispose removes the proxy file.
func (p *Provider) Dispose(ctx context.Context, jc *jobexec.ExecutionContext) error {
	p.proxyMtx.Lock()
	defer p.proxyMtx.Unlock()
	if p.proxyFile == "" || p.proxyCred == nil {
		return nil
	}
	err := os.Remove(p.proxyFile)
	if err != nil && !os.IsNotExist(err) {
		ctxlog.FromContext(ctx).WithFields(logrus.Fields{
			"ProxyFile": p.proxyFile,
		}).WithError(err).Warn("error removing proxy file")
		return err
	}
	return nil
}
