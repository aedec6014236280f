// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provider drives a jobexec.Provider through its lifecycle,
// and holds what the provider implementations (in subpackages) have
// in common.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"git.arvados.org/jobexec.git/lib/cloud"
	"git.arvados.org/jobexec.git/lib/clusterpool"
	"git.arvados.org/jobexec.git/lib/credential"
	"git.arvados.org/jobexec.git/lib/monitor"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a provider within one attempt.
type State int

const (
	Uninitialized State = iota
	Initialized
	Executed
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initialized:
		return "INITIALIZED"
	case Executed:
		return "EXECUTED"
	case Disposed:
		return "DISPOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrNoProvider = errors.New("no provider bound to execution context")

// Run calls Initialize, Execute, and Dispose on jc.Provider, in that
// order, stopping at the first error. It returns the last state
// reached.
//
// Once Initialize has been called, Dispose is always called, even if
// Initialize or Execute failed, so the provider can release what it
// acquired. A Dispose error is returned only if nothing failed
// before it.
func Run(ctx context.Context, jc *jobexec.ExecutionContext) (State, error) {
	p := jc.Provider
	if p == nil {
		return Uninitialized, ErrNoProvider
	}
	logger := ctxlog.FromContext(ctx).WithField("Provider", p.Name())
	state := Uninitialized

	step := func(name string, fn func(context.Context, *jobexec.ExecutionContext) error) error {
		t0 := time.Now()
		err := fn(ctx, jc)
		logger := logger.WithFields(logrus.Fields{
			"Step":     name,
			"Duration": time.Since(t0).Seconds(),
		})
		if err != nil {
			logger.WithError(err).Warn("provider step failed")
			jc.Publish(jobexec.Event{Type: jobexec.EventStepFailed, Step: p.Name() + "." + name, Err: err})
			return err
		}
		logger.Debug("provider step finished")
		jc.Publish(jobexec.Event{Type: jobexec.EventStepFinished, Step: p.Name() + "." + name})
		return nil
	}

	err := step("initialize", p.Initialize)
	if err == nil {
		state = Initialized
		err = step("execute", p.Execute)
		if err == nil {
			state = Executed
		}
	}
	// Dispose with a context that is still usable if the attempt
	// was cancelled.
	dctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
	}
	derr := p.Dispose(dctx, jc)
	if derr != nil {
		logger.WithError(derr).Warn("provider dispose failed")
		jc.Publish(jobexec.Event{Type: jobexec.EventStepFailed, Step: p.Name() + ".dispose", Err: derr})
	} else if err == nil {
		state = Disposed
		jc.Publish(jobexec.Event{Type: jobexec.EventStepFinished, Step: p.Name() + ".dispose"})
	}
	if err != nil {
		return state, err
	}
	return state, derr
}

// A Workspace gives file access to a job's directories on the
// compute resource. *clusterpool.Session is a Workspace.
type Workspace interface {
	Mkdir(ctx context.Context, dirs ...string) error
	Upload(ctx context.Context, path string, r io.Reader) error
	ListDir(ctx context.Context, dir string) ([]string, error)
	Fetch(ctx context.Context, path string, w io.Writer) (int64, error)
}

// A WorkspaceProvider is a provider whose compute resource can be
// reached by handlers before and after the provider lifecycle runs,
// e.g., to stage inputs and collect outputs. The returned func
// releases the workspace.
type WorkspaceProvider interface {
	Workspace(ctx context.Context, jc *jobexec.ExecutionContext) (Workspace, func(), error)
}

// A CredentialSource looks up credentials. *credential.Manager is a
// CredentialSource.
type CredentialSource interface {
	Get(ctx context.Context, gatewayID, tokenID string) (*jobexec.Credential, error)
}

// BindCredential returns the credential bound to jc under the given
// name, looking it up (by the job's gateway and token IDs) and
// binding it first if necessary.
func BindCredential(ctx context.Context, jc *jobexec.ExecutionContext, creds CredentialSource, name string) (*jobexec.Credential, error) {
	if cred := jc.Credential(name); cred != nil {
		return cred, nil
	}
	if creds == nil {
		return nil, fmt.Errorf("no %s credential bound and no credential source configured", name)
	}
	cred, err := creds.Get(ctx, jc.GatewayID, jc.CredentialToken)
	if err != nil {
		return nil, fmt.Errorf("getting %s credential: %w", name, err)
	}
	if cred.Expired(time.Now()) {
		return nil, fmt.Errorf("%s credential %s/%s: %w", name, cred.GatewayID, cred.TokenID, credential.ErrExpired)
	}
	jc.SetCredential(name, cred)
	return cred, nil
}

// Deps are the long-lived components shared by the providers of all
// job attempts.
type Deps struct {
	Config      *jobexec.Config
	Pool        *clusterpool.Pool
	Credentials *credential.Manager
	// Status notifications pushed by grid gatekeepers. If nil,
	// grid jobs are polled instead.
	Callbacks *monitor.Hub
	// Instance set used by the cloud provider. May be nil if no
	// cloud driver is configured.
	InstanceSet cloud.InstanceSet
	Logger      logrus.FieldLogger
}

// Renewer returns the credential renewer to attach to job status
// monitors, or nil if there is no credential manager.
func (d *Deps) Renewer() monitor.Renewer {
	if d.Credentials == nil {
		return nil
	}
	return d.Credentials
}

// CredentialSource returns the source used by BindCredential, or nil
// if there is no credential manager.
func (d *Deps) CredentialSource() CredentialSource {
	if d.Credentials == nil {
		return nil
	}
	return d.Credentials
}
