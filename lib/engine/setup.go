// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package engine

import (
	"context"
	"fmt"

	"git.arvados.org/jobexec.git/lib/cloud"
	"git.arvados.org/jobexec.git/lib/cloud/ec2"
	"git.arvados.org/jobexec.git/lib/cloud/loopback"
	"git.arvados.org/jobexec.git/lib/clusterpool"
	"git.arvados.org/jobexec.git/lib/credential"
	"git.arvados.org/jobexec.git/lib/monitor"
	"git.arvados.org/jobexec.git/lib/notify"
	"git.arvados.org/jobexec.git/lib/output"
	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var drivers = map[string]cloud.Driver{
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

// A Stack is an Engine together with the long-lived components it
// was built from.
type Stack struct {
	Engine *Engine
	// Routes status notifications pushed by grid gatekeepers.
	// Nil unless EnableCallbacks has been called.
	Callbacks *monitor.Hub
	// Sink for the lifecycle events of every job attempt.
	Notifier jobexec.Notifier

	closers []func()
}

// Setup builds an Engine and its components according to cfg:
//
//   - a cluster pool
//   - a credential manager, if a credential store or MyProxy
//     server is configured
//   - a cloud instance set, if any cloud instance types are
//     configured
//   - an output stager
//   - a notifier
//
// The caller must call Close when finished.
func Setup(ctx context.Context, cfg *jobexec.Config, reg *prometheus.Registry, logger logrus.FieldLogger) (*Stack, error) {
	st := &Stack{}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	deps := &provider.Deps{
		Config: cfg,
		Logger: logger,
	}
	deps.Pool = clusterpool.New(cfg, logger, reg, nil)
	st.closers = append(st.closers, deps.Pool.Close)

	creds, err := newCredentialManager(ctx, cfg, logger, st)
	if err != nil {
		return nil, err
	}
	deps.Credentials = creds

	if len(cfg.Cloud.InstanceTypes) > 0 {
		is, err := newInstanceSet(cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.InstanceSet = is
		st.closers = append(st.closers, is.Stop)
	}

	stager, err := output.NewStager(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("output stager: %w", err)
	}

	notifier, flush := notify.FromConfig(cfg, logger)
	st.Notifier = notifier
	st.closers = append(st.closers, flush)

	st.Engine = New(deps, stager, reg)
	ok = true
	return st, nil
}

func newCredentialManager(ctx context.Context, cfg *jobexec.Config, logger logrus.FieldLogger, st *Stack) (*credential.Manager, error) {
	var store credential.Store
	if dsn := cfg.Credentials.StoreDSN; dsn != "" {
		ps, err := credential.NewPostgresStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		st.closers = append(st.closers, func() { ps.Close() })
		err = ps.Init(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		store = ps
	}
	var renewer credential.Renewer
	if cfg.Credentials.MyProxy.Server != "" {
		renewer = credential.NewMyProxyRenewer(cfg, logger)
	}
	if store == nil && renewer == nil {
		logger.Info("no credential store or MyProxy server configured; jobs must carry their own credentials")
		return nil, nil
	}
	return credential.NewManager(cfg, store, renewer, logger)
}

func newInstanceSet(cfg *jobexec.Config, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	driver, ok := drivers[cfg.Cloud.Driver]
	if !ok {
		return nil, jobexec.Configf("unsupported cloud driver %q", cfg.Cloud.Driver)
	}
	setID := cloud.InstanceSetID(cfg.Cloud.InstanceSetID)
	if setID == "" {
		setID = "jobexec"
	}
	return driver.InstanceSet(cfg.Cloud.DriverParameters, setID, nil, logger.WithField("CloudDriver", cfg.Cloud.Driver))
}

// EnableCallbacks makes grid jobs wait for status notifications
// delivered to the returned Hub, instead of relying on polling
// alone. It must be called before any job is launched, and only by
// a caller that routes incoming callbacks to the Hub.
func (st *Stack) EnableCallbacks() *monitor.Hub {
	if st.Callbacks == nil {
		st.Callbacks = &monitor.Hub{}
		st.Engine.deps.Callbacks = st.Callbacks
	}
	return st.Callbacks
}

// NewJob returns an ExecutionContext for a new attempt of the
// described job, publishing its events to the stack's notifier.
func (st *Stack) NewJob(desc jobexec.JobDescription) *jobexec.ExecutionContext {
	return jobexec.NewExecutionContext(desc, st.Notifier)
}

// Close releases the stack's components, flushing pending
// notifications. Attempts still in progress may fail.
func (st *Stack) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
	st.closers = nil
}
