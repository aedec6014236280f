// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package handler

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

// Chain runs a job attempt's in-flow handlers, its provider, and its
// out-flow handlers, in that order.
type Chain struct {
	Registry *Registry
	Deps     *Deps
}

// Flows returns the in-flow and out-flow handler names for jc: the
// ones named in the job description, or the configured defaults.
func (ch *Chain) Flows(jc *jobexec.ExecutionContext) (in, out []string) {
	in, out = jc.InFlowHandlers, jc.OutFlowHandlers
	if cfg := ch.Deps.Config; cfg != nil {
		if len(in) == 0 {
			in = cfg.Handlers.InFlow
		}
		if len(out) == 0 {
			out = cfg.Handlers.OutFlow
		}
	}
	return
}

// Execute runs the whole chain for jc, stopping at the first
// failure. jc.Provider must already be bound.
//
// Handler names are resolved before anything runs, so an unknown
// name fails the attempt without side effects.
func (ch *Chain) Execute(ctx context.Context, jc *jobexec.ExecutionContext) error {
	in, out := ch.Flows(jc)
	if err := ch.Registry.Check(in...); err != nil {
		return err
	}
	if err := ch.Registry.Check(out...); err != nil {
		return err
	}
	if err := ch.Run(ctx, jc, in); err != nil {
		return err
	}
	if jc.Cancelled() {
		return ErrCancelled
	}
	if _, err := provider.Run(ctx, jc); err != nil {
		return err
	}
	return ch.Run(ctx, jc, out)
}

// Run invokes the named handlers in order. Each one that succeeds
// publishes a StepFinished event. The first one that fails publishes
// a StepFailed event, and its error is returned without running the
// rest.
//
// If jc is cancelled, Run returns ErrCancelled before invoking the
// next handler.
func (ch *Chain) Run(ctx context.Context, jc *jobexec.ExecutionContext, names []string) error {
	for _, name := range names {
		if jc.Cancelled() {
			return ErrCancelled
		}
		t0 := time.Now()
		h, err := ch.Registry.New(name, ch.Deps)
		if err == nil {
			err = h.Invoke(ctx, jc)
		}
		logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
			"Handler":  name,
			"Duration": time.Since(t0).Seconds(),
		})
		if err != nil {
			logger.WithError(err).Warn("handler failed")
			jc.Publish(jobexec.Event{Type: jobexec.EventStepFailed, Step: name, Err: err})
			return fmt.Errorf("handler %s: %w", name, err)
		}
		logger.Debug("handler finished")
		jc.Publish(jobexec.Event{Type: jobexec.EventStepFinished, Step: name})
	}
	return nil
}
