// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package engine launches job attempts: it binds a provider for the
// job's compute resource and runs the handler chain around it.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.arvados.org/jobexec.git/lib/credential"
	"git.arvados.org/jobexec.git/lib/handler"
	"git.arvados.org/jobexec.git/lib/output"
	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/lib/scheduler"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Attempt outcomes, as reported in metrics.
const (
	OutcomeSuccess         = "success"
	OutcomeConfigError     = "config_error"
	OutcomeSubmissionError = "submission_error"
	OutcomeRemoteFailure   = "remote_failure"
	OutcomeOutputError     = "output_error"
	OutcomeCredentialError = "credential_error"
	OutcomeCancelled       = "cancelled"
	OutcomeError           = "error"
)

// An Engine launches job attempts. It is safe to call Launch from
// multiple goroutines.
type Engine struct {
	deps     *provider.Deps
	handlers *handler.Deps
	registry *handler.Registry

	mAttempts *prometheus.CounterVec
	mRunning  prometheus.Gauge
	mDuration *prometheus.SummaryVec
}

// New returns an Engine that uses the given shared components.
// Outputs are staged with stager; if nil, they are written to
// Config.Output.StagingDir. Metrics are registered with reg, if not
// nil.
func New(deps *provider.Deps, stager output.Stager, reg *prometheus.Registry) *Engine {
	e := &Engine{
		deps:     deps,
		handlers: &handler.Deps{Deps: deps, Stager: stager},
		registry: handler.NewRegistry(),
	}
	e.registerMetrics(reg)
	return e
}

// Registry returns the handler registry, so callers can add their
// own handlers before launching anything.
func (e *Engine) Registry() *handler.Registry {
	return e.registry
}

// Launch runs one job attempt to completion: it binds a provider
// for the job's compute resource, then runs the in-flow handlers,
// the provider lifecycle, and the out-flow handlers. On failure an
// ExecutionFailed event carrying the cause is published, and the
// cause is returned.
//
// Cleanup registered with jc.Defer runs before Launch returns,
// whether or not the attempt succeeded.
func (e *Engine) Launch(ctx context.Context, jc *jobexec.ExecutionContext) error {
	logger := ctxlog.FromContext(ctx)
	if e.deps.Logger != nil {
		logger = e.deps.Logger
	}
	logger = logger.WithFields(logrus.Fields{
		"ExperimentID": jc.ExperimentID,
		"ProcessID":    jc.ProcessID,
	})
	ctx = ctxlog.Context(ctx, logger)

	e.mRunning.Inc()
	t0 := time.Now()
	err := e.launch(ctx, jc)
	jc.RunDeferred()
	e.mRunning.Dec()

	outcome := Outcome(err)
	e.mAttempts.WithLabelValues(outcome).Inc()
	e.mDuration.WithLabelValues(outcome).Observe(time.Since(t0).Seconds())
	logger = logger.WithFields(logrus.Fields{
		"JobID":    jc.JobID(),
		"Status":   jc.Status(),
		"Outcome":  outcome,
		"Duration": time.Since(t0).Seconds(),
	})
	if err != nil {
		logger.WithError(err).Warn("job attempt failed")
		jc.Publish(jobexec.Event{
			Type:   jobexec.EventExecutionFailed,
			Status: jc.Status(),
			Err:    err,
		})
		return err
	}
	logger.Info("job attempt finished")
	return nil
}

func (e *Engine) launch(ctx context.Context, jc *jobexec.ExecutionContext) error {
	if cfg := e.deps.Config; cfg != nil {
		if jc.GatewayID == "" {
			jc.GatewayID = cfg.Credentials.DefaultGatewayID
		}
		if jc.CredentialToken == "" {
			jc.CredentialToken = cfg.Credentials.DefaultTokenID
		}
	}
	p, err := scheduler.SelectProvider(e.deps, jc.ComputeResource)
	if err != nil {
		return err
	}
	jc.Provider = p
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Provider": p.Name(),
		"Host":     jc.ComputeResource.Host,
	}).Debug("bound provider")
	chain := &handler.Chain{Registry: e.registry, Deps: e.handlers}
	return chain.Execute(ctx, jc)
}

// LaunchAll launches the given attempts concurrently and waits for
// all of them. The returned slice has one entry per attempt, nil for
// the ones that succeeded.
func (e *Engine) LaunchAll(ctx context.Context, jcs []*jobexec.ExecutionContext) []error {
	errs := make([]error, len(jcs))
	var wg sync.WaitGroup
	for i, jc := range jcs {
		i, jc := i, jc
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Launch(ctx, jc)
		}()
	}
	wg.Wait()
	return errs
}

// Outcome classifies the result of an attempt for metrics and logs.
func Outcome(err error) string {
	var remote *jobexec.RemoteJobError
	var missing *output.MissingOutputsError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, handler.ErrCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case jobexec.IsConfigError(err):
		return OutcomeConfigError
	case jobexec.IsSubmissionError(err):
		return OutcomeSubmissionError
	case errors.As(err, &remote):
		return OutcomeRemoteFailure
	case errors.As(err, &missing), errors.Is(err, output.ErrNoOutputs):
		return OutcomeOutputError
	case errors.Is(err, credential.ErrExpired):
		return OutcomeCredentialError
	default:
		return OutcomeError
	}
}

func (e *Engine) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	e.mAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobexec",
		Subsystem: "engine",
		Name:      "attempts_total",
		Help:      "Number of job attempts finished, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(e.mAttempts)
	e.mRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobexec",
		Subsystem: "engine",
		Name:      "attempts_running",
		Help:      "Number of job attempts in progress.",
	})
	reg.MustRegister(e.mRunning)
	e.mDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "jobexec",
		Subsystem:  "engine",
		Name:       "attempt_duration_seconds",
		Help:       "Wall clock time spent on job attempts, by outcome.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"outcome"})
	reg.MustRegister(e.mDuration)
}
