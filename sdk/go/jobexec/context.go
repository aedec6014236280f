// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"sync"
	"sync/atomic"
	"time"
)

// Names of the security contexts attached to an ExecutionContext.
const (
	SecuritySSH  = "ssh"
	SecurityGrid = "grid"
)

// JobDescription is the caller-supplied part of an ExecutionContext.
// It is usually loaded from the registry (or, for the command line
// tool, from a YAML file).
type JobDescription struct {
	ExperimentID    string
	ProcessID       string
	GatewayID       string
	CredentialToken string

	ComputeResource ComputeResource
	Application     ApplicationDeployment
	Scheduling      SchedulingParameters
	Inputs          []InputParameter
	Outputs         []OutputParameter

	// Handler names. If empty, the configured defaults are used.
	InFlowHandlers  []string
	OutFlowHandlers []string

	// Free-form values passed between handlers, e.g. workflow
	// correlation IDs.
	Properties map[string]string
}

// An ExecutionContext is the mutable state of one job attempt. It
// must not be shared between attempts.
//
// Fields in the embedded JobDescription are owned by the attempt's
// goroutine. Job ID, status, and security contexts can also be
// updated by a status monitor, so they are only reachable through
// methods.
type ExecutionContext struct {
	JobDescription

	// Provider bound by the scheduler before execution starts.
	Provider Provider

	// Destination for lifecycle events. May be nil.
	Notifier Notifier

	mtx       sync.Mutex
	jobID     string
	status    JobState
	security  map[string]*Credential
	cancelled atomic.Bool
	deferred  []func()
}

// NewExecutionContext returns a new ExecutionContext for one attempt
// of the described job.
func NewExecutionContext(desc JobDescription, notifier Notifier) *ExecutionContext {
	if desc.Properties == nil {
		desc.Properties = map[string]string{}
	}
	return &ExecutionContext{
		JobDescription: desc,
		Notifier:       notifier,
		security:       map[string]*Credential{},
	}
}

// JobID returns the remote job ID, or "" if the job has not been
// submitted.
func (jc *ExecutionContext) JobID() string {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.jobID
}

// SetJobID records the remote job ID assigned at submission.
func (jc *ExecutionContext) SetJobID(id string) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	jc.jobID = id
}

// Status returns the most recently recorded remote job state.
func (jc *ExecutionContext) Status() JobState {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.status
}

// SetStatus records the remote job state.
func (jc *ExecutionContext) SetStatus(st JobState) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	jc.status = st
}

// Credential returns the named security context, or nil.
func (jc *ExecutionContext) Credential(name string) *Credential {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.security[name]
}

// SetCredential binds (or rebinds) the named security context.
func (jc *ExecutionContext) SetCredential(name string, cred *Credential) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if jc.security == nil {
		jc.security = map[string]*Credential{}
	}
	jc.security[name] = cred
}

// Cancel asks the attempt to stop at the next handler boundary.
func (jc *ExecutionContext) Cancel() {
	jc.cancelled.Store(true)
}

// Cancelled returns true if Cancel has been called.
func (jc *ExecutionContext) Cancelled() bool {
	return jc.cancelled.Load()
}

// Publish fills in the identity fields of ev and sends it to the
// notification sink, if any.
func (jc *ExecutionContext) Publish(ev Event) {
	if jc.Notifier == nil {
		return
	}
	ev.ExperimentID = jc.ExperimentID
	ev.ProcessID = jc.ProcessID
	if ev.JobID == "" {
		ev.JobID = jc.JobID()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	jc.Notifier.Publish(ev)
}

// Defer arranges for fn to be called by RunDeferred, after the
// attempt's out-flow handlers have finished. It is used for
// resources that must outlive the provider, like a cloud instance
// holding outputs that have not been collected yet.
func (jc *ExecutionContext) Defer(fn func()) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	jc.deferred = append(jc.deferred, fn)
}

// RunDeferred calls the funcs passed to Defer, most recent first.
// Each is called only once.
func (jc *ExecutionContext) RunDeferred() {
	jc.mtx.Lock()
	fns := jc.deferred
	jc.deferred = nil
	jc.mtx.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
