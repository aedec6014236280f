// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package monitor tracks the status of a submitted remote job, lets
// the submitting goroutine wait for it to finish, and keeps the job's
// credential fresh while it runs.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/jobexec.git/lib/credential"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

var (
	ErrWaitTimeout = errors.New("timed out waiting for job to finish")

	// Number of consecutive failed status queries after which
	// Poll gives up.
	DefaultMaxQueryErrors = 5

	// Poll interval used when none is configured.
	DefaultPollInterval = 10 * time.Second
)

// A Renewer replaces credentials that are close to expiry.
// *credential.Manager is a Renewer.
type Renewer interface {
	NeedsRenewal(*jobexec.Credential) bool
	Renew(context.Context, *jobexec.Credential) (*jobexec.Credential, error)
}

// A QueryFunc asks the back end for the job's current state.
type QueryFunc func(context.Context) (jobexec.JobState, error)

// Monitor is the status state machine for one job attempt.
//
// State changes are monotonic (see JobState.CanBecome). The first
// transition to a terminal state releases Wait.
type Monitor struct {
	// Security context (in the ExecutionContext) holding the
	// credential to keep fresh.
	CredentialName string

	// Consecutive query failures tolerated by Poll. Zero means
	// DefaultMaxQueryErrors.
	MaxQueryErrors int

	// If non-nil, called after a renewed credential has been bound
	// to the ExecutionContext, e.g., to rewrite a proxy file the
	// back end reads. An error is treated like a failed renewal.
	OnRenew func(*jobexec.Credential) error

	jc      *jobexec.ExecutionContext
	renewer Renewer
	logger  logrus.FieldLogger

	mtx   sync.Mutex
	state jobexec.JobState
	done  chan struct{}

	// serializes credential refresh
	refreshMtx sync.Mutex

	now func() time.Time
}

// New returns a Monitor for the given attempt. renewer may be nil, in
// which case RefreshCredential does nothing.
func New(jc *jobexec.ExecutionContext, renewer Renewer, credName string, logger logrus.FieldLogger) *Monitor {
	return &Monitor{
		CredentialName: credName,
		jc:             jc,
		renewer:        renewer,
		logger:         logger.WithField("ProcessID", jc.ProcessID),
		done:           make(chan struct{}),
		now:            time.Now,
	}
}

// State returns the current state.
func (m *Monitor) State() jobexec.JobState {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.state
}

// Done returns a channel that is closed when the job reaches a
// terminal state.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Update records a new state reported by the back end. It returns
// false (and changes nothing) if the transition is not allowed,
// e.g., the job has already finished.
func (m *Monitor) Update(st jobexec.JobState) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if !m.state.CanBecome(st) {
		if st != m.state {
			m.logger.WithFields(logrus.Fields{
				"State":    m.state,
				"NewState": st,
			}).Debug("ignoring state change")
		}
		return false
	}
	changed := st != m.state
	m.state = st
	m.jc.SetStatus(st)
	if changed {
		m.logger.WithField("State", st).Info("job state changed")
		m.jc.Publish(jobexec.Event{
			Type:   jobexec.EventStatusChanged,
			Status: st,
		})
	}
	if st.Terminal() {
		close(m.done)
	}
	return true
}

// Wait blocks until the job reaches a terminal state, the timeout
// expires (ErrWaitTimeout), or ctx is done. Zero timeout means wait
// indefinitely.
func (m *Monitor) Wait(ctx context.Context, timeout time.Duration) (jobexec.JobState, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-m.done:
		return m.State(), nil
	case <-timer:
		return m.State(), ErrWaitTimeout
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// RefreshCredential renews the job's credential if its remaining
// lifetime is below the renewal threshold, and rebinds the renewed
// credential to the ExecutionContext.
//
// A renewal failure is logged and ignored, unless the current
// credential has already expired.
func (m *Monitor) RefreshCredential(ctx context.Context) error {
	if m.renewer == nil {
		return nil
	}
	m.refreshMtx.Lock()
	defer m.refreshMtx.Unlock()
	cred := m.jc.Credential(m.CredentialName)
	if cred == nil || !m.renewer.NeedsRenewal(cred) {
		return nil
	}
	logger := m.logger.WithField("Remaining", cred.RemainingLifetime(m.now()).String())
	renewed, err := m.renewer.Renew(ctx, cred)
	if err == nil {
		m.jc.SetCredential(m.CredentialName, renewed)
		logger.Info("renewed job credential")
		if m.OnRenew == nil {
			return nil
		}
		err = m.OnRenew(renewed)
		if err == nil {
			return nil
		}
	}
	if cred.Expired(m.now()) {
		logger.WithError(err).Error("credential expired and could not be renewed")
		return fmt.Errorf("%w: %s", credential.ErrExpired, err)
	}
	logger.WithError(err).Warn("credential renewal failed")
	return nil
}

// Listen applies status notifications pushed by the back end, until
// the job finishes, the channel is closed, or ctx is done. After each
// notification it refreshes the credential.
func (m *Monitor) Listen(ctx context.Context, events <-chan jobexec.JobState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-events:
			if !ok {
				return nil
			}
			m.Update(st)
			if err := m.RefreshCredential(ctx); err != nil {
				return err
			}
			if m.State().Terminal() {
				return nil
			}
		}
	}
}

// Poll calls query immediately and then at the given interval,
// applying the result as in Listen, until the job finishes or ctx is
// done.
//
// Query errors are logged and retried. Poll returns the last error
// after MaxQueryErrors consecutive failures.
//
// A query that returns JobStateUnknown after the job has been seen
// (the back end has forgotten about it) is not an error; it is up to
// the QueryFunc to translate that into a terminal state.
func (m *Monitor) Poll(ctx context.Context, interval time.Duration, query QueryFunc) error {
	maxErrors := m.MaxQueryErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxQueryErrors
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		st, err := query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			m.logger.WithError(err).WithField("Attempt", failures).Warn("job status query failed")
			if failures >= maxErrors {
				return fmt.Errorf("giving up after %d failed status queries: %w", failures, err)
			}
		} else {
			failures = 0
			if st != jobexec.JobStateUnknown {
				m.Update(st)
			}
			if err := m.RefreshCredential(ctx); err != nil {
				return err
			}
			if m.State().Terminal() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollAndWait runs Poll in the background and waits for the job to
// finish, as in Wait. It returns the terminal state, or the error
// that stopped polling.
func (m *Monitor) PollAndWait(ctx context.Context, interval, timeout time.Duration, query QueryFunc) (jobexec.JobState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pollErr := make(chan error, 1)
	go func() {
		pollErr <- m.Poll(ctx, interval, query)
	}()
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-m.done:
		return m.State(), nil
	case err := <-pollErr:
		// Poll only returns nil after a terminal state.
		return m.State(), err
	case <-timer:
		return m.State(), ErrWaitTimeout
	}
}

// WatchAndWait applies notifications from events (as in Listen) and
// waits for the job to finish, as in Wait. If query is not nil, it
// also polls at the given interval, so the job still finishes if
// notifications are lost.
//
// Without query, a closed events channel before the job finishes is
// an error.
func (m *Monitor) WatchAndWait(ctx context.Context, interval, timeout time.Duration, events <-chan jobexec.JobState, query QueryFunc) (jobexec.JobState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- m.Listen(ctx, events)
	}()
	pollErr := make(chan error, 1)
	if query != nil {
		go func() {
			pollErr <- m.Poll(ctx, interval, query)
		}()
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-m.done:
			return m.State(), nil
		case err := <-listenErr:
			if err != nil {
				return m.State(), err
			} else if m.State().Terminal() {
				return m.State(), nil
			} else if query == nil {
				return m.State(), errors.New("status notifications stopped before job finished")
			}
			listenErr = nil
		case err := <-pollErr:
			return m.State(), err
		case <-timer:
			return m.State(), ErrWaitTimeout
		}
	}
}
