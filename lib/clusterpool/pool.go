// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package clusterpool keeps authenticated SSH sessions to remote
// cluster login nodes, so concurrent job attempts targeting the same
// (user, host, port) share connections instead of logging in again
// for every command.
package clusterpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"git.arvados.org/jobexec.git/lib/jobmanager"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/jmcvetta/randutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrPoolClosed = errors.New("cluster pool is closed")

	// ErrSessionClosed is returned by Session methods after the
	// pool has closed the session. The caller should Release it
	// and Acquire another.
	ErrSessionClosed = errors.New("pooled session has been closed")
)

// Target identifies a remote cluster login node.
type Target struct {
	User       string
	Host       string
	Port       int
	JobManager jobexec.JobManagerType

	// Overrides the configured ResourceManagerPath if not empty.
	ResourceManagerPath string
}

// TargetFor returns the pool target for the given compute resource.
// If the resource does not name a login user, the credential's
// username is used.
func TargetFor(cr jobexec.ComputeResource, cred *jobexec.Credential) Target {
	t := Target{
		User:                cr.LoginUser,
		Host:                cr.Host,
		Port:                cr.Port,
		JobManager:          cr.JobManager,
		ResourceManagerPath: cr.ResourceManagerPath,
	}
	if t.User == "" && cred != nil {
		t.User = cred.Username
	}
	if t.Port == 0 {
		t.Port = 22
	}
	return t
}

// Sessions are pooled by user, host and port. The job manager type
// is not part of the key.
func (t Target) key() string {
	return t.User + "@" + t.Host + ":" + strconv.Itoa(t.Port)
}

func (t Target) String() string {
	return t.key()
}

// An Executor runs shell commands on a remote host.
type Executor interface {
	Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
	// Stream is like Execute, but copies stdout to the given
	// writer instead of returning it.
	Stream(ctx context.Context, env map[string]string, cmd string, stdin io.Reader, stdout io.Writer) (stderr []byte, err error)
	Close()
}

// A Dialer returns an Executor for a new session to the given target.
type Dialer func(ctx context.Context, t Target, cred *jobexec.Credential) (Executor, error)

// Pool is a set of SSH sessions, keyed by Target. All methods are
// safe to call from multiple goroutines.
//
// The number of live sessions per key never exceeds
// Config.ClusterPool.MaxSessionsPerKey. Once that many exist, an
// Acquire call picks one at random and checks that it is still
// usable; a session that fails the check is closed and replaced, so
// the count does not change.
type Pool struct {
	cfg    *jobexec.Config
	logger logrus.FieldLogger
	dial   Dialer

	maxPerKey int
	liveness  string

	// mtx guards sessions, and is held for the whole
	// lookup/check/evict/insert sequence in Acquire.
	mtx      sync.Mutex
	sessions map[string][]*Session
	closed   bool

	mSessions  *prometheus.GaugeVec
	mCreated   prometheus.Counter
	mEvictions prometheus.Counter
	mReused    prometheus.Counter
}

// New returns a new Pool. If dial is nil, sessions use SSH (see
// SSHDialer).
func New(cfg *jobexec.Config, logger logrus.FieldLogger, reg *prometheus.Registry, dial Dialer) *Pool {
	if dial == nil {
		dial = SSHDialer(cfg, logger)
	}
	p := &Pool{
		logger:    logger,
		dial:      dial,
		maxPerKey: cfg.ClusterPool.MaxSessionsPerKey,
		liveness:  cfg.ClusterPool.LivenessCommand,
		sessions:  map[string][]*Session{},
		cfg:       cfg,
	}
	if p.maxPerKey < 1 {
		p.maxPerKey = 1
	}
	if p.liveness == "" {
		p.liveness = "ls"
	}
	p.registerMetrics(reg)
	return p
}

// Acquire returns a usable session for the given target,
// authenticating with cred if a new session is needed.
//
// The returned session should be passed to Release when the caller
// is finished with it, or to Evict if it turns out to be broken.
func (p *Pool) Acquire(ctx context.Context, t Target, cred *jobexec.Credential) (*Session, error) {
	logger := p.logger.WithField("Target", t.String())
	key := t.key()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	list := p.sessions[key]
	if len(list) < p.maxPerKey {
		sess, err := p.create(ctx, t, cred)
		if err != nil {
			return nil, err
		}
		p.sessions[key] = append(list, sess)
		p.mSessions.WithLabelValues(key).Set(float64(len(p.sessions[key])))
		sess.leases++
		logger.WithField("Sessions", len(p.sessions[key])).Debug("created new session")
		return sess, nil
	}

	idx, err := leastLeased(list)
	if err != nil {
		return nil, err
	}
	sess := list[idx]
	err = sess.check(ctx, p.liveness)
	if err == nil {
		sess.leases++
		p.mReused.Inc()
		return sess, nil
	}
	logger.WithError(err).Info("pooled session failed liveness check, replacing")
	sess.close()
	p.mEvictions.Inc()
	repl, err := p.create(ctx, t, cred)
	if err != nil {
		// Remove the dead session; the next caller will
		// find room to create one.
		p.sessions[key] = append(list[:idx:idx], list[idx+1:]...)
		p.mSessions.WithLabelValues(key).Set(float64(len(p.sessions[key])))
		return nil, fmt.Errorf("replacing session to %s: %w", t, err)
	}
	list[idx] = repl
	repl.leases++
	return repl, nil
}

// leastLeased returns the index of a randomly chosen session among
// those with the fewest leases.
func leastLeased(list []*Session) (int, error) {
	var idxs []int
	for i, sess := range list {
		switch {
		case len(idxs) == 0 || sess.leases < list[idxs[0]].leases:
			idxs = append(idxs[:0], i)
		case sess.leases == list[idxs[0]].leases:
			idxs = append(idxs, i)
		}
	}
	n, err := randutil.IntRange(0, len(idxs))
	if err != nil {
		return 0, err
	}
	return idxs[n], nil
}

// create must be called with p.mtx held.
func (p *Pool) create(ctx context.Context, t Target, cred *jobexec.Credential) (*Session, error) {
	cs, fellBack, err := jobmanager.Lookup(p.cfg, t.JobManager, p.rmPath(t))
	if err != nil {
		return nil, &jobexec.ConfigError{Err: err}
	}
	if fellBack {
		p.logger.WithField("Target", t.String()).Warnf("unknown job manager type %q, using %s", t.JobManager, cs.Type)
	}
	exr, err := p.dial(ctx, t, cred)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", t, err)
	}
	p.mCreated.Inc()
	return &Session{
		pool:       p,
		key:        t.key(),
		target:     t,
		exr:        exr,
		CommandSet: cs,
		created:    time.Now(),
	}, nil
}

func (p *Pool) rmPath(t Target) string {
	if t.ResourceManagerPath != "" {
		return t.ResourceManagerPath
	}
	return p.cfg.ResourceManagerPath
}

// Release indicates the caller is finished with the session. The
// session stays in the pool for reuse.
func (p *Pool) Release(sess *Session) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if sess.leases > 0 {
		sess.leases--
	}
}

// Evict closes the session and removes it from the pool, e.g., after
// a command fails in a way that suggests the connection is broken.
// Other holders of the session get ErrSessionClosed from then on.
func (p *Pool) Evict(sess *Session) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	list := p.sessions[sess.key]
	for i, s := range list {
		if s == sess {
			p.sessions[sess.key] = append(list[:i:i], list[i+1:]...)
			p.mSessions.WithLabelValues(sess.key).Set(float64(len(p.sessions[sess.key])))
			p.mEvictions.Inc()
			break
		}
	}
	sess.close()
}

// Len returns the number of sessions currently pooled for the given
// target.
func (p *Pool) Len(t Target) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.sessions[t.key()])
}

// Close closes all pooled sessions. Subsequent Acquire calls fail.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.closed = true
	for key, list := range p.sessions {
		for _, sess := range list {
			sess.close()
		}
		delete(p.sessions, key)
		p.mSessions.WithLabelValues(key).Set(0)
	}
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobexec",
		Subsystem: "clusterpool",
		Name:      "sessions",
		Help:      "Number of pooled SSH sessions.",
	}, []string{"target"})
	reg.MustRegister(p.mSessions)
	p.mCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobexec",
		Subsystem: "clusterpool",
		Name:      "sessions_created_total",
		Help:      "Number of SSH sessions created.",
	})
	reg.MustRegister(p.mCreated)
	p.mEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobexec",
		Subsystem: "clusterpool",
		Name:      "sessions_evicted_total",
		Help:      "Number of SSH sessions closed after failing a liveness check or command.",
	})
	reg.MustRegister(p.mEvictions)
	p.mReused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobexec",
		Subsystem: "clusterpool",
		Name:      "sessions_reused_total",
		Help:      "Number of times an existing SSH session was handed out.",
	})
	reg.MustRegister(p.mReused)
}
