// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package descriptor

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"

	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

const (
	// DefaultWallTime (minutes) is used when the job does not
	// request a wall time.
	DefaultWallTime = 30

	// DebugQueue is the queue name subject to DebugQueueMaxWallTime.
	DebugQueue            = "debug"
	DebugQueueMaxWallTime = 30
)

var ErrDebugQueueWallTime = errors.New("wall time limit for the debug queue is 30 minutes")

type rslAttr struct {
	name   string
	values []string
	pairs  [][2]string
}

// An RSL is a grid resource specification: an ordered list of
// attribute=value relations.
type RSL struct {
	attrs []rslAttr
}

// Set sets an attribute to one or more values, replacing any
// previous setting.
func (r *RSL) Set(name string, values ...string) {
	r.set(rslAttr{name: name, values: values})
}

// SetPairs sets an attribute whose value is a list of (name, value)
// pairs, e.g., environment.
func (r *RSL) SetPairs(name string, pairs [][2]string) {
	r.set(rslAttr{name: name, pairs: pairs})
}

func (r *RSL) set(a rslAttr) {
	for i := range r.attrs {
		if r.attrs[i].name == a.name {
			r.attrs[i] = a
			return
		}
	}
	r.attrs = append(r.attrs, a)
}

// Get returns the first value of the named attribute.
func (r *RSL) Get(name string) (string, bool) {
	for _, a := range r.attrs {
		if a.name == name && len(a.values) > 0 {
			return a.values[0], true
		}
	}
	return "", false
}

func (r *RSL) String() string {
	var b strings.Builder
	b.WriteString("&")
	for _, a := range r.attrs {
		b.WriteString("(" + a.name + "=")
		if a.pairs != nil {
			for i, p := range a.pairs {
				if i > 0 {
					b.WriteString(" ")
				}
				b.WriteString("(" + rslQuote(p[0]) + " " + rslQuote(p[1]) + ")")
			}
		} else {
			for i, v := range a.values {
				if i > 0 {
					b.WriteString(" ")
				}
				b.WriteString(rslQuote(v))
			}
		}
		b.WriteString(")")
	}
	return b.String()
}

func rslQuote(s string) string {
	return `"` + strings.Replace(s, `"`, `""`, -1) + `"`
}

// JobType returns the RSL jobtype for the given parallelism.
func JobType(p jobexec.Parallelism) string {
	switch p {
	case jobexec.ParallelismMPI, jobexec.ParallelismOpenMPMPI:
		return "mpi"
	case jobexec.ParallelismMultiple:
		return "multiple"
	case jobexec.ParallelismCondor:
		return "condor"
	default:
		// single, serial, openmp, unspecified
		return "single"
	}
}

// BuildRSL returns the RSL for a grid gatekeeper submission of the
// given job.
//
// Each scheduling override (cpu count, node count, queue, wall time)
// is optional; a missing one is logged and skipped. The only hard
// rule is that the debug queue does not accept wall times over
// DebugQueueMaxWallTime.
func BuildRSL(ctx context.Context, desc *jobexec.JobDescription) (*RSL, error) {
	logger := ctxlog.FromContext(ctx)
	app := &desc.Application
	sched := &desc.Scheduling
	r := &RSL{}

	r.Set("executable", app.Executable)
	if app.WorkingDir != "" {
		r.Set("directory", app.WorkingDir)
	}
	stdout, stderr := app.StdoutPath, app.StderrPath
	if stdout == "" && app.WorkingDir != "" {
		stdout = path.Join(app.WorkingDir, "stdout")
	}
	if stderr == "" && app.WorkingDir != "" {
		stderr = path.Join(app.WorkingDir, "stderr")
	}
	if stdout != "" {
		r.Set("stdout", stdout)
	}
	if stderr != "" {
		r.Set("stderr", stderr)
	}
	if len(app.Environment) > 0 {
		var env [][2]string
		for _, e := range app.Environment {
			env = append(env, [2]string{e.Name, e.Value})
		}
		r.SetPairs("environment", env)
	}
	if args := Arguments(desc); len(args) > 0 {
		r.Set("arguments", args...)
	}

	if sched.TotalCPUCount > 0 {
		r.Set("count", strconv.Itoa(sched.TotalCPUCount))
	} else {
		logger.Debug("no cpu count in scheduling parameters, not setting count")
	}
	if sched.NodeCount > 0 {
		r.Set("host_count", strconv.Itoa(sched.NodeCount))
	} else {
		logger.Debug("no node count in scheduling parameters, not setting host_count")
	}
	if sched.MinMemory > 0 {
		r.Set("min_memory", strconv.Itoa(sched.MinMemory))
	}
	if sched.MaxMemory > 0 {
		r.Set("max_memory", strconv.Itoa(sched.MaxMemory))
	}
	if sched.ProjectAccount != "" {
		r.Set("project", sched.ProjectAccount)
	}
	if sched.QueueName != "" {
		r.Set("queue", sched.QueueName)
	} else {
		logger.Debug("no queue name in scheduling parameters, using gatekeeper default")
	}

	wallTime := sched.WallTimeLimit
	if wallTime <= 0 {
		logger.Debugf("no wall time limit in scheduling parameters, using default %d minutes", DefaultWallTime)
		wallTime = DefaultWallTime
	}
	if sched.QueueName == DebugQueue && wallTime > DebugQueueMaxWallTime {
		return nil, &jobexec.SubmissionError{Err: ErrDebugQueueWallTime}
	}
	r.Set("max_wall_time", strconv.Itoa(wallTime))
	r.Set("proxy_timeout", "1")

	r.Set("jobtype", JobType(app.Parallelism))
	return r, nil
}
