// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package output finds a finished job's declared outputs on the
// compute resource and copies them to a staging area.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ErrNoOutputs means a job declared outputs but none of them could
// be collected.
var ErrNoOutputs = errors.New("no outputs were collected")

// MissingOutputsError lists required outputs that could not be
// found.
type MissingOutputsError struct {
	Names []string
}

func (e *MissingOutputsError) Error() string {
	return "required outputs missing: " + strings.Join(e.Names, ", ")
}

// A Source is where a job's outputs are read from: a remote session
// (*clusterpool.Session) or the local filesystem.
type Source interface {
	ListDir(ctx context.Context, dir string) ([]string, error)
	Fetch(ctx context.Context, path string, w io.Writer) (int64, error)
}

// A Stager stores collected outputs and returns their new location.
type Stager interface {
	Stage(ctx context.Context, name string, r io.Reader) (location string, err error)
}

// Result is the outcome of collecting a job's outputs.
type Result struct {
	// Outputs that were found, with LocalPath set.
	Collected []jobexec.OutputParameter
	// Names of outputs that were not found.
	Missing []string
	// Total bytes staged.
	Bytes int64
}

// Collector copies the outputs of one job from a Source to a Stager.
type Collector struct {
	Source Source
	Stager Stager

	// If true, a job whose outputs are handled by other means
	// does not fail when nothing is collected.
	AlternateHandling bool

	Logger logrus.FieldLogger
}

// Collect processes every declared output of jc, recording LocalPath
// in jc.Outputs for the ones it stages.
//
// Missing outputs do not stop collection of the rest. When any
// required output is missing, the returned error is a
// *MissingOutputsError and the Result still lists what was
// collected. If outputs were declared and none were collected,
// ErrNoOutputs is returned unless AlternateHandling is set.
func (col *Collector) Collect(ctx context.Context, jc *jobexec.ExecutionContext) (*Result, error) {
	res := &Result{}
	var missingRequired []string
	listings := map[string][]string{}
	for i := range jc.Outputs {
		op := &jc.Outputs[i]
		logger := col.Logger.WithFields(logrus.Fields{
			"Output": op.Name,
			"Type":   op.Type,
		})
		found, n, err := col.collect(ctx, jc, op, listings)
		if err != nil {
			logger.WithError(err).Warn("could not collect output")
		}
		if found {
			logger.WithFields(logrus.Fields{
				"LocalPath": op.LocalPath,
				"Size":      humanize.IBytes(uint64(n)),
			}).Debug("collected output")
			res.Collected = append(res.Collected, *op)
			res.Bytes += n
			continue
		}
		res.Missing = append(res.Missing, op.Name)
		if op.Required {
			missingRequired = append(missingRequired, op.Name)
		}
	}
	col.Logger.WithFields(logrus.Fields{
		"Collected": len(res.Collected),
		"Missing":   len(res.Missing),
		"Size":      humanize.IBytes(uint64(res.Bytes)),
	}).Info("output collection finished")

	var errs []error
	if len(jc.Outputs) > 0 && len(res.Collected) == 0 && !col.AlternateHandling {
		errs = append(errs, ErrNoOutputs)
	}
	if len(missingRequired) > 0 {
		errs = append(errs, &MissingOutputsError{Names: missingRequired})
	}
	return res, errors.Join(errs...)
}

func (col *Collector) collect(ctx context.Context, jc *jobexec.ExecutionContext, op *jobexec.OutputParameter, listings map[string][]string) (bool, int64, error) {
	switch op.Type {
	case jobexec.DataTypeStdout, jobexec.DataTypeStderr:
		loc, n, err := col.transfer(ctx, jc, StreamPath(jc, op.Type))
		if err != nil {
			return false, 0, err
		}
		op.LocalPath = loc
		return true, n, nil
	case jobexec.DataTypeURI, jobexec.DataTypeURICollection:
		paths, err := col.locate(ctx, jc, op, listings)
		if err != nil || len(paths) == 0 {
			return false, 0, err
		}
		if op.Type == jobexec.DataTypeURI {
			paths = paths[:1]
		}
		var locs []string
		var total int64
		for _, p := range paths {
			loc, n, err := col.transfer(ctx, jc, p)
			if err != nil {
				return false, total, err
			}
			locs = append(locs, loc)
			total += n
		}
		op.LocalPath = strings.Join(locs, ",")
		return true, total, nil
	default:
		// Scalar outputs are reported by value.
		return op.Value != "", 0, nil
	}
}

// StreamPath returns the remote path of the job's captured stdout
// or stderr.
func StreamPath(jc *jobexec.ExecutionContext, typ jobexec.DataType) string {
	if typ == jobexec.DataTypeStderr {
		if jc.Application.StderrPath != "" {
			return jc.Application.StderrPath
		}
		return path.Join(jc.Application.WorkingDir, "stderr")
	}
	if jc.Application.StdoutPath != "" {
		return jc.Application.StdoutPath
	}
	return path.Join(jc.Application.WorkingDir, "stdout")
}

// locate returns the remote paths matching an output. The output's
// Value, if set, is its location; otherwise its name is looked up.
// Either may be a glob in its last path element. Relative locations
// are resolved against the job's output directory.
func (col *Collector) locate(ctx context.Context, jc *jobexec.ExecutionContext, op *jobexec.OutputParameter, listings map[string][]string) ([]string, error) {
	pattern := strings.TrimPrefix(op.Value, "file://")
	if pattern == "" {
		pattern = op.Name
	}
	if !path.IsAbs(pattern) {
		dir := jc.Application.OutputDir
		if dir == "" {
			dir = jc.Application.WorkingDir
		}
		pattern = path.Join(dir, pattern)
	}
	dir, base := path.Split(pattern)
	dir = path.Clean(dir)
	if !doublestar.ValidatePattern(base) {
		return nil, fmt.Errorf("invalid output pattern %q", base)
	}
	entries, ok := listings[dir]
	if !ok {
		var err error
		entries, err = col.Source.ListDir(ctx, dir)
		if err != nil {
			return nil, err
		}
		listings[dir] = entries
	}
	var matches []string
	for _, name := range entries {
		if ok, _ := doublestar.Match(base, name); ok {
			matches = append(matches, path.Join(dir, name))
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// transfer copies one remote file to the stager.
func (col *Collector) transfer(ctx context.Context, jc *jobexec.ExecutionContext, remotePath string) (string, int64, error) {
	pr, pw := io.Pipe()
	fetched := make(chan error, 1)
	go func() {
		_, err := col.Source.Fetch(ctx, remotePath, pw)
		pw.CloseWithError(err)
		fetched <- err
	}()
	cr := &countingReader{r: pr}
	prefix := jc.ProcessID
	if prefix == "" {
		prefix = "job"
	}
	loc, err := col.Stager.Stage(ctx, path.Join(prefix, path.Base(remotePath)), cr)
	pr.CloseWithError(err)
	if ferr := <-fetched; ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", remotePath, err)
	}
	return loc, cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
