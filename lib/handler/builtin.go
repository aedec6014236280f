// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package handler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"git.arvados.org/jobexec.git/lib/output"
	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

// Names of the built-in handlers.
const (
	InputValidation = "input-validation"
	DirectorySetup  = "directory-setup"
	InputStaging    = "input-staging"
	OutputCollector = "output-collector"
	StatusNotifier  = "status-notifier"
)

var builtins = map[string]Factory{
	InputValidation: func(*Deps) (Handler, error) { return HandlerFunc(validateInputs), nil },
	DirectorySetup:  func(*Deps) (Handler, error) { return HandlerFunc(setupDirectories), nil },
	InputStaging:    func(*Deps) (Handler, error) { return HandlerFunc(stageInputs), nil },
	OutputCollector: newOutputCollector,
	StatusNotifier:  func(*Deps) (Handler, error) { return HandlerFunc(notifyStatus), nil },
}

// InvalidInputsError lists the problems found by input validation.
type InvalidInputsError struct {
	Problems []string
}

func (e *InvalidInputsError) Error() string {
	return "invalid inputs: " + strings.Join(e.Problems, "; ")
}

// validateInputs checks that every required input has a value, that
// numeric inputs parse, and that URI inputs referring to local files
// are readable.
func validateInputs(ctx context.Context, jc *jobexec.ExecutionContext) error {
	var problems []string
	for _, in := range jc.Inputs {
		if in.Value == "" {
			if in.Required {
				problems = append(problems, fmt.Sprintf("required input %q has no value", in.Name))
			}
			continue
		}
		switch in.Type {
		case jobexec.DataTypeInteger:
			if _, err := strconv.ParseInt(in.Value, 10, 64); err != nil {
				problems = append(problems, fmt.Sprintf("input %q: %q is not an integer", in.Name, in.Value))
			}
		case jobexec.DataTypeFloat:
			if _, err := strconv.ParseFloat(in.Value, 64); err != nil {
				problems = append(problems, fmt.Sprintf("input %q: %q is not a number", in.Name, in.Value))
			}
		case jobexec.DataTypeURI, jobexec.DataTypeURICollection:
			for _, uri := range splitURIs(in) {
				local, ok, err := localPath(uri)
				if err != nil {
					problems = append(problems, fmt.Sprintf("input %q: %s", in.Name, err))
					continue
				}
				if !ok {
					continue
				}
				f, err := os.Open(local)
				if err != nil {
					problems = append(problems, fmt.Sprintf("input %q: %s", in.Name, err))
					continue
				}
				f.Close()
			}
		}
	}
	if len(problems) > 0 {
		return &InvalidInputsError{Problems: problems}
	}
	return nil
}

// splitURIs returns the URIs in an input value. A uri-collection
// value is a comma-separated list.
func splitURIs(in jobexec.InputParameter) []string {
	if in.Type != jobexec.DataTypeURICollection {
		return []string{in.Value}
	}
	var uris []string
	for _, uri := range strings.Split(in.Value, ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris
}

// localPath returns the local filesystem path referred to by uri,
// and false if uri refers to something else (a remote URL, or a
// path relative to the job's working directory).
func localPath(uri string) (string, bool, error) {
	if strings.HasPrefix(uri, "/") {
		return uri, true, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", false, err
	}
	if u.Scheme != "file" {
		return "", false, nil
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", false, fmt.Errorf("file URI %q does not refer to this host", uri)
	}
	return u.Path, true, nil
}

func workspace(ctx context.Context, jc *jobexec.ExecutionContext) (provider.Workspace, func(), error) {
	if jc.Provider == nil {
		return nil, nil, provider.ErrNoProvider
	}
	wp, ok := jc.Provider.(provider.WorkspaceProvider)
	if !ok {
		return nil, nil, fmt.Errorf("provider %s does not give access to job directories", jc.Provider.Name())
	}
	return wp.Workspace(ctx, jc)
}

// setupDirectories creates the job's working, input, output, and
// scratch directories on the compute resource.
func setupDirectories(ctx context.Context, jc *jobexec.ExecutionContext) error {
	var dirs []string
	for _, dir := range []string{
		jc.Application.WorkingDir,
		jc.Application.InputDir,
		jc.Application.OutputDir,
		jc.Application.ScratchDir,
	} {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return nil
	}
	ws, release, err := workspace(ctx, jc)
	if err != nil {
		return err
	}
	defer release()
	return ws.Mkdir(ctx, dirs...)
}

// stageInputs copies URI inputs that refer to local files into the
// job's input directory, and rewrites their values to the new
// location.
func stageInputs(ctx context.Context, jc *jobexec.ExecutionContext) error {
	inputDir := jc.Application.InputDir
	if inputDir == "" {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	var ws provider.Workspace
	for i := range jc.Inputs {
		in := &jc.Inputs[i]
		if in.Value == "" || (in.Type != jobexec.DataTypeURI && in.Type != jobexec.DataTypeURICollection) {
			continue
		}
		var staged []string
		for _, uri := range splitURIs(*in) {
			local, ok, err := localPath(uri)
			if err != nil {
				return fmt.Errorf("input %q: %w", in.Name, err)
			}
			dst := path.Join(inputDir, path.Base(local))
			if !ok || local == dst {
				staged = append(staged, uri)
				continue
			}
			if ws == nil {
				var release func()
				ws, release, err = workspace(ctx, jc)
				if err != nil {
					return err
				}
				defer release()
			}
			err = uploadFile(ctx, ws, local, dst)
			if err != nil {
				return fmt.Errorf("input %q: %w", in.Name, err)
			}
			logger.WithFields(logrus.Fields{
				"Input":  in.Name,
				"Source": local,
				"Target": dst,
			}).Debug("staged input")
			staged = append(staged, dst)
		}
		in.Value = strings.Join(staged, ",")
	}
	return nil
}

func uploadFile(ctx context.Context, ws provider.Workspace, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return ws.Upload(ctx, dst, f)
}

type outputCollector struct {
	deps *Deps
}

func newOutputCollector(deps *Deps) (Handler, error) {
	if deps == nil || deps.Deps == nil || deps.Config == nil {
		return nil, errors.New("output collector needs a configuration")
	}
	return &outputCollector{deps: deps}, nil
}

// Invoke collects the job's declared outputs from the compute
// resource.
func (oc *outputCollector) Invoke(ctx context.Context, jc *jobexec.ExecutionContext) error {
	if len(jc.Outputs) == 0 {
		return nil
	}
	stager := oc.deps.Stager
	if stager == nil {
		stager = output.DirStager{Dir: oc.deps.Config.Output.StagingDir}
	}
	ws, release, err := workspace(ctx, jc)
	if err != nil {
		return err
	}
	defer release()
	col := &output.Collector{
		Source:            ws,
		Stager:            stager,
		AlternateHandling: oc.deps.Config.Output.AlternateHandling,
		Logger:            ctxlog.FromContext(ctx).WithField("ProcessID", jc.ProcessID),
	}
	_, err = col.Collect(ctx, jc)
	return err
}

// notifyStatus publishes the job's current status.
func notifyStatus(ctx context.Context, jc *jobexec.ExecutionContext) error {
	jc.Publish(jobexec.Event{Type: jobexec.EventStatusChanged, Status: jc.Status()})
	return nil
}
