// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package descriptor builds the job descriptions handed to remote
// schedulers: RSL for grid gatekeepers and batch scripts for
// PBS/SLURM/UGE/LSF clusters.
package descriptor

import (
	"path"
	"sort"
	"strings"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

// Arguments returns the application's command line arguments: the
// inputs in InputOrder, then the outputs that must appear on the
// command line, in OutputOrder. URI values are reduced to their base
// names, since inputs are staged into (and outputs written to) the
// job's own directories.
func Arguments(desc *jobexec.JobDescription) []string {
	inputs := append([]jobexec.InputParameter(nil), desc.Inputs...)
	sort.SliceStable(inputs, func(i, j int) bool {
		return inputs[i].InputOrder < inputs[j].InputOrder
	})
	var args []string
	for _, in := range inputs {
		if in.StandardInput {
			continue
		}
		if in.ApplicationArgument != "" {
			args = append(args, in.ApplicationArgument)
		}
		if !in.RequiredOnCommandLine {
			continue
		}
		args = append(args, argValues(in.Type, in.Value)...)
	}

	outputs := append([]jobexec.OutputParameter(nil), desc.Outputs...)
	sort.SliceStable(outputs, func(i, j int) bool {
		return outputs[i].OutputOrder < outputs[j].OutputOrder
	})
	for _, out := range outputs {
		if !out.RequiredOnCommandLine {
			continue
		}
		if out.ApplicationArgument != "" {
			args = append(args, out.ApplicationArgument)
		}
		args = append(args, argValues(out.Type, out.Value)...)
	}
	return args
}

// StandardInput returns the base name of the input that should be
// fed to the application's stdin, or "" if there is none.
func StandardInput(desc *jobexec.JobDescription) string {
	for _, in := range desc.Inputs {
		if in.StandardInput && in.Value != "" {
			return baseName(in.Value)
		}
	}
	return ""
}

func argValues(t jobexec.DataType, value string) []string {
	if value == "" {
		return nil
	}
	switch t {
	case jobexec.DataTypeURI:
		return []string{baseName(value)}
	case jobexec.DataTypeURICollection:
		var vals []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, baseName(v))
			}
		}
		return vals
	default:
		return []string{value}
	}
}

// baseName returns the last element of a path or URI, ignoring any
// query string.
func baseName(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	if i := strings.Index(uri, "://"); i >= 0 {
		uri = uri[i+3:]
		if j := strings.Index(uri, "/"); j >= 0 {
			uri = uri[j:]
		}
	}
	return path.Base(uri)
}

// Substitute replaces the $workingDir, $inputDir and $outputDir
// tokens in cmd with the application's directories.
func Substitute(cmd string, app *jobexec.ApplicationDeployment) string {
	return strings.NewReplacer(
		"$workingDir", app.WorkingDir,
		"$inputDir", app.InputDir,
		"$outputDir", app.OutputDir,
	).Replace(cmd)
}
