// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package descriptor

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"text/template"

	"git.arvados.org/jobexec.git/lib/jobmanager"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

// A BatchDescriptor is everything needed to render a batch script
// for a cluster job manager.
type BatchDescriptor struct {
	JobName string

	NodeCount     int
	CPUsPerNode   int
	TotalCPUCount int
	WallTime      int // minutes
	MaxMemory     int // MB
	Account       string
	Queue         string

	MailRecipients []string

	WorkingDir string
	InputDir   string
	OutputDir  string
	Stdout     string
	Stderr     string
	Stdin      string

	ModuleLoads []string
	PreJob      []string
	PostJob     []string
	Environment []jobexec.EnvVar

	Executable  string
	Arguments   []string
	Parallelism jobexec.Parallelism
}

var jobNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// BuildBatch returns the batch descriptor for the given job.
// defaultEmails are used when the job does not name its own
// notification recipients.
func BuildBatch(ctx context.Context, desc *jobexec.JobDescription, defaultEmails []string) (*BatchDescriptor, error) {
	logger := ctxlog.FromContext(ctx)
	app := &desc.Application
	sched := &desc.Scheduling
	if app.Executable == "" {
		return nil, &jobexec.SubmissionError{Err: fmt.Errorf("application has no executable")}
	}

	d := &BatchDescriptor{
		JobName:       jobName(desc.ProcessID),
		NodeCount:     sched.NodeCount,
		TotalCPUCount: sched.TotalCPUCount,
		WallTime:      sched.WallTimeLimit,
		MaxMemory:     sched.MaxMemory,
		Account:       sched.ProjectAccount,
		Queue:         sched.QueueName,
		WorkingDir:    app.WorkingDir,
		InputDir:      app.InputDir,
		OutputDir:     app.OutputDir,
		Stdout:        app.StdoutPath,
		Stderr:        app.StderrPath,
		Environment:   app.Environment,
		Executable:    app.Executable,
		Arguments:     Arguments(desc),
		Parallelism:   app.Parallelism,
	}
	if d.NodeCount < 1 {
		d.NodeCount = 1
	}
	if d.TotalCPUCount < 1 {
		d.TotalCPUCount = d.NodeCount
	}
	d.CPUsPerNode = d.TotalCPUCount / d.NodeCount
	if d.CPUsPerNode < 1 {
		d.CPUsPerNode = 1
	}
	if d.WallTime <= 0 {
		logger.Debugf("no wall time limit in scheduling parameters, using default %d minutes", DefaultWallTime)
		d.WallTime = DefaultWallTime
	}
	if d.Queue == DebugQueue && d.WallTime > DebugQueueMaxWallTime {
		return nil, &jobexec.SubmissionError{Err: ErrDebugQueueWallTime}
	}
	if d.Stdout == "" && d.WorkingDir != "" {
		d.Stdout = path.Join(d.WorkingDir, d.JobName+".stdout")
	}
	if d.Stderr == "" && d.WorkingDir != "" {
		d.Stderr = path.Join(d.WorkingDir, d.JobName+".stderr")
	}
	if in := StandardInput(desc); in != "" && d.InputDir != "" {
		d.Stdin = path.Join(d.InputDir, in)
	} else if in != "" {
		d.Stdin = in
	}
	d.MailRecipients = sched.NotificationEmails
	if len(d.MailRecipients) == 0 {
		d.MailRecipients = defaultEmails
	}
	// Each of these ends up on a directive line of its own.
	for _, v := range append([]string{d.Queue, d.Account, d.Stdout, d.Stderr}, d.MailRecipients...) {
		if strings.ContainsAny(v, "\r\n") {
			return nil, &jobexec.SubmissionError{Err: fmt.Errorf("line break in scheduler directive value %q", v)}
		}
	}
	for _, cmd := range app.ModuleLoadCommands {
		d.ModuleLoads = append(d.ModuleLoads, Substitute(cmd, app))
	}
	for _, cmd := range app.PreJobCommands {
		d.PreJob = append(d.PreJob, Substitute(cmd, app))
	}
	for _, cmd := range app.PostJobCommands {
		d.PostJob = append(d.PostJob, Substitute(cmd, app))
	}
	return d, nil
}

// jobName returns a name acceptable to all supported job managers
// (PBS allows 15 characters, starting with a letter).
func jobName(processID string) string {
	name := jobNameUnsafe.ReplaceAllString(processID, "_")
	if name == "" || !((name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z')) {
		name = "J" + name
	}
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// Render returns the batch script for the job manager described by
// cs.
func (d *BatchDescriptor) Render(cs *jobmanager.CommandSet) ([]byte, error) {
	tmpl, ok := scriptTemplates[cs.Type]
	if !ok {
		return nil, fmt.Errorf("no batch script template for job manager %q", cs.Type)
	}
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		*BatchDescriptor
		Directive string
	}{d, cs.Directive})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CommandLine returns the shell command that runs the application,
// including an mpirun wrapper for MPI jobs and stdin redirection.
func (d *BatchDescriptor) CommandLine() string {
	var words []string
	switch d.Parallelism {
	case jobexec.ParallelismMPI, jobexec.ParallelismOpenMPMPI:
		words = append(words, "mpirun", "-np", fmt.Sprintf("%d", d.TotalCPUCount))
	}
	words = append(words, d.Executable)
	words = append(words, d.Arguments...)
	line := jobmanager.Quote(words...)
	if d.Stdin != "" {
		line += " < " + jobmanager.Quote(d.Stdin)
	}
	return line
}

var directiveSafe = regexp.MustCompile(`^[-\w.@/:%,=+~]+$`)

// directiveQuote returns s as a single word of a scheduler directive
// line, double-quoting it unless it is plain.
func directiveQuote(s string) string {
	if directiveSafe.MatchString(s) {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func hhmm(minutes int) string {
	return fmt.Sprintf("%02d:%02d:00", minutes/60, minutes%60)
}

var funcs = template.FuncMap{
	"quote": func(s string) string { return jobmanager.Quote(s) },
	"dq":    directiveQuote,
	"hhmm":  hhmm,
	"join":  strings.Join,
}

const scriptBody = `
{{- range .ModuleLoads}}
{{.}}
{{- end}}
{{- range .Environment}}
export {{.Name}}={{quote .Value}}
{{- end}}
{{- if .WorkingDir}}
cd {{quote .WorkingDir}}
{{- end}}
{{- range .PreJob}}
{{.}}
{{- end}}
{{.CommandLine}}
{{- range .PostJob}}
{{.}}
{{- end}}
`

var scriptTemplates = map[jobexec.JobManagerType]*template.Template{
	jobexec.JobManagerPBS: template.Must(template.New("PBS").Funcs(funcs).Parse(`#!/bin/bash
{{.Directive}} -N {{.JobName}}
{{- if .Queue}}
{{.Directive}} -q {{dq .Queue}}
{{- end}}
{{- if .Account}}
{{.Directive}} -A {{dq .Account}}
{{- end}}
{{.Directive}} -l walltime={{hhmm .WallTime}}
{{.Directive}} -l nodes={{.NodeCount}}:ppn={{.CPUsPerNode}}
{{- if .MaxMemory}}
{{.Directive}} -l mem={{.MaxMemory}}mb
{{- end}}
{{- if .Stdout}}
{{.Directive}} -o {{dq .Stdout}}
{{- end}}
{{- if .Stderr}}
{{.Directive}} -e {{dq .Stderr}}
{{- end}}
{{- if .MailRecipients}}
{{.Directive}} -m abe
{{.Directive}} -M {{dq (join .MailRecipients ",")}}
{{- end}}` + scriptBody)),

	jobexec.JobManagerSLURM: template.Must(template.New("SLURM").Funcs(funcs).Parse(`#!/bin/bash
{{.Directive}} -J {{.JobName}}
{{- if .Queue}}
{{.Directive}} -p {{dq .Queue}}
{{- end}}
{{- if .Account}}
{{.Directive}} -A {{dq .Account}}
{{- end}}
{{.Directive}} -t {{hhmm .WallTime}}
{{.Directive}} -N {{.NodeCount}}
{{.Directive}} --ntasks-per-node={{.CPUsPerNode}}
{{- if .MaxMemory}}
{{.Directive}} --mem={{.MaxMemory}}M
{{- end}}
{{- if .Stdout}}
{{.Directive}} -o {{dq .Stdout}}
{{- end}}
{{- if .Stderr}}
{{.Directive}} -e {{dq .Stderr}}
{{- end}}
{{- if .MailRecipients}}
{{.Directive}} --mail-type=ALL
{{.Directive}} --mail-user={{dq (join .MailRecipients ",")}}
{{- end}}` + scriptBody)),

	jobexec.JobManagerUGE: template.Must(template.New("UGE").Funcs(funcs).Parse(`#!/bin/bash
{{.Directive}} -N {{.JobName}}
{{.Directive}} -S /bin/bash
{{- if .Queue}}
{{.Directive}} -q {{dq .Queue}}
{{- end}}
{{- if .Account}}
{{.Directive}} -A {{dq .Account}}
{{- end}}
{{.Directive}} -l h_rt={{hhmm .WallTime}}
{{- if gt .TotalCPUCount 1}}
{{.Directive}} -pe mpi {{.TotalCPUCount}}
{{- end}}
{{- if .MaxMemory}}
{{.Directive}} -l h_vmem={{.MaxMemory}}M
{{- end}}
{{- if .Stdout}}
{{.Directive}} -o {{dq .Stdout}}
{{- end}}
{{- if .Stderr}}
{{.Directive}} -e {{dq .Stderr}}
{{- end}}
{{- if .MailRecipients}}
{{.Directive}} -m bea
{{.Directive}} -M {{dq (join .MailRecipients ",")}}
{{- end}}` + scriptBody)),

	jobexec.JobManagerLSF: template.Must(template.New("LSF").Funcs(funcs).Parse(`#!/bin/bash
{{.Directive}} -J {{.JobName}}
{{- if .Queue}}
{{.Directive}} -q {{dq .Queue}}
{{- end}}
{{- if .Account}}
{{.Directive}} -P {{dq .Account}}
{{- end}}
{{.Directive}} -W {{.WallTime}}
{{.Directive}} -n {{.TotalCPUCount}}
{{.Directive}} -R "span[ptile={{.CPUsPerNode}}]"
{{- if .MaxMemory}}
{{.Directive}} -M {{.MaxMemory}}
{{- end}}
{{- if .Stdout}}
{{.Directive}} -o {{dq .Stdout}}
{{- end}}
{{- if .Stderr}}
{{.Directive}} -e {{dq .Stderr}}
{{- end}}
{{- if .MailRecipients}}
{{.Directive}} -N
{{.Directive}} -u {{dq (join .MailRecipients ",")}}
{{- end}}` + scriptBody)),
}
