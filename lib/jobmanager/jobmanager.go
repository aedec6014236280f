// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobmanager knows how to talk to the batch schedulers
// (PBS, SLURM, UGE, LSF) found on remote clusters: which commands
// submit, query and cancel a job, and how to read their output.
package jobmanager

import (
	"fmt"
	"path"
	"strings"

	"dario.cat/mergo"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/google/shlex"
)

// Placeholders substituted into command templates. A status or
// cancel template without %j gets the job ID appended.
const (
	placeholderScript = "%s"
	placeholderJobID  = "%j"
)

// A command template, split into words. A "<" word in the template
// redirects stdin from the following word.
type command struct {
	args  []string
	stdin string
}

// A CommandSet is the resolved set of commands for one job manager.
type CommandSet struct {
	Type jobexec.JobManagerType

	// Script directive prefix, e.g., "#PBS".
	Directive string

	submit         command
	status         command
	statusFallback command
	cancel         command

	parseJobID    func(string) (string, error)
	parseStatus   func(jobID, output string) (jobexec.JobState, error)
	parseFallback func(jobID, output string) (jobexec.JobState, error)
}

type builtin struct {
	directive      string
	cmds           jobexec.JobManagerCommands
	statusFallback string
	parseJobID     func(string) (string, error)
	parseStatus    func(string, string) (jobexec.JobState, error)
	// nil means the fallback output is read by parseStatus
	parseFallback func(string, string) (jobexec.JobState, error)
}

var builtins = map[jobexec.JobManagerType]builtin{
	jobexec.JobManagerPBS: {
		directive: "#PBS",
		cmds: jobexec.JobManagerCommands{
			Submit: "qsub %s",
			Status: "qstat -f %j",
			Cancel: "qdel %j",
		},
		// Finished jobs are only listed with -x (PBS Pro), or
		// as XML (Torque).
		statusFallback: "qstat -x -f %j",
		parseJobID:     parsePBSJobID,
		parseStatus:    parsePBSStatus,
	},
	jobexec.JobManagerSLURM: {
		directive: "#SBATCH",
		cmds: jobexec.JobManagerCommands{
			Submit: "sbatch %s",
			Status: "squeue -h -o %T -j %j",
			Cancel: "scancel %j",
		},
		statusFallback: "sacct -n -X -P -o State -j %j",
		parseJobID:     parseSLURMJobID,
		parseStatus:    parseSLURMStatus,
	},
	jobexec.JobManagerUGE: {
		directive: "#$",
		cmds: jobexec.JobManagerCommands{
			Submit: "qsub %s",
			Status: "qstat",
			Cancel: "qdel %j",
		},
		statusFallback: "qacct -j %j",
		parseJobID:     parseUGEJobID,
		parseStatus:    parseUGEStatus,
		parseFallback:  parseUGEAccounting,
	},
	jobexec.JobManagerLSF: {
		directive: "#BSUB",
		cmds: jobexec.JobManagerCommands{
			Submit: "bsub < %s",
			Status: "bjobs -noheader -o stat %j",
			Cancel: "bkill %j",
		},
		parseJobID:  parseLSFJobID,
		parseStatus: parseLSFStatus,
	},
}

// Lookup returns the command set for the given job manager type,
// with any overrides from cfg.JobManagers applied. If rmPath is
// not empty, command names that are not absolute paths are taken
// from that directory.
//
// An unknown (or empty) job manager type resolves to PBS; fellBack
// is true in that case so the caller can log a warning.
func Lookup(cfg *jobexec.Config, jm jobexec.JobManagerType, rmPath string) (cs *CommandSet, fellBack bool, err error) {
	b, ok := builtins[jm]
	if !ok {
		jm, b, fellBack = jobexec.JobManagerPBS, builtins[jobexec.JobManagerPBS], true
	}
	cmds := b.cmds
	if cfg != nil {
		if override, ok := cfg.JobManagers[jm]; ok {
			err = mergo.Merge(&cmds, override, mergo.WithOverride)
			if err != nil {
				return nil, fellBack, err
			}
		}
	}
	cs = &CommandSet{
		Type:          jm,
		Directive:     b.directive,
		parseJobID:    b.parseJobID,
		parseStatus:   b.parseStatus,
		parseFallback: b.parseFallback,
	}
	if cs.parseFallback == nil {
		cs.parseFallback = b.parseStatus
	}
	for _, tmpl := range []struct {
		dst  *command
		src  string
		name string
	}{
		{&cs.submit, cmds.Submit, "Submit"},
		{&cs.status, cmds.Status, "Status"},
		{&cs.cancel, cmds.Cancel, "Cancel"},
		{&cs.statusFallback, b.statusFallback, "status fallback"},
	} {
		if tmpl.src == "" {
			continue
		}
		words, err := shlex.Split(tmpl.src)
		if err != nil {
			return nil, fellBack, fmt.Errorf("%s %s command %q: %w", jm, tmpl.name, tmpl.src, err)
		} else if len(words) == 0 {
			return nil, fellBack, fmt.Errorf("%s %s command is empty", jm, tmpl.name)
		}
		var cmd command
		for i := 0; i < len(words); i++ {
			if words[i] != "<" {
				cmd.args = append(cmd.args, words[i])
			} else if i++; i < len(words) && cmd.stdin == "" {
				cmd.stdin = words[i]
			} else {
				return nil, fellBack, fmt.Errorf("%s %s command %q: bad input redirection", jm, tmpl.name, tmpl.src)
			}
		}
		if len(cmd.args) == 0 {
			return nil, fellBack, fmt.Errorf("%s %s command %q has no program", jm, tmpl.name, tmpl.src)
		}
		if rmPath != "" && !strings.HasPrefix(cmd.args[0], "/") {
			cmd.args[0] = path.Join(rmPath, cmd.args[0])
		}
		*tmpl.dst = cmd
	}
	if len(cs.submit.args) == 0 || len(cs.status.args) == 0 || len(cs.cancel.args) == 0 {
		return nil, fellBack, fmt.Errorf("%s: submit, status and cancel commands are all required", jm)
	}
	return cs, fellBack, nil
}

// SubmitCommand returns the shell command line that submits the
// batch script at scriptPath.
func (cs *CommandSet) SubmitCommand(scriptPath string) string {
	return cs.submit.expand(placeholderScript, scriptPath, true)
}

// StatusCommand returns the shell command line that reports the
// state of the given job.
func (cs *CommandSet) StatusCommand(jobID string) string {
	return cs.status.expand(placeholderJobID, jobID, cs.Type != jobexec.JobManagerUGE)
}

// StatusFallbackCommand returns the command used when the primary
// status command no longer knows about the job (e.g., SLURM's or
// UGE's accounting database). It returns "" if there is none.
func (cs *CommandSet) StatusFallbackCommand(jobID string) string {
	if len(cs.statusFallback.args) == 0 {
		return ""
	}
	return cs.statusFallback.expand(placeholderJobID, jobID, true)
}

// CancelCommand returns the shell command line that cancels the
// given job.
func (cs *CommandSet) CancelCommand(jobID string) string {
	return cs.cancel.expand(placeholderJobID, jobID, true)
}

// ParseJobID extracts the job ID from the output of the submit
// command.
func (cs *CommandSet) ParseJobID(output string) (string, error) {
	return cs.parseJobID(output)
}

// ParseStatus extracts the state of jobID from the output of the
// status command. JobStateUnknown (with a nil error) means the job
// manager no longer lists the job.
func (cs *CommandSet) ParseStatus(jobID, output string) (jobexec.JobState, error) {
	return cs.parseStatus(jobID, output)
}

// ParseFallbackStatus is like ParseStatus, for the output of the
// status fallback command.
func (cs *CommandSet) ParseFallbackStatus(jobID, output string) (jobexec.JobState, error) {
	return cs.parseFallback(jobID, output)
}

// expand returns the shell command line for cmd with val
// substituted for placeholder. If no word contains the placeholder
// and appendIfMissing is true, val is appended as a separate
// argument.
func (cmd command) expand(placeholder, val string, appendIfMissing bool) string {
	found := false
	subst := func(w string) string {
		if strings.Contains(w, placeholder) {
			found = true
			w = strings.Replace(w, placeholder, val, -1)
		}
		return w
	}
	args := make([]string, 0, len(cmd.args)+1)
	for _, w := range cmd.args {
		args = append(args, subst(w))
	}
	stdin := subst(cmd.stdin)
	if !found && appendIfMissing {
		args = append(args, val)
	}
	line := Quote(args...)
	if stdin != "" {
		line += " < " + Quote(stdin)
	}
	return line
}

// Quote returns a shell command line that runs the given words.
// Every word is single-quoted, so none of them is interpreted by
// the shell.
func Quote(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `'` + strings.Replace(w, `'`, `'\''`, -1) + `'`
	}
	return strings.Join(quoted, " ")
}
