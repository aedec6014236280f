// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobmanager

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

var ErrNoJobID = errors.New("job ID not found in submit command output")

var (
	pbsJobIDRe   = regexp.MustCompile(`^\s*([0-9]+(?:\[[0-9]*\])?(?:\.[-.\w]+)?)\s*$`)
	slurmJobIDRe = regexp.MustCompile(`(?:Submitted batch job |^)([0-9]+)(?:;[-\w]+)?\s*$`)
	ugeJobIDRe   = regexp.MustCompile(`Your job(?:-array)? ([0-9]+)`)
	lsfJobIDRe   = regexp.MustCompile(`Job <([0-9]+)> is submitted`)

	// "job_state = R", or "<job_state>R</job_state>" in
	// Torque's XML output.
	pbsStateRe   = regexp.MustCompile(`(?m)(?:^\s*job_state\s*=\s*|<job_state>)(\w)`)
	pbsExitRe    = regexp.MustCompile(`(?m)(?:^\s*[Ee]xit_status\s*=\s*|<exit_status>)(-?[0-9]+)`)
	ugeFailedRe  = regexp.MustCompile(`(?m)^failed\s+([0-9]+)`)
	ugeExitRe    = regexp.MustCompile(`(?m)^exit_status\s+([0-9]+)`)
	notFoundRe   = regexp.MustCompile(`(?i)(unknown job id|invalid job id|is not found|does not exist|job id \S+ not found)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

func firstMatch(re *regexp.Regexp, output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNoJobID, output)
}

func parsePBSJobID(output string) (string, error)   { return firstMatch(pbsJobIDRe, output) }
func parseSLURMJobID(output string) (string, error) { return firstMatch(slurmJobIDRe, output) }
func parseUGEJobID(output string) (string, error)   { return firstMatch(ugeJobIDRe, output) }
func parseLSFJobID(output string) (string, error)   { return firstMatch(lsfJobIDRe, output) }

// parsePBSStatus reads "qstat -f" or "qstat -x -f" output.
func parsePBSStatus(jobID, output string) (jobexec.JobState, error) {
	if notFoundRe.MatchString(output) {
		return jobexec.JobStateUnknown, nil
	}
	m := pbsStateRe.FindStringSubmatch(output)
	if m == nil {
		if strings.TrimSpace(output) == "" {
			return jobexec.JobStateUnknown, nil
		}
		return jobexec.JobStateUnknown, fmt.Errorf("no job_state in qstat output for %s: %q", jobID, output)
	}
	switch m[1] {
	case "Q", "H", "W", "T", "S":
		return jobexec.JobStatePending, nil
	case "R", "E", "B":
		return jobexec.JobStateActive, nil
	case "C", "F", "X":
		if e := pbsExitRe.FindStringSubmatch(output); e != nil && e[1] != "0" {
			return jobexec.JobStateFailed, nil
		}
		return jobexec.JobStateDone, nil
	default:
		return jobexec.JobStateUnknown, fmt.Errorf("unrecognized PBS job_state %q for %s", m[1], jobID)
	}
}

// parseSLURMStatus reads "squeue -h -o %T" or "sacct -n -X -P -o
// State" output.
func parseSLURMStatus(jobID, output string) (jobexec.JobState, error) {
	if notFoundRe.MatchString(output) {
		return jobexec.JobStateUnknown, nil
	}
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return jobexec.JobStateUnknown, nil
	}
	// sacct reports e.g. "CANCELLED by 1000".
	switch strings.TrimSuffix(fields[0], "+") {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESV_DEL_HOLD", "REQUEUE_HOLD", "REQUEUE_FED":
		return jobexec.JobStatePending, nil
	case "RUNNING", "COMPLETING", "SUSPENDED", "STOPPED", "RESIZING", "SIGNALING", "STAGE_OUT":
		return jobexec.JobStateActive, nil
	case "COMPLETED":
		return jobexec.JobStateDone, nil
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE", "REVOKED", "SPECIAL_EXIT":
		return jobexec.JobStateFailed, nil
	default:
		return jobexec.JobStateUnknown, fmt.Errorf("unrecognized SLURM job state %q for %s", fields[0], jobID)
	}
}

// parseUGEStatus reads the job table printed by "qstat":
//
//	job-ID  prior   name  user  state submit/start at  queue  slots
//	-----------------------------------------------------------------
//	   1234 0.55500 job.sh alice r   01/02/2024 10:00:00 all.q@n1  1
func parseUGEStatus(jobID, output string) (jobexec.JobState, error) {
	for _, line := range strings.Split(output, "\n") {
		fields := whitespaceRe.Split(strings.TrimSpace(line), -1)
		if len(fields) < 5 || fields[0] != jobID {
			continue
		}
		state := fields[4]
		switch {
		case strings.Contains(state, "E"):
			return jobexec.JobStateFailed, nil
		case strings.Contains(state, "d"):
			// Deletion in progress.
			return jobexec.JobStateFailed, nil
		case strings.Contains(state, "qw"), strings.Contains(state, "h"):
			return jobexec.JobStatePending, nil
		case strings.ContainsAny(state, "rtsST"):
			return jobexec.JobStateActive, nil
		default:
			return jobexec.JobStateUnknown, fmt.Errorf("unrecognized UGE job state %q for %s", state, jobID)
		}
	}
	// Finished jobs disappear from the table.
	return jobexec.JobStateUnknown, nil
}

// parseUGEAccounting reads the "qacct -j" record of a finished job:
//
//	==============================================================
//	qname        all.q
//	jobnumber    1234
//	failed       0
//	exit_status  0
//
// A job that was rerun has one record per run; the last one counts.
func parseUGEAccounting(jobID, output string) (jobexec.JobState, error) {
	if notFoundRe.MatchString(output) || strings.TrimSpace(output) == "" {
		return jobexec.JobStateUnknown, nil
	}
	failed := ugeFailedRe.FindAllStringSubmatch(output, -1)
	exit := ugeExitRe.FindAllStringSubmatch(output, -1)
	if len(failed) == 0 && len(exit) == 0 {
		return jobexec.JobStateUnknown, fmt.Errorf("no failed or exit_status in qacct output for %s: %q", jobID, output)
	}
	if len(failed) > 0 && failed[len(failed)-1][1] != "0" {
		return jobexec.JobStateFailed, nil
	}
	if len(exit) > 0 && exit[len(exit)-1][1] != "0" {
		return jobexec.JobStateFailed, nil
	}
	return jobexec.JobStateDone, nil
}

// parseLSFStatus reads "bjobs -noheader -o stat" output.
func parseLSFStatus(jobID, output string) (jobexec.JobState, error) {
	if notFoundRe.MatchString(output) {
		return jobexec.JobStateUnknown, nil
	}
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return jobexec.JobStateUnknown, nil
	}
	switch fields[0] {
	case "PEND", "PSUSP", "WAIT":
		return jobexec.JobStatePending, nil
	case "RUN", "USUSP", "SSUSP", "PROV":
		return jobexec.JobStateActive, nil
	case "DONE":
		return jobexec.JobStateDone, nil
	case "EXIT", "ZOMBI":
		return jobexec.JobStateFailed, nil
	default:
		return jobexec.JobStateUnknown, fmt.Errorf("unrecognized LSF job state %q for %s", fields[0], jobID)
	}
}
