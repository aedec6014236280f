// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobmanager

import (
	"testing"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (s *suite) TestBuiltinCommands(c *check.C) {
	for _, trial := range []struct {
		jm     jobexec.JobManagerType
		submit string
		status string
		cancel string
	}{
		{jobexec.JobManagerPBS, `'qsub' '/scratch/job.pbs'`, `'qstat' '-f' '123.srv'`, `'qdel' '123.srv'`},
		{jobexec.JobManagerSLURM, `'sbatch' '/scratch/job.pbs'`, `'squeue' '-h' '-o' '%T' '-j' '123.srv'`, `'scancel' '123.srv'`},
		{jobexec.JobManagerUGE, `'qsub' '/scratch/job.pbs'`, `'qstat'`, `'qdel' '123.srv'`},
		{jobexec.JobManagerLSF, `'bsub' < '/scratch/job.pbs'`, `'bjobs' '-noheader' '-o' 'stat' '123.srv'`, `'bkill' '123.srv'`},
	} {
		cs, fellBack, err := Lookup(nil, trial.jm, "")
		c.Assert(err, check.IsNil)
		c.Check(fellBack, check.Equals, false)
		c.Check(cs.Type, check.Equals, trial.jm)
		c.Check(cs.SubmitCommand("/scratch/job.pbs"), check.Equals, trial.submit)
		c.Check(cs.StatusCommand("123.srv"), check.Equals, trial.status)
		c.Check(cs.CancelCommand("123.srv"), check.Equals, trial.cancel)
	}
}

func (s *suite) TestUnknownFallsBackToPBS(c *check.C) {
	for _, jm := range []jobexec.JobManagerType{"", "CONDOR"} {
		cs, fellBack, err := Lookup(nil, jm, "")
		c.Assert(err, check.IsNil)
		c.Check(fellBack, check.Equals, true)
		c.Check(cs.Type, check.Equals, jobexec.JobManagerPBS)
		c.Check(cs.Directive, check.Equals, "#PBS")
	}
}

func (s *suite) TestOverrideAndResourceManagerPath(c *check.C) {
	cfg := &jobexec.Config{JobManagers: map[jobexec.JobManagerType]jobexec.JobManagerCommands{
		jobexec.JobManagerSLURM: {Submit: "sbatch --parsable %s"},
	}}
	cs, _, err := Lookup(cfg, jobexec.JobManagerSLURM, "/opt/slurm/bin")
	c.Assert(err, check.IsNil)
	c.Check(cs.SubmitCommand("job.sh"), check.Equals, `'/opt/slurm/bin/sbatch' '--parsable' 'job.sh'`)
	// Not overridden, but still relocated.
	c.Check(cs.CancelCommand("7"), check.Equals, `'/opt/slurm/bin/scancel' '7'`)
	c.Check(cs.StatusFallbackCommand("7"), check.Equals, `'/opt/slurm/bin/sacct' '-n' '-X' '-P' '-o' 'State' '-j' '7'`)

	cs, _, err = Lookup(cfg, jobexec.JobManagerLSF, "")
	c.Assert(err, check.IsNil)
	c.Check(cs.StatusFallbackCommand("7"), check.Equals, "")
}

func (s *suite) TestStatusFallbackCommands(c *check.C) {
	for jm, cmd := range map[jobexec.JobManagerType]string{
		jobexec.JobManagerPBS:   `'qstat' '-x' '-f' '7.srv'`,
		jobexec.JobManagerSLURM: `'sacct' '-n' '-X' '-P' '-o' 'State' '-j' '7.srv'`,
		jobexec.JobManagerUGE:   `'qacct' '-j' '7.srv'`,
		jobexec.JobManagerLSF:   ``,
	} {
		cs, _, err := Lookup(nil, jm, "")
		c.Assert(err, check.IsNil)
		c.Check(cs.StatusFallbackCommand("7.srv"), check.Equals, cmd, check.Commentf("%s", jm))
	}
}

func (s *suite) TestInputRedirection(c *check.C) {
	cs, _, err := Lookup(nil, jobexec.JobManagerLSF, "/opt/lsf/bin")
	c.Assert(err, check.IsNil)
	c.Check(cs.SubmitCommand("/work/a b.sh"), check.Equals, `'/opt/lsf/bin/bsub' < '/work/a b.sh'`)
	// A value that looks like a redirection stays a plain word.
	c.Check(cs.CancelCommand("<"), check.Equals, `'/opt/lsf/bin/bkill' '<'`)

	cfg := &jobexec.Config{JobManagers: map[jobexec.JobManagerType]jobexec.JobManagerCommands{
		jobexec.JobManagerLSF: {Submit: "bsub -q night <"},
	}}
	_, _, err = Lookup(cfg, jobexec.JobManagerLSF, "")
	c.Check(err, check.ErrorMatches, `LSF Submit command .*bad input redirection`)
}

func (s *suite) TestBadOverride(c *check.C) {
	cfg := &jobexec.Config{JobManagers: map[jobexec.JobManagerType]jobexec.JobManagerCommands{
		jobexec.JobManagerLSF: {Status: `bjobs "unterminated`},
	}}
	_, _, err := Lookup(cfg, jobexec.JobManagerLSF, "")
	c.Check(err, check.ErrorMatches, `LSF Status command .*`)
}

func (s *suite) TestQuote(c *check.C) {
	c.Check(Quote("echo", "it's", "a b"), check.Equals, `'echo' 'it'\''s' 'a b'`)
	c.Check(Quote("cat", "<", "$HOME", ";rm"), check.Equals, `'cat' '<' '$HOME' ';rm'`)
	c.Check(Quote(), check.Equals, ``)
}

func (s *suite) TestParseJobID(c *check.C) {
	for _, trial := range []struct {
		jm     jobexec.JobManagerType
		output string
		id     string
	}{
		{jobexec.JobManagerPBS, "4567.head.example.org\n", "4567.head.example.org"},
		{jobexec.JobManagerSLURM, "Submitted batch job 981\n", "981"},
		{jobexec.JobManagerSLURM, "981;cluster1\n", "981"},
		{jobexec.JobManagerUGE, `Your job 31 ("job.sh") has been submitted` + "\n", "31"},
		{jobexec.JobManagerLSF, "Job <5150> is submitted to queue <normal>.\n", "5150"},
	} {
		cs, _, err := Lookup(nil, trial.jm, "")
		c.Assert(err, check.IsNil)
		id, err := cs.ParseJobID(trial.output)
		c.Check(err, check.IsNil)
		c.Check(id, check.Equals, trial.id)
	}
	cs, _, _ := Lookup(nil, jobexec.JobManagerLSF, "")
	_, err := cs.ParseJobID("Request aborted by esub. Job not submitted.\n")
	c.Check(err, check.ErrorMatches, `job ID not found.*`)
}

func (s *suite) TestParseStatus(c *check.C) {
	for _, trial := range []struct {
		jm     jobexec.JobManagerType
		output string
		state  jobexec.JobState
	}{
		{jobexec.JobManagerPBS, "Job Id: 1.srv\n    job_state = Q\n", jobexec.JobStatePending},
		{jobexec.JobManagerPBS, "Job Id: 1.srv\n    job_state = R\n", jobexec.JobStateActive},
		{jobexec.JobManagerPBS, "Job Id: 1.srv\n    job_state = C\n    exit_status = 0\n", jobexec.JobStateDone},
		{jobexec.JobManagerPBS, "Job Id: 1.srv\n    job_state = C\n    exit_status = 271\n", jobexec.JobStateFailed},
		{jobexec.JobManagerPBS, "qstat: Unknown Job Id 1.srv\n", jobexec.JobStateUnknown},
		{jobexec.JobManagerSLURM, "PENDING\n", jobexec.JobStatePending},
		{jobexec.JobManagerSLURM, "RUNNING\n", jobexec.JobStateActive},
		{jobexec.JobManagerSLURM, "COMPLETED\n", jobexec.JobStateDone},
		{jobexec.JobManagerSLURM, "CANCELLED by 1000\n", jobexec.JobStateFailed},
		{jobexec.JobManagerSLURM, "", jobexec.JobStateUnknown},
		{jobexec.JobManagerUGE, "job-ID prior name user state\n----\n  1 0.5 job.sh alice qw 01/02/2024 10:00:00 1\n", jobexec.JobStatePending},
		{jobexec.JobManagerUGE, "job-ID prior name user state\n----\n  1 0.5 job.sh alice r 01/02/2024 10:00:00 all.q@n1 1\n", jobexec.JobStateActive},
		{jobexec.JobManagerUGE, "job-ID prior name user state\n----\n  1 0.5 job.sh alice Eqw 01/02/2024 10:00:00 1\n", jobexec.JobStateFailed},
		{jobexec.JobManagerUGE, "job-ID prior name user state\n----\n  12 0.5 job.sh alice r 01/02/2024 10:00:00 all.q@n1 1\n", jobexec.JobStateUnknown},
		{jobexec.JobManagerLSF, "PEND\n", jobexec.JobStatePending},
		{jobexec.JobManagerLSF, "RUN\n", jobexec.JobStateActive},
		{jobexec.JobManagerLSF, "DONE\n", jobexec.JobStateDone},
		{jobexec.JobManagerLSF, "EXIT\n", jobexec.JobStateFailed},
		{jobexec.JobManagerLSF, "Job <1> is not found\n", jobexec.JobStateUnknown},
	} {
		c.Logf("%s %q", trial.jm, trial.output)
		cs, _, err := Lookup(nil, trial.jm, "")
		c.Assert(err, check.IsNil)
		state, err := cs.ParseStatus("1", trial.output)
		c.Check(err, check.IsNil)
		c.Check(state, check.Equals, trial.state)
	}
}

func (s *suite) TestParseFallbackStatus(c *check.C) {
	for _, trial := range []struct {
		jm     jobexec.JobManagerType
		output string
		state  jobexec.JobState
	}{
		{jobexec.JobManagerPBS, "Job Id: 1.srv\n    job_state = F\n    Exit_status = 0\n", jobexec.JobStateDone},
		{jobexec.JobManagerPBS, "Job Id: 1.srv\n    job_state = F\n    Exit_status = -11\n", jobexec.JobStateFailed},
		{jobexec.JobManagerPBS, "<Data><Job><Job_Id>1.srv</Job_Id><job_state>C</job_state><exit_status>2</exit_status></Job></Data>", jobexec.JobStateFailed},
		{jobexec.JobManagerPBS, "<Data><Job><Job_Id>1.srv</Job_Id><job_state>C</job_state><exit_status>0</exit_status></Job></Data>", jobexec.JobStateDone},
		{jobexec.JobManagerSLURM, "FAILED\n", jobexec.JobStateFailed},
		{jobexec.JobManagerUGE, "==============================================================\nqname        all.q\njobnumber    1\nfailed       0    \nexit_status  0\n", jobexec.JobStateDone},
		{jobexec.JobManagerUGE, "==============================================================\nqname        all.q\njobnumber    1\nfailed       0    \nexit_status  137\n", jobexec.JobStateFailed},
		{jobexec.JobManagerUGE, "==============================================================\njobnumber    1\nfailed       100  : assumedly after job\nexit_status  0\n", jobexec.JobStateFailed},
		{jobexec.JobManagerUGE, "====\nfailed       0\nexit_status  1\n====\nfailed       0\nexit_status  0\n", jobexec.JobStateDone},
		{jobexec.JobManagerUGE, "error: job id 1 not found\n", jobexec.JobStateUnknown},
	} {
		c.Logf("%s %q", trial.jm, trial.output)
		cs, _, err := Lookup(nil, trial.jm, "")
		c.Assert(err, check.IsNil)
		state, err := cs.ParseFallbackStatus("1", trial.output)
		c.Check(err, check.IsNil)
		c.Check(state, check.Equals, trial.state)
	}

	cs, _, _ := Lookup(nil, jobexec.JobManagerUGE, "")
	_, err := cs.ParseFallbackStatus("1", "qname all.q\n")
	c.Check(err, check.ErrorMatches, `no failed or exit_status in qacct output for 1.*`)
}

func (s *suite) TestParseStatusGarbage(c *check.C) {
	cs, _, _ := Lookup(nil, jobexec.JobManagerSLURM, "")
	_, err := cs.ParseStatus("1", "WEIRD\n")
	c.Check(err, check.ErrorMatches, `unrecognized SLURM job state "WEIRD" for 1`)
}
