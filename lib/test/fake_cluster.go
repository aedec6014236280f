// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/google/shlex"
)

// FakeCluster is an SSHExecFunc that behaves like the login node of
// a batch cluster: it has an in-memory filesystem, and understands
// the submit, status and cancel commands of the configured job
// manager, plus the handful of shell commands used for file
// transfer.
//
// Each status query advances a job through PENDING (QueuedPolls
// queries) and ACTIVE (RunningPolls queries) to DONE, or FAILED if
// FailJobs is set.
type FakeCluster struct {
	JobManager   jobexec.JobManagerType
	QueuedPolls  int
	RunningPolls int
	FailJobs     bool
	RejectSubmit bool

	// PBS qstat without -x does not list finished jobs.
	ForgetFinished bool

	// Accounting commands (sacct, qacct, qstat -x) do not know
	// any jobs.
	NoAccounting bool

	// Files written when a job finishes, in addition to the
	// stdout/stderr files named in the batch script.
	Produce map[string]string

	// Number of upcoming liveness checks to fail.
	FailLiveness int

	mtx      sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	jobs     map[string]*fakeJob
	nextID   int
	commands []string
}

type fakeJob struct {
	id     string
	polls  int
	state  jobexec.JobState
	script string
}

var scriptOutputRe = regexp.MustCompile(`(?m)^#\S+ -([oe]) (\S+)$`)

// Exec implements SSHExecFunc.
func (fc *FakeCluster) Exec(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	var stdinData []byte
	if stdin != nil {
		stdinData, _ = io.ReadAll(stdin)
	}
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	fc.init()
	fc.commands = append(fc.commands, command)
	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		fmt.Fprintf(stderr, "cannot parse command %q\n", command)
		return 2
	}
	prog := path.Base(args[0])
	switch prog {
	case "ls":
		return fc.ls(args[1:], stdout, stderr)
	case "mkdir":
		for _, dir := range args[1:] {
			if !strings.HasPrefix(dir, "-") {
				fc.mkdirAll(dir)
			}
		}
		return 0
	case "cat":
		if len(args) == 3 && args[1] == ">" {
			fc.writeFile(args[2], stdinData)
			return 0
		} else if len(args) == 2 {
			data, ok := fc.files[args[1]]
			if !ok {
				fmt.Fprintf(stderr, "cat: %s: No such file or directory\n", args[1])
				return 1
			}
			stdout.Write(data)
			return 0
		}
	case "test":
		if len(args) == 3 {
			if _, ok := fc.files[args[2]]; ok || fc.dirs[args[2]] {
				return 0
			}
			return 1
		}
	case "qsub", "sbatch", "bsub":
		return fc.submit(args[len(args)-1], stdout, stderr)
	case "qstat", "squeue", "bjobs", "sacct", "qacct":
		return fc.status(prog, args, stdout, stderr)
	case "qdel", "scancel", "bkill":
		job, ok := fc.jobs[args[len(args)-1]]
		if !ok {
			fmt.Fprintf(stderr, "%s: unknown job id %s\n", prog, args[len(args)-1])
			return 1
		}
		if !job.state.Terminal() {
			job.state = jobexec.JobStateFailed
		}
		return 0
	}
	fmt.Fprintf(stderr, "%s: command not supported by fake cluster\n", prog)
	return 127
}

func (fc *FakeCluster) init() {
	if fc.files == nil {
		fc.files = map[string][]byte{}
		fc.dirs = map[string]bool{"/": true}
		fc.jobs = map[string]*fakeJob{}
		fc.nextID = 1000
	}
}

func (fc *FakeCluster) mkdirAll(dir string) {
	for dir = path.Clean(dir); !fc.dirs[dir]; dir = path.Dir(dir) {
		fc.dirs[dir] = true
	}
}

func (fc *FakeCluster) writeFile(name string, data []byte) {
	name = path.Clean(name)
	fc.mkdirAll(path.Dir(name))
	fc.files[name] = append([]byte(nil), data...)
}

func (fc *FakeCluster) ls(args []string, stdout, stderr io.Writer) uint32 {
	var dir string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			dir = path.Clean(a)
		}
	}
	if dir == "" {
		// Liveness check.
		if fc.FailLiveness > 0 {
			fc.FailLiveness--
			fmt.Fprintln(stderr, "ls: connection reset")
			return 1
		}
		return 0
	}
	if !fc.dirs[dir] {
		fmt.Fprintf(stderr, "ls: cannot access '%s': No such file or directory\n", dir)
		return 2
	}
	var names []string
	for name := range fc.files {
		if path.Dir(name) == dir {
			names = append(names, path.Base(name))
		}
	}
	for name := range fc.dirs {
		if name != dir && path.Dir(name) == dir {
			names = append(names, path.Base(name))
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(stdout, name)
	}
	return 0
}

func (fc *FakeCluster) submit(script string, stdout, stderr io.Writer) uint32 {
	data, ok := fc.files[path.Clean(script)]
	if !ok {
		fmt.Fprintf(stderr, "script file %s not found\n", script)
		return 1
	}
	if fc.RejectSubmit {
		fmt.Fprintln(stderr, "submission rejected: queue is closed")
		return 1
	}
	fc.nextID++
	id := fmt.Sprintf("%d", fc.nextID)
	switch fc.JobManager {
	case jobexec.JobManagerSLURM:
		fmt.Fprintf(stdout, "Submitted batch job %s\n", id)
	case jobexec.JobManagerUGE:
		fmt.Fprintf(stdout, "Your job %s (\"job\") has been submitted\n", id)
	case jobexec.JobManagerLSF:
		fmt.Fprintf(stdout, "Job <%s> is submitted to default queue <normal>.\n", id)
	default:
		id += ".fake.example"
		fmt.Fprintf(stdout, "%s\n", id)
	}
	fc.jobs[id] = &fakeJob{id: id, state: jobexec.JobStatePending, script: string(data)}
	return 0
}

func (fc *FakeCluster) advance(job *fakeJob) {
	if job.state.Terminal() {
		return
	}
	job.polls++
	switch {
	case job.polls <= fc.QueuedPolls:
		job.state = jobexec.JobStatePending
	case job.polls <= fc.QueuedPolls+fc.RunningPolls:
		job.state = jobexec.JobStateActive
	default:
		job.state = jobexec.JobStateDone
		if fc.FailJobs {
			job.state = jobexec.JobStateFailed
		}
		for _, m := range scriptOutputRe.FindAllStringSubmatch(job.script, -1) {
			stream := "stdout"
			if m[1] == "e" {
				stream = "stderr"
			}
			fc.writeFile(m[2], []byte(fmt.Sprintf("%s of job %s\n", stream, job.id)))
		}
		for name, content := range fc.Produce {
			fc.writeFile(name, []byte(content))
		}
	}
}

func (fc *FakeCluster) status(prog string, args []string, stdout, stderr io.Writer) uint32 {
	if prog == "qstat" && fc.JobManager == jobexec.JobManagerUGE {
		fmt.Fprintln(stdout, "job-ID  prior   name       user         state submit/start at     queue                          slots ja-task-ID")
		fmt.Fprintln(stdout, "-----------------------------------------------------------------------------------------------------------------")
		ids := make([]string, 0, len(fc.jobs))
		for id := range fc.jobs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			job := fc.jobs[id]
			fc.advance(job)
			var state string
			switch job.state {
			case jobexec.JobStatePending:
				state = "qw"
			case jobexec.JobStateActive:
				state = "r"
			default:
				// Finished jobs leave the table.
				continue
			}
			fmt.Fprintf(stdout, "%7s 0.55500 job        user         %-5s 01/02/2024 10:00:00 all.q@node1                        1\n", id, state)
		}
		return 0
	}
	id := args[len(args)-1]
	job, ok := fc.jobs[id]
	accounting := prog == "sacct" || prog == "qacct" || (prog == "qstat" && args[1] == "-x")
	if accounting && fc.NoAccounting {
		ok = false
	}
	if !ok && prog == "qacct" {
		fmt.Fprintf(stderr, "error: job id %s not found\n", id)
		return 1
	} else if !ok && prog == "sacct" {
		return 0
	} else if !ok {
		fmt.Fprintf(stderr, "%s: Unknown Job Id %s\n", prog, id)
		return 1
	}
	if !accounting {
		fc.advance(job)
		if job.state.Terminal() && prog == "qstat" && fc.ForgetFinished {
			fmt.Fprintf(stderr, "qstat: Unknown Job Id %s\n", id)
			return 153
		}
	}
	switch prog {
	case "qacct":
		if !job.state.Terminal() {
			fmt.Fprintf(stderr, "error: job id %s not found\n", id)
			return 1
		}
		exit := 0
		if job.state == jobexec.JobStateFailed {
			exit = 1
		}
		fmt.Fprintf(stdout, "==============================================================\nqname        all.q\njobnumber    %s\nfailed       0    \nexit_status  %d\n", id, exit)
	case "qstat":
		code := map[jobexec.JobState]string{
			jobexec.JobStatePending: "Q",
			jobexec.JobStateActive:  "R",
			jobexec.JobStateDone:    "C",
			jobexec.JobStateFailed:  "C",
		}[job.state]
		fmt.Fprintf(stdout, "Job Id: %s\n    Job_Name = job\n    job_state = %s\n", id, code)
		if job.state == jobexec.JobStateFailed {
			fmt.Fprintf(stdout, "    exit_status = 1\n")
		} else if job.state == jobexec.JobStateDone {
			fmt.Fprintf(stdout, "    exit_status = 0\n")
		}
	case "squeue":
		// Finished jobs leave the queue.
		switch job.state {
		case jobexec.JobStatePending:
			fmt.Fprintln(stdout, "PENDING")
		case jobexec.JobStateActive:
			fmt.Fprintln(stdout, "RUNNING")
		}
	case "sacct":
		fmt.Fprintln(stdout, map[jobexec.JobState]string{
			jobexec.JobStatePending: "PENDING",
			jobexec.JobStateActive:  "RUNNING",
			jobexec.JobStateDone:    "COMPLETED",
			jobexec.JobStateFailed:  "FAILED",
		}[job.state])
	case "bjobs":
		fmt.Fprintln(stdout, map[jobexec.JobState]string{
			jobexec.JobStatePending: "PEND",
			jobexec.JobStateActive:  "RUN",
			jobexec.JobStateDone:    "DONE",
			jobexec.JobStateFailed:  "EXIT",
		}[job.state])
	}
	return 0
}

// WriteFile adds a file to the fake filesystem.
func (fc *FakeCluster) WriteFile(name string, data []byte) {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	fc.init()
	fc.writeFile(name, data)
}

// ReadFile returns the content of a file in the fake filesystem.
func (fc *FakeCluster) ReadFile(name string) ([]byte, bool) {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	fc.init()
	data, ok := fc.files[path.Clean(name)]
	return data, ok
}

// IsDir returns true if the given directory exists.
func (fc *FakeCluster) IsDir(name string) bool {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	fc.init()
	return fc.dirs[path.Clean(name)]
}

// Commands returns the commands executed so far.
func (fc *FakeCluster) Commands() []string {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	return append([]string(nil), fc.commands...)
}

// JobState returns the current state of the given job.
func (fc *FakeCluster) JobState(id string) jobexec.JobState {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	fc.init()
	if job, ok := fc.jobs[id]; ok {
		return job.state
	}
	return jobexec.JobStateUnknown
}

// SetFailLiveness sets the number of upcoming liveness checks to
// fail. It is safe to call while the cluster is serving commands.
func (fc *FakeCluster) SetFailLiveness(n int) {
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	fc.FailLiveness = n
}
