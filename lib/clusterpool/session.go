// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"git.arvados.org/jobexec.git/lib/jobmanager"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

// A Session is an authenticated connection to a cluster login node,
// bound to the command set of the cluster's job manager.
//
// Each command runs on its own SSH channel, so a session can be
// handed to a later attempt while an earlier one is still using it.
type Session struct {
	CommandSet *jobmanager.CommandSet

	pool    *Pool
	key     string
	target  Target
	exr     Executor
	created time.Time
	leases  int // guarded by pool.mtx
	closed  atomic.Bool
}

// A CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Command, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += fmt.Sprintf(" (stderr: %q)", s)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewSession returns a session that does not belong to a pool, e.g.,
// for a cloud instance started for a single job. cs may be nil if
// job manager commands will not be used.
func NewSession(exr Executor, cs *jobmanager.CommandSet) *Session {
	return &Session{
		CommandSet: cs,
		exr:        exr,
		created:    time.Now(),
	}
}

// Target returns the target the session is connected to.
func (sess *Session) Target() Target {
	return sess.target
}

func (sess *Session) check(ctx context.Context, cmd string) error {
	_, _, err := sess.exec(ctx, cmd, nil)
	return err
}

func (sess *Session) close() {
	sess.closed.Store(true)
	sess.exr.Close()
}

// exec runs cmd unless the session has been closed. The executor
// would otherwise reconnect on its own, outside the pool's count.
func (sess *Session) exec(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	if sess.closed.Load() {
		return nil, nil, ErrSessionClosed
	}
	return sess.exr.Execute(ctx, nil, cmd, stdin)
}

// Execute runs a shell command on the remote host and returns its
// stdout and stderr.
func (sess *Session) Execute(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	return sess.exec(ctx, cmd, stdin)
}

// Run runs a shell command and returns its stdout. A non-zero exit
// status is returned as a *CommandError.
func (sess *Session) Run(ctx context.Context, cmd string) (string, error) {
	stdout, stderr, err := sess.exec(ctx, cmd, nil)
	if err != nil {
		return string(stdout), &CommandError{Command: cmd, Stderr: string(stderr), Err: err}
	}
	return string(stdout), nil
}

// Mkdir creates the given directories (and their parents).
func (sess *Session) Mkdir(ctx context.Context, dirs ...string) error {
	if len(dirs) == 0 {
		return nil
	}
	_, err := sess.Run(ctx, jobmanager.Quote(append([]string{"mkdir", "-p"}, dirs...)...))
	return err
}

// ListDir returns the names of the entries in a remote directory.
func (sess *Session) ListDir(ctx context.Context, dir string) ([]string, error) {
	out, err := sess.Run(ctx, jobmanager.Quote("ls", "-1", dir))
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names, scanner.Err()
}

// Exists returns true if the remote path exists.
func (sess *Session) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, stderr, err := sess.exec(ctx, jobmanager.Quote("test", "-e", remotePath), nil)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err) {
		return false, nil
	}
	return false, &CommandError{Command: "test -e " + remotePath, Stderr: string(stderr), Err: err}
}

// Upload writes the content of r to a remote file, creating the
// parent directory if needed.
func (sess *Session) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	err := sess.Mkdir(ctx, path.Dir(remotePath))
	if err != nil {
		return err
	}
	cmd := "cat > " + jobmanager.Quote(remotePath)
	_, stderr, err := sess.exec(ctx, cmd, r)
	if err != nil {
		return &CommandError{Command: cmd, Stderr: string(stderr), Err: err}
	}
	return nil
}

// Fetch copies a remote file to w as it is read, and returns the
// number of bytes copied.
func (sess *Session) Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	if sess.closed.Load() {
		return 0, ErrSessionClosed
	}
	cmd := jobmanager.Quote("cat", remotePath)
	cw := &countingWriter{w: w}
	stderr, err := sess.exr.Stream(ctx, nil, cmd, nil, cw)
	if err != nil {
		return cw.n, &CommandError{Command: cmd, Stderr: string(stderr), Err: err}
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Submit submits the batch script at scriptPath to the job manager
// and returns the new job's ID.
func (sess *Session) Submit(ctx context.Context, scriptPath string) (string, error) {
	cmd := sess.CommandSet.SubmitCommand(scriptPath)
	stdout, stderr, err := sess.exec(ctx, cmd, nil)
	if err != nil {
		return "", &jobexec.SubmissionError{Err: &CommandError{Command: cmd, Stderr: string(stderr), Err: err}}
	}
	id, err := sess.CommandSet.ParseJobID(string(stdout))
	if err != nil {
		return "", &jobexec.SubmissionError{Err: err}
	}
	return id, nil
}

// Status queries the job manager for the state of the given job. If
// the job manager no longer lists the job and has a fallback
// (accounting) command, that is consulted too. JobStateUnknown means
// the job is no longer known to the job manager.
func (sess *Session) Status(ctx context.Context, jobID string) (jobexec.JobState, error) {
	cmd := sess.CommandSet.StatusCommand(jobID)
	stdout, stderr, err := sess.exec(ctx, cmd, nil)
	out := string(stdout)
	if err != nil {
		if !isExitStatus(err) {
			return jobexec.JobStateUnknown, &CommandError{Command: cmd, Stderr: string(stderr), Err: err}
		}
		// qstat and bjobs exit non-zero for jobs they no
		// longer list, and say so on stderr.
		out += string(stderr)
	}
	state, perr := sess.CommandSet.ParseStatus(jobID, out)
	if perr != nil {
		if err != nil {
			return jobexec.JobStateUnknown, &CommandError{Command: cmd, Stderr: string(stderr), Err: err}
		}
		return jobexec.JobStateUnknown, perr
	}
	if state != jobexec.JobStateUnknown {
		return state, nil
	}
	fallback := sess.CommandSet.StatusFallbackCommand(jobID)
	if fallback == "" {
		return jobexec.JobStateUnknown, nil
	}
	stdout, stderr, err = sess.exec(ctx, fallback, nil)
	out = string(stdout)
	if err != nil {
		if !isExitStatus(err) {
			return jobexec.JobStateUnknown, &CommandError{Command: fallback, Stderr: string(stderr), Err: err}
		}
		// qacct exits non-zero until the job's accounting
		// record is written.
		out += string(stderr)
	}
	state, perr = sess.CommandSet.ParseFallbackStatus(jobID, out)
	if perr != nil && err != nil {
		return jobexec.JobStateUnknown, &CommandError{Command: fallback, Stderr: string(stderr), Err: err}
	}
	return state, perr
}

// IsConnectionError returns true if err means the session itself is
// unusable (it was closed, or a command could not be run at all),
// as opposed to a remote command exiting non-zero.
func IsConnectionError(err error) bool {
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var cerr *CommandError
	return errors.As(err, &cerr) && !isExitStatus(cerr.Err)
}

func isExitStatus(err error) bool {
	_, ok := err.(interface{ ExitStatus() int })
	return ok
}

// Cancel asks the job manager to cancel the given job.
func (sess *Session) Cancel(ctx context.Context, jobID string) error {
	_, err := sess.Run(ctx, sess.CommandSet.CancelCommand(jobID))
	return err
}
