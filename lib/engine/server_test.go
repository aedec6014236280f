// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.arvados.org/jobexec.git/lib/config"
	"git.arvados.org/jobexec.git/lib/notify"
	"git.arvados.org/jobexec.git/lib/test"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct {
	dir    string
	cfg    *jobexec.Config
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *ServerSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	cfg, err := config.LoadDefault()
	c.Assert(err, check.IsNil)
	cfg.ManagementToken = "secret"
	cfg.Output.StagingDir = filepath.Join(s.dir, "staged")
	s.cfg = cfg
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
}

func (s *ServerSuite) TearDownTest(c *check.C) {
	s.cancel()
}

func (s *ServerSuite) TestSetupDefaults(c *check.C) {
	st, err := Setup(s.ctx, s.cfg, prometheus.NewRegistry(), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer st.Close()
	c.Check(st.Engine.deps.Pool, check.NotNil)
	c.Check(st.Engine.deps.Credentials, check.IsNil)
	c.Check(st.Engine.deps.InstanceSet, check.IsNil)
	// Nothing delivers callbacks unless the caller says so.
	c.Check(st.Callbacks, check.IsNil)
	c.Check(st.Engine.deps.Callbacks, check.IsNil)
	c.Check(st.Notifier, check.NotNil)
	hub := st.EnableCallbacks()
	c.Check(st.Engine.deps.Callbacks, check.Equals, hub)
	c.Check(st.EnableCallbacks(), check.Equals, hub)
}

// A grid job launched by "jobexec run" has nobody to deliver
// callbacks, so it must finish by polling.
func (s *ServerSuite) TestGridJobPolls(c *check.C) {
	globusrun := filepath.Join(s.dir, "globusrun")
	c.Assert(os.WriteFile(globusrun, []byte(`#!/bin/sh
case "$1" in
-batch) echo "https://gk.example:40001/1/2/" ;;
-status) echo status >> "$(dirname "$0")/status-calls"; echo DONE ;;
-kill) echo killed >> "$(dirname "$0")/kill-calls" ;;
esac
`), 0755), check.IsNil)
	s.cfg.Grid.SubmitCommand = globusrun + " -batch -r"
	s.cfg.Grid.StatusCommand = globusrun + " -status"
	s.cfg.Grid.CancelCommand = globusrun + " -kill"
	s.cfg.Grid.ProxyDir = s.dir
	s.cfg.Monitor.PollInterval = jobexec.Duration(10 * time.Millisecond)
	st, err := Setup(s.ctx, s.cfg, prometheus.NewRegistry(), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer st.Close()

	jc := st.NewJob(jobexec.JobDescription{
		ProcessID: "grid1",
		ComputeResource: jobexec.ComputeResource{
			Host:     "gk.example",
			Protocol: jobexec.ProtocolGridGatekeeper,
		},
		Application: jobexec.ApplicationDeployment{
			Executable: "/bin/true",
			WorkingDir: "/scratch/grid1",
		},
		InFlowHandlers:  []string{"input-validation"},
		OutFlowHandlers: []string{"status-notifier"},
	})
	jc.SetCredential(jobexec.SecurityGrid, &jobexec.Credential{
		Kind:        jobexec.CredentialX509Proxy,
		Certificate: []byte("proxy"),
		PrivateKey:  []byte("proxy"),
		NotAfter:    time.Now().Add(time.Hour),
	})
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	err = st.Engine.Launch(ctx, jc)
	c.Check(err, check.IsNil)
	c.Check(jc.Status(), check.Equals, jobexec.JobStateDone)
	c.Check(jc.JobID(), check.Equals, "https://gk.example:40001/1/2/")
	_, err = os.Stat(filepath.Join(s.dir, "status-calls"))
	c.Check(err, check.IsNil)
	_, err = os.Stat(filepath.Join(s.dir, "kill-calls"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *ServerSuite) TestSetupCloudAndCredentials(c *check.C) {
	s.cfg.Cloud.Driver = "loopback"
	s.cfg.Cloud.InstanceTypes = map[string]jobexec.InstanceType{
		"small": {Name: "small", ProviderType: "localhost", VCPUs: 1, RAM: 1 << 30},
	}
	s.cfg.Credentials.MyProxy.Server = "myproxy.example"
	st, err := Setup(s.ctx, s.cfg, prometheus.NewRegistry(), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer st.Close()
	c.Check(st.Engine.deps.InstanceSet, check.NotNil)
	c.Check(st.Engine.deps.Credentials, check.NotNil)
}

func (s *ServerSuite) TestSetupBadDriver(c *check.C) {
	s.cfg.Cloud.Driver = "abacus"
	s.cfg.Cloud.InstanceTypes = map[string]jobexec.InstanceType{"small": {Name: "small"}}
	_, err := Setup(s.ctx, s.cfg, prometheus.NewRegistry(), ctxlog.TestLogger(c))
	c.Check(jobexec.IsConfigError(err), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*unsupported cloud driver "abacus"`)
}

func (s *ServerSuite) TestSubmitAndCallback(c *check.C) {
	s.cfg.Grid.CallbackURL = "http://localhost:9007/callbacks"
	reg := prometheus.NewRegistry()
	srv := newServer(s.ctx, s.cfg, reg).(*server)
	c.Assert(srv.CheckHealth(), check.IsNil)
	events := &notify.Recorder{}
	srv.stack.Notifier = events

	body, err := json.Marshal(jobexec.JobDescription{
		ProcessID: "web1",
		ComputeResource: jobexec.ComputeResource{
			Protocol: jobexec.ProtocolLocal,
		},
		Application: jobexec.ApplicationDeployment{
			Executable: "true",
			WorkingDir: filepath.Join(s.dir, "web1"),
		},
	})
	c.Assert(err, check.IsNil)

	req := httptest.NewRequest("POST", "/jobs", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)

	req = httptest.NewRequest("POST", "/jobs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusAccepted)
	c.Check(resp.Body.String(), check.Matches, `.*"ProcessID":"web1".*`)

	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		if len(events.Filter("web1", jobexec.EventStepFinished)) > 0 &&
			test.GetMetricValue(c, reg, "jobexec_engine_attempts_running") == 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for job; events %+v", events.Events())
		}
	}
	c.Check(events.Filter("web1", jobexec.EventExecutionFailed), check.HasLen, 0)

	updates := srv.stack.Callbacks.Register("https://gram.example:2119/12345/1")
	defer srv.stack.Callbacks.Unregister("https://gram.example:2119/12345/1")
	srv.stack.Callbacks.Register("https://gram.example:2119/12345/2")
	srv.stack.Callbacks.Unregister("https://gram.example:2119/12345/2")
	for _, trial := range []struct {
		job, state string
		code       int
	}{
		{"https://gram.example:2119/12345/1", "ACTIVE", http.StatusOK},
		{"https://gram.example:2119/12345/1", "BOGUS", http.StatusBadRequest},
		{"", "DONE", http.StatusBadRequest},
		// not registered yet: held
		{"https://gram.example:2119/99999/1", "ACTIVE", http.StatusOK},
		// already finished
		{"https://gram.example:2119/12345/2", "DONE", http.StatusNotFound},
	} {
		form := url.Values{"job": {trial.job}, "state": {trial.state}}
		req = httptest.NewRequest("POST", "/callbacks", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp = httptest.NewRecorder()
		srv.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("%+v", trial))
	}
	select {
	case st := <-updates:
		c.Check(st, check.Equals, jobexec.JobStateActive)
	default:
		c.Error("callback was not delivered")
	}

	s.cancel()
	select {
	case <-srv.Done():
	case <-time.After(10 * time.Second):
		c.Fatal("server did not shut down")
	}
	c.Check(srv.CheckHealth(), check.NotNil)
}

func (s *ServerSuite) TestCallbacksDisabled(c *check.C) {
	srv := newServer(s.ctx, s.cfg, prometheus.NewRegistry()).(*server)
	c.Check(srv.stack.Callbacks, check.IsNil)
	form := url.Values{"job": {"https://gram.example:2119/12345/1"}, "state": {"DONE"}}
	req := httptest.NewRequest("POST", "/callbacks", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	c.Check(resp.Body.String(), check.Matches, `status callbacks are not enabled.*\n`)
}

func (s *ServerSuite) TestBadRequest(c *check.C) {
	srv := newServer(s.ctx, s.cfg, prometheus.NewRegistry()).(*server)
	for _, body := range []string{`{"ProcessID":`, `{}`} {
		req := httptest.NewRequest("POST", "/jobs", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer secret")
		resp := httptest.NewRecorder()
		srv.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, http.StatusBadRequest)
	}
}

func (s *ServerSuite) TestRunCommand(c *check.C) {
	work := filepath.Join(s.dir, "work")
	job := func(name, exe string) string {
		fnm := filepath.Join(s.dir, name+".yml")
		err := os.WriteFile(fnm, []byte(`
ProcessID: `+name+`
ComputeResource:
  Protocol: local
Application:
  Executable: `+exe+`
  WorkingDir: `+filepath.Join(work, name)+`
Inputs:
  - Name: msg
    Type: string
    Value: hello
    RequiredOnCommandLine: true
Outputs:
  - Name: out
    Type: stdout
    Required: true
`), 0644)
		c.Assert(err, check.IsNil)
		return fnm
	}
	config := `
SystemLogs: {Format: text, LogLevel: debug}
Output: {StagingDir: "` + filepath.Join(s.dir, "staged") + `"}
`
	var stdout, stderr bytes.Buffer
	code := RunCommand.RunCommand("jobexec run", []string{"-config", "-", "-skip-env", job("good", "echo")}, strings.NewReader(config), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `.*good\.yml\tlocal-\d+\tDONE\n`)
	buf, err := os.ReadFile(filepath.Join(s.dir, "staged", "good", "good.stdout"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "hello\n")

	stdout.Reset()
	stderr.Reset()
	code = RunCommand.RunCommand("jobexec run", []string{"-config", "-", "-skip-env", job("good2", "echo"), job("bad", "false")}, strings.NewReader(config), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Matches, `(?s).*good2\.yml\tlocal-\d+\tDONE\n.*bad\.yml\tlocal-\d+\tFAILED\tremote job .* failed: exit status 1\n.*`)

	code = RunCommand.RunCommand("jobexec run", []string{"-config", "-", "-skip-env"}, strings.NewReader(config), &stdout, &stderr)
	c.Check(code, check.Equals, 2)

	code = RunCommand.RunCommand("jobexec run", []string{"-config", "-", "-skip-env", filepath.Join(s.dir, "missing.yml")}, strings.NewReader(config), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
}

func (s *ServerSuite) TestLoadJobFile(c *check.C) {
	fnm := filepath.Join(s.dir, "job.yml")
	c.Assert(os.WriteFile(fnm, []byte("ExperimentID: exp\nScheduling: {NodeCount: 2, QueueName: normal}\n"), 0644), check.IsNil)
	_, err := LoadJobFile(fnm)
	c.Check(err, check.ErrorMatches, `.*ProcessID is empty`)

	c.Assert(os.WriteFile(fnm, []byte("ProcessID: p\nScheduling: {NodeCount: 2, QueueName: normal}\nInFlowHandlers: [input-validation]\n"), 0644), check.IsNil)
	desc, err := LoadJobFile(fnm)
	c.Assert(err, check.IsNil)
	c.Check(desc.Scheduling.NodeCount, check.Equals, 2)
	c.Check(desc.Scheduling.QueueName, check.Equals, "normal")
	c.Check(desc.InFlowHandlers, check.DeepEquals, []string{"input-validation"})
}
