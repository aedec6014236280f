// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"io"
	"testing"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

// Return a new Loader that reads config from configdata, ignores the
// process environment, and logs to logdst or (if that's nil) c.Log.
func testLoader(c *check.C, configdata string, logdst io.Writer) *Loader {
	logger := ctxlog.TestLogger(c)
	if logdst != nil {
		lgr := logrus.New()
		lgr.Out = logdst
		logger = lgr
	}
	ldr := NewLoader(bytes.NewBufferString(configdata), logger)
	ldr.Path = "-"
	ldr.Getenv = func(string) string { return "" }
	return ldr
}

type LoadSuite struct{}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := testLoader(c, "", nil).Load()
	c.Check(cfg, check.IsNil)
	c.Assert(err, check.Equals, ErrNoConfig)
}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := testLoader(c, "{}", nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.ClusterPool.MaxSessionsPerKey, check.Equals, 4)
	c.Check(cfg.ClusterPool.LivenessCommand, check.Equals, "ls")
	c.Check(cfg.Monitor.PollInterval.Duration(), check.Equals, 10*time.Second)
	c.Check(cfg.Monitor.WaitTimeout.Duration(), check.Equals, time.Duration(0))
	c.Check(cfg.Handlers.InFlow, check.DeepEquals, []string{"input-validation", "directory-setup", "input-staging"})
	c.Check(cfg.Handlers.OutFlow, check.DeepEquals, []string{"output-collector", "status-notifier"})
	c.Check(cfg.Output.AlternateHandling, check.Equals, false)
	c.Check(cfg.Credentials.MyProxy.Port, check.Equals, 7512)
}

func (s *LoadSuite) TestOverrideOneKey(c *check.C) {
	cfg, err := testLoader(c, `
ClusterPool:
  MaxSessionsPerKey: 2
Monitor:
  WaitTimeout: 2h
JobManagers:
  SLURM:
    Submit: "sbatch --parsable"
`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.ClusterPool.MaxSessionsPerKey, check.Equals, 2)
	c.Check(cfg.ClusterPool.LivenessCommand, check.Equals, "ls")
	c.Check(cfg.Monitor.WaitTimeout.Duration(), check.Equals, 2*time.Hour)
	c.Check(cfg.Monitor.PollInterval.Duration(), check.Equals, 10*time.Second)
	c.Check(cfg.JobManagers[jobexec.JobManagerSLURM].Submit, check.Equals, "sbatch --parsable")
}

func (s *LoadSuite) TestNullKeyDoesNotOverrideDefault(c *check.C) {
	cfg, err := testLoader(c, `{"Monitor":{"PollInterval":null}}`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Monitor.PollInterval.Duration(), check.Equals, 10*time.Second)
}

func (s *LoadSuite) TestUnknownKeyWarning(c *check.C) {
	var logbuf bytes.Buffer
	_, err := testLoader(c, `
ClusterPool:
  MaxSessions: 2
Bogus: true
JobManagers:
  PBS:
    Submit: qsub
`, &logbuf).Load()
	c.Assert(err, check.IsNil)
	c.Check(logbuf.String(), check.Matches, `(?ms).*deprecated or unknown config entry: ClusterPool.MaxSessions.*`)
	c.Check(logbuf.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Bogus.*`)
	c.Check(logbuf.String(), check.Not(check.Matches), `(?ms).*JobManagers.*`)
}

func (s *LoadSuite) TestBadValues(c *check.C) {
	for _, trial := range []struct {
		config string
		errre  string
	}{
		{`{"ClusterPool":{"MaxSessionsPerKey":0}}`, `ClusterPool.MaxSessionsPerKey must be at least 1.*`},
		{`{"Monitor":{"PollInterval":"0s"}}`, `Monitor.PollInterval must be positive.*`},
		{`{"Monitor":{"PollInterval":30}}`, `.*duration must be given as a string.*`},
		{`{"JobManagers":{"CONDOR":{"Submit":"condor_submit"}}}`, `JobManagers: unknown job manager type "CONDOR"`},
		{`{"SystemLogs":{"Format":"xml"}}`, `SystemLogs.Format must be.*`},
	} {
		c.Logf("trial: %s", trial.config)
		_, err := testLoader(c, trial.config, nil).Load()
		c.Check(err, check.ErrorMatches, trial.errre)
	}
}

func (s *LoadSuite) TestEnvironment(c *check.C) {
	env := map[string]string{
		"JOBEXEC_RM_BIN_PATH":     "/opt/torque/bin",
		"JOBEXEC_NOTIFY_EMAILS":   "a@example.com, b@example.com,",
		"JOBEXEC_DEFAULT_GATEWAY": "gw1",
		"JOBEXEC_DEFAULT_TOKEN":   "tok1",
	}
	ldr := testLoader(c, `{"ResourceManagerPath":"/usr/bin"}`, nil)
	ldr.Getenv = func(k string) string { return env[k] }
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.ResourceManagerPath, check.Equals, "/opt/torque/bin")
	c.Check(cfg.Notifications.Emails, check.DeepEquals, []string{"a@example.com", "b@example.com"})
	c.Check(cfg.Credentials.DefaultGatewayID, check.Equals, "gw1")
	c.Check(cfg.Credentials.DefaultTokenID, check.Equals, "tok1")

	ldr = testLoader(c, `{"ResourceManagerPath":"/usr/bin"}`, nil)
	ldr.Getenv = func(k string) string { return env[k] }
	ldr.SkipEnv = true
	cfg, err = ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.ResourceManagerPath, check.Equals, "/usr/bin")
}

func (s *LoadSuite) TestRedacted(c *check.C) {
	cfg, err := testLoader(c, `{"ManagementToken":"secret","Output":{"S3":{"Bucket":"b","SecretAccessKey":"s3cr3t"}}}`, nil).Load()
	c.Assert(err, check.IsNil)
	m, err := Redacted(cfg)
	c.Assert(err, check.IsNil)
	c.Check(m["ManagementToken"], check.Equals, "xxxxx")
	s3 := m["Output"].(map[string]interface{})["S3"].(map[string]interface{})
	c.Check(s3["SecretAccessKey"], check.Equals, "xxxxx")
	c.Check(s3["AccessKeyID"], check.Equals, "")
	c.Check(s3["Bucket"], check.Equals, "b")
}
