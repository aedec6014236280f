// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump_BadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("jobexec config-dump", []string{"-badarg"}, bytes.NewBufferString(""), bytes.NewBufferString(""), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: flag provided but not defined: -badarg.*`)
}

func (s *CommandSuite) TestDump_EmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("jobexec config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config is empty\n`)
}

func (s *CommandSuite) TestDump_Redacted(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `{"ManagementToken":"abcdefg","ClusterPool":{"MaxSessionsPerKey":7}}`
	code := DumpCommand.RunCommand("jobexec config-dump", []string{"-config", "-", "-skip-env"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*abcdefg.*`)
	var m map[string]interface{}
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &m), check.IsNil)
	c.Check(m["ManagementToken"], check.Equals, "xxxxx")
	c.Check(m["ClusterPool"].(map[string]interface{})["MaxSessionsPerKey"], check.Equals, float64(7))
}

func (s *CommandSuite) TestCheck_UnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `{"ClusterPool":{"Bogus":1}}`
	code := CheckCommand.RunCommand("jobexec config-check", []string{"-config", "-", "-skip-env"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: ClusterPool.Bogus.*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("jobexec config-check", []string{"-config", "-", "-skip-env", "-strict=false"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
}

func (s *CommandSuite) TestCheck_OK(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("jobexec config-check", []string{"-config", "-", "-skip-env"}, bytes.NewBufferString(`{"Monitor":{"PollInterval":"5s"}}`), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("jobexec config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, string(DefaultYAML))
}
