// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"errors"
	"testing"

	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/lib/provider/batch"
	"git.arvados.org/jobexec.git/lib/provider/cloud"
	"git.arvados.org/jobexec.git/lib/provider/grid"
	"git.arvados.org/jobexec.git/lib/provider/local"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (*suite) TestSelectProvider(c *check.C) {
	deps := &provider.Deps{}
	for _, trial := range []struct {
		protocol jobexec.SubmissionProtocol
		expect   interface{}
		name     string
	}{
		{jobexec.ProtocolGridGatekeeper, &grid.Provider{}, grid.Name},
		{jobexec.ProtocolSSHBatch, &batch.Provider{}, batch.Name},
		{jobexec.ProtocolCloud, &cloud.Provider{}, cloud.Name},
		{jobexec.ProtocolLocal, &local.Provider{}, local.Name},
		{"", &local.Provider{}, local.Name},
	} {
		p, err := SelectProvider(deps, jobexec.ComputeResource{Protocol: trial.protocol})
		c.Assert(err, check.IsNil)
		c.Check(p, check.FitsTypeOf, trial.expect)
		c.Check(p.Name(), check.Equals, trial.name)

		// Each call returns a new provider.
		p2, err := SelectProvider(deps, jobexec.ComputeResource{Protocol: trial.protocol})
		c.Assert(err, check.IsNil)
		c.Check(p2 == p, check.Equals, false)
	}
}

func (*suite) TestUnsupportedProtocol(c *check.C) {
	p, err := SelectProvider(&provider.Deps{}, jobexec.ComputeResource{Protocol: "carrier-pigeon"})
	c.Check(p, check.IsNil)
	c.Check(errors.Is(err, ErrUnsupportedProtocol), check.Equals, true)
	c.Check(jobexec.IsConfigError(err), check.Equals, true)
	c.Check(err, check.ErrorMatches, `configuration error: unsupported submission protocol "carrier-pigeon"`)
}
