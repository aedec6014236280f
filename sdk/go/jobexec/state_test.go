// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StateSuite{})

type StateSuite struct{}

func (s *StateSuite) TestTransitions(c *check.C) {
	for _, trial := range []struct {
		from, to JobState
		ok       bool
	}{
		{JobStateUnknown, JobStatePending, true},
		{JobStateUnknown, JobStateDone, true},
		{JobStatePending, JobStatePending, false},
		{JobStatePending, JobStateActive, true},
		{JobStateActive, JobStateActive, true},
		{JobStateActive, JobStatePending, false},
		{JobStateActive, JobStateDone, true},
		{JobStateActive, JobStateFailed, true},
		{JobStateDone, JobStateFailed, false},
		{JobStateFailed, JobStateActive, false},
		{JobStatePending, JobState("bogus"), false},
		{JobStatePending, JobStateUnknown, false},
	} {
		c.Check(trial.from.CanBecome(trial.to), check.Equals, trial.ok, check.Commentf("%s -> %s", trial.from, trial.to))
	}
}

func (s *StateSuite) TestTerminal(c *check.C) {
	c.Check(JobStateDone.Terminal(), check.Equals, true)
	c.Check(JobStateFailed.Terminal(), check.Equals, true)
	c.Check(JobStateActive.Terminal(), check.Equals, false)
	c.Check(JobStateUnknown.String(), check.Equals, "UNKNOWN")
}
