// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"errors"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ContextSuite{})

type ContextSuite struct{}

func (s *ContextSuite) TestPublishFillsIdentity(c *check.C) {
	var got []Event
	jc := NewExecutionContext(JobDescription{
		ExperimentID: "exp-1",
		ProcessID:    "proc-1",
	}, NotifierFunc(func(ev Event) { got = append(got, ev) }))
	jc.SetJobID("1234.pbs")
	jc.Publish(Event{Type: EventStepFailed, Step: "input-staging", Err: errors.New("oops")})
	c.Assert(got, check.HasLen, 1)
	c.Check(got[0].ExperimentID, check.Equals, "exp-1")
	c.Check(got[0].ProcessID, check.Equals, "proc-1")
	c.Check(got[0].JobID, check.Equals, "1234.pbs")
	c.Check(got[0].Error, check.Equals, "oops")
	c.Check(got[0].Time.IsZero(), check.Equals, false)
}

func (s *ContextSuite) TestNilNotifier(c *check.C) {
	jc := NewExecutionContext(JobDescription{}, nil)
	jc.Publish(Event{Type: EventStatusChanged})
	c.Check(jc.Properties, check.NotNil)
}

func (s *ContextSuite) TestCancel(c *check.C) {
	jc := NewExecutionContext(JobDescription{}, nil)
	c.Check(jc.Cancelled(), check.Equals, false)
	jc.Cancel()
	c.Check(jc.Cancelled(), check.Equals, true)
}

func (s *ContextSuite) TestCredentialLifetime(c *check.C) {
	now := time.Now()
	cred := &Credential{NotAfter: now.Add(time.Hour)}
	c.Check(cred.RemainingLifetime(now), check.Equals, time.Hour)
	c.Check(cred.Expired(now.Add(2*time.Hour)), check.Equals, true)
	c.Check((&Credential{}).Expired(now), check.Equals, false)

	jc := NewExecutionContext(JobDescription{}, nil)
	jc.SetCredential(SecuritySSH, cred)
	c.Check(jc.Credential(SecuritySSH), check.Equals, cred)
	c.Check(jc.Credential(SecurityGrid), check.IsNil)
}

func (s *ContextSuite) TestRunDeferred(c *check.C) {
	jc := NewExecutionContext(JobDescription{}, nil)
	var order []int
	jc.Defer(func() { order = append(order, 1) })
	jc.Defer(func() { order = append(order, 2) })
	jc.RunDeferred()
	jc.RunDeferred()
	c.Check(order, check.DeepEquals, []int{2, 1})
}
