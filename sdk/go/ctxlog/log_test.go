// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LogSuite{})

type LogSuite struct{}

func (s *LogSuite) TestContextRoundTrip(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info")
	ctx := Context(context.Background(), logger.WithField("JobID", "123"))
	FromContext(ctx).Info("hello")
	c.Check(buf.String(), check.Matches, `(?ms).*"JobID":"123".*"msg":"hello".*`)
}

func (s *LogSuite) TestDefaultLogger(c *check.C) {
	c.Check(FromContext(context.Background()), check.NotNil)
	c.Check(FromContext(nil), check.NotNil)
}

func (s *LogSuite) TestLevel(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "warn")
	c.Check(logger.Level, check.Equals, logrus.WarnLevel)
	logger.Info("dropped")
	c.Check(buf.Len(), check.Equals, 0)
}
