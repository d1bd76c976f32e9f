// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"errors"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ThrottleSuite{})

type ThrottleSuite struct{}

type testRateLimitError time.Time

func (e testRateLimitError) EarliestRetry() time.Time { return time.Time(e) }
func (e testRateLimitError) Error() string            { return "slow down" }

func (s *ThrottleSuite) TestRateLimitError(c *check.C) {
	var t throttle
	c.Check(t.Error(), check.IsNil)
	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Second))
	c.Check(t.Error(), check.NotNil)
	t.ErrorUntil(nil, time.Now())
	c.Check(t.Error(), check.IsNil)

	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Millisecond))
	c.Check(t.Error(), check.NotNil)
	time.Sleep(time.Millisecond * 10)
	c.Check(t.Error(), check.IsNil)
}

func (s *ThrottleSuite) TestCheckRateLimitError(c *check.C) {
	var t throttle
	logger := ctxlog.TestLogger(c)
	t.CheckRateLimitError(errors.New("not a rate limit error"), logger, "test")
	c.Check(t.Error(), check.IsNil)
	t.CheckRateLimitError(testRateLimitError(time.Now().Add(-time.Second)), logger, "test")
	c.Check(t.Error(), check.IsNil)
	t.CheckRateLimitError(testRateLimitError(time.Now().Add(time.Hour)), logger, "test")
	c.Check(t.Error(), check.ErrorMatches, `remote calls are suspended for .*`)
}
