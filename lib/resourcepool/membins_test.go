// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&MemoryBinSuite{})

type MemoryBinSuite struct{}

func (s *MemoryBinSuite) TestFindFirstFit(c *check.C) {
	m := NewMemoryBinSet("x", []int{512, 2048, 1024, 2048})
	c.Check(m.Find(0), check.Equals, 0)
	c.Check(m.Find(512), check.Equals, 0)
	c.Check(m.Find(513), check.Equals, 1)
	c.Check(m.Find(2048), check.Equals, 1)
	c.Check(m.Find(2049), check.Equals, NotFound)
	c.Check(NewMemoryBinSet("x", nil).Find(1), check.Equals, NotFound)
}

func (s *MemoryBinSuite) TestConsumeRelease(c *check.C) {
	m := NewMemoryBinSet("x", []int{1024, 2048})
	c.Assert(m.Consume(1, 2000), check.IsNil)
	c.Check(m.Free(), check.DeepEquals, []int{1024, 48})
	c.Check(m.Find(1024), check.Equals, 0)
	c.Check(m.Find(1025), check.Equals, NotFound)
	c.Assert(m.Release(1, 2000), check.IsNil)
	c.Check(m.Free(), check.DeepEquals, []int{1024, 2048})
	c.Check(m.Max(), check.DeepEquals, []int{1024, 2048})
}

func (s *MemoryBinSuite) TestInvariants(c *check.C) {
	m := NewMemoryBinSet("x", []int{1024})
	err := m.Consume(0, 1025)
	c.Check(IsInvariantError(err), check.Equals, true)
	c.Check(err, check.ErrorMatches, `invariant violation on cluster "x": consume 1025 MB .*`)
	c.Check(m.Free(), check.DeepEquals, []int{1024})

	c.Check(IsInvariantError(m.Release(0, 1)), check.Equals, true)
	c.Check(IsInvariantError(m.Consume(1, 1)), check.Equals, true)
	c.Check(IsInvariantError(m.Release(-1, 1)), check.Equals, true)
	c.Check(m.Free(), check.DeepEquals, []int{1024})
}

func (s *MemoryBinSuite) TestIndependentCopies(c *check.C) {
	tiers := []int{1024, 1024}
	a := NewMemoryBinSet("a", tiers)
	b := NewMemoryBinSet("b", tiers)
	c.Assert(a.Consume(0, 1024), check.IsNil)
	c.Check(b.Free(), check.DeepEquals, []int{1024, 1024})
	c.Check(tiers, check.DeepEquals, []int{1024, 1024})
	free := a.Free()
	free[1] = 0
	c.Check(a.Free()[1], check.Equals, 1024)
}
