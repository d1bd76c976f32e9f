// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClassadSuite{})

type ClassadSuite struct{}

func (s *ClassadSuite) TestMatchCriteria(c *check.C) {
	rec := Classad{"Name": "vm1.example", "VMType": "worker", "Activity": "Idle"}
	c.Check(MatchCriteria(rec, Classad{}), check.Equals, true)
	c.Check(MatchCriteria(rec, nil), check.Equals, true)
	c.Check(MatchCriteria(Classad{}, Classad{}), check.Equals, true)
	c.Check(MatchCriteria(rec, Classad{"VMType": "worker"}), check.Equals, true)
	c.Check(MatchCriteria(rec, Classad{"VMType": "worker", "Activity": "Idle"}), check.Equals, true)
	c.Check(MatchCriteria(rec, Classad{"VMType": "other"}), check.Equals, false)
	c.Check(MatchCriteria(rec, Classad{"Missing": ""}), check.Equals, false)
	c.Check(MatchCriteria(rec, Classad{"VMType": "worker", "Activity": "Busy"}), check.Equals, false)
}

func (s *ClassadSuite) TestFindInWhere(c *check.C) {
	recs := []Classad{
		{"Name": "a", "VMType": "x"},
		{"Name": "b", "VMType": "y"},
		{"Name": "c", "VMType": "x"},
	}
	found := FindInWhere(recs, Classad{"VMType": "x"})
	c.Assert(found, check.HasLen, 2)
	c.Check(found[0]["Name"], check.Equals, "a")
	c.Check(found[1]["Name"], check.Equals, "c")
	c.Check(FindInWhere(recs, Classad{}), check.HasLen, 3)
	c.Check(FindInWhere(recs, Classad{"VMType": "z"}), check.HasLen, 0)
	c.Check(MachineVMTypeCounts(recs), check.DeepEquals, map[string]int{"x": 2, "y": 1})
}

func (s *ClassadSuite) TestMachineJobsChanged(c *check.C) {
	current := []Classad{{"Name": "A.1", "GlobalJobId": "job2"}}
	previous := []Classad{{"Name": "A.1", "GlobalJobId": "job1"}}
	c.Check(MachineJobsChanged(current, previous), check.DeepEquals, []string{"A"})
	c.Check(MachineJobsChanged(previous, previous), check.HasLen, 0)

	// Machines without a job ID in either snapshot are ignored.
	c.Check(MachineJobsChanged(
		[]Classad{{"Name": "B.1", "GlobalJobId": "j"}, {"Name": "C.1"}},
		[]Classad{{"Name": "B.1"}, {"Name": "C.1", "GlobalJobId": "j"}},
	), check.HasLen, 0)

	c.Check(MachineJobsChanged(
		[]Classad{{"Name": "z.example.org", "GlobalJobId": "2"}, {"Name": "b", "GlobalJobId": "2"}},
		[]Classad{{"Name": "z.example.org", "GlobalJobId": "1"}, {"Name": "b", "GlobalJobId": "1"}},
	), check.DeepEquals, []string{"b", "z"})
}
