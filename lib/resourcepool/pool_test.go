// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/loopback"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PoolSuite{})

type PoolSuite struct {
	backend  *loopback.Backend
	registry cloud.Registry
	ctx      context.Context
}

func (s *PoolSuite) SetUpTest(c *check.C) {
	s.backend = loopback.NewBackend()
	s.registry = cloud.Registry{"Loopback": s.backend.Driver()}
	s.ctx = context.Background()
}

func (s *PoolSuite) newPool(c *check.C, configs ...csched.ClusterConfig) *Pool {
	return newTestPool(c, s.registry, configs...)
}

func newTestPool(c *check.C, reg cloud.Registry, configs ...csched.ClusterConfig) *Pool {
	p := New("test", ctxlog.TestLogger(c))
	c.Assert(p.Setup(configs, reg), check.Equals, len(configs))
	return p
}

func (s *PoolSuite) TestSetupSkipsBadEntries(c *check.C) {
	bogus := testClusterConfig("bogus")
	bogus.CloudType = "NoSuchCloud"
	invalid := testClusterConfig("invalid")
	invalid.Memory = nil
	p := New("test", ctxlog.TestLogger(c))
	n := p.Setup([]csched.ClusterConfig{
		testClusterConfig("a"),
		bogus,
		invalid,
		testClusterConfig("a"),
		testClusterConfig("b"),
	}, s.registry)
	c.Check(n, check.Equals, 2)
	var names []string
	for _, cl := range p.Clusters() {
		names = append(names, cl.Name())
	}
	c.Check(names, check.DeepEquals, []string{"a", "b"})
	c.Check(p.AddCluster(newTestCluster(c, s.backend, testClusterConfig("b"))), check.ErrorMatches, `duplicate cluster name "b"`)
}

func (s *PoolSuite) TestClusterByName(c *check.C) {
	p := New("test", ctxlog.TestLogger(c))
	_, ok := p.ClusterByName("x")
	c.Check(ok, check.Equals, false)
	for n := 0; n < 50; n++ {
		p.Setup([]csched.ClusterConfig{testClusterConfig(fmt.Sprintf("c%d", n))}, s.registry)
		cl, ok := p.ClusterByName(fmt.Sprintf("c%d", n/2))
		c.Assert(ok, check.Equals, true)
		c.Check(cl.Name(), check.Equals, fmt.Sprintf("c%d", n/2))
		_, ok = p.ClusterByName("x")
		c.Check(ok, check.Equals, false)
	}
}

func (s *PoolSuite) TestFittingClusters(c *check.C) {
	full := testClusterConfig("full")
	full.VMSlots = 0
	arm := testClusterConfig("arm")
	arm.CPUArchs = []string{"arm64", "x86_64"}
	arm.Networks = []string{"public", "private"}
	small := testClusterConfig("small")
	small.Memory = []int{512}
	small.Storage = 5
	few := testClusterConfig("few")
	few.CPUCores = 1
	p := s.newPool(c, full, arm, small, testClusterConfig("plain"), few)

	check1 := func(req Requirements, expect ...string) {
		var names []string
		for _, cl := range p.FittingClusters(req) {
			names = append(names, cl.Name())
			cl.mtx.Lock()
			c.Check(cl.vmSlots > 0, check.Equals, true)
			c.Check(cl.SupportsArch(req.CPUArch), check.Equals, true)
			c.Check(cl.SupportsNetwork(req.Network), check.Equals, true)
			c.Check(cl.memory.Find(req.MemoryMB), check.Not(check.Equals), NotFound)
			c.Check(req.CPUCores <= cl.cpuCores, check.Equals, true)
			c.Check(req.Storage <= cl.storage, check.Equals, true)
			cl.mtx.Unlock()
		}
		c.Check(names, check.DeepEquals, expect, check.Commentf("%+v", req))
	}
	check1(Requirements{Network: "private", CPUArch: "x86_64", MemoryMB: 512, CPUCores: 1, Storage: 5}, "arm", "small", "plain", "few")
	check1(Requirements{Network: "private", CPUArch: "x86_64", MemoryMB: 1024, CPUCores: 2, Storage: 5}, "arm", "plain")
	check1(Requirements{Network: "public", CPUArch: "arm64", MemoryMB: 1}, "arm")
	check1(Requirements{Network: "private", CPUArch: "x86_64", MemoryMB: 1, Storage: 6}, "arm", "plain", "few")
	check1(Requirements{Network: "private", CPUArch: "x86_64", MemoryMB: 4096})
	check1(Requirements{Network: "nope", CPUArch: "x86_64"})

	c.Check(p.CanEverFit("public", "arm64"), check.Equals, true)
	c.Check(p.CanEverFit("private", "x86_64"), check.Equals, true)
	c.Check(p.CanEverFit("public", "sparc"), check.Equals, false)

	c.Check(New("empty", ctxlog.TestLogger(c)).FittingClusters(Requirements{}), check.HasLen, 0)
}

func (s *PoolSuite) TestClusterOwning(c *check.C) {
	p := s.newPool(c, testClusterConfig("a"), testClusterConfig("b"))
	vm, cl, err := p.Allocate(s.ctx, testRequest("v", 512), 0)
	c.Assert(err, check.IsNil)
	c.Check(cl.Name(), check.Equals, "a")
	owner, err := p.ClusterOwning(vm)
	c.Check(err, check.IsNil)
	c.Check(owner, check.Equals, cl)

	_, err = p.ClusterOwning(&VM{Name: "stranger"})
	c.Check(err, check.Equals, ErrNotOwned)

	b, _ := p.ClusterByName("b")
	b.vms = append(b.vms, vm)
	_, err = p.ClusterOwning(vm)
	c.Check(IsInvariantError(err), check.Equals, true)
	c.Check(testutil.ToFloat64(p.mInvariantViolations), check.Equals, 1.0)
}

func (s *PoolSuite) TestAllocate(c *check.C) {
	one := testClusterConfig("one")
	one.VMSlots = 1
	one.DriverParameters = json.RawMessage(`{"MaxInstances":0}`)
	quota := testClusterConfig("quota")
	quota.DriverParameters = json.RawMessage(`{"MaxInstances":1}`)
	p := s.newPool(c, one, quota, testClusterConfig("last"))

	var got []string
	for i := 0; i < 4; i++ {
		_, cl, err := p.Allocate(s.ctx, testRequest("", 512), 0)
		c.Assert(err, check.IsNil)
		got = append(got, cl.Name())
	}
	// "quota" refuses the second VM with a quota error while it
	// still has slots, so allocation moves on to "last".
	c.Check(got, check.DeepEquals, []string{"one", "quota", "last", "last"})

	// Only "quota" has a slot left, and it is at quota.
	_, _, err := p.Allocate(s.ctx, testRequest("", 512), 0)
	c.Check(err, check.ErrorMatches, `create on quota: .*quota.*`)
	_, _, err = p.Allocate(s.ctx, testRequest("", 4096), 0)
	c.Check(err, check.Equals, ErrNoCapacity)

	req := testRequest("", 512)
	req.CPUArch = "sparc"
	_, _, err = p.Allocate(s.ctx, req, 0)
	c.Check(err, check.Equals, ErrNeverFits)
	c.Check(p.VMCount(), check.Equals, 4)
}

func (s *PoolSuite) TestAllocateMaxAttempts(c *check.C) {
	a := testClusterConfig("a")
	a.DriverParameters = json.RawMessage(`{"MaxInstances":1}`)
	p := s.newPool(c, a, testClusterConfig("b"))
	_, _, err := p.Allocate(s.ctx, testRequest("", 512), 1)
	c.Assert(err, check.IsNil)
	_, _, err = p.Allocate(s.ctx, testRequest("", 512), 1)
	c.Check(err, check.ErrorMatches, `create on a: .*quota.*`)
	_, cl, err := p.Allocate(s.ctx, testRequest("", 512), 2)
	c.Assert(err, check.IsNil)
	c.Check(cl.Name(), check.Equals, "b")
}

func (s *PoolSuite) TestTypeDistribution(c *check.C) {
	p := s.newPool(c, testClusterConfig("a"), testClusterConfig("b"))
	c.Check(p.VMCount(), check.Equals, 0)
	c.Check(p.VMTypeDistribution(), check.HasLen, 0)

	for _, t := range []string{"big", "small", "small"} {
		req := testRequest("", 512)
		req.Type = t
		_, _, err := p.Allocate(s.ctx, req, 0)
		c.Assert(err, check.IsNil)
	}
	c.Check(p.VMCount(), check.Equals, 3)
	c.Check(p.VMTypeCounts(), check.DeepEquals, map[string]int{"big": 1, "small": 2})
	dist := p.VMTypeDistribution()
	sum := 0.0
	for _, f := range dist {
		sum += f
	}
	c.Check(math.Abs(sum-1) < 1e-9, check.Equals, true)
	c.Check(math.Abs(dist["small"]-2.0/3) < 1e-9, check.Equals, true)
}

func (s *PoolSuite) TestMetricsAndReport(c *check.C) {
	p := s.newPool(c, testClusterConfig("a"))
	reg := prometheus.NewRegistry()
	p.RegisterMetrics(reg)
	_, _, err := p.Allocate(s.ctx, testRequest("v", 1500), 0)
	c.Assert(err, check.IsNil)
	c.Check(testutil.ToFloat64(p.mVMs), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(p.mClusterSlots.WithLabelValues("a")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(p.mClusterMemory.WithLabelValues("a", "1")), check.Equals, 548.0)
	c.Check(testutil.ToFloat64(p.mVMTypes.WithLabelValues("worker")), check.Equals, 1.0)

	var buf bytes.Buffer
	c.Assert(p.Report(&buf), check.IsNil)
	c.Check(buf.String(), check.Matches, `(?ms)Cluster a \(Loopback at a.example\): 1 slots, 90 GiB storage, 1.5 GiB of 3.0 GiB memory free.*\n  v lo-1 type=worker .*status=Starting.*`)
}
