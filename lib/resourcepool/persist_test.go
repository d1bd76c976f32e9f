// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/loopback"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PersistSuite{})

type PersistSuite struct {
	backend  *loopback.Backend
	registry cloud.Registry
	ctx      context.Context
}

func (s *PersistSuite) SetUpTest(c *check.C) {
	s.backend = loopback.NewBackend()
	s.registry = cloud.Registry{"Loopback": s.backend.Driver()}
	s.ctx = context.Background()
}

func (s *PersistSuite) newPool(c *check.C, configs ...csched.ClusterConfig) *Pool {
	return newTestPool(c, s.registry, configs...)
}

type memStore struct {
	mtx     sync.Mutex
	data    []byte
	saveErr error
	loadErr error
}

func (m *memStore) Load(context.Context) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.data == nil {
		return nil, fmt.Errorf("memstore: %w", fs.ErrNotExist)
	}
	return append([]byte(nil), m.data...), nil
}

func (m *memStore) Save(_ context.Context, data []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data = append([]byte(nil), data...)
	return nil
}

// savedPool returns a store holding a snapshot of a pool with one
// cluster "X" and one running VM on it.
func (s *PersistSuite) savedPool(c *check.C) (*memStore, *VM) {
	p := s.newPool(c, testClusterConfig("X"))
	vm, _, err := p.Allocate(s.ctx, testRequest("v1", 1024), 0)
	c.Assert(err, check.IsNil)
	cl, _ := p.ClusterByName("X")
	status, err := cl.Poll(s.ctx, vm)
	c.Assert(err, check.IsNil)
	c.Assert(status, check.Equals, cloud.StatusRunning)
	store := &memStore{}
	p.Save(s.ctx, store)
	c.Assert(store.data, check.NotNil)
	p.Stop()
	return store, vm
}

func (s *PersistSuite) TestSnapshotRoundTrip(c *check.C) {
	cfg := testClusterConfig("X")
	cfg.DriverParameters = json.RawMessage(`{"BootTime":"1ms"}`)
	p := s.newPool(c, cfg)
	req := testRequest("v1", 1500)
	req.User = "alice"
	req.KeepAlive = time.Hour
	vm, _, err := p.Allocate(s.ctx, req, 0)
	c.Assert(err, check.IsNil)
	vm.Instance.SpotID = "sir-1"

	store := &memStore{}
	p.Save(s.ctx, store)
	snap, err := LoadSnapshot(s.ctx, store)
	c.Assert(err, check.IsNil)
	c.Assert(snap, check.NotNil)
	c.Check(snap.Pool, check.Equals, "test")
	c.Assert(snap.Clusters, check.HasLen, 1)
	cs := snap.Clusters[0]
	c.Check(string(cs.Config.DriverParameters), check.Equals, `{"BootTime":"1ms"}`)
	c.Check(cs.Config.Memory, check.DeepEquals, []int{1024, 2048})
	c.Check(cs.VMSlots, check.Equals, 1)
	c.Check(cs.Storage, check.Equals, 90)
	c.Check(cs.MemoryBins, check.DeepEquals, []int{1024, 548})
	c.Assert(cs.VMs, check.HasLen, 1)
	got := cs.VMs[0]
	c.Check(got.Name, check.Equals, "v1")
	c.Check(got.User, check.Equals, "alice")
	c.Check(got.KeepAlive, check.Equals, time.Hour)
	c.Check(got.MemoryBin, check.Equals, 1)
	c.Check(got.Instance, check.DeepEquals, vm.Instance)
	c.Check(got.Status, check.Equals, cloud.StatusStarting)
	c.Check(got.LastStateChange.Equal(vm.LastStateChange), check.Equals, true)
}

func (s *PersistSuite) TestColdStart(c *check.C) {
	p := s.newPool(c, testClusterConfig("X"))
	report := p.Recover(s.ctx, &memStore{}, s.registry)
	c.Check(report, check.Equals, RecoveryReport{})

	report = p.Recover(s.ctx, &memStore{loadErr: errors.New("disk on fire")}, s.registry)
	c.Check(report, check.Equals, RecoveryReport{})

	report = p.Recover(s.ctx, &memStore{data: []byte("garbage")}, s.registry)
	c.Check(report, check.Equals, RecoveryReport{})
	c.Check(p.VMCount(), check.Equals, 0)
}

func (s *PersistSuite) TestSaveErrorIsSwallowed(c *check.C) {
	p := s.newPool(c, testClusterConfig("X"))
	store := &memStore{saveErr: errors.New("read-only")}
	p.Save(s.ctx, store)
	c.Check(store.data, check.IsNil)
}

func (s *PersistSuite) TestRecoverClusterRemoved(c *check.C) {
	store, _ := s.savedPool(c)
	p := s.newPool(c, testClusterConfig("Y"))
	report := p.Recover(s.ctx, store, s.registry)
	c.Check(report, check.Equals, RecoveryReport{Destroyed: 1})
	c.Check(p.VMCount(), check.Equals, 0)
	c.Check(s.backend.Instances("X.example"), check.HasLen, 0)
	y, _ := p.ClusterByName("Y")
	c.Check(y.View().VMSlots, check.Equals, 2)
}

func (s *PersistSuite) TestRecoverClusterRetained(c *check.C) {
	store, vm := s.savedPool(c)
	cfg := testClusterConfig("X")
	cfg.VMSlots = 5
	cfg.Memory = []int{512, 4096}
	p := s.newPool(c, cfg)
	report := p.Recover(s.ctx, store, s.registry)
	c.Check(report, check.Equals, RecoveryReport{Recovered: 1})

	x, _ := p.ClusterByName("X")
	v := x.View()
	c.Check(v.VMSlots, check.Equals, 4)
	c.Check(v.Storage, check.Equals, 90)
	// The bin is chosen against the current tiers.
	c.Check(v.MemoryBins, check.DeepEquals, []int{512, 3072})
	c.Assert(v.VMs, check.HasLen, 1)
	c.Check(v.VMs[0].Instance.ID, check.Equals, vm.Instance.ID)
	c.Check(v.VMs[0].Status, check.Equals, cloud.StatusRunning)
	c.Check(v.VMs[0].MemoryBin, check.Equals, 1)

	// The recovered VM is fully managed: destroying it returns
	// its capacity exactly once.
	refs := x.VMRefs()
	c.Assert(x.Destroy(s.ctx, refs[0], true, "test"), check.IsNil)
	v = x.View()
	c.Check(v.VMSlots, check.Equals, 5)
	c.Check(v.MemoryBins, check.DeepEquals, []int{512, 4096})
	c.Check(x.Broken(), check.IsNil)
}

func (s *PersistSuite) TestRecoverGoneVM(c *check.C) {
	store, vm := s.savedPool(c)
	s.backend.Fail("X.example", vm.Instance.ID)
	p := s.newPool(c, testClusterConfig("X"))
	report := p.Recover(s.ctx, store, s.registry)
	c.Check(report, check.Equals, RecoveryReport{Destroyed: 1})
	x, _ := p.ClusterByName("X")
	c.Check(x.View().VMSlots, check.Equals, 2)
}

func (s *PersistSuite) TestRecoverNoRoom(c *check.C) {
	store, _ := s.savedPool(c)
	cfg := testClusterConfig("X")
	cfg.Memory = []int{256}
	p := s.newPool(c, cfg)
	report := p.Recover(s.ctx, store, s.registry)
	c.Check(report, check.Equals, RecoveryReport{Destroyed: 1})
	c.Check(p.VMCount(), check.Equals, 0)
	c.Check(s.backend.Instances("X.example"), check.HasLen, 0)
}

func (s *PersistSuite) TestRecoverUnknownCloudType(c *check.C) {
	store, _ := s.savedPool(c)
	p := New("test", ctxlog.TestLogger(c))
	report := p.Recover(s.ctx, store, cloud.Registry{})
	c.Check(report, check.Equals, RecoveryReport{PendingDestroy: 1})
	c.Check(s.backend.Instances("X.example"), check.HasLen, 1)
	orphans := p.Orphans()
	c.Assert(orphans, check.HasLen, 1)
	c.Check(orphans[0].Cluster.Name, check.Equals, "X")

	// Once the driver is available again, the orphan is
	// destroyed and dropped.
	c.Check(p.DestroyOrphans(s.ctx, s.registry), check.Equals, 1)
	c.Check(p.Orphans(), check.HasLen, 0)
	c.Check(s.backend.Instances("X.example"), check.HasLen, 0)
}

func (s *PersistSuite) TestFailedDestroyIsRetried(c *check.C) {
	store, vm := s.savedPool(c)
	s.backend.FailDestroy(errors.New("api down"))
	p := s.newPool(c, testClusterConfig("Y"))
	report := p.Recover(s.ctx, store, s.registry)
	c.Check(report, check.Equals, RecoveryReport{PendingDestroy: 1})
	c.Check(p.VMCount(), check.Equals, 0)
	c.Check(s.backend.Instances("X.example"), check.HasLen, 1)

	// The orphan survives a save and a restart.
	p.Save(s.ctx, store)
	snap, err := LoadSnapshot(s.ctx, store)
	c.Assert(err, check.IsNil)
	c.Assert(snap.Orphans, check.HasLen, 1)
	c.Check(snap.Orphans[0].VM.Instance.ID, check.Equals, vm.Instance.ID)
	c.Check(snap.Orphans[0].Reason, check.Equals, "cluster no longer configured")
	p.Stop()

	p = s.newPool(c, testClusterConfig("Y"))
	report = p.Recover(s.ctx, store, s.registry)
	c.Check(report, check.Equals, RecoveryReport{PendingDestroy: 1})

	// Retries fail while the provider is down.
	c.Check(p.DestroyOrphans(s.ctx, s.registry), check.Equals, 0)
	orphans := p.Orphans()
	c.Assert(orphans, check.HasLen, 1)
	c.Check(orphans[0].Attempts, check.Equals, 2)
	c.Check(s.backend.Instances("X.example"), check.HasLen, 1)

	s.backend.FailDestroy(nil)
	c.Check(p.DestroyOrphans(s.ctx, s.registry), check.Equals, 1)
	c.Check(p.Orphans(), check.HasLen, 0)
	c.Check(s.backend.Instances("X.example"), check.HasLen, 0)
	p.Save(s.ctx, store)
	snap, err = LoadSnapshot(s.ctx, store)
	c.Assert(err, check.IsNil)
	c.Check(snap.Orphans, check.HasLen, 0)
	// Orphans never hold capacity.
	y, _ := p.ClusterByName("Y")
	c.Check(y.View().VMSlots, check.Equals, 2)
}
