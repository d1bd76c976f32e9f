// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/loopback"
	"git.cloudscheduler.org/cloudscheduler.git/lib/resourcepool"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	ctx      context.Context
	cancel   context.CancelFunc
	backend  *loopback.Backend
	cfg      *csched.Config
	snapPath string
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	s.backend = loopback.NewBackend()
	s.snapPath = c.MkDir() + "/snapshot.json"
	params, _ := json.Marshal(map[string]string{"Path": s.snapPath})
	s.cfg = &csched.Config{
		Scheduler: csched.SchedulerConfig{
			Name:                "test",
			ManagementToken:     "test-token",
			PollInterval:        csched.Duration(10 * time.Millisecond),
			MaxAllocateAttempts: 3,
			Snapshot: csched.SnapshotConfig{
				Driver:           "file",
				DriverParameters: params,
			},
		},
		Clusters: []csched.ClusterConfig{{
			Name:             "lo1",
			CloudType:        "Loopback",
			Host:             "lo1.example",
			Memory:           []int{1024, 2048},
			CPUArchs:         []string{"x86_64"},
			Networks:         []string{"private"},
			VMSlots:          2,
			CPUCores:         4,
			Storage:          100,
			DriverParameters: json.RawMessage(`{}`),
		}},
	}
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.cancel()
}

func (s *DispatcherSuite) newDispatcher(c *check.C) *dispatcher {
	disp := &dispatcher{
		Config:   s.cfg,
		Context:  s.ctx,
		Registry: prometheus.NewRegistry(),
		Drivers:  cloud.Registry{"Loopback": s.backend.Driver()},
	}
	c.Assert(disp.initialize(), check.IsNil)
	go disp.run()
	return disp
}

func (s *DispatcherSuite) do(disp *dispatcher, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	resp := httptest.NewRecorder()
	disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) createVM(c *check.C, disp *dispatcher, body string) vmResponse {
	resp := s.do(disp, "POST", "/v1/vms", body)
	c.Assert(resp.Code, check.Equals, http.StatusCreated, check.Commentf("%s", resp.Body.String()))
	var vr vmResponse
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &vr), check.IsNil)
	return vr
}

// waitFor polls cond until it returns true or a few seconds pass.
func waitFor(c *check.C, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *DispatcherSuite) TestCreatePollDestroy(c *check.C) {
	disp := s.newDispatcher(c)
	defer disp.Close()

	vr := s.createVM(c, disp, `{"Name":"vm1","Type":"worker","Network":"private","CPUArch":"x86_64","MemoryMB":1000,"CPUCores":2,"Storage":10,"KeepAlive":"5m"}`)
	c.Check(vr.Cluster, check.Equals, "lo1")
	c.Check(vr.VM.Name, check.Equals, "vm1")
	c.Check(vr.VM.MemoryBin, check.Equals, 0)
	c.Check(vr.VM.KeepAlive, check.Equals, 5*time.Minute)
	c.Check(vr.VM.Status == cloud.StatusStarting || vr.VM.Status == cloud.StatusRunning, check.Equals, true)

	cl, ok := disp.pool.ClusterByName("lo1")
	c.Assert(ok, check.Equals, true)
	waitFor(c, "vm to be running", func() bool {
		vms := cl.VMs()
		return len(vms) == 1 && vms[0].Status == cloud.StatusRunning
	})
	c.Check(cl.VMs()[0].Instance.IPAddress, check.Equals, "127.0.0.1")

	resp := s.do(disp, "GET", "/v1/clusters/lo1", "")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var cv resourcepool.ClusterView
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &cv), check.IsNil)
	c.Check(cv.VMSlots, check.Equals, 1)
	c.Check(cv.Storage, check.Equals, 90)
	c.Check(cv.MemoryBins, check.DeepEquals, []int{24, 2048})

	_, err := os.Stat(s.snapPath)
	c.Check(err, check.IsNil)

	resp = s.do(disp, "DELETE", "/v1/vms/lo1/vm1?reason=test", "")
	c.Check(resp.Code, check.Equals, http.StatusNoContent)
	c.Check(s.backend.Instances("lo1.example"), check.HasLen, 0)

	cv = cl.View()
	c.Check(cv.VMs, check.HasLen, 0)
	c.Check(cv.VMSlots, check.Equals, 2)
	c.Check(cv.Storage, check.Equals, 100)
	c.Check(cv.MemoryBins, check.DeepEquals, []int{1024, 2048})

	resp = s.do(disp, "DELETE", "/v1/vms/lo1/vm1", "")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	resp = s.do(disp, "GET", "/v1/clusters/nonexistent", "")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestPoolAndReport(c *check.C) {
	disp := s.newDispatcher(c)
	defer disp.Close()
	s.createVM(c, disp, `{"Name":"a","Type":"worker","Network":"private","CPUArch":"x86_64","MemoryMB":512}`)
	s.createVM(c, disp, `{"Name":"b","Type":"big","Network":"private","CPUArch":"x86_64","MemoryMB":2000}`)

	resp := s.do(disp, "GET", "/v1/pool", "")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var pool struct {
		Name               string
		VMCount            int                `json:"vm_count"`
		VMTypeDistribution map[string]float64 `json:"vm_type_distribution"`
		Clusters           []resourcepool.ClusterView
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &pool), check.IsNil)
	c.Check(pool.Name, check.Equals, "test")
	c.Check(pool.VMCount, check.Equals, 2)
	c.Check(pool.VMTypeDistribution, check.DeepEquals, map[string]float64{"worker": 0.5, "big": 0.5})
	c.Assert(pool.Clusters, check.HasLen, 1)
	c.Check(pool.Clusters[0].VMs, check.HasLen, 2)

	resp = s.do(disp, "GET", "/v1/report", "")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms)Cluster lo1 \(Loopback at lo1.example\): 0 slots.*\n  a .*\n  b .*`)
}

func (s *DispatcherSuite) TestAllocateErrors(c *check.C) {
	disp := s.newDispatcher(c)
	defer disp.Close()

	resp := s.do(disp, "POST", "/v1/vms", `{"Network":"public","CPUArch":"x86_64","MemoryMB":512}`)
	c.Check(resp.Code, check.Equals, http.StatusUnprocessableEntity)

	resp = s.do(disp, "POST", "/v1/vms", `{"Network":"private","CPUArch":"x86_64","MemoryMB":4096}`)
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)

	resp = s.do(disp, "POST", "/v1/vms", `{"Network":"private","CPUArch":"x86_64","MemoryMB":-1}`)
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)

	resp = s.do(disp, "POST", "/v1/vms", `{not json`)
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)

	s.backend.FailNext(io.ErrUnexpectedEOF)
	resp = s.do(disp, "POST", "/v1/vms", `{"Network":"private","CPUArch":"x86_64","MemoryMB":512}`)
	c.Check(resp.Code, check.Equals, http.StatusBadGateway)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*unexpected EOF.*`)

	cl, _ := disp.pool.ClusterByName("lo1")
	c.Check(cl.View().VMSlots, check.Equals, 2)
}

func (s *DispatcherSuite) TestAuth(c *check.C) {
	disp := s.newDispatcher(c)
	defer disp.Close()

	resp := httptest.NewRecorder()
	disp.ServeHTTP(resp, httptest.NewRequest("GET", "/v1/pool", nil))
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/v1/pool", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp = httptest.NewRecorder()
	disp.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)

	resp = s.do(disp, "GET", "/metrics", "")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*\ncloudscheduler_resourcepool_cluster_free_slots{cluster="lo1"} 2\n.*`)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*\ncloudscheduler_dispatchcloud_snapshots_total{outcome="ok"} .*`)
}

func (s *DispatcherSuite) TestRecoverAfterRestart(c *check.C) {
	disp := s.newDispatcher(c)
	vr := s.createVM(c, disp, `{"Name":"keep","Type":"worker","Network":"private","CPUArch":"x86_64","MemoryMB":1500}`)
	c.Check(vr.VM.MemoryBin, check.Equals, 1)
	disp.Close()

	disp = s.newDispatcher(c)
	defer disp.Close()
	c.Check(disp.recovery, check.DeepEquals, resourcepool.RecoveryReport{Recovered: 1})
	cl, _ := disp.pool.ClusterByName("lo1")
	cv := cl.View()
	c.Assert(cv.VMs, check.HasLen, 1)
	c.Check(cv.VMs[0].Name, check.Equals, "keep")
	c.Check(cv.VMSlots, check.Equals, 1)
	c.Check(cv.MemoryBins, check.DeepEquals, []int{1024, 548})
}

func (s *DispatcherSuite) TestOrphanDestroyedByPollLoop(c *check.C) {
	disp := s.newDispatcher(c)
	vr := s.createVM(c, disp, `{"Name":"stray","Network":"private","CPUArch":"x86_64","MemoryMB":100}`)
	disp.Close()

	// Restart with the cluster renamed while the provider
	// refuses to destroy anything.
	s.cfg.Clusters[0].Name = "lo2"
	s.cfg.Clusters[0].Host = "lo2.example"
	s.backend.FailDestroy(errors.New("api down"))
	disp = s.newDispatcher(c)
	defer disp.Close()
	c.Check(disp.recovery, check.DeepEquals, resourcepool.RecoveryReport{PendingDestroy: 1})

	resp := s.do(disp, "GET", "/v1/pool", "")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var pool struct {
		Orphans []resourcepool.Orphan `json:"orphans"`
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &pool), check.IsNil)
	c.Assert(pool.Orphans, check.HasLen, 1)
	c.Check(pool.Orphans[0].VM.Instance.ID, check.Equals, vr.VM.Instance.ID)
	c.Check(s.backend.Instances("lo1.example"), check.HasLen, 1)

	s.backend.FailDestroy(nil)
	waitFor(c, "orphan to be destroyed", func() bool {
		return len(disp.pool.Orphans()) == 0
	})
	c.Check(s.backend.Instances("lo1.example"), check.HasLen, 0)
}

func (s *DispatcherSuite) TestDestroyErroredVMs(c *check.C) {
	s.cfg.Scheduler.DestroyErroredVMs = true
	disp := s.newDispatcher(c)
	defer disp.Close()
	vr := s.createVM(c, disp, `{"Name":"doomed","Network":"private","CPUArch":"x86_64","MemoryMB":100}`)
	s.backend.Fail("lo1.example", vr.VM.Instance.ID)

	cl, _ := disp.pool.ClusterByName("lo1")
	waitFor(c, "errored vm to be destroyed", func() bool {
		return len(cl.VMs()) == 0
	})
	c.Check(cl.View().VMSlots, check.Equals, 2)
	c.Check(s.backend.Instances("lo1.example"), check.HasLen, 0)
}

func (s *DispatcherSuite) TestKeepErroredVMs(c *check.C) {
	disp := s.newDispatcher(c)
	defer disp.Close()
	vr := s.createVM(c, disp, `{"Name":"sick","Network":"private","CPUArch":"x86_64","MemoryMB":100}`)
	s.backend.Fail("lo1.example", vr.VM.Instance.ID)

	cl, _ := disp.pool.ClusterByName("lo1")
	waitFor(c, "vm to enter error state", func() bool {
		vms := cl.VMs()
		return len(vms) == 1 && vms[0].Status == cloud.StatusError
	})
	c.Check(cl.View().VMSlots, check.Equals, 1)
}

func (s *DispatcherSuite) TestUnknownSnapshotDriver(c *check.C) {
	s.cfg.Scheduler.Snapshot.Driver = "floppy"
	disp := &dispatcher{Config: s.cfg, Context: s.ctx, Drivers: Drivers}
	c.Check(disp.initialize(), check.ErrorMatches, `unsupported snapshot driver "floppy"`)
}

func (s *DispatcherSuite) TestCheckHealth(c *check.C) {
	disp := s.newDispatcher(c)
	defer disp.Close()
	c.Check(disp.CheckHealth(), check.IsNil)
}

const startdAds = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:condor="urn:condor">
<SOAP-ENV:Body>
<condor:queryStartdAdsResponse>
<result>
  <item>
    <item><name>Name</name><type>STRING-ATTR</type><value>vm1.example</value></item>
    <item><name>VMType</name><type>STRING-ATTR</type><value>worker</value></item>
  </item>
  <item>
    <item><name>Name</name><type>STRING-ATTR</type><value>vm2.example</value></item>
    <item><name>VMType</name><type>STRING-ATTR</type><value>worker</value></item>
  </item>
  <item>
    <item><name>Name</name><type>STRING-ATTR</type><value>vm3.example</value></item>
    <item><name>VMType</name><type>STRING-ATTR</type><value>big</value></item>
  </item>
</result>
</condor:queryStartdAdsResponse>
</SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func (s *DispatcherSuite) TestMachines(c *check.C) {
	nocollector := s.newDispatcher(c)
	resp := s.do(nocollector, "GET", "/v1/machines", "")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	nocollector.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, startdAds)
	}))
	defer srv.Close()
	s.cfg.Scheduler.Collector.URL = srv.URL
	s.cfg.Scheduler.Collector.Timeout = csched.Duration(time.Second)
	disp := s.newDispatcher(c)
	defer disp.Close()

	for _, trial := range []struct {
		query string
		names []string
	}{
		{"", []string{"vm1.example", "vm2.example", "vm3.example"}},
		{"?VMType=worker", []string{"vm1.example", "vm2.example"}},
		{"?VMType=worker&Name=vm2.example", []string{"vm2.example"}},
		{"?VMType=tiny", nil},
	} {
		resp := s.do(disp, "GET", "/v1/machines"+trial.query, "")
		c.Assert(resp.Code, check.Equals, http.StatusOK)
		var got struct {
			Items []resourcepool.Classad `json:"items"`
		}
		c.Assert(json.Unmarshal(resp.Body.Bytes(), &got), check.IsNil)
		var names []string
		for _, m := range got.Items {
			names = append(names, m["Name"])
		}
		c.Check(names, check.DeepEquals, trial.names, check.Commentf("%q", trial.query))
	}
}

func (s *DispatcherSuite) TestRateLimitedPoll(c *check.C) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	reg := rateLimited(cloud.Registry{"Loopback": s.backend.Driver()}, ticker)
	prv, err := reg.NewProvider(cloud.ClusterInfo{Name: "lo1", Host: "lo1.example", CloudType: "Loopback"}, nil, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	inst, err := prv.Create(s.ctx, cloud.CreateRequest{Name: "x"})
	c.Assert(err, check.IsNil)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = prv.Poll(ctx, inst)
	c.Check(err, check.Equals, context.DeadlineExceeded)
	c.Check(s.backend.Calls("Poll"), check.Equals, 0)
}

func (s *DispatcherSuite) TestDriverTags(c *check.C) {
	for _, tag := range []string{"Nimbus", "AmazonEC2", "Eucalyptus", "OpenStack", "GoogleComputeEngine", "Azure", "OpenStackNative", "Loopback"} {
		c.Check(Drivers[tag], check.NotNil, check.Commentf("%s", tag))
	}
}
