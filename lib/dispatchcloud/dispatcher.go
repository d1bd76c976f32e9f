// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/collector"
	"git.cloudscheduler.org/cloudscheduler.git/lib/resourcepool"
	"git.cloudscheduler.org/cloudscheduler.git/lib/snapshot"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/auth"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/ctxlog"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownSaveTimeout = 30 * time.Second

// A dispatcher owns the resource pool: it builds the pool from the
// configuration, recovers persisted VMs, polls every VM
// periodically, saves snapshots, and serves the management API.
type dispatcher struct {
	Config   *csched.Config
	Context  context.Context
	Registry *prometheus.Registry
	Drivers  cloud.Registry

	logger      logrus.FieldLogger
	pool        *resourcepool.Pool
	store       snapshot.Store
	collector   *collector.Client
	pollTicker  *time.Ticker
	poolDrivers cloud.Registry
	httpHandler http.Handler
	recovery    resourcepool.RecoveryReport

	machinesMtx sync.Mutex
	machines    []resourcepool.Classad

	// Serializes snapshot saves.
	saveMtx sync.Mutex

	stop    chan struct{}
	stopped chan struct{}

	mPollCycle prometheus.Summary
	mSnapshots *prometheus.CounterVec
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler. The dispatcher is
// unhealthy if it has clusters and every one of them is broken.
func (disp *dispatcher) CheckHealth() error {
	clusters := disp.pool.Clusters()
	for _, cl := range clusters {
		if cl.Broken() == nil {
			return nil
		}
	}
	if len(clusters) == 0 {
		return nil
	}
	return errors.New("every cluster has broken accounting")
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the poll loop, saves a final snapshot, and releases
// the providers. Typically used in tests.
func (disp *dispatcher) Close() {
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

// initialize builds the pool and recovers persisted state. It
// returns an error only if the snapshot store cannot be set up.
func (disp *dispatcher) initialize() error {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	sc := disp.Config.Scheduler

	store, err := snapshot.New(sc.Snapshot.Driver, sc.Snapshot.DriverParameters, disp.logger)
	if err != nil {
		return err
	}
	disp.store = store

	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.registerMetrics()

	drivers := disp.Drivers
	if sc.MaxPollsPerSecond > 0 {
		disp.pollTicker = time.NewTicker(time.Second / time.Duration(sc.MaxPollsPerSecond))
		drivers = rateLimited(drivers, disp.pollTicker)
	}
	disp.poolDrivers = drivers

	disp.pool = resourcepool.New(sc.Name, disp.logger)
	disp.pool.RegisterMetrics(disp.Registry)
	n := disp.pool.Setup(disp.Config.Clusters, drivers)
	disp.logger.WithFields(logrus.Fields{
		"Clusters":   n,
		"Configured": len(disp.Config.Clusters),
	}).Info("resource pool ready")

	disp.recovery = disp.pool.Recover(disp.Context, disp.store, drivers)
	disp.pool.UpdateMetrics()
	disp.save(disp.Context)

	if sc.Collector.URL != "" {
		disp.collector = collector.New(sc.Collector.URL, sc.Collector.Timeout.Duration(), disp.logger)
		disp.collector.RegisterMetrics(disp.Registry)
	}

	mux := httprouter.New()
	mux.HandlerFunc("GET", "/v1/pool", disp.apiPool)
	mux.HandlerFunc("GET", "/v1/report", disp.apiReport)
	mux.HandlerFunc("GET", "/v1/clusters/:name", disp.apiCluster)
	mux.HandlerFunc("POST", "/v1/vms", disp.apiCreateVM)
	mux.HandlerFunc("DELETE", "/v1/vms/:cluster/:name", disp.apiDestroyVM)
	mux.HandlerFunc("GET", "/v1/machines", disp.apiMachines)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	}))
	disp.httpHandler = auth.RequireLiteralToken(sc.ManagementToken, mux)
	return nil
}

func (disp *dispatcher) registerMetrics() {
	disp.mPollCycle = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "cloudscheduler",
		Subsystem:  "dispatchcloud",
		Name:       "poll_cycle_seconds",
		Help:       "Time taken to poll every VM once.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	disp.Registry.MustRegister(disp.mPollCycle)
	disp.mSnapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudscheduler",
		Subsystem: "dispatchcloud",
		Name:      "snapshots_total",
		Help:      "Number of snapshot saves, by outcome.",
	}, []string{"outcome"})
	disp.Registry.MustRegister(disp.mSnapshots)
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.pool.Stop()
	if disp.pollTicker != nil {
		defer disp.pollTicker.Stop()
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(disp.Context), shutdownSaveTimeout)
		defer cancel()
		disp.save(ctx)
	}()

	sc := disp.Config.Scheduler
	poll := time.NewTicker(sc.PollInterval.Duration())
	defer poll.Stop()
	var snapshots <-chan time.Time
	if sc.SnapshotInterval > 0 {
		t := time.NewTicker(sc.SnapshotInterval.Duration())
		defer t.Stop()
		snapshots = t.C
	}
	for {
		select {
		case <-disp.stop:
			return
		case <-disp.Context.Done():
			return
		case <-poll.C:
			disp.pollAll(disp.Context)
			disp.queryCollector(disp.Context)
		case <-snapshots:
			disp.save(disp.Context)
		}
	}
}

// pollAll polls every VM of every cluster concurrently and waits for
// all polls to finish. If DestroyErroredVMs is set, VMs found in
// Error are destroyed and their capacity returned. Orphaned
// instances left over from recovery are retried afterwards.
func (disp *dispatcher) pollAll(ctx context.Context) {
	t0 := time.Now()
	var wg sync.WaitGroup
	var destroyed int32
	for _, cl := range disp.pool.Clusters() {
		for _, vm := range cl.VMRefs() {
			wg.Add(1)
			go func(cl *resourcepool.Cluster, vm *resourcepool.VM) {
				defer wg.Done()
				status, err := cl.Poll(ctx, vm)
				if err != nil || status != cloud.StatusError || !disp.Config.Scheduler.DestroyErroredVMs {
					return
				}
				if cl.Destroy(ctx, vm, true, "vm in error state") == nil {
					atomic.AddInt32(&destroyed, 1)
				}
			}(cl, vm)
		}
	}
	wg.Wait()
	destroyed += int32(disp.pool.DestroyOrphans(ctx, disp.poolDrivers))
	disp.mPollCycle.Observe(time.Since(t0).Seconds())
	disp.pool.UpdateMetrics()
	if destroyed > 0 {
		disp.save(ctx)
	}
}

// queryCollector fetches the collector's machine records, if a
// collector is configured, and logs machines whose job changed
// since the previous query.
func (disp *dispatcher) queryCollector(ctx context.Context) {
	if disp.collector == nil {
		return
	}
	machines, err := disp.collector.Machines(ctx)
	if err != nil {
		return
	}
	disp.machinesMtx.Lock()
	prev := disp.machines
	disp.machines = machines
	disp.machinesMtx.Unlock()
	if prev == nil {
		return
	}
	if changed := resourcepool.MachineJobsChanged(machines, prev); len(changed) > 0 {
		disp.logger.WithField("Machines", changed).Info("machines changed jobs")
	}
}

func (disp *dispatcher) save(ctx context.Context) {
	disp.saveMtx.Lock()
	defer disp.saveMtx.Unlock()
	if err := disp.pool.Save(ctx, disp.store); err != nil {
		disp.mSnapshots.WithLabelValues("error").Inc()
		return
	}
	disp.mSnapshots.WithLabelValues("ok").Inc()
}
