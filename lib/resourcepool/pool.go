// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package resourcepool tracks the capacity of a set of cloud
// clusters and the VMs provisioned on them.
package resourcepool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Pool is an ordered set of clusters. Clusters are only ever
// appended, and the order in which they were added is the order in
// which matching returns them.
type Pool struct {
	Name string

	logger   logrus.FieldLogger
	mtx      sync.RWMutex
	clusters []*Cluster

	orphanMtx sync.Mutex
	orphans   []Orphan

	mInvariantViolations prometheus.Counter
	mVMs                 prometheus.Gauge
	mVMTypes             *prometheus.GaugeVec
	mClusterSlots        *prometheus.GaugeVec
	mClusterStorage      *prometheus.GaugeVec
	mClusterMemory       *prometheus.GaugeVec
	mClusterVMs          *prometheus.GaugeVec
	mOrphans             prometheus.Gauge
}

// New returns an empty pool.
func New(name string, logger logrus.FieldLogger) *Pool {
	p := &Pool{
		Name:   name,
		logger: logger.WithField("Pool", name),
	}
	p.registerMetrics(nil)
	return p
}

// AddCluster appends cl to the pool. Names must be unique.
func (p *Pool) AddCluster(cl *Cluster) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, existing := range p.clusters {
		if existing.Name() == cl.Name() {
			return fmt.Errorf("duplicate cluster name %q", cl.Name())
		}
	}
	cl.onInvariant = p.invariantViolated
	p.clusters = append(p.clusters, cl)
	return nil
}

func (p *Pool) invariantViolated(cl *Cluster, err *InvariantError) {
	p.mInvariantViolations.Inc()
}

// Clusters returns the pool's clusters in priority order.
func (p *Pool) Clusters() []*Cluster {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return append([]*Cluster(nil), p.clusters...)
}

// Setup builds a cluster for each config entry, using reg to
// construct its provider, and adds it to the pool. An entry that
// fails validation, names an unsupported cloud type, or duplicates
// an earlier name is logged and skipped. Setup returns the number of
// clusters added.
func (p *Pool) Setup(configs []csched.ClusterConfig, reg cloud.Registry) int {
	added := 0
	for i, cfg := range configs {
		logger := p.logger.WithFields(logrus.Fields{
			"Cluster":   cfg.Name,
			"CloudType": cfg.CloudType,
			"Index":     i,
		})
		if err := cfg.Check(); err != nil {
			logger.WithError(err).Error("skipping invalid cluster entry")
			continue
		}
		if _, ok := p.ClusterByName(cfg.Name); ok {
			logger.Error("skipping cluster entry with duplicate name")
			continue
		}
		cl, err := p.buildCluster(cfg, reg)
		if err != nil {
			logger.WithError(err).Error("skipping cluster entry")
			continue
		}
		if err := p.AddCluster(cl); err != nil {
			cl.Stop()
			logger.WithError(err).Error("skipping cluster entry")
			continue
		}
		logger.Info("cluster added")
		added++
	}
	return added
}

func (p *Pool) buildCluster(cfg csched.ClusterConfig, reg cloud.Registry) (*Cluster, error) {
	logger := p.logger.WithField("Cluster", cfg.Name)
	prv, err := reg.NewProvider(cloud.ClusterInfo{
		Name:      cfg.Name,
		Host:      cfg.Host,
		CloudType: cfg.CloudType,
	}, cfg.DriverParameters, logger)
	if err != nil {
		return nil, err
	}
	return NewCluster(cfg, prv, p.logger)
}

// ClusterByName returns the cluster with the given name.
func (p *Pool) ClusterByName(name string) (*Cluster, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	for _, cl := range p.clusters {
		if cl.Name() == name {
			return cl, true
		}
	}
	return nil, false
}

// ClusterOwning returns the cluster whose VM list contains vm. It
// returns ErrNotOwned if there is none, and an *InvariantError if
// there is more than one.
func (p *Pool) ClusterOwning(vm *VM) (*Cluster, error) {
	var found *Cluster
	for _, cl := range p.Clusters() {
		if !cl.Owns(vm) {
			continue
		}
		if found != nil {
			err := invariantf("", "vm %s owned by clusters %q and %q", vm, found.Name(), cl.Name())
			p.logger.WithError(err).Error("duplicate vm ownership")
			p.mInvariantViolations.Inc()
			return nil, err
		}
		found = cl
	}
	if found == nil {
		return nil, ErrNotOwned
	}
	return found, nil
}

// FittingClusters returns, in priority order, the clusters that
// could host a VM with the given requirements right now. The result
// is empty (not an error) if none can.
func (p *Pool) FittingClusters(req Requirements) []*Cluster {
	var fit []*Cluster
	for _, cl := range p.Clusters() {
		if cl.Fits(req) {
			fit = append(fit, cl)
		}
	}
	return fit
}

// CanEverFit returns true if some cluster supports the given network
// and CPU architecture, regardless of its remaining capacity.
func (p *Pool) CanEverFit(network, cpuArch string) bool {
	for _, cl := range p.Clusters() {
		if cl.SupportsNetwork(network) && cl.SupportsArch(cpuArch) {
			return true
		}
	}
	return false
}

// ErrNoCapacity is returned by Allocate when no cluster can host the
// requested VM right now.
var ErrNoCapacity = errors.New("no cluster has capacity for the requested vm")

// ErrNeverFits is returned by Allocate when no cluster supports the
// requested network and CPU architecture at all.
var ErrNeverFits = errors.New("no cluster supports the requested network and cpu architecture")

// Allocate creates a VM on the first fitting cluster. If a cluster
// loses the checkout race or reports a quota error, the next fitting
// cluster is tried, up to maxAttempts clusters (all of them if
// maxAttempts <= 0).
func (p *Pool) Allocate(ctx context.Context, req cloud.CreateRequest, maxAttempts int) (*VM, *Cluster, error) {
	r := Requirements{
		Network:  req.Network,
		CPUArch:  req.CPUArch,
		MemoryMB: req.MemoryMB,
		CPUCores: req.CPUCores,
		Storage:  req.Storage,
	}
	if !p.CanEverFit(r.Network, r.CPUArch) {
		return nil, nil, ErrNeverFits
	}
	candidates := p.FittingClusters(r)
	if len(candidates) == 0 {
		return nil, nil, ErrNoCapacity
	}
	if maxAttempts > 0 && len(candidates) > maxAttempts {
		candidates = candidates[:maxAttempts]
	}
	var lastErr error
	for _, cl := range candidates {
		vm, err := cl.Create(ctx, req)
		if err == nil {
			p.UpdateMetrics()
			return vm, cl, nil
		}
		lastErr = err
		var qerr cloud.QuotaError
		if errors.Is(err, ErrLostRace) || errors.Is(err, ErrClusterBroken) || (errors.As(err, &qerr) && qerr.IsQuotaError()) {
			p.logger.WithField("Cluster", cl.Name()).WithError(err).Info("allocation failed, trying next cluster")
			continue
		}
		return nil, nil, err
	}
	if errors.Is(lastErr, ErrLostRace) {
		return nil, nil, ErrNoCapacity
	}
	return nil, nil, lastErr
}

// Stop stops every cluster's provider.
func (p *Pool) Stop() {
	for _, cl := range p.Clusters() {
		cl.Stop()
	}
}
