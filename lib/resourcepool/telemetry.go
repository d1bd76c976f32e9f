// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// VMCount returns the number of VMs owned by all clusters.
func (p *Pool) VMCount() int {
	n := 0
	for _, cl := range p.Clusters() {
		cl.mtx.Lock()
		n += len(cl.vms)
		cl.mtx.Unlock()
	}
	return n
}

// VMTypeCounts returns the number of VMs of each type tag across all
// clusters.
func (p *Pool) VMTypeCounts() map[string]int {
	counts := map[string]int{}
	for _, cl := range p.Clusters() {
		cl.mtx.Lock()
		for _, vm := range cl.vms {
			counts[vm.Type]++
		}
		cl.mtx.Unlock()
	}
	return counts
}

// VMTypeDistribution returns VMTypeCounts normalized to fractions
// that sum to 1. It returns an empty map if there are no VMs.
func (p *Pool) VMTypeDistribution() map[string]float64 {
	return distribution(p.VMTypeCounts())
}

func distribution(counts map[string]int) map[string]float64 {
	total := 0
	for _, n := range counts {
		total += n
	}
	dist := map[string]float64{}
	if total == 0 {
		return dist
	}
	for t, n := range counts {
		dist[t] = float64(n) / float64(total)
	}
	return dist
}

// Views returns a view of every cluster, in priority order.
func (p *Pool) Views() []ClusterView {
	var views []ClusterView
	for _, cl := range p.Clusters() {
		views = append(views, cl.View())
	}
	return views
}

// Report writes a human-readable summary of every cluster's
// remaining capacity and VMs to w.
func (p *Pool) Report(w io.Writer) error {
	for _, cv := range p.Views() {
		free, max := 0, 0
		for i := range cv.MemoryBins {
			free += cv.MemoryBins[i]
			max += cv.MemoryBinsMax[i]
		}
		_, err := fmt.Fprintf(w, "Cluster %s (%s at %s): %d slots, %s storage, %s of %s memory free, %d cores per vm\n",
			cv.Name, cv.CloudType, cv.Host, cv.VMSlots,
			humanize.IBytes(uint64(cv.Storage)<<30),
			humanize.IBytes(uint64(free)<<20), humanize.IBytes(uint64(max)<<20),
			cv.CPUCores)
		if err != nil {
			return err
		}
		if cv.Broken != "" {
			fmt.Fprintf(w, "  BROKEN: %s\n", cv.Broken)
		}
		for _, vm := range cv.VMs {
			fmt.Fprintf(w, "  %s %s type=%s user=%s mem=%s bin=%d status=%s since %s\n",
				vm.Name, vm.String(), vm.Type, vm.User,
				humanize.IBytes(uint64(vm.MemoryMB)<<20), vm.MemoryBin,
				vm.Status, humanize.Time(vm.LastStateChange))
		}
	}
	for _, o := range p.Orphans() {
		fmt.Fprintf(w, "Orphan %s on %s: %s, %d failed destroy attempts since %s\n",
			o.VM.String(), o.Cluster.Name, o.Reason, o.Attempts, humanize.Time(o.Since))
	}
	return nil
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mInvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "invariant_violations_total",
		Help:      "Number of accounting invariant violations detected.",
	})
	reg.MustRegister(p.mInvariantViolations)
	p.mVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "vms_total",
		Help:      "Number of VMs owned by all clusters.",
	})
	reg.MustRegister(p.mVMs)
	p.mVMTypes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "vm_type_fraction",
		Help:      "Fraction of all VMs that have the given type.",
	}, []string{"type"})
	reg.MustRegister(p.mVMTypes)
	p.mClusterSlots = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "cluster_free_slots",
		Help:      "Remaining VM slots.",
	}, []string{"cluster"})
	reg.MustRegister(p.mClusterSlots)
	p.mClusterStorage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "cluster_free_storage_gigabytes",
		Help:      "Remaining storage.",
	}, []string{"cluster"})
	reg.MustRegister(p.mClusterStorage)
	p.mClusterMemory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "cluster_free_memory_megabytes",
		Help:      "Free memory in each memory bin.",
	}, []string{"cluster", "bin"})
	reg.MustRegister(p.mClusterMemory)
	p.mClusterVMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "cluster_vms",
		Help:      "Number of VMs in each state.",
	}, []string{"cluster", "state"})
	reg.MustRegister(p.mClusterVMs)
	p.mOrphans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudscheduler",
		Subsystem: "resourcepool",
		Name:      "orphans",
		Help:      "Number of instances that no cluster owns and that are waiting to be destroyed.",
	})
	reg.MustRegister(p.mOrphans)
}

// RegisterMetrics re-creates the pool's metrics in reg. Call it
// once, before the pool is used concurrently.
func (p *Pool) RegisterMetrics(reg *prometheus.Registry) {
	p.registerMetrics(reg)
}

// UpdateMetrics refreshes all gauges from the pool's current state.
func (p *Pool) UpdateMetrics() {
	views := p.Views()
	total := 0
	counts := map[string]int{}
	for _, cv := range views {
		p.mClusterSlots.WithLabelValues(cv.Name).Set(float64(cv.VMSlots))
		p.mClusterStorage.WithLabelValues(cv.Name).Set(float64(cv.Storage))
		for i, free := range cv.MemoryBins {
			p.mClusterMemory.WithLabelValues(cv.Name, strconv.Itoa(i)).Set(float64(free))
		}
		states := map[cloud.VMStatus]int{
			cloud.StatusStarting: 0,
			cloud.StatusRunning:  0,
			cloud.StatusError:    0,
		}
		for _, vm := range cv.VMs {
			states[vm.Status]++
			counts[vm.Type]++
		}
		for state, n := range states {
			p.mClusterVMs.WithLabelValues(cv.Name, string(state)).Set(float64(n))
		}
		total += len(cv.VMs)
	}
	p.mVMs.Set(float64(total))
	p.mOrphans.Set(float64(len(p.Orphans())))
	p.mVMTypes.Reset()
	dist := distribution(counts)
	types := make([]string, 0, len(dist))
	for t := range dist {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		p.mVMTypes.WithLabelValues(t).Set(dist[t])
	}
}
