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
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/sirupsen/logrus"
)

const snapshotVersion = 1

// A SnapshotStore holds one opaque snapshot blob. Load returns an
// error wrapping fs.ErrNotExist if nothing has been saved yet.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// A Snapshot is the persisted state of a pool: each cluster's static
// configuration, its remaining capacity, and its VMs. Provider
// connections are not part of it; they are rebuilt from the
// configuration on recovery.
type Snapshot struct {
	Version  int
	Pool     string
	Saved    time.Time
	Clusters []ClusterSnapshot
	Orphans  []Orphan
}

// ClusterSnapshot is one cluster's saved state. Config includes
// DriverParameters, provider credentials included, so that recovery
// can rebuild the provider that owns the VMs. Stores holding snapshots
// must be as private as the configuration file.
type ClusterSnapshot struct {
	Config     csched.ClusterConfig
	VMSlots    int
	Storage    int
	MemoryBins []int
	VMs        []VM
}

// Snapshot returns the pool's current state. Each cluster is copied
// under its own lock.
func (p *Pool) Snapshot() Snapshot {
	snap := Snapshot{
		Version: snapshotVersion,
		Pool:    p.Name,
		Saved:   time.Now().UTC(),
	}
	for _, cl := range p.Clusters() {
		cl.mtx.Lock()
		cs := ClusterSnapshot{
			Config:     cl.config,
			VMSlots:    cl.vmSlots,
			Storage:    cl.storage,
			MemoryBins: cl.memory.Free(),
			VMs:        make([]VM, len(cl.vms)),
		}
		for i, vm := range cl.vms {
			cs.VMs[i] = *vm
		}
		cl.mtx.Unlock()
		snap.Clusters = append(snap.Clusters, cs)
	}
	snap.Orphans = p.Orphans()
	return snap
}

// Save writes the pool's snapshot to store. Failures are logged and
// returned; the pool itself is unaffected.
func (p *Pool) Save(ctx context.Context, store SnapshotStore) error {
	buf, err := json.Marshal(p.Snapshot())
	if err != nil {
		p.logger.WithError(err).Error("cannot encode snapshot")
		return err
	}
	if err := store.Save(ctx, buf); err != nil {
		p.logger.WithError(err).Error("cannot save snapshot")
		return err
	}
	p.logger.WithField("Bytes", len(buf)).Debug("snapshot saved")
	return nil
}

// LoadSnapshot reads and decodes a snapshot from store. If nothing
// has been saved yet it returns (nil, nil).
func LoadSnapshot(ctx context.Context, store SnapshotStore) (*Snapshot, error) {
	buf, err := store.Load(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// RecoveryReport counts what Recover did with the persisted VMs.
type RecoveryReport struct {
	// VMs attached to a cluster of the current configuration.
	Recovered int
	// VMs found gone or failed, or whose cluster no longer
	// exists or no longer has room for them; all destroyed.
	Destroyed int
	// VMs that should be destroyed but could not be yet. They
	// are kept as orphans and retried by DestroyOrphans.
	PendingDestroy int
}

// Recover reconciles a saved snapshot with the pool's current
// clusters. It must run once, after Setup and before the pool serves
// any allocation.
//
// For each persisted VM, the provider of the persisted cluster
// (rebuilt from its persisted configuration) is asked whether the
// instance is still alive. Dead VMs are destroyed. Live VMs are
// checked out against the current cluster of the same name, or
// destroyed if there is none or it no longer has room.
//
// A missing or unreadable snapshot is logged and treated as a cold
// start.
func (p *Pool) Recover(ctx context.Context, store SnapshotStore, reg cloud.Registry) RecoveryReport {
	var report RecoveryReport
	snap, err := LoadSnapshot(ctx, store)
	if err != nil {
		p.logger.WithError(err).Error("cannot load snapshot; starting with no vms")
		return report
	} else if snap == nil {
		p.logger.Info("no snapshot found; starting with no vms")
		return report
	}
	p.logger.WithFields(logrus.Fields{
		"Saved":    snap.Saved,
		"Clusters": len(snap.Clusters),
	}).Info("recovering from snapshot")
	for _, o := range snap.Orphans {
		p.addOrphan(o)
		report.PendingDestroy++
	}
	for _, cs := range snap.Clusters {
		p.recoverCluster(ctx, cs, reg, &report)
	}
	p.UpdateMetrics()
	p.logger.WithFields(logrus.Fields{
		"Recovered":      report.Recovered,
		"Destroyed":      report.Destroyed,
		"PendingDestroy": report.PendingDestroy,
	}).Info("recovery finished")
	return report
}

func (p *Pool) recoverCluster(ctx context.Context, cs ClusterSnapshot, reg cloud.Registry, report *RecoveryReport) {
	logger := p.logger.WithFields(logrus.Fields{
		"Cluster":   cs.Config.Name,
		"CloudType": cs.Config.CloudType,
	})
	if len(cs.VMs) == 0 {
		return
	}
	current, haveCurrent := p.ClusterByName(cs.Config.Name)

	prv, err := reg.NewProvider(cloud.ClusterInfo{
		Name:      cs.Config.Name,
		Host:      cs.Config.Host,
		CloudType: cs.Config.CloudType,
	}, cs.Config.DriverParameters, logger)
	if err != nil {
		if !haveCurrent {
			logger.WithError(err).Error("cannot build provider for persisted cluster; keeping its vms as orphans")
			for _, vm := range cs.VMs {
				p.addOrphan(Orphan{Cluster: cs.Config, VM: vm, Reason: "no provider at recovery"})
			}
			report.PendingDestroy += len(cs.VMs)
			return
		}
		logger.WithError(err).Warn("cannot build provider for persisted cluster; using the current one")
		prv = current.provider
	} else {
		defer prv.Stop()
	}

	for i := range cs.VMs {
		vm := new(VM)
		*vm = cs.VMs[i]
		vm.checkedOut = false
		vmLogger := logger.WithField("VM", vm.String())

		destroy := func(reason string) {
			if err := prv.Destroy(ctx, vm.Instance, reason); err != nil {
				vmLogger.WithError(err).Error("cannot destroy persisted vm; keeping it as an orphan")
				p.addOrphan(Orphan{Cluster: cs.Config, VM: *vm, Reason: reason, Attempts: 1})
				report.PendingDestroy++
				return
			}
			vmLogger.WithField("Reason", reason).Info("destroyed persisted vm")
			report.Destroyed++
		}

		res, err := prv.Poll(ctx, vm.Instance)
		if errors.Is(err, cloud.ErrInstanceGone) || (err == nil && res.Status == cloud.StatusError) || vm.Status == cloud.StatusError {
			destroy("gone or failed at recovery")
			continue
		} else if err != nil {
			// Can't tell. Keep it; the poll loop will
			// find out.
			vmLogger.WithError(err).Warn("poll failed during recovery; assuming vm is alive")
		} else {
			now := time.Now()
			vm.setStatus(nextStatus(vm.Status, res.Status), now)
			if res.ID != "" {
				vm.Instance.ID = res.ID
			}
			if res.Hostname != "" {
				vm.Instance.Hostname = res.Hostname
			}
			if res.IPAddress != "" {
				vm.Instance.IPAddress = res.IPAddress
			}
			vm.LastPoll = now
		}

		if !haveCurrent {
			destroy("cluster no longer configured")
			continue
		}
		vm.ClusterAddr = current.Host()
		vm.CloudType = current.CloudType()
		if err := current.Checkout(vm); err != nil {
			vmLogger.WithError(err).Warn("cannot check out persisted vm against current configuration")
			destroy("no room in current configuration")
			continue
		}
		vmLogger.Info("recovered vm")
		report.Recovered++
	}
}
