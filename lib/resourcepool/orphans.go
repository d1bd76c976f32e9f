// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"context"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/sirupsen/logrus"
)

// An Orphan is a provider instance that no cluster owns any more but
// that could not be destroyed yet. Orphans hold no capacity. They are
// persisted with the pool's snapshot and retried by DestroyOrphans
// until the provider confirms they are gone.
type Orphan struct {
	// Configuration of the cluster the VM was created on, used to
	// rebuild its provider.
	Cluster  csched.ClusterConfig
	VM       VM
	Reason   string
	Attempts int
	Since    time.Time
}

func (o Orphan) key() string {
	return o.Cluster.Name + "/" + o.VM.Name + "/" + o.VM.String()
}

func (p *Pool) addOrphan(o Orphan) {
	if o.Since.IsZero() {
		o.Since = time.Now()
	}
	o.VM.checkedOut = false
	p.orphanMtx.Lock()
	defer p.orphanMtx.Unlock()
	for _, existing := range p.orphans {
		if existing.key() == o.key() {
			return
		}
	}
	p.orphans = append(p.orphans, o)
}

// Orphans returns copies of the instances waiting to be destroyed.
func (p *Pool) Orphans() []Orphan {
	p.orphanMtx.Lock()
	defer p.orphanMtx.Unlock()
	return append([]Orphan(nil), p.orphans...)
}

// DestroyOrphans tries once to destroy every orphan, using reg to
// rebuild each one's provider, and returns how many are now gone.
// Orphans whose destroy fails stay in the list. It must not be
// called concurrently with itself.
func (p *Pool) DestroyOrphans(ctx context.Context, reg cloud.Registry) int {
	pending := p.Orphans()
	if len(pending) == 0 {
		return 0
	}
	gone := map[string]bool{}
	failed := map[string]bool{}
	for _, o := range pending {
		logger := p.logger.WithFields(logrus.Fields{
			"Cluster": o.Cluster.Name,
			"VM":      o.VM.String(),
			"Reason":  o.Reason,
		})
		if err := p.destroyOrphan(ctx, reg, o, logger); err != nil {
			logger.WithError(err).WithField("Attempts", o.Attempts+1).Warn("cannot destroy orphaned instance; will retry")
			failed[o.key()] = true
			continue
		}
		logger.Info("destroyed orphaned instance")
		gone[o.key()] = true
	}

	p.orphanMtx.Lock()
	defer p.orphanMtx.Unlock()
	keep := p.orphans[:0]
	for _, o := range p.orphans {
		switch {
		case gone[o.key()]:
			continue
		case failed[o.key()]:
			o.Attempts++
		}
		keep = append(keep, o)
	}
	for i := len(keep); i < len(p.orphans); i++ {
		p.orphans[i] = Orphan{}
	}
	p.orphans = keep
	p.mOrphans.Set(float64(len(keep)))
	return len(gone)
}

func (p *Pool) destroyOrphan(ctx context.Context, reg cloud.Registry, o Orphan, logger logrus.FieldLogger) error {
	prv, err := reg.NewProvider(cloud.ClusterInfo{
		Name:      o.Cluster.Name,
		Host:      o.Cluster.Host,
		CloudType: o.Cluster.CloudType,
	}, o.Cluster.DriverParameters, logger)
	if err != nil {
		cl, ok := p.ClusterByName(o.Cluster.Name)
		if !ok {
			return err
		}
		logger.WithError(err).Debug("cannot build provider for orphan; using the current cluster's")
		prv = cl.provider
	} else {
		defer prv.Stop()
	}
	return prv.Destroy(ctx, o.VM.Instance, o.Reason)
}
