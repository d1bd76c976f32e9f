// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"encoding/json"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/azure"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/ec2"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/gce"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/loopback"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/nimbus"
	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud/openstack"
	"github.com/sirupsen/logrus"
)

// Drivers maps each supported cloud type tag to its driver. The EC2
// driver serves every EC2-compatible API.
var Drivers = cloud.Registry{
	"Nimbus":              nimbus.Driver,
	"AmazonEC2":           ec2.Driver,
	"Eucalyptus":          ec2.Driver,
	"OpenStack":           ec2.Driver,
	"GoogleComputeEngine": gce.Driver,
	"Azure":               azure.Driver,
	"OpenStackNative":     openstack.Driver,
	"Loopback":            loopback.Driver,
}

// rateLimited returns a registry whose providers wait for a tick
// from ticker before each Poll. All providers share the ticker, so
// polls across all clusters are limited to its rate.
func rateLimited(reg cloud.Registry, ticker *time.Ticker) cloud.Registry {
	out := cloud.Registry{}
	for tag, drv := range reg {
		drv := drv
		out[tag] = cloud.DriverFunc(func(ci cloud.ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
			prv, err := drv.Provider(ci, params, logger)
			if err != nil {
				return nil, err
			}
			return &rateLimitedProvider{Provider: prv, ticker: ticker}, nil
		})
	}
	return out
}

type rateLimitedProvider struct {
	cloud.Provider
	ticker *time.Ticker
}

func (prv *rateLimitedProvider) Poll(ctx context.Context, inst cloud.Instance) (cloud.PollResult, error) {
	select {
	case <-prv.ticker.C:
	case <-ctx.Done():
		return cloud.PollResult{}, ctx.Err()
	}
	return prv.Provider.Poll(ctx, inst)
}
