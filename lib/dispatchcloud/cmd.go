// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cmd"
	"git.cloudscheduler.org/cloudscheduler.git/lib/service"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, cfg *csched.Config, reg *prometheus.Registry) service.Handler {
	disp := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
		Drivers:  Drivers,
	}
	if err := disp.initialize(); err != nil {
		return service.ErrorHandler(ctx, err)
	}
	go disp.run()
	return disp
}
