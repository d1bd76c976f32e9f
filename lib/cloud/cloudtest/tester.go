// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudtest

import (
	"context"
	"errors"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/sirupsen/logrus"
)

// A tester does a sequence of operations to test a cloud driver and
// configuration. Run() should be called only once, after assigning
// suitable values to public fields.
type tester struct {
	Logger          logrus.FieldLogger
	Registry        cloud.Registry
	Cluster         csched.ClusterConfig
	Request         cloud.CreateRequest
	PollInterval    time.Duration
	TimeoutBooting  time.Duration
	TimeoutShutdown time.Duration
	// Called after the instance is running and before it is
	// destroyed.
	PauseBeforeDestroy func()

	prv      cloud.Provider
	inst     cloud.Instance
	created  bool
	finished bool
	failed   bool
}

// Run the test sequence, clean up as needed, and return true
// (everything is OK) or false (something went wrong).
func (t *tester) Run(ctx context.Context) bool {
	logger := t.Logger.WithFields(logrus.Fields{
		"Cluster":   t.Cluster.Name,
		"CloudType": t.Cluster.CloudType,
	})
	t.Logger = logger
	var err error
	t.prv, err = t.Registry.NewProvider(cloud.ClusterInfo{
		Name:      t.Cluster.Name,
		Host:      t.Cluster.Host,
		CloudType: t.Cluster.CloudType,
	}, t.Cluster.DriverParameters, logger)
	if err != nil {
		logger.WithError(err).Error("error initializing driver")
		return false
	}
	defer t.prv.Stop()

	logger.WithFields(logrus.Fields{
		"Name":         t.Request.Name,
		"Image":        t.Request.Image,
		"InstanceType": t.Request.InstanceType,
		"MemoryMB":     t.Request.MemoryMB,
	}).Info("creating instance")
	t0 := time.Now()
	t.inst, err = t.prv.Create(ctx, t.Request)
	lgrC := logger.WithField("Duration", time.Since(t0))
	if err != nil {
		lgrC.WithError(err).Error("error creating test instance")
		return false
	}
	t.created = true
	lgrC.WithField("Instance", t.inst.String()).Info("created instance")
	defer t.destroyTestInstance(ctx)

	if !t.waitForBoot(ctx) {
		return false
	}
	if t.PauseBeforeDestroy != nil {
		t.PauseBeforeDestroy()
	}
	if !t.destroyTestInstance(ctx) {
		return false
	}
	return !t.failed
}

// waitForBoot polls the instance until it is running. It returns
// false if the instance fails or the boot timeout expires.
func (t *tester) waitForBoot(ctx context.Context) bool {
	deadline := time.Now().Add(t.TimeoutBooting)
	for time.Now().Before(deadline) {
		res, err := t.prv.Poll(ctx, t.inst)
		lgr := t.Logger.WithField("Instance", t.inst.String())
		switch {
		case errors.Is(err, cloud.ErrInstanceGone):
			lgr.Error("instance disappeared while booting")
			return false
		case err != nil:
			lgr.WithError(err).Warn("poll failed")
		case res.Status == cloud.StatusError:
			lgr.Error("instance failed while booting")
			return false
		case res.Status == cloud.StatusRunning:
			if res.ID != "" {
				t.inst.ID = res.ID
			}
			lgr.WithFields(logrus.Fields{
				"Instance":  t.inst.String(),
				"Hostname":  res.Hostname,
				"IPAddress": res.IPAddress,
			}).Info("instance is running")
			return true
		default:
			lgr.WithField("State", res.Status).Info("instance is not running yet")
		}
		if !t.sleepPollInterval(ctx) {
			return false
		}
	}
	t.Logger.Error("timed out waiting for instance to boot")
	return false
}

// destroyTestInstance destroys the test instance, waits for the
// provider to report it gone, and checks that destroying it again
// succeeds. It does nothing after the first call.
func (t *tester) destroyTestInstance(ctx context.Context) bool {
	if !t.created || t.finished {
		return true
	}
	t.finished = true
	lgr := t.Logger.WithField("Instance", t.inst.String())
	lgr.Info("destroying instance")
	t0 := time.Now()
	if err := t.prv.Destroy(ctx, t.inst, "cloud-test finished"); err != nil {
		lgr.WithError(err).Error("error destroying test instance")
		t.failed = true
		return false
	}
	lgr.WithField("Duration", time.Since(t0)).Info("destroy call succeeded")

	deadline := time.Now().Add(t.TimeoutShutdown)
	for {
		_, err := t.prv.Poll(ctx, t.inst)
		if errors.Is(err, cloud.ErrInstanceGone) {
			lgr.Info("instance is gone")
			break
		}
		if time.Now().After(deadline) {
			lgr.Warn("timed out waiting for instance to disappear; check the provider for leftovers")
			t.failed = true
			return false
		}
		if !t.sleepPollInterval(ctx) {
			return false
		}
	}
	if err := t.prv.Destroy(ctx, t.inst, "cloud-test repeat"); err != nil {
		lgr.WithError(err).Error("destroying an already-destroyed instance failed")
		t.failed = true
		return false
	}
	return true
}

func (t *tester) sleepPollInterval(ctx context.Context) bool {
	select {
	case <-time.After(t.PollInterval):
		return true
	case <-ctx.Done():
		t.Logger.WithError(ctx.Err()).Error("interrupted")
		t.failed = true
		return false
	}
}
