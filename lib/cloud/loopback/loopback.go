// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is an in-memory cloud driver. Instances are plain
// records that boot after a configurable delay; nothing is actually
// started.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver
// interface. Providers it returns for the same cluster host share
// their instances, so a Provider constructed after a restart sees
// instances created by the previous one.
var Driver = NewBackend().Driver()

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type rateLimitError struct{ until time.Time }

func (e rateLimitError) EarliestRetry() time.Time { return e.until }
func (e rateLimitError) Error() string            { return "loopback driver is rate limited" }

type config struct {
	// Maximum number of live instances per host, 0 for no limit.
	MaxInstances int
	// Time from creation until an instance reports Running.
	BootTime string
}

type instance struct {
	cloud.Instance
	created   time.Time
	failed    bool
	destroyed bool
}

// Backend holds the instances of all loopback providers that were
// created through its Driver.
type Backend struct {
	mtx       sync.Mutex
	hosts     map[string]map[string]*instance
	serial    int
	failNext  error
	failDest  error
	rateUntil time.Time
	calls     map[string]int
}

// NewBackend returns an empty backend.
func NewBackend() *Backend {
	return &Backend{
		hosts: map[string]map[string]*instance{},
		calls: map[string]int{},
	}
}

// Driver returns a cloud.Driver whose providers use this backend.
func (b *Backend) Driver() cloud.Driver {
	return cloud.DriverFunc(func(ci cloud.ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
		var cfg config
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, err
		}
		p := &Provider{
			backend:      b,
			host:         ci.Host,
			maxInstances: cfg.MaxInstances,
			logger:       logger,
		}
		if cfg.BootTime != "" {
			d, err := time.ParseDuration(cfg.BootTime)
			if err != nil {
				return nil, fmt.Errorf("BootTime: %w", err)
			}
			p.bootTime = d
		}
		return p, nil
	})
}

// FailNext makes the next provider call on any host return err.
func (b *Backend) FailNext(err error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.failNext = err
}

// FailDestroy makes every Destroy call on any host return err,
// until it is called again with nil.
func (b *Backend) FailDestroy(err error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.failDest = err
}

// RateLimit makes all provider calls fail with a cloud.RateLimitError
// until the given time.
func (b *Backend) RateLimit(until time.Time) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.rateUntil = until
}

// Fail marks the instance as failed; subsequent polls report it
// gone.
func (b *Backend) Fail(host, id string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if inst, ok := b.hosts[host][id]; ok {
		inst.failed = true
	}
}

// Instances returns the IDs of the live instances on host.
func (b *Backend) Instances(host string) []string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	var ids []string
	for id, inst := range b.hosts[host] {
		if !inst.destroyed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Calls returns the number of calls made to the named method
// ("Create", "Poll", or "Destroy") on any host.
func (b *Backend) Calls(method string) int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.calls[method]
}

// caller must have lock.
func (b *Backend) enter(method string) error {
	b.calls[method]++
	if time.Now().Before(b.rateUntil) {
		return rateLimitError{b.rateUntil}
	}
	if err := b.failNext; err != nil {
		b.failNext = nil
		return err
	}
	return nil
}

// Provider implements cloud.Provider.
type Provider struct {
	backend      *Backend
	host         string
	maxInstances int
	bootTime     time.Duration
	logger       logrus.FieldLogger
}

func (p *Provider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	b := p.backend
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if err := b.enter("Create"); err != nil {
		return cloud.Instance{}, err
	}
	insts := b.hosts[p.host]
	if insts == nil {
		insts = map[string]*instance{}
		b.hosts[p.host] = insts
	}
	live := 0
	for _, inst := range insts {
		if !inst.destroyed {
			live++
		}
	}
	if p.maxInstances > 0 && live >= p.maxInstances {
		return cloud.Instance{}, quotaError("loopback driver is at quota")
	}
	b.serial++
	id := fmt.Sprintf("lo-%d", b.serial)
	inst := &instance{
		Instance: cloud.Instance{
			ID:   id,
			Name: req.Name,
		},
		created: time.Now(),
	}
	insts[id] = inst
	p.logger.WithField("Instance", id).Debug("loopback instance created")
	return inst.Instance, nil
}

func (p *Provider) Poll(ctx context.Context, ci cloud.Instance) (cloud.PollResult, error) {
	b := p.backend
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if err := b.enter("Poll"); err != nil {
		return cloud.PollResult{}, err
	}
	inst, ok := b.hosts[p.host][ci.ID]
	if !ok || inst.destroyed || inst.failed {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	}
	res := cloud.PollResult{
		ID:        inst.ID,
		Status:    cloud.StatusStarting,
		Hostname:  inst.ID + ".loopback",
		IPAddress: "127.0.0.1",
	}
	if time.Since(inst.created) >= p.bootTime {
		res.Status = cloud.StatusRunning
	}
	return res, nil
}

func (p *Provider) Destroy(ctx context.Context, ci cloud.Instance, reason string) error {
	b := p.backend
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if err := b.enter("Destroy"); err != nil {
		return err
	}
	if b.failDest != nil {
		return b.failDest
	}
	if inst, ok := b.hosts[p.host][ci.ID]; ok {
		inst.destroyed = true
	}
	p.logger.WithFields(logrus.Fields{
		"Instance": ci.ID,
		"Reason":   reason,
	}).Debug("loopback instance destroyed")
	return nil
}

func (p *Provider) Stop() {}
