// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package openstack provisions VMs through the native OpenStack
// compute (nova) API.
package openstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/sirupsen/logrus"
)

// Driver is the OpenStack implementation of the cloud.Driver
// interface.
var Driver = cloud.DriverFunc(newOpenStackProvider)

type openStackProviderConfig struct {
	// Keystone credentials. If IdentityEndpoint is empty, the
	// usual OS_* environment variables are used instead.
	IdentityEndpoint string
	Username         string
	Password         string
	DomainName       string
	TenantName       string
	TenantID         string
	Region           string

	// Nova network UUIDs attached to every server.
	NetworkIDs []string
	// Used when the request doesn't name any security groups.
	SecurityGroups []string
	// Keypair installed on every server, if set.
	KeyName string
}

// gophercloud takes a context per client, not per request, so calls
// are bounded by the provider's lifetime rather than the caller's ctx.
type openStackProvider struct {
	config  openStackProviderConfig
	cluster cloud.ClusterInfo
	client  *gophercloud.ServiceClient
	logger  logrus.FieldLogger
	stop    context.CancelFunc
}

func newOpenStackProvider(ci cloud.ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	var cfg openStackProviderConfig
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, err
		}
	}
	var opts gophercloud.AuthOptions
	if cfg.IdentityEndpoint == "" {
		var err error
		opts, err = openstack.AuthOptionsFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to get auth options from env: %w", err)
		}
	} else {
		opts = gophercloud.AuthOptions{
			IdentityEndpoint: cfg.IdentityEndpoint,
			Username:         cfg.Username,
			Password:         cfg.Password,
			DomainName:       cfg.DomainName,
			TenantName:       cfg.TenantName,
			TenantID:         cfg.TenantID,
			AllowReauth:      true,
		}
	}
	provider, err := openstack.NewClient(opts.IdentityEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	provider.Context = ctx
	if err := openstack.Authenticate(provider, opts); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: cfg.Region,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}
	return &openStackProvider{
		config:  cfg,
		cluster: ci,
		client:  client,
		logger:  logger,
		stop:    cancel,
	}, nil
}

func (prv *openStackProvider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	image, ok := cloud.Lookup(req.Image, prv.cluster.Host)
	if !ok {
		return cloud.Instance{}, fmt.Errorf("no image configured for %s", prv.cluster.Host)
	}
	flavor, ok := cloud.Lookup(req.InstanceType, prv.cluster.Host)
	if !ok {
		return cloud.Instance{}, fmt.Errorf("no instance type configured for %s", prv.cluster.Host)
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("cloudscheduler-%d", time.Now().UnixNano())
	}
	groups := req.SecurityGroups
	if len(groups) == 0 {
		groups = prv.config.SecurityGroups
	}
	var networks []servers.Network
	for _, id := range prv.config.NetworkIDs {
		networks = append(networks, servers.Network{UUID: id})
	}
	createOpts := servers.CreateOpts{
		Name:           name,
		ImageRef:       image,
		FlavorRef:      flavor,
		Networks:       networks,
		SecurityGroups: groups,
		Metadata: map[string]string{
			"cloudscheduler-cluster":    prv.cluster.Name,
			"cloudscheduler-type":       req.Type,
			"cloudscheduler-user":       req.User,
			"cloudscheduler-created-at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if req.Customization != "" {
		createOpts.UserData = []byte(req.Customization)
	}
	var opts servers.CreateOptsBuilder = createOpts
	if prv.config.KeyName != "" {
		opts = keypairs.CreateOptsExt{
			CreateOptsBuilder: createOpts,
			KeyName:           prv.config.KeyName,
		}
	}
	server, err := servers.Create(prv.client, opts).Extract()
	if err != nil {
		return cloud.Instance{}, wrapError(fmt.Errorf("failed to create server %q: %w", name, err))
	}
	prv.logger.WithFields(logrus.Fields{
		"Instance": server.ID,
		"Name":     name,
	}).Info("server created")
	return cloud.Instance{
		ID:       server.ID,
		Name:     name,
		Hostname: name,
	}, nil
}

func (prv *openStackProvider) Poll(ctx context.Context, inst cloud.Instance) (cloud.PollResult, error) {
	server, err := servers.Get(prv.client, inst.ID).Extract()
	if isNotFound(err) {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	} else if err != nil {
		return cloud.PollResult{}, wrapError(err)
	}
	res := cloud.PollResult{
		ID:        server.ID,
		Hostname:  server.Name,
		IPAddress: serverAddress(server),
	}
	switch server.Status {
	case "BUILD", "REBUILD":
		res.Status = cloud.StatusStarting
	case "ACTIVE", "REBOOT", "HARD_REBOOT", "RESIZE", "VERIFY_RESIZE", "MIGRATING", "PASSWORD":
		res.Status = cloud.StatusRunning
	case "SHUTOFF", "STOPPED", "DELETED", "SOFT_DELETED", "SHELVED", "SHELVED_OFFLOADED", "PAUSED", "SUSPENDED":
		return cloud.PollResult{}, cloud.ErrInstanceGone
	default:
		res.Status = cloud.StatusError
	}
	return res, nil
}

// serverAddress returns the server's access address, or else the
// first fixed address of the alphabetically first network.
func serverAddress(server *servers.Server) string {
	if server.AccessIPv4 != "" {
		return server.AccessIPv4
	}
	var nets []string
	for net := range server.Addresses {
		nets = append(nets, net)
	}
	sort.Strings(nets)
	for _, net := range nets {
		addrs, ok := server.Addresses[net].([]interface{})
		if !ok {
			continue
		}
		for _, a := range addrs {
			if m, ok := a.(map[string]interface{}); ok {
				if addr, ok := m["addr"].(string); ok && addr != "" {
					return addr
				}
			}
		}
	}
	return ""
}

func (prv *openStackProvider) Destroy(ctx context.Context, inst cloud.Instance, reason string) error {
	prv.logger.WithFields(logrus.Fields{
		"Instance": inst.ID,
		"Reason":   reason,
	}).Info("deleting server")
	err := servers.Delete(prv.client, inst.ID).ExtractErr()
	if isNotFound(err) {
		return nil
	}
	return wrapError(err)
}

func (prv *openStackProvider) Stop() {
	if prv.stop != nil {
		prv.stop()
	}
}

func isNotFound(err error) bool {
	var e404 gophercloud.ErrDefault404
	return errors.As(err, &e404)
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool {
	return true
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var e429 gophercloud.ErrDefault429
	if errors.As(err, &e429) {
		return rateLimitError{err, time.Now().Add(10 * time.Second)}
	}
	var e403 gophercloud.ErrDefault403
	if errors.As(err, &e403) && strings.Contains(strings.ToLower(string(e403.Body)), "quota") {
		return quotaError{err}
	}
	var unexpected gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &unexpected) && unexpected.Actual == 413 {
		return quotaError{err}
	}
	return err
}
