// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a Provider when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Provider when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// ErrInstanceGone is returned by Poll when the provider no longer
// knows about the instance, or reports it terminated or failed.
var ErrInstanceGone = errors.New("instance does not exist")

// VMStatus is the lifecycle state of a VM as tracked by the
// resource pool.
type VMStatus string

const (
	StatusStarting VMStatus = "Starting"
	StatusRunning  VMStatus = "Running"
	StatusShutdown VMStatus = "Shutdown"
	StatusError    VMStatus = "Error"
)

// CreateRequest describes the VM a caller wants provisioned.
type CreateRequest struct {
	Name     string
	Type     string
	User     string
	Network  string
	CPUArch  string
	MemoryMB int
	CPUCores int
	// Storage in GB.
	Storage   int
	KeepAlive time.Duration

	// Image and InstanceType are keyed by cluster host, with
	// "default" as the fallback key.
	Image        map[string]string
	InstanceType map[string]string

	// Maximum spot price in cents per hour. Zero means an
	// on-demand instance.
	MaxPrice       int
	SecurityGroups []string
	// Contextualization data handed to the instance as user
	// data.
	Customization string
}

// Lookup returns m[host], falling back to m["default"].
func Lookup(m map[string]string, host string) (string, bool) {
	if v, ok := m[host]; ok {
		return v, true
	}
	v, ok := m["default"]
	return v, ok
}

// Instance identifies a provider-side instance. It holds only plain
// data, so it can be persisted and handed to a freshly constructed
// Provider after a restart.
type Instance struct {
	ID        string
	Name      string
	Hostname  string
	IPAddress string
	// Spot reservation ID, if the instance was requested on the
	// spot market. ID may be empty until the reservation is
	// fulfilled.
	SpotID string
}

func (inst Instance) String() string {
	if inst.ID == "" && inst.SpotID != "" {
		return "spot:" + inst.SpotID
	}
	return inst.ID
}

// PollResult is the provider's current view of an instance.
type PollResult struct {
	// StatusStarting, StatusRunning or StatusError. Providers
	// report instances that are shutting down or terminated by
	// returning ErrInstanceGone instead.
	Status    VMStatus
	ID        string
	Hostname  string
	IPAddress string
}

// A Provider creates, polls, and destroys instances on one cloud
// endpoint.
//
// All methods may block on network round trips and must be safe to
// call concurrently. Callers never hold a cluster lock while calling
// them.
type Provider interface {
	// Create a new instance. If err is nil, the returned
	// instance exists on the provider side and must eventually be
	// passed to Destroy.
	Create(context.Context, CreateRequest) (Instance, error)

	// Poll returns the provider's view of the instance, or
	// ErrInstanceGone if it has vanished or failed.
	Poll(context.Context, Instance) (PollResult, error)

	// Destroy the instance. An instance that is already gone is
	// not an error.
	Destroy(ctx context.Context, inst Instance, reason string) error

	// Stop any background tasks and release other resources.
	Stop()
}

// ClusterInfo is the part of a cluster's static configuration that
// a Driver needs in order to construct a Provider.
type ClusterInfo struct {
	Name      string
	Host      string
	CloudType string
}

// A Driver returns a Provider for the given cluster and
// driver-dependent configuration parameters.
//
// Example:
//
//	type exampleProvider struct {
//		AccessKey string
//	}
//
//	var exampleDriver = cloud.DriverFunc(func(ci cloud.ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
//		var p exampleProvider
//		err := json.Unmarshal(params, &p)
//		return &p, err
//	})
type Driver interface {
	Provider(ci ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (Provider, error)
}

// DriverFunc makes a Driver using the provided function as its
// Provider method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(ci ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (Provider, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(ci ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (Provider, error)

func (df driverFunc) Provider(ci ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (Provider, error) {
	return df(ci, params, logger)
}

// Registry maps a cloud type tag to the Driver that implements it.
type Registry map[string]Driver

// ErrUnknownCloudType is returned by (Registry)NewProvider when no
// driver is registered for the requested cloud type.
type ErrUnknownCloudType string

func (e ErrUnknownCloudType) Error() string {
	return fmt.Sprintf("unsupported cloud type %q", string(e))
}

// NewProvider looks up the driver for ci.CloudType and uses it to
// construct a Provider.
func (reg Registry) NewProvider(ci ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (Provider, error) {
	driver, ok := reg[ci.CloudType]
	if !ok {
		return nil, ErrUnknownCloudType(ci.CloudType)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return driver.Provider(ci, params, logger)
}
