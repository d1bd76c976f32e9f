// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package csched

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Config is the top-level configuration document.
type Config struct {
	Scheduler SchedulerConfig

	// ClusterDefaults are merged into every entry of Clusters
	// before validation. Only fields that are empty in the entry
	// are filled in.
	ClusterDefaults ClusterConfig

	// Clusters are added to the resource pool in the listed
	// order, which is also the order in which matching
	// considers them.
	Clusters []ClusterConfig
}

type SchedulerConfig struct {
	Name       string
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	ManagementListen string
	ManagementToken  string

	PollInterval      Duration
	MaxPollsPerSecond int
	SnapshotInterval  Duration
	DestroyErroredVMs bool

	// Number of clusters to try, in priority order, when
	// allocating a VM and losing the checkout race.
	MaxAllocateAttempts int

	Snapshot  SnapshotConfig
	Collector CollectorConfig
}

type SnapshotConfig struct {
	// "file", "s3", or "redis".
	Driver           string
	DriverParameters json.RawMessage
}

type CollectorConfig struct {
	URL     string
	Timeout Duration
}

// ClusterConfig is the static description of one cloud endpoint.
type ClusterConfig struct {
	Name      string
	CloudType string
	Host      string

	// Memory tiers in MB. Each entry is one VM-sized slot of
	// memory that the cluster can host concurrently.
	Memory   []int
	CPUArchs []string
	Networks []string
	VMSlots  int
	CPUCores int
	// Storage in GB.
	Storage int

	// Provider-specific settings (credentials, images, regions,
	// ...) passed through to the cloud driver unparsed.
	DriverParameters json.RawMessage
}

var (
	errNoName      = errors.New("Name must not be empty")
	errNoCloudType = errors.New("CloudType must not be empty")
	errNoMemory    = errors.New("Memory must list at least one tier")
	errNoArchs     = errors.New("CPUArchs must not be empty")
	errNoNetworks  = errors.New("Networks must not be empty")
)

// Check returns an error describing the first missing or invalid
// field, or nil if the entry is usable.
func (cc ClusterConfig) Check() error {
	switch {
	case cc.Name == "":
		return errNoName
	case cc.CloudType == "":
		return errNoCloudType
	case len(cc.Memory) == 0:
		return errNoMemory
	case len(cc.CPUArchs) == 0:
		return errNoArchs
	case len(cc.Networks) == 0:
		return errNoNetworks
	case cc.VMSlots < 0:
		return fmt.Errorf("VMSlots must not be negative (got %d)", cc.VMSlots)
	case cc.CPUCores < 0:
		return fmt.Errorf("CPUCores must not be negative (got %d)", cc.CPUCores)
	case cc.Storage < 0:
		return fmt.Errorf("Storage must not be negative (got %d)", cc.Storage)
	}
	for i, m := range cc.Memory {
		if m < 0 {
			return fmt.Errorf("Memory[%d] must not be negative (got %d)", i, m)
		}
	}
	return nil
}
