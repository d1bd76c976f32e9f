// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
)

// A VM is one provisioned instance. It is owned by exactly one
// Cluster for its lifetime, and after creation its mutable fields
// (Instance, Status, MemoryBin, LastStateChange, LastPoll) are
// changed only while holding the owning cluster's lock. Use
// (*Cluster)VMs to get consistent copies.
type VM struct {
	Name        string
	Type        string
	User        string
	ClusterAddr string
	CloudType   string
	Network     string
	CPUArch     string
	MemoryMB    int
	MemoryBin   int
	CPUCores    int
	Storage     int
	KeepAlive   time.Duration

	Instance        cloud.Instance
	Status          cloud.VMStatus
	LastStateChange time.Time
	LastPoll        time.Time

	// true between a successful checkout and the matching
	// return.
	checkedOut bool
}

// ID returns the provider's instance ID, which may be empty for a
// spot request that has not been fulfilled yet.
func (vm *VM) ID() string {
	return vm.Instance.ID
}

// caller must have lock, once the VM is checked out.
func (vm *VM) String() string {
	return vmLabel(vm.Name, vm.Instance)
}

func vmLabel(name string, inst cloud.Instance) string {
	if inst.ID == "" && inst.SpotID == "" {
		return name
	}
	return inst.String()
}

func (vm *VM) requirements() Requirements {
	return Requirements{
		Network:  vm.Network,
		CPUArch:  vm.CPUArch,
		MemoryMB: vm.MemoryMB,
		CPUCores: vm.CPUCores,
		Storage:  vm.Storage,
	}
}

// caller must have lock.
func (vm *VM) setStatus(status cloud.VMStatus, now time.Time) bool {
	if vm.Status == status {
		return false
	}
	vm.Status = status
	vm.LastStateChange = now
	return true
}

// nextStatus returns the state a VM in state cur moves to when the
// provider reports state reported. Shutdown is never entered here:
// only Destroy produces it.
func nextStatus(cur, reported cloud.VMStatus) cloud.VMStatus {
	switch {
	case cur == cloud.StatusError || cur == cloud.StatusShutdown:
		return cur
	case reported == cloud.StatusRunning:
		return cloud.StatusRunning
	case reported == cloud.StatusStarting:
		// Running VMs don't go back to booting.
		return cur
	default:
		return cloud.StatusError
	}
}
