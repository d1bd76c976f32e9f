// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/sirupsen/logrus"
)

// Requirements describe the capacity a VM needs from a cluster.
type Requirements struct {
	Network  string
	CPUArch  string
	MemoryMB int
	CPUCores int
	// Storage in GB.
	Storage int
}

// A Cluster is one provider endpoint. It owns a set of VMs and the
// capacity counters they are checked out against.
type Cluster struct {
	config   csched.ClusterConfig
	provider cloud.Provider
	logger   logrus.FieldLogger
	throttle throttle

	// called with the cluster lock held after an invariant
	// violation is recorded; must not call back into the cluster
	onInvariant func(*Cluster, *InvariantError)

	mtx      sync.Mutex
	vmSlots  int
	cpuCores int
	storage  int
	memory   *MemoryBinSet
	vms      []*VM
	broken   error
	// VMs removed by Destroy whose capacity is still taken
	detached int
}

// NewCluster returns a cluster with all of its configured capacity
// available and no VMs. The configuration is copied.
func NewCluster(cfg csched.ClusterConfig, prv cloud.Provider, logger logrus.FieldLogger) (*Cluster, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	cfg.Memory = append([]int(nil), cfg.Memory...)
	cfg.CPUArchs = append([]string(nil), cfg.CPUArchs...)
	cfg.Networks = append([]string(nil), cfg.Networks...)
	return &Cluster{
		config:   cfg,
		provider: prv,
		logger: logger.WithFields(logrus.Fields{
			"Cluster":   cfg.Name,
			"CloudType": cfg.CloudType,
		}),
		vmSlots:  cfg.VMSlots,
		cpuCores: cfg.CPUCores,
		storage:  cfg.Storage,
		memory:   NewMemoryBinSet(cfg.Name, cfg.Memory),
	}, nil
}

func (c *Cluster) Name() string      { return c.config.Name }
func (c *Cluster) Host() string      { return c.config.Host }
func (c *Cluster) CloudType() string { return c.config.CloudType }

// Config returns the static configuration the cluster was created
// with.
func (c *Cluster) Config() csched.ClusterConfig {
	return c.config
}

func (c *Cluster) String() string {
	return c.config.Name
}

// SupportsNetwork returns true if VMs on the given network can run
// on this cluster.
func (c *Cluster) SupportsNetwork(network string) bool {
	return contains(c.config.Networks, network)
}

// SupportsArch returns true if VMs with the given CPU architecture
// can run on this cluster.
func (c *Cluster) SupportsArch(arch string) bool {
	return contains(c.config.CPUArchs, arch)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Broken returns the invariant violation that stopped this cluster,
// or nil.
func (c *Cluster) Broken() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.broken
}

// fits returns the memory bin that would host a VM with the given
// requirements right now, or NotFound.
//
// caller must have lock.
func (c *Cluster) fits(req Requirements) int {
	if c.broken != nil ||
		c.vmSlots <= 0 ||
		!c.SupportsArch(req.CPUArch) ||
		!c.SupportsNetwork(req.Network) ||
		req.CPUCores > c.cpuCores ||
		req.Storage > c.storage {
		return NotFound
	}
	return c.memory.Find(req.MemoryMB)
}

// Fits returns true if the cluster currently has capacity for a VM
// with the given requirements.
func (c *Cluster) Fits(req Requirements) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.fits(req) != NotFound
}

// caller must have lock.
func (c *Cluster) indexOf(vm *VM) int {
	for i, v := range c.vms {
		if v == vm {
			return i
		}
	}
	return -1
}

// Owns returns true if vm is in this cluster's VM list.
func (c *Cluster) Owns(vm *VM) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.indexOf(vm) >= 0
}

// fail records an invariant violation. The cluster refuses further
// capacity operations until the process is restarted.
//
// caller must have lock.
func (c *Cluster) fail(err *InvariantError) error {
	if c.broken == nil {
		c.broken = err
	}
	c.logger.WithError(err).Error("accounting invariant violated; cluster disabled")
	if c.onInvariant != nil {
		c.onInvariant(c, err)
	}
	return err
}

// Checkout adds vm to the cluster's VM list and takes its slot,
// storage and memory from the cluster's counters, all in one step.
//
// Capacity is checked again under the lock: if a concurrent caller
// took it since the VM was matched to this cluster, Checkout returns
// ErrLostRace and changes nothing. The VM's memory bin is (re)chosen
// here.
func (c *Cluster) Checkout(vm *VM) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.checkout(vm)
}

// caller must have lock.
func (c *Cluster) checkout(vm *VM) error {
	if c.broken != nil {
		return fmt.Errorf("%w: %s", ErrClusterBroken, c.broken)
	}
	if vm.checkedOut || c.indexOf(vm) >= 0 {
		return c.fail(invariantf(c.config.Name, "vm %s checked out twice", vm))
	}
	bin := c.fits(vm.requirements())
	if bin == NotFound {
		return ErrLostRace
	}
	if err := c.memory.Consume(bin, vm.MemoryMB); err != nil {
		return c.fail(err.(*InvariantError))
	}
	c.vmSlots--
	c.storage -= vm.Storage
	vm.MemoryBin = bin
	vm.checkedOut = true
	c.vms = append(c.vms, vm)
	return nil
}

// Return removes vm from the cluster's VM list and gives its slot,
// storage and memory back, all in one step. It is the inverse of
// Checkout and must run exactly once per checked-out VM.
func (c *Cluster) Return(vm *VM) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	i := c.indexOf(vm)
	if i < 0 || !vm.checkedOut {
		return c.fail(invariantf(c.config.Name, "return of vm %s that is not checked out", vm))
	}
	c.remove(i)
	return c.release(vm)
}

// caller must have lock.
func (c *Cluster) remove(i int) {
	copy(c.vms[i:], c.vms[i+1:])
	c.vms[len(c.vms)-1] = nil
	c.vms = c.vms[:len(c.vms)-1]
}

// caller must have lock.
func (c *Cluster) release(vm *VM) error {
	if err := c.memory.Release(vm.MemoryBin, vm.MemoryMB); err != nil {
		return c.fail(err.(*InvariantError))
	}
	c.vmSlots++
	c.storage += vm.Storage
	vm.checkedOut = false
	if c.vmSlots > c.config.VMSlots || c.storage > c.config.Storage {
		return c.fail(invariantf(c.config.Name, "capacity after return exceeds configuration (slots %d/%d, storage %d/%d)", c.vmSlots, c.config.VMSlots, c.storage, c.config.Storage))
	}
	return nil
}

// Create provisions a new VM through the provider and checks it out.
//
// The provider call is made without holding the cluster lock. If the
// capacity is gone by the time the provider returns, the new
// instance is destroyed again and Create returns ErrLostRace.
func (c *Cluster) Create(ctx context.Context, req cloud.CreateRequest) (*VM, error) {
	vm := &VM{
		Name:        req.Name,
		Type:        req.Type,
		User:        req.User,
		ClusterAddr: c.config.Host,
		CloudType:   c.config.CloudType,
		Network:     req.Network,
		CPUArch:     req.CPUArch,
		MemoryMB:    req.MemoryMB,
		MemoryBin:   NotFound,
		CPUCores:    req.CPUCores,
		Storage:     req.Storage,
		KeepAlive:   req.KeepAlive,
	}
	if !c.Fits(vm.requirements()) {
		if err := c.Broken(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrClusterBroken, err)
		}
		return nil, ErrLostRace
	}
	if err := c.throttle.Error(); err != nil {
		return nil, err
	}
	logger := c.logger.WithField("VMType", req.Type)
	logger.Debug("creating vm")
	inst, err := c.provider.Create(ctx, req)
	if err != nil {
		c.throttle.CheckRateLimitError(err, c.logger, "create instance")
		logger.WithError(err).Error("create failed")
		return nil, fmt.Errorf("create on %s: %w", c.config.Name, err)
	}
	now := time.Now()
	vm.Instance = inst
	if vm.Name == "" {
		vm.Name = inst.Name
	}
	vm.Status = cloud.StatusStarting
	vm.LastStateChange = now

	// Once checked out, vm is shared with the poll loop, so log
	// from the local copy of the instance.
	logger = logger.WithField("VM", vmLabel(vm.Name, inst))
	if err := c.Checkout(vm); err != nil {
		logger.WithError(err).Warn("checkout failed after create")
		if derr := c.destroyInstance(ctx, inst, "failed checkout"); derr != nil {
			logger.WithError(derr).Error("could not destroy instance after failed checkout")
		}
		return nil, err
	}
	logger.Info("vm created")
	return vm, nil
}

func (c *Cluster) destroyInstance(ctx context.Context, inst cloud.Instance, reason string) error {
	err := c.provider.Destroy(ctx, inst, reason)
	if err != nil {
		c.throttle.CheckRateLimitError(err, c.logger, "destroy instance")
	}
	return err
}

// Poll asks the provider for the VM's current state and records it.
//
// If the provider reports the instance gone or failed, the VM moves
// to Error but stays in the cluster's VM list. If the provider call
// fails, the VM's status is left unchanged and the error is
// returned.
func (c *Cluster) Poll(ctx context.Context, vm *VM) (cloud.VMStatus, error) {
	c.mtx.Lock()
	if c.indexOf(vm) < 0 {
		c.mtx.Unlock()
		return vm.Status, ErrNotOwned
	}
	if vm.Status == cloud.StatusError {
		c.mtx.Unlock()
		return cloud.StatusError, nil
	}
	inst := vm.Instance
	c.mtx.Unlock()

	if err := c.throttle.Error(); err != nil {
		return c.status(vm), err
	}
	res, err := c.provider.Poll(ctx, inst)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.indexOf(vm) < 0 {
		// destroyed while we were waiting for the provider
		return vm.Status, ErrNotOwned
	}
	now := time.Now()
	logger := c.logger.WithField("VM", vm.String())
	if errors.Is(err, cloud.ErrInstanceGone) {
		if vm.setStatus(cloud.StatusError, now) {
			logger.Warn("instance disappeared in cloud; setting status to Error")
		}
		vm.LastPoll = now
		return vm.Status, nil
	} else if err != nil {
		c.throttle.CheckRateLimitError(err, c.logger, "poll instance")
		logger.WithError(err).Warn("poll failed")
		return vm.Status, err
	}
	prev := vm.Status
	if vm.setStatus(nextStatus(vm.Status, res.Status), now) {
		logger.WithFields(logrus.Fields{
			"From": prev,
			"To":   vm.Status,
		}).Info("vm changed state")
	}
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
	return vm.Status, nil
}

func (c *Cluster) status(vm *VM) cloud.VMStatus {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return vm.Status
}

// Destroy deprovisions the VM and removes it from the cluster. If
// returnResources is true, its capacity is returned in the same
// locked step, so concurrent Destroy calls cannot return it twice.
//
// If returnResources is false, the VM's slot, storage and memory
// stay taken and the caller becomes responsible for them: it must
// eventually pass the VM to ReleaseDetached.
//
// If the provider call fails, the VM stays in the cluster and the
// error is returned. A VM that was already removed is not an error.
func (c *Cluster) Destroy(ctx context.Context, vm *VM, returnResources bool, reason string) error {
	c.mtx.Lock()
	inst := vm.Instance
	label := vm.String()
	c.mtx.Unlock()

	logger := c.logger.WithFields(logrus.Fields{
		"VM":     label,
		"Reason": reason,
	})
	logger.Info("destroying vm")
	if err := c.destroyInstance(ctx, inst, reason); err != nil {
		logger.WithError(err).Error("destroy failed")
		return fmt.Errorf("destroy %s on %s: %w", label, c.config.Name, err)
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	i := c.indexOf(vm)
	if i < 0 {
		return nil
	}
	c.remove(i)
	vm.setStatus(cloud.StatusShutdown, time.Now())
	if !vm.checkedOut {
		return nil
	}
	if !returnResources {
		c.detached++
		logger.Info("vm removed; capacity detached to caller")
		return nil
	}
	return c.release(vm)
}

// ReleaseDetached returns the capacity of a VM that Destroy removed
// with returnResources false. Releasing anything else, or releasing
// twice, is an invariant violation.
func (c *Cluster) ReleaseDetached(vm *VM) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !vm.checkedOut || c.indexOf(vm) >= 0 || c.detached == 0 {
		return c.fail(invariantf(c.config.Name, "release of vm %s that is not detached", vm))
	}
	c.detached--
	return c.release(vm)
}

// VMs returns copies of the cluster's VMs.
func (c *Cluster) VMs() []VM {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	vms := make([]VM, len(c.vms))
	for i, vm := range c.vms {
		vms[i] = *vm
	}
	return vms
}

// VMState returns a copy of vm taken under the cluster lock.
func (c *Cluster) VMState(vm *VM) VM {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return *vm
}

// VMRefs returns the cluster's VMs. The returned pointers can be
// passed to Poll, Destroy and Return; their fields must not be read
// without the cluster lock.
func (c *Cluster) VMRefs() []*VM {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*VM(nil), c.vms...)
}

// FindVM returns the VM with the given name or provider ID.
func (c *Cluster) FindVM(nameOrID string) (*VM, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, vm := range c.vms {
		if vm.Name == nameOrID || (vm.Instance.ID != "" && vm.Instance.ID == nameOrID) {
			return vm, true
		}
	}
	return nil, false
}

// A ClusterView shows a cluster's configuration, remaining capacity
// and VMs.
type ClusterView struct {
	Name          string   `json:"name"`
	Host          string   `json:"host"`
	CloudType     string   `json:"cloud_type"`
	Networks      []string `json:"networks"`
	CPUArchs      []string `json:"cpu_archs"`
	VMSlots       int      `json:"vm_slots"`
	CPUCores      int      `json:"cpu_cores"`
	Storage       int      `json:"storage"`
	MemoryBins    []int    `json:"memory_bins"`
	MemoryBinsMax []int    `json:"memory_bins_max"`
	Detached      int      `json:"detached,omitempty"`
	Broken        string   `json:"broken,omitempty"`
	VMs           []VM     `json:"vms"`
}

// View returns a consistent snapshot of the cluster's state.
func (c *Cluster) View() ClusterView {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	cv := ClusterView{
		Name:          c.config.Name,
		Host:          c.config.Host,
		CloudType:     c.config.CloudType,
		Networks:      c.config.Networks,
		CPUArchs:      c.config.CPUArchs,
		VMSlots:       c.vmSlots,
		CPUCores:      c.cpuCores,
		Storage:       c.storage,
		MemoryBins:    c.memory.Free(),
		MemoryBinsMax: c.memory.Max(),
		Detached:      c.detached,
		VMs:           make([]VM, len(c.vms)),
	}
	if c.broken != nil {
		cv.Broken = c.broken.Error()
	}
	for i, vm := range c.vms {
		cv.VMs[i] = *vm
	}
	return cv
}

// Stop releases the provider's resources.
func (c *Cluster) Stop() {
	c.provider.Stop()
}
