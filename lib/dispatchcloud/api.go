// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/resourcepool"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
)

// vmRequest is the body of POST /v1/vms.
type vmRequest struct {
	Name           string
	Type           string
	User           string
	Network        string
	CPUArch        string
	MemoryMB       int
	CPUCores       int
	Storage        int
	KeepAlive      csched.Duration
	Image          map[string]string
	InstanceType   map[string]string
	MaxPrice       int
	SecurityGroups []string
	Customization  string
}

func (vr vmRequest) createRequest() cloud.CreateRequest {
	return cloud.CreateRequest{
		Name:           vr.Name,
		Type:           vr.Type,
		User:           vr.User,
		Network:        vr.Network,
		CPUArch:        vr.CPUArch,
		MemoryMB:       vr.MemoryMB,
		CPUCores:       vr.CPUCores,
		Storage:        vr.Storage,
		KeepAlive:      vr.KeepAlive.Duration(),
		Image:          vr.Image,
		InstanceType:   vr.InstanceType,
		MaxPrice:       vr.MaxPrice,
		SecurityGroups: vr.SecurityGroups,
		Customization:  vr.Customization,
	}
}

type vmResponse struct {
	Cluster string          `json:"cluster"`
	VM      resourcepool.VM `json:"vm"`
}

func (disp *dispatcher) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		disp.logger.WithError(err).Warn("error encoding response")
	}
}

// Management API: every cluster's capacity and VMs.
func (disp *dispatcher) apiPool(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Name               string                      `json:"name"`
		VMCount            int                         `json:"vm_count"`
		VMTypeDistribution map[string]float64          `json:"vm_type_distribution"`
		Recovery           resourcepool.RecoveryReport `json:"recovery"`
		Clusters           []resourcepool.ClusterView  `json:"clusters"`
		Orphans            []resourcepool.Orphan       `json:"orphans"`
	}
	resp.Name = disp.pool.Name
	resp.VMCount = disp.pool.VMCount()
	resp.VMTypeDistribution = disp.pool.VMTypeDistribution()
	resp.Recovery = disp.recovery
	resp.Clusters = disp.pool.Views()
	resp.Orphans = disp.pool.Orphans()
	disp.writeJSON(w, http.StatusOK, resp)
}

// Management API: human-readable summary of the pool.
func (disp *dispatcher) apiReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := disp.pool.Report(w); err != nil {
		disp.logger.WithError(err).Warn("error writing report")
	}
}

// Management API: one cluster's capacity and VMs.
func (disp *dispatcher) apiCluster(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("name")
	cl, ok := disp.pool.ClusterByName(name)
	if !ok {
		httpserver.Error(w, "no such cluster", http.StatusNotFound)
		return
	}
	disp.writeJSON(w, http.StatusOK, cl.View())
}

// Management API: allocate a VM on the first cluster with capacity.
func (disp *dispatcher) apiCreateVM(w http.ResponseWriter, r *http.Request) {
	var vr vmRequest
	if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
		httpserver.Error(w, "cannot decode request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if vr.MemoryMB < 0 || vr.CPUCores < 0 || vr.Storage < 0 {
		httpserver.Error(w, "MemoryMB, CPUCores and Storage must not be negative", http.StatusBadRequest)
		return
	}
	vm, cl, err := disp.pool.Allocate(r.Context(), vr.createRequest(), disp.Config.Scheduler.MaxAllocateAttempts)
	if err != nil {
		httpserver.WriteError(w, allocateError(err))
		return
	}
	disp.save(r.Context())
	disp.writeJSON(w, http.StatusCreated, vmResponse{Cluster: cl.Name(), VM: cl.VMState(vm)})
}

func allocateError(err error) error {
	var qerr cloud.QuotaError
	var rlerr cloud.RateLimitError
	switch {
	case errors.Is(err, resourcepool.ErrNeverFits):
		return httpserver.ErrorWithStatus(err, http.StatusUnprocessableEntity)
	case errors.Is(err, resourcepool.ErrNoCapacity),
		errors.Is(err, resourcepool.ErrClusterBroken),
		errors.As(err, &qerr) && qerr.IsQuotaError():
		return httpserver.ErrorWithStatus(err, http.StatusServiceUnavailable)
	case errors.As(err, &rlerr):
		return httpserver.ErrorWithStatus(err, http.StatusTooManyRequests)
	default:
		return httpserver.ErrorWithStatus(err, http.StatusBadGateway)
	}
}

// Management API: destroy a VM and return its capacity.
func (disp *dispatcher) apiDestroyVM(w http.ResponseWriter, r *http.Request) {
	params := httprouter.ParamsFromContext(r.Context())
	cl, ok := disp.pool.ClusterByName(params.ByName("cluster"))
	if !ok {
		httpserver.Error(w, "no such cluster", http.StatusNotFound)
		return
	}
	vm, ok := cl.FindVM(params.ByName("name"))
	if !ok {
		httpserver.Error(w, "no such vm", http.StatusNotFound)
		return
	}
	reason := r.FormValue("reason")
	if reason == "" {
		reason = "requested via management api"
	}
	if err := cl.Destroy(r.Context(), vm, true, reason); err != nil {
		httpserver.WriteError(w, httpserver.ErrorWithStatus(err, http.StatusBadGateway))
		return
	}
	disp.pool.UpdateMetrics()
	disp.save(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// Management API: machine records from the collector whose
// attributes include every query parameter.
func (disp *dispatcher) apiMachines(w http.ResponseWriter, r *http.Request) {
	if disp.collector == nil {
		httpserver.Error(w, "no collector configured", http.StatusNotFound)
		return
	}
	criteria := resourcepool.Classad{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			criteria[k] = v[0]
		}
	}
	machines, err := disp.collector.Machines(r.Context())
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	found := resourcepool.FindInWhere(machines, criteria)
	if found == nil {
		found = []resourcepool.Classad{}
	}
	disp.writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":   found,
		"fetched": time.Now().UTC(),
	})
}
