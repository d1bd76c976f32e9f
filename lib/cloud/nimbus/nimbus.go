// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nimbus provisions VMs through a Nimbus workspace service,
// using its SOAP factory and workspace endpoints.
package nimbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/lib/soap"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Driver is the Nimbus implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newNimbusProvider)

const (
	ns = "http://www.globus.org/2008/06/workspace"

	actionCreate  = ns + "/WorkspaceFactoryPortType/create"
	actionStatus  = ns + "/WorkspacePortType/status"
	actionDestroy = ns + "/WorkspacePortType/destroy"

	defaultPort = 8443
)

type nimbusProviderConfig struct {
	// Defaults to https://{host}:8443/wsrf/services/WorkspaceFactoryService
	FactoryURL string
	// Defaults to https://{host}:8443/wsrf/services/WorkspaceService
	WorkspaceURL string
	// X.509 client credentials presented to the service.
	ClientCertFile string
	ClientKeyFile  string
	Insecure       bool
	Timeout        csched.Duration
	Retries        int
}

type nimbusProvider struct {
	cluster   cloud.ClusterInfo
	logger    logrus.FieldLogger
	factory   *soap.Client
	workspace *soap.Client
}

func newNimbusProvider(ci cloud.ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	var cfg nimbusProviderConfig
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, err
		}
	}
	base := "https://" + ci.Host + ":" + strconv.Itoa(defaultPort) + "/wsrf/services/"
	if cfg.FactoryURL == "" {
		cfg.FactoryURL = base + "WorkspaceFactoryService"
	}
	if cfg.WorkspaceURL == "" {
		cfg.WorkspaceURL = base + "WorkspaceService"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = csched.Duration(time.Minute)
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.Insecure}
	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}
	return &nimbusProvider{
		cluster:   ci,
		logger:    logger,
		factory:   soap.NewClient(cfg.FactoryURL, cfg.Timeout.Duration(), cfg.Retries, httpClient, logger),
		workspace: soap.NewClient(cfg.WorkspaceURL, cfg.Timeout.Duration(), cfg.Retries, httpClient, logger),
	}, nil
}

type createRequest struct {
	XMLName xml.Name `xml:"http://www.globus.org/2008/06/workspace CreateRequest"`
	// Lets the service recognize a retried request.
	ClientToken   string `xml:"ClientToken"`
	Name          string `xml:"Name"`
	ImageURI      string `xml:"ImageURI"`
	MemoryMB      int    `xml:"ResourceAllocation>MemoryMB"`
	CPUCount      int    `xml:"ResourceAllocation>IndCPUCount"`
	StorageGB     int    `xml:"ResourceAllocation>StorageGB,omitempty"`
	CPUArch       string `xml:"ResourceAllocation>Architecture,omitempty"`
	Network       string `xml:"Networking>Association"`
	KeepAliveMins int    `xml:"Schedule>DurationMinutes,omitempty"`
	UserData      string `xml:"UserData,omitempty"`
}

type createResponse struct {
	WorkspaceID string `xml:"WorkspaceID"`
	Hostname    string `xml:"Hostname"`
	IPAddress   string `xml:"IPAddress"`
}

type workspaceRequest struct {
	XMLName     xml.Name
	WorkspaceID string `xml:"WorkspaceID"`
}

type statusResponse struct {
	State     string `xml:"State"`
	Hostname  string `xml:"Hostname"`
	IPAddress string `xml:"IPAddress"`
}

func (prv *nimbusProvider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	image, ok := cloud.Lookup(req.Image, prv.cluster.Host)
	if !ok {
		return cloud.Instance{}, fmt.Errorf("no image configured for %s", prv.cluster.Host)
	}
	body := createRequest{
		ClientToken:   uuid.NewString(),
		Name:          req.Name,
		ImageURI:      image,
		MemoryMB:      req.MemoryMB,
		CPUCount:      req.CPUCores,
		StorageGB:     req.Storage,
		CPUArch:       req.CPUArch,
		Network:       req.Network,
		KeepAliveMins: int(req.KeepAlive / time.Minute),
		UserData:      req.Customization,
	}
	var resp createResponse
	err := prv.factory.Call(ctx, actionCreate, nil, body, &resp)
	if err != nil {
		return cloud.Instance{}, wrapFault(err)
	}
	if resp.WorkspaceID == "" {
		return cloud.Instance{}, errors.New("create response did not include a workspace id")
	}
	prv.logger.WithFields(logrus.Fields{
		"WorkspaceID": resp.WorkspaceID,
		"ClientToken": body.ClientToken,
	}).Info("workspace created")
	return cloud.Instance{
		ID:        resp.WorkspaceID,
		Name:      req.Name,
		Hostname:  resp.Hostname,
		IPAddress: resp.IPAddress,
	}, nil
}

func (prv *nimbusProvider) Poll(ctx context.Context, inst cloud.Instance) (cloud.PollResult, error) {
	var resp statusResponse
	err := prv.workspace.Call(ctx, actionStatus, nil, workspaceRequest{
		XMLName:     xml.Name{Space: ns, Local: "StatusRequest"},
		WorkspaceID: inst.ID,
	}, &resp)
	if isUnknownWorkspace(err) {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	} else if err != nil {
		return cloud.PollResult{}, wrapFault(err)
	}
	res := cloud.PollResult{
		ID:        inst.ID,
		Hostname:  resp.Hostname,
		IPAddress: resp.IPAddress,
	}
	switch resp.State {
	case "Unstaged", "Unpropagated", "Propagated", "StagingIn":
		res.Status = cloud.StatusStarting
	case "Running":
		res.Status = cloud.StatusRunning
	case "Paused", "Cancelled", "Destroying", "TransportReady", "StagingOut", "StagedOut":
		return cloud.PollResult{}, cloud.ErrInstanceGone
	default:
		// Corrupted-* and anything unrecognized.
		res.Status = cloud.StatusError
	}
	return res, nil
}

func (prv *nimbusProvider) Destroy(ctx context.Context, inst cloud.Instance, reason string) error {
	prv.logger.WithFields(logrus.Fields{
		"WorkspaceID": inst.ID,
		"Reason":      reason,
	}).Info("destroying workspace")
	err := prv.workspace.Call(ctx, actionDestroy, nil, workspaceRequest{
		XMLName:     xml.Name{Space: ns, Local: "DestroyRequest"},
		WorkspaceID: inst.ID,
	}, nil)
	if isUnknownWorkspace(err) {
		return nil
	}
	return wrapFault(err)
}

func (prv *nimbusProvider) Stop() {
}

func isUnknownWorkspace(err error) bool {
	var fault *soap.Fault
	return errors.As(err, &fault) && strings.Contains(fault.Code+fault.String, "UnknownWorkspace")
}

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool {
	return true
}

func wrapFault(err error) error {
	var fault *soap.Fault
	if !errors.As(err, &fault) {
		return err
	}
	for _, marker := range []string{"ResourceRequestDenied", "Quota"} {
		if strings.Contains(fault.Code, marker) || strings.Contains(fault.String, marker) {
			return quotaError{err}
		}
	}
	return err
}
