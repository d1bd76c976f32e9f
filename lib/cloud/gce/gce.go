// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gce provisions VMs on Google Compute Engine.
package gce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Driver is the GCE implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newGCEProvider)

const (
	namePrefix        = "gce-cs-vm"
	nameCounterWrap   = 50000
	nameAttempts      = 10
	defaultZone       = "us-central1-a"
	defaultMachine    = "n1-standard-1"
	defaultImage      = "condorimagebase"
	defaultNetwork    = "default"
	defaultEmail      = "default"
	defaultOpInterval = time.Second
	cleanupTimeout    = time.Minute
)

var defaultScopes = []string{
	"https://www.googleapis.com/auth/devstorage.full_control",
	compute.ComputeScope,
}

type gceProviderConfig struct {
	ProjectID string
	Zone      string
	Network   string
	// Service account the instances run as.
	ServiceAccountEmail string
	ServiceAccountScope []string
	// Path to a service account key file. If empty, application
	// default credentials are used.
	CredentialsFile string
	// Override the API endpoint (used in tests).
	Endpoint string
	// How often to check whether a zone operation is done.
	OperationPollInterval string
}

type gceProvider struct {
	config     gceProviderConfig
	cluster    cloud.ClusterInfo
	logger     logrus.FieldLogger
	svc        *compute.Service
	opInterval time.Duration

	mtx     sync.Mutex
	counter int
	names   map[string]bool
}

func newGCEProvider(ci cloud.ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	prv := &gceProvider{
		cluster:    ci,
		logger:     logger,
		opInterval: defaultOpInterval,
		names:      map[string]bool{},
	}
	if err := json.Unmarshal(params, &prv.config); err != nil {
		return nil, err
	}
	cfg := &prv.config
	if cfg.ProjectID == "" {
		return nil, errors.New("ProjectID must not be empty")
	}
	if cfg.Zone == "" {
		cfg.Zone = defaultZone
	}
	if cfg.Network == "" {
		cfg.Network = defaultNetwork
	}
	if cfg.ServiceAccountEmail == "" {
		cfg.ServiceAccountEmail = defaultEmail
	}
	if len(cfg.ServiceAccountScope) == 0 {
		cfg.ServiceAccountScope = defaultScopes
	}
	if cfg.OperationPollInterval != "" {
		d, err := time.ParseDuration(cfg.OperationPollInterval)
		if err != nil {
			return nil, fmt.Errorf("OperationPollInterval: %w", err)
		}
		prv.opInterval = d
	}

	ctx := context.Background()
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithHTTPClient(http.DefaultClient))
	case cfg.CredentialsFile != "":
		buf, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		creds, err := google.CredentialsFromJSON(ctx, buf, compute.ComputeScope)
		if err != nil {
			return nil, fmt.Errorf("CredentialsFile: %w", err)
		}
		opts = append(opts, option.WithCredentials(creds))
	default:
		creds, err := google.FindDefaultCredentials(ctx, compute.ComputeScope)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentials(creds))
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	prv.svc = svc
	return prv, nil
}

// nextName returns an instance name that none of this provider's
// instances has, or an error after nameAttempts collisions.
func (prv *gceProvider) nextName() (string, error) {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	for i := 0; i < nameAttempts; i++ {
		name := namePrefix + strconv.Itoa(prv.counter)
		prv.counter++
		if prv.counter >= nameCounterWrap {
			prv.counter = 0
		}
		if !prv.names[name] {
			prv.names[name] = true
			return name, nil
		}
	}
	return "", fmt.Errorf("no free instance name after %d attempts", nameAttempts)
}

func (prv *gceProvider) setNameUsed(name string, used bool) {
	if name == "" {
		return
	}
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	if used {
		prv.names[name] = true
	} else {
		delete(prv.names, name)
	}
}

func (prv *gceProvider) hostname(name string) string {
	return name + ".c." + prv.config.ProjectID + ".internal"
}

func (prv *gceProvider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	image, ok := cloud.Lookup(req.Image, prv.cluster.Host)
	if !ok {
		image = defaultImage
	}
	if !strings.Contains(image, "/") {
		image = "projects/" + prv.config.ProjectID + "/global/images/" + image
	}
	machineType, ok := cloud.Lookup(req.InstanceType, prv.cluster.Host)
	if !ok {
		machineType = defaultMachine
	}
	name, err := prv.nextName()
	if err != nil {
		return cloud.Instance{}, err
	}
	userData := req.Customization
	inst := &compute.Instance{
		Name:        name,
		MachineType: "zones/" + prv.config.Zone + "/machineTypes/" + machineType,
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: image,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: "global/networks/" + prv.config.Network,
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		ServiceAccounts: []*compute.ServiceAccount{{
			Email:  prv.config.ServiceAccountEmail,
			Scopes: prv.config.ServiceAccountScope,
		}},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{{
				Key:   "userdata",
				Value: &userData,
			}},
		},
	}
	op, err := prv.svc.Instances.Insert(prv.config.ProjectID, prv.config.Zone, inst).Context(ctx).Do()
	if err != nil {
		prv.setNameUsed(name, false)
		return cloud.Instance{}, wrapError(err)
	}
	op, err = prv.wait(ctx, op)
	if err != nil {
		// The instance may exist even though the operation
		// did not finish cleanly.
		prv.cleanupFailedCreate(ctx, name, err)
		return cloud.Instance{}, wrapError(err)
	}
	prv.logger.WithFields(logrus.Fields{
		"Instance": name,
		"TargetID": op.TargetId,
	}).Info("instance created")
	return cloud.Instance{
		ID:       strconv.FormatUint(op.TargetId, 10),
		Name:     name,
		Hostname: prv.hostname(name),
	}, nil
}

// cleanupFailedCreate deletes an instance whose insert operation
// failed or could not be waited for. The name stays reserved if the
// delete fails too.
func (prv *gceProvider) cleanupFailedCreate(ctx context.Context, name string, createErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	logger := prv.logger.WithField("Instance", name).WithError(createErr)
	if err := prv.Destroy(ctx, cloud.Instance{Name: name}, "failed create"); err != nil {
		logger.WithField("DeleteError", err.Error()).Error("cannot delete partially created instance")
		return
	}
	logger.Warn("deleted partially created instance")
}

// wait polls a zone operation until it is done, and returns an
// error if the operation failed.
func (prv *gceProvider) wait(ctx context.Context, op *compute.Operation) (*compute.Operation, error) {
	for op.Status != "DONE" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(prv.opInterval):
		}
		next, err := prv.svc.ZoneOperations.Get(prv.config.ProjectID, prv.config.Zone, op.Name).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		op = next
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		var msgs []string
		for _, e := range op.Error.Errors {
			msgs = append(msgs, e.Code+": "+e.Message)
		}
		return op, fmt.Errorf("operation %s failed: %s", op.Name, strings.Join(msgs, "; "))
	}
	return op, nil
}

func (prv *gceProvider) Poll(ctx context.Context, ci cloud.Instance) (cloud.PollResult, error) {
	prv.setNameUsed(ci.Name, true)
	inst, err := prv.svc.Instances.Get(prv.config.ProjectID, prv.config.Zone, ci.Name).Context(ctx).Do()
	if isNotFound(err) {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	} else if err != nil {
		return cloud.PollResult{}, wrapError(err)
	}
	res := cloud.PollResult{
		ID:       strconv.FormatUint(inst.Id, 10),
		Hostname: prv.hostname(inst.Name),
	}
	if len(inst.NetworkInterfaces) > 0 {
		ni := inst.NetworkInterfaces[0]
		res.IPAddress = ni.NetworkIP
		if len(ni.AccessConfigs) > 0 && ni.AccessConfigs[0].NatIP != "" {
			res.IPAddress = ni.AccessConfigs[0].NatIP
		}
	}
	switch inst.Status {
	case "PROVISIONING", "STAGING":
		res.Status = cloud.StatusStarting
	case "RUNNING":
		res.Status = cloud.StatusRunning
	case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return cloud.PollResult{}, cloud.ErrInstanceGone
	default:
		res.Status = cloud.StatusError
	}
	return res, nil
}

func (prv *gceProvider) Destroy(ctx context.Context, ci cloud.Instance, reason string) error {
	prv.logger.WithFields(logrus.Fields{
		"Instance": ci.Name,
		"Reason":   reason,
	}).Info("deleting instance")
	op, err := prv.svc.Instances.Delete(prv.config.ProjectID, prv.config.Zone, ci.Name).Context(ctx).Do()
	if err == nil {
		_, err = prv.wait(ctx, op)
	}
	if isNotFound(err) {
		err = nil
	}
	if err != nil {
		return wrapError(err)
	}
	prv.setNameUsed(ci.Name, false)
	return nil
}

func (prv *gceProvider) Stop() {
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
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
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	if gerr.Code == http.StatusTooManyRequests {
		return rateLimitError{err, time.Now().Add(10 * time.Second)}
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return rateLimitError{err, time.Now().Add(10 * time.Second)}
		case "quotaExceeded", "QUOTA_EXCEEDED":
			return quotaError{err}
		}
	}
	return err
}
