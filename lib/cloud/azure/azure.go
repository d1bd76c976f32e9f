// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package azure provisions VMs on Microsoft Azure. Each VM gets its
// own network interface and managed OS disk, which are deleted along
// with it.
package azure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"git.cloudscheduler.org/cloudscheduler.git/sdk/go/csched"
	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Driver is the azure implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newAzureProvider)

const namePrefix = "cs-"

type azureProviderConfig struct {
	SubscriptionID               string
	ClientID                     string
	ClientSecret                 string
	TenantID                     string
	CloudEnvironment             string
	ResourceGroup                string
	ImageResourceGroup           string
	Location                     string
	Network                      string
	NetworkResourceGroup         string
	Subnet                       string
	DeleteDanglingResourcesAfter csched.Duration
	AdminUsername                string
	// Public key in authorized_keys format, installed for
	// AdminUsername.
	AdminSSHPublicKey string
}

type virtualMachinesClientWrapper interface {
	createOrUpdate(ctx context.Context,
		resourceGroupName string,
		VMName string,
		parameters compute.VirtualMachine) (result compute.VirtualMachine, err error)
	get(ctx context.Context, resourceGroupName string, VMName string) (result compute.VirtualMachine, err error)
	delete(ctx context.Context, resourceGroupName string, VMName string) (result *http.Response, err error)
}

type virtualMachinesClientImpl struct {
	inner compute.VirtualMachinesClient
}

func (cl *virtualMachinesClientImpl) createOrUpdate(ctx context.Context,
	resourceGroupName string,
	VMName string,
	parameters compute.VirtualMachine) (result compute.VirtualMachine, err error) {

	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, VMName, parameters)
	if err != nil {
		return compute.VirtualMachine{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) get(ctx context.Context, resourceGroupName string, VMName string) (result compute.VirtualMachine, err error) {
	r, err := cl.inner.Get(ctx, resourceGroupName, VMName, compute.InstanceView)
	return r, wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) delete(ctx context.Context, resourceGroupName string, VMName string) (result *http.Response, err error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, VMName)
	if err != nil {
		return nil, wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), wrapAzureError(err)
}

type interfacesClientWrapper interface {
	createOrUpdate(ctx context.Context,
		resourceGroupName string,
		networkInterfaceName string,
		parameters network.Interface) (result network.Interface, err error)
	get(ctx context.Context, resourceGroupName string, networkInterfaceName string) (result network.Interface, err error)
	delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) (result *http.Response, err error)
	listComplete(ctx context.Context, resourceGroupName string) (result network.InterfaceListResultIterator, err error)
}

type interfacesClientImpl struct {
	inner network.InterfacesClient
}

func (cl *interfacesClientImpl) createOrUpdate(ctx context.Context,
	resourceGroupName string,
	networkInterfaceName string,
	parameters network.Interface) (result network.Interface, err error) {

	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, networkInterfaceName, parameters)
	if err != nil {
		return network.Interface{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *interfacesClientImpl) get(ctx context.Context, resourceGroupName string, networkInterfaceName string) (result network.Interface, err error) {
	r, err := cl.inner.Get(ctx, resourceGroupName, networkInterfaceName, "")
	return r, wrapAzureError(err)
}

func (cl *interfacesClientImpl) delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) (result *http.Response, err error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, networkInterfaceName)
	if err != nil {
		return nil, wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), wrapAzureError(err)
}

func (cl *interfacesClientImpl) listComplete(ctx context.Context, resourceGroupName string) (result network.InterfaceListResultIterator, err error) {
	r, err := cl.inner.ListComplete(ctx, resourceGroupName)
	return r, wrapAzureError(err)
}

type disksClientWrapper interface {
	delete(ctx context.Context, resourceGroupName string, diskName string) error
}

type disksClientImpl struct {
	inner compute.DisksClient
}

func (cl *disksClientImpl) delete(ctx context.Context, resourceGroupName string, diskName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, diskName)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

type azureRateLimitError struct {
	azure.RequestError
	firstRetry time.Time
}

func (ar *azureRateLimitError) EarliestRetry() time.Time {
	return ar.firstRetry
}

type azureQuotaError struct {
	azure.RequestError
}

func (ar *azureQuotaError) IsQuotaError() bool {
	return true
}

func wrapAzureError(err error) error {
	de, ok := err.(autorest.DetailedError)
	if !ok {
		return err
	}
	rq, ok := de.Original.(*azure.RequestError)
	if !ok {
		return err
	}
	if rq.Response == nil {
		return err
	}
	if rq.Response.StatusCode == 429 || len(rq.Response.Header["Retry-After"]) >= 1 {
		// API throttling
		earliestRetry := time.Now().Add(20 * time.Second)
		if ra := rq.Response.Header.Get("Retry-After"); ra != "" {
			if t, parseErr := http.ParseTime(ra); parseErr == nil {
				earliestRetry = t
			} else if secs, parseErr := strconv.ParseInt(ra, 10, 64); parseErr == nil {
				earliestRetry = time.Now().Add(time.Duration(secs) * time.Second)
			}
		}
		return &azureRateLimitError{*rq, earliestRetry}
	}
	if rq.ServiceError == nil {
		return err
	}
	if quotaRe.FindString(rq.ServiceError.Code) != "" || quotaRe.FindString(rq.ServiceError.Message) != "" {
		return &azureQuotaError{*rq}
	}
	return err
}

func isNotFound(err error) bool {
	var de autorest.DetailedError
	if errors.As(err, &de) {
		if code, ok := de.StatusCode.(int); ok && code == http.StatusNotFound {
			return true
		}
	}
	var rq *azure.RequestError
	if errors.As(err, &rq) && rq.Response != nil && rq.Response.StatusCode == http.StatusNotFound {
		return true
	}
	return false
}

type azureProvider struct {
	azconfig           azureProviderConfig
	cluster            cloud.ClusterInfo
	vmClient           virtualMachinesClientWrapper
	netClient          interfacesClientWrapper
	disksClient        disksClientWrapper
	imageResourceGroup string
	authorizedKey      string
	ctx                context.Context
	stopFunc           context.CancelFunc
	stopWg             sync.WaitGroup
	logger             logrus.FieldLogger
}

func newAzureProvider(ci cloud.ClusterInfo, config json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	var azcfg azureProviderConfig
	if err := json.Unmarshal(config, &azcfg); err != nil {
		return nil, err
	}
	az := &azureProvider{cluster: ci, logger: logger}
	az.ctx, az.stopFunc = context.WithCancel(context.Background())
	if err := az.setup(azcfg); err != nil {
		az.stopFunc()
		return nil, err
	}
	az.startGC()
	return az, nil
}

func (az *azureProvider) setup(azcfg azureProviderConfig) error {
	az.azconfig = azcfg
	if azcfg.ResourceGroup == "" || azcfg.Location == "" {
		return errors.New("ResourceGroup and Location must be set")
	}
	if azcfg.AdminUsername == "" {
		return errors.New("AdminUsername must be set")
	}
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(azcfg.AdminSSHPublicKey))
	if err != nil {
		return fmt.Errorf("AdminSSHPublicKey: %w", err)
	}
	az.authorizedKey = string(ssh.MarshalAuthorizedKey(pk))

	az.imageResourceGroup = azcfg.ImageResourceGroup
	if az.imageResourceGroup == "" {
		az.imageResourceGroup = azcfg.ResourceGroup
	}

	env, err := azure.EnvironmentFromName(azcfg.CloudEnvironment)
	if err != nil {
		return err
	}
	authorizer, err := auth.ClientCredentialsConfig{
		ClientID:     azcfg.ClientID,
		ClientSecret: azcfg.ClientSecret,
		TenantID:     azcfg.TenantID,
		Resource:     env.ResourceManagerEndpoint,
		AADEndpoint:  env.ActiveDirectoryEndpoint,
	}.Authorizer()
	if err != nil {
		return err
	}

	vmClient := compute.NewVirtualMachinesClientWithBaseURI(env.ResourceManagerEndpoint, azcfg.SubscriptionID)
	netClient := network.NewInterfacesClientWithBaseURI(env.ResourceManagerEndpoint, azcfg.SubscriptionID)
	disksClient := compute.NewDisksClientWithBaseURI(env.ResourceManagerEndpoint, azcfg.SubscriptionID)
	vmClient.Authorizer = authorizer
	netClient.Authorizer = authorizer
	disksClient.Authorizer = authorizer
	az.vmClient = &virtualMachinesClientImpl{vmClient}
	az.netClient = &interfacesClientImpl{netClient}
	az.disksClient = &disksClientImpl{disksClient}
	return nil
}

// startGC periodically deletes NICs left behind by failed creates.
func (az *azureProvider) startGC() {
	if az.azconfig.DeleteDanglingResourcesAfter <= 0 {
		return
	}
	az.stopWg.Add(1)
	go func() {
		defer az.stopWg.Done()
		tk := time.NewTicker(5 * time.Minute)
		defer tk.Stop()
		for {
			select {
			case <-az.ctx.Done():
				return
			case <-tk.C:
				az.manageNics()
			}
		}
	}()
}

// manageNics deletes NICs which have namePrefix, are not associated
// with a virtual machine, and have a "created-at" tag more than
// DeleteDanglingResourcesAfter in the past.
func (az *azureProvider) manageNics() {
	result, err := az.netClient.listComplete(az.ctx, az.azconfig.ResourceGroup)
	if err != nil {
		az.logger.WithError(err).Warn("error listing nics")
		return
	}
	threshold := time.Now().Add(-az.azconfig.DeleteDanglingResourcesAfter.Duration())
	for ; result.NotDone(); err = result.Next() {
		if err != nil {
			az.logger.WithError(err).Warn("error listing nics")
			return
		}
		nic := result.Value()
		if nic.Name == nil || !strings.HasPrefix(*nic.Name, namePrefix) || nic.VirtualMachine != nil {
			continue
		}
		createdAt, ok := nic.Tags["created-at"]
		if !ok || createdAt == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, *createdAt)
		if err != nil || t.After(threshold) {
			continue
		}
		if _, err := az.netClient.delete(az.ctx, az.azconfig.ResourceGroup, *nic.Name); err != nil {
			az.logger.WithError(err).Warnf("error deleting dangling nic %s", *nic.Name)
		} else {
			az.logger.Infof("deleted dangling nic %s", *nic.Name)
		}
	}
}

func (az *azureProvider) cleanupNic(ctx context.Context, nicName string) {
	if _, err := az.netClient.delete(ctx, az.azconfig.ResourceGroup, nicName); err != nil && !isNotFound(err) {
		az.logger.WithError(err).Warnf("error deleting nic %s", nicName)
	}
}

func (az *azureProvider) imageID(image string) string {
	if strings.HasPrefix(image, "/subscriptions/") {
		return image
	}
	return "/subscriptions/" + az.azconfig.SubscriptionID + "/resourceGroups/" + az.imageResourceGroup + "/providers/Microsoft.Compute/images/" + image
}

func (az *azureProvider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	image, ok := cloud.Lookup(req.Image, az.cluster.Host)
	if !ok {
		return cloud.Instance{}, fmt.Errorf("no image configured for %s", az.cluster.Host)
	}
	vmSize, ok := cloud.Lookup(req.InstanceType, az.cluster.Host)
	if !ok {
		return cloud.Instance{}, fmt.Errorf("no instance type configured for %s", az.cluster.Host)
	}

	suffix, err := randutil.String(15, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return cloud.Instance{}, err
	}
	name := namePrefix + suffix

	tags := map[string]*string{
		"created-at": to.StringPtr(time.Now().Format(time.RFC3339Nano)),
		"cluster":    to.StringPtr(az.cluster.Name),
	}
	if req.User != "" {
		tags["user"] = to.StringPtr(req.User)
	}
	if req.Type != "" {
		tags["vm-type"] = to.StringPtr(req.Type)
	}

	networkResourceGroup := az.azconfig.NetworkResourceGroup
	if networkResourceGroup == "" {
		networkResourceGroup = az.azconfig.ResourceGroup
	}
	nicParameters := network.Interface{
		Location: &az.azconfig.Location,
		Tags:     tags,
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{
				{
					Name: to.StringPtr("ip1"),
					InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
						Subnet: &network.Subnet{
							ID: to.StringPtr(fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers"+
								"/Microsoft.Network/virtualnetworks/%s/subnets/%s",
								az.azconfig.SubscriptionID,
								networkResourceGroup,
								az.azconfig.Network,
								az.azconfig.Subnet)),
						},
						PrivateIPAllocationMethod: network.Dynamic,
					},
				},
			},
		},
	}
	nic, err := az.netClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name+"-nic", nicParameters)
	if err != nil {
		return cloud.Instance{}, wrapAzureError(err)
	}

	vmParameters := compute.VirtualMachine{
		Location: &az.azconfig.Location,
		Tags:     tags,
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{
				VMSize: compute.VirtualMachineSizeTypes(vmSize),
			},
			StorageProfile: &compute.StorageProfile{
				ImageReference: &compute.ImageReference{
					ID: to.StringPtr(az.imageID(image)),
				},
				OsDisk: &compute.OSDisk{
					OsType:       compute.Linux,
					Name:         to.StringPtr(name + "-os"),
					CreateOption: compute.DiskCreateOptionTypesFromImage,
				},
			},
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{
					{
						ID: nic.ID,
						NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
							Primary: to.BoolPtr(true),
						},
					},
				},
			},
			OsProfile: &compute.OSProfile{
				ComputerName:  &name,
				AdminUsername: to.StringPtr(az.azconfig.AdminUsername),
				LinuxConfiguration: &compute.LinuxConfiguration{
					DisablePasswordAuthentication: to.BoolPtr(true),
					SSH: &compute.SSHConfiguration{
						PublicKeys: &[]compute.SSHPublicKey{
							{
								Path:    to.StringPtr("/home/" + az.azconfig.AdminUsername + "/.ssh/authorized_keys"),
								KeyData: to.StringPtr(az.authorizedKey),
							},
						},
					},
				},
			},
		},
	}
	if req.Customization != "" {
		vmParameters.OsProfile.CustomData = to.StringPtr(base64.StdEncoding.EncodeToString([]byte(req.Customization)))
	}
	if req.MaxPrice > 0 {
		vmParameters.VirtualMachineProperties.Priority = compute.Spot
		vmParameters.VirtualMachineProperties.EvictionPolicy = compute.Delete
		vmParameters.VirtualMachineProperties.BillingProfile = &compute.BillingProfile{MaxPrice: to.Float64Ptr(float64(req.MaxPrice) / 100)}
	}

	vm, err := az.vmClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name, vmParameters)
	if err != nil {
		// The NIC counts against a quota; don't wait for the
		// dangling-resource GC to get it.
		az.cleanupNic(ctx, name+"-nic")
		return cloud.Instance{}, wrapAzureError(err)
	}
	inst := cloud.Instance{
		Name:      name,
		Hostname:  name,
		IPAddress: nicAddress(nic),
	}
	if vm.ID != nil {
		inst.ID = *vm.ID
	}
	return inst, nil
}

func nicAddress(nic network.Interface) string {
	if iprops := nic.InterfacePropertiesFormat; iprops == nil {
		return ""
	} else if ipconfs := iprops.IPConfigurations; ipconfs == nil || len(*ipconfs) == 0 {
		return ""
	} else if ipconfprops := (*ipconfs)[0].InterfaceIPConfigurationPropertiesFormat; ipconfprops == nil {
		return ""
	} else if addr := ipconfprops.PrivateIPAddress; addr == nil {
		return ""
	} else {
		return *addr
	}
}

// vmStatus derives the provider-neutral status from the VM's
// provisioning state and power state. ok is false if the VM is
// stopped or deallocated.
func vmStatus(vm compute.VirtualMachine) (status cloud.VMStatus, ok bool) {
	props := vm.VirtualMachineProperties
	if props == nil {
		return cloud.StatusStarting, true
	}
	if props.ProvisioningState != nil && *props.ProvisioningState == "Failed" {
		return cloud.StatusError, true
	}
	if props.InstanceView != nil && props.InstanceView.Statuses != nil {
		for _, st := range *props.InstanceView.Statuses {
			if st.Code == nil || !strings.HasPrefix(*st.Code, "PowerState/") {
				continue
			}
			switch strings.TrimPrefix(*st.Code, "PowerState/") {
			case "running":
				return cloud.StatusRunning, true
			case "starting":
				return cloud.StatusStarting, true
			case "stopping", "stopped", "deallocating", "deallocated":
				return "", false
			default:
				return cloud.StatusError, true
			}
		}
	}
	return cloud.StatusStarting, true
}

func (az *azureProvider) Poll(ctx context.Context, inst cloud.Instance) (cloud.PollResult, error) {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	vm, err := az.vmClient.get(ctx, az.azconfig.ResourceGroup, inst.Name)
	if isNotFound(err) {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	} else if err != nil {
		return cloud.PollResult{}, err
	}
	status, ok := vmStatus(vm)
	if !ok {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	}
	res := cloud.PollResult{Status: status, Hostname: inst.Name}
	if vm.ID != nil {
		res.ID = *vm.ID
	}
	nic, err := az.netClient.get(ctx, az.azconfig.ResourceGroup, inst.Name+"-nic")
	if err != nil {
		az.logger.WithError(err).WithField("Instance", inst.Name).Warn("cannot get nic")
	} else {
		res.IPAddress = nicAddress(nic)
	}
	return res, nil
}

// Destroy deletes the VM, then its NIC and OS disk.
func (az *azureProvider) Destroy(ctx context.Context, inst cloud.Instance, reason string) error {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	az.logger.WithFields(logrus.Fields{
		"Instance": inst.Name,
		"Reason":   reason,
	}).Info("deleting vm")
	_, err := az.vmClient.delete(ctx, az.azconfig.ResourceGroup, inst.Name)
	if err != nil && !isNotFound(err) {
		return wrapAzureError(err)
	}
	az.cleanupNic(ctx, inst.Name+"-nic")
	if err := az.disksClient.delete(ctx, az.imageResourceGroup, inst.Name+"-os"); err != nil && !isNotFound(err) {
		az.logger.WithError(err).Warnf("error deleting disk %s-os", inst.Name)
	}
	return nil
}

func (az *azureProvider) Stop() {
	az.stopFunc()
	az.stopWg.Wait()
}
