// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 provisions VMs through the EC2 API, as spoken by Amazon
// EC2, Eucalyptus, and the EC2 compatibility layer of OpenStack.
package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/cloud"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
// The endpoint depends on the cluster's cloud type: "AmazonEC2",
// "Eucalyptus", or "OpenStack".
var Driver = cloud.DriverFunc(newEC2Provider)

const (
	defaultInstanceType = "m1.small"
	defaultPort         = 8773
	tagName             = "Name"

	throttleDelayMin = time.Second
	throttleDelayMax = time.Minute
)

type ec2ProviderConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	// Region name. Defaults to us-east-1 for AmazonEC2 and to the
	// cluster name otherwise.
	Region string
	// Overrides the endpoint derived from the cloud type and
	// cluster host.
	Endpoint string
	// Use https for Eucalyptus and OpenStack endpoints.
	Secure bool
	Port   int
	// Security groups VMs on this cluster may join. Requested
	// groups not listed here are ignored.
	SecurityGroups sliceOrSingleString
	SubnetID       string
	KeyPairName    string
}

type sliceOrSingleString []string

// UnmarshalJSON unmarshals an array of strings, and also accepts ""
// as [], and "foo" as ["foo"].
func (ss *sliceOrSingleString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*ss = nil
	} else if data[0] == '[' {
		var slice []string
		err := json.Unmarshal(data, &slice)
		if err != nil {
			return err
		}
		if len(slice) == 0 {
			*ss = nil
		} else {
			*ss = slice
		}
	} else {
		var str string
		err := json.Unmarshal(data, &str)
		if err != nil {
			return err
		}
		if str == "" {
			*ss = nil
		} else {
			*ss = []string{str}
		}
	}
	return nil
}

type ec2Interface interface {
	DescribeImages(*ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error)
	RunInstances(*ec2.RunInstancesInput) (*ec2.Reservation, error)
	RequestSpotInstances(*ec2.RequestSpotInstancesInput) (*ec2.RequestSpotInstancesOutput, error)
	DescribeSpotInstanceRequests(*ec2.DescribeSpotInstanceRequestsInput) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	CancelSpotInstanceRequests(*ec2.CancelSpotInstanceRequestsInput) (*ec2.CancelSpotInstanceRequestsOutput, error)
	DescribeInstances(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
}

type ec2Provider struct {
	config    ec2ProviderConfig
	cluster   cloud.ClusterInfo
	logger    logrus.FieldLogger
	client    ec2Interface
	throttled atomic.Value
}

func newEC2Provider(ci cloud.ClusterInfo, params json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	prv := &ec2Provider{
		cluster: ci,
		logger:  logger,
	}
	// Accept YAML-style bare strings in DriverParameters too.
	if err := yaml.Unmarshal(params, &prv.config); err != nil {
		return nil, err
	}
	if len(prv.config.SecurityGroups) == 0 {
		prv.config.SecurityGroups = sliceOrSingleString{"default"}
	}
	if prv.config.Port == 0 {
		prv.config.Port = defaultPort
	}
	awsConfig := aws.NewConfig().
		WithCredentials(credentials.NewStaticCredentials(
			prv.config.AccessKeyID,
			prv.config.SecretAccessKey,
			"")).
		WithRegion(prv.region())
	endpoint, err := prv.endpoint()
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(endpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	prv.client = ec2.New(sess)
	prv.throttled.Store(time.Duration(0))
	return prv, nil
}

func (prv *ec2Provider) region() string {
	switch {
	case prv.config.Region != "":
		return prv.config.Region
	case prv.cluster.CloudType == "AmazonEC2":
		return "us-east-1"
	default:
		return prv.cluster.Name
	}
}

func (prv *ec2Provider) endpoint() (string, error) {
	if prv.config.Endpoint != "" {
		return prv.config.Endpoint, nil
	}
	scheme := "http"
	if prv.config.Secure {
		scheme = "https"
	}
	switch prv.cluster.CloudType {
	case "AmazonEC2":
		return "", nil
	case "Eucalyptus":
		return fmt.Sprintf("%s://%s:%d/services/Eucalyptus", scheme, prv.cluster.Host, prv.config.Port), nil
	case "OpenStack":
		return fmt.Sprintf("%s://%s:%d/services/Cloud", scheme, prv.cluster.Host, prv.config.Port), nil
	default:
		return "", cloud.ErrUnknownCloudType(prv.cluster.CloudType)
	}
}

// securityGroups returns the requested groups this cluster allows,
// or all of the cluster's groups if none of them match.
func (prv *ec2Provider) securityGroups(requested []string) []string {
	var groups []string
	for _, g := range requested {
		for _, allowed := range prv.config.SecurityGroups {
			if g == allowed {
				groups = append(groups, g)
				break
			}
		}
	}
	if len(groups) == 0 {
		if len(requested) > 0 {
			prv.logger.WithField("Requested", requested).Warn("no matching security groups, using cluster defaults")
		}
		groups = prv.config.SecurityGroups
	}
	return groups
}

func (prv *ec2Provider) checkImage(imageID string) error {
	input := &ec2.DescribeImagesInput{}
	if prv.cluster.CloudType != "Eucalyptus" {
		// Eucalyptus doesn't answer lookups by ID reliably;
		// list everything and search instead.
		input.ImageIds = []*string{aws.String(imageID)}
	}
	out, err := prv.client.DescribeImages(input)
	if err != nil {
		return wrapError(err, &prv.throttled)
	}
	for _, img := range out.Images {
		if aws.StringValue(img.ImageId) == imageID {
			return nil
		}
	}
	return fmt.Errorf("image %q not found on %s", imageID, prv.cluster.Name)
}

func (prv *ec2Provider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	imageID, ok := cloud.Lookup(req.Image, prv.cluster.Host)
	if !ok {
		return cloud.Instance{}, fmt.Errorf("no image configured for %s", prv.cluster.Host)
	}
	instanceType, ok := cloud.Lookup(req.InstanceType, prv.cluster.Host)
	if !ok {
		instanceType = defaultInstanceType
	}
	addressing := req.Network
	if prv.cluster.CloudType == "AmazonEC2" && addressing != "public" {
		prv.logger.WithField("Network", req.Network).Debug("EC2 only supports public addressing")
		addressing = "public"
	}
	if err := prv.checkImage(imageID); err != nil {
		return cloud.Instance{}, err
	}
	groups := aws.StringSlice(prv.securityGroups(req.SecurityGroups))
	var userData *string
	if req.Customization != "" {
		userData = aws.String(base64.StdEncoding.EncodeToString([]byte(req.Customization)))
	}
	var keyName *string
	if prv.config.KeyPairName != "" {
		keyName = aws.String(prv.config.KeyPairName)
	}

	if req.MaxPrice > 0 {
		price := strconv.FormatFloat(float64(req.MaxPrice)/100, 'f', -1, 64)
		out, err := prv.client.RequestSpotInstances(&ec2.RequestSpotInstancesInput{
			SpotPrice:     aws.String(price),
			InstanceCount: aws.Int64(1),
			LaunchSpecification: &ec2.RequestSpotLaunchSpecification{
				ImageId:        aws.String(imageID),
				InstanceType:   aws.String(instanceType),
				KeyName:        keyName,
				AddressingType: aws.String(addressing),
				SecurityGroups: groups,
				UserData:       userData,
			},
		})
		if err != nil {
			return cloud.Instance{}, wrapError(err, &prv.throttled)
		}
		if len(out.SpotInstanceRequests) == 0 {
			return cloud.Instance{}, errors.New("spot request returned no reservation")
		}
		sir := out.SpotInstanceRequests[0]
		prv.logger.WithFields(logrus.Fields{
			"SpotID":   aws.StringValue(sir.SpotInstanceRequestId),
			"MaxPrice": price,
		}).Info("requested spot instance")
		return cloud.Instance{
			Name:   req.Name,
			ID:     aws.StringValue(sir.InstanceId),
			SpotID: aws.StringValue(sir.SpotInstanceRequestId),
		}, nil
	}

	rii := &ec2.RunInstancesInput{
		ImageId:                           aws.String(imageID),
		InstanceType:                      aws.String(instanceType),
		MaxCount:                          aws.Int64(1),
		MinCount:                          aws.Int64(1),
		KeyName:                           keyName,
		UserData:                          userData,
		InstanceInitiatedShutdownBehavior: aws.String("terminate"),
	}
	if prv.config.SubnetID != "" {
		rii.NetworkInterfaces = []*ec2.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(addressing == "public"),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int64(0),
			Groups:                   groups,
			SubnetId:                 aws.String(prv.config.SubnetID),
		}}
	} else {
		rii.SecurityGroups = groups
	}
	if prv.cluster.CloudType == "AmazonEC2" && req.Name != "" {
		rii.TagSpecifications = []*ec2.TagSpecification{{
			ResourceType: aws.String("instance"),
			Tags: []*ec2.Tag{{
				Key:   aws.String(tagName),
				Value: aws.String(req.Name),
			}},
		}}
	}
	rsv, err := prv.client.RunInstances(rii)
	if err != nil {
		return cloud.Instance{}, wrapError(err, &prv.throttled)
	}
	if len(rsv.Instances) == 0 {
		return cloud.Instance{}, errors.New("run instances returned no instance")
	}
	inst := rsv.Instances[0]
	return cloud.Instance{
		Name:      req.Name,
		ID:        aws.StringValue(inst.InstanceId),
		Hostname:  hostname(inst),
		IPAddress: address(inst),
	}, nil
}

func hostname(inst *ec2.Instance) string {
	if h := aws.StringValue(inst.PublicDnsName); h != "" {
		return h
	}
	return aws.StringValue(inst.PrivateDnsName)
}

func address(inst *ec2.Instance) string {
	if a := aws.StringValue(inst.PublicIpAddress); a != "" {
		return a
	}
	return aws.StringValue(inst.PrivateIpAddress)
}

// spotInstanceID resolves a spot reservation into the ID of the
// instance that fulfills it. It returns "" if the reservation is not
// fulfilled yet.
func (prv *ec2Provider) spotInstanceID(spotID string) (string, error) {
	out, err := prv.client.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []*string{aws.String(spotID)},
	})
	if isNotFound(err) {
		return "", cloud.ErrInstanceGone
	} else if err != nil {
		return "", wrapError(err, &prv.throttled)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return "", cloud.ErrInstanceGone
	}
	sir := out.SpotInstanceRequests[0]
	if id := aws.StringValue(sir.InstanceId); id != "" {
		return id, nil
	}
	switch aws.StringValue(sir.State) {
	case "cancelled", "closed", "failed":
		return "", cloud.ErrInstanceGone
	}
	return "", nil
}

func (prv *ec2Provider) Poll(ctx context.Context, ci cloud.Instance) (cloud.PollResult, error) {
	id := ci.ID
	if id == "" && ci.SpotID != "" {
		var err error
		id, err = prv.spotInstanceID(ci.SpotID)
		if err != nil {
			return cloud.PollResult{}, err
		}
		if id == "" {
			prv.logger.WithField("SpotID", ci.SpotID).Debug("spot reservation not fulfilled yet")
			return cloud.PollResult{Status: cloud.StatusStarting}, nil
		}
	}
	out, err := prv.client.DescribeInstances(&ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if isNotFound(err) {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	} else if err != nil {
		return cloud.PollResult{}, wrapError(err, &prv.throttled)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return cloud.PollResult{}, cloud.ErrInstanceGone
	}
	inst := out.Reservations[0].Instances[0]
	res := cloud.PollResult{
		ID:        id,
		Hostname:  hostname(inst),
		IPAddress: address(inst),
	}
	state := ""
	if inst.State != nil {
		state = aws.StringValue(inst.State.Name)
	}
	switch state {
	case "running":
		res.Status = cloud.StatusRunning
	case "pending", "":
		res.Status = cloud.StatusStarting
	case "shutting-down", "terminated", "stopping", "stopped":
		return cloud.PollResult{}, cloud.ErrInstanceGone
	default:
		res.Status = cloud.StatusError
	}
	return res, nil
}

func (prv *ec2Provider) Destroy(ctx context.Context, ci cloud.Instance, reason string) error {
	if ci.SpotID != "" {
		_, err := prv.client.CancelSpotInstanceRequests(&ec2.CancelSpotInstanceRequestsInput{
			SpotInstanceRequestIds: []*string{aws.String(ci.SpotID)},
		})
		if err != nil && !isNotFound(err) {
			return wrapError(err, &prv.throttled)
		}
		if ci.ID == "" {
			// The reservation may have been fulfilled since
			// we last looked.
			id, err := prv.spotInstanceID(ci.SpotID)
			if err != nil && err != cloud.ErrInstanceGone {
				return err
			}
			ci.ID = id
		}
	}
	if ci.ID == "" {
		return nil
	}
	prv.logger.WithFields(logrus.Fields{
		"Instance": ci.ID,
		"Reason":   reason,
	}).Info("terminating instance")
	_, err := prv.client.TerminateInstances(&ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(ci.ID)},
	})
	if isNotFound(err) {
		prv.logger.WithField("Instance", ci.ID).Warn("instance already gone")
		return nil
	}
	return wrapError(err, &prv.throttled)
}

func (prv *ec2Provider) Stop() {
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed", "InvalidSpotInstanceRequestID.NotFound":
		return true
	}
	return false
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

var isCodeQuota = map[string]bool{
	"InstanceLimitExceeded":             true,
	"InsufficientAddressCapacity":       true,
	"InsufficientFreeAddressesInSubnet": true,
	"InsufficientVolumeCapacity":        true,
	"MaxSpotInstanceCountExceeded":      true,
	"VcpuLimitExceeded":                 true,
}

// wrapError converts throttling and quota errors into the error
// classes the resource pool understands. Consecutive throttling
// errors double the suggested delay, up to throttleDelayMax; any
// other outcome resets it.
func wrapError(err error, throttleValue *atomic.Value) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch {
		case aerr.Code() == "RequestLimitExceeded" || aerr.Code() == "Throttling":
			var d time.Duration
			if throttleValue != nil {
				d, _ = throttleValue.Load().(time.Duration)
				d = d * 2
			}
			if d < throttleDelayMin {
				d = throttleDelayMin
			} else if d > throttleDelayMax {
				d = throttleDelayMax
			}
			if throttleValue != nil {
				throttleValue.Store(d)
			}
			return rateLimitError{error: err, earliestRetry: time.Now().Add(d)}
		case isCodeQuota[aerr.Code()]:
			return quotaError{err}
		}
	}
	if throttleValue != nil {
		throttleValue.Store(time.Duration(0))
	}
	return err
}
