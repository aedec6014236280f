// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 is the cloud driver for Amazon EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.arvados.org/jobexec.git/lib/cloud"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Tag keys used to find instances created by this driver.
const (
	tagKeyInstanceSetID = "jobexec-instance-set-id"
	tagPrefix           = "jobexec-tag-"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2InstanceSet)

// sliceOrSingleString accepts a JSON string or an array of strings.
type sliceOrSingleString []string

func (ss *sliceOrSingleString) UnmarshalJSON(data []byte) error {
	var slice []string
	if len(data) == 0 || string(data) == "null" {
		*ss = nil
		return nil
	} else if data[0] == '[' {
		if err := json.Unmarshal(data, &slice); err != nil {
			return err
		}
	} else {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "" {
			slice = []string{s}
		}
	}
	if len(slice) == 0 {
		*ss = nil
	} else {
		*ss = slice
	}
	return nil
}

type ec2InstanceSetConfig struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	Endpoint         string
	SecurityGroupIDs []string
	// If more than one subnet is given, Create tries them in
	// order until one has room for the new instance.
	SubnetID      sliceOrSingleString
	AdminUsername string
	KeyPairName   string
}

// ec2Interface is the subset of the EC2 API used by the driver.
type ec2Interface interface {
	DescribeKeyPairs(context.Context, *ec2.DescribeKeyPairsInput, ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	ImportKeyPair(context.Context, *ec2.ImportKeyPairInput, ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type ec2InstanceSet struct {
	ec2config     ec2InstanceSetConfig
	instanceSetID cloud.InstanceSetID
	sharedTags    cloud.SharedResourceTags
	logger        logrus.FieldLogger
	client        ec2Interface

	keysMtx sync.Mutex
	keys    map[string]string // fingerprint => key pair name
}

func newEC2InstanceSet(config json.RawMessage, instanceSetID cloud.InstanceSetID, sharedTags cloud.SharedResourceTags, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &ec2InstanceSet{
		instanceSetID: instanceSetID,
		sharedTags:    sharedTags,
		logger:        logger,
		keys:          map[string]string{},
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &is.ec2config); err != nil {
			return nil, err
		}
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if is.ec2config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(is.ec2config.Region))
	}
	if is.ec2config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			is.ec2config.AccessKeyID, is.ec2config.SecretAccessKey, "")))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	is.client = ec2.NewFromConfig(awscfg, func(o *ec2.Options) {
		if is.ec2config.Endpoint != "" {
			o.BaseEndpoint = aws.String(is.ec2config.Endpoint)
		}
	})
	return is, nil
}

// keyPairName returns the name of an EC2 key pair holding
// publicKey, importing it first if needed.
func (is *ec2InstanceSet) keyPairName(ctx context.Context, publicKey ssh.PublicKey) (string, error) {
	if is.ec2config.KeyPairName != "" {
		return is.ec2config.KeyPairName, nil
	}
	fingerprint := ssh.FingerprintLegacyMD5(publicKey)
	is.keysMtx.Lock()
	defer is.keysMtx.Unlock()
	if name, ok := is.keys[fingerprint]; ok {
		return name, nil
	}
	name := "jobexec-" + strings.Replace(fingerprint, ":", "", -1)
	out, err := is.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		Filters: []types.Filter{{
			Name:   aws.String("key-name"),
			Values: []string{name},
		}},
	})
	if err != nil {
		return "", wrapError(err)
	}
	if len(out.KeyPairs) == 0 {
		_, err = is.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
			KeyName:           aws.String(name),
			PublicKeyMaterial: ssh.MarshalAuthorizedKey(publicKey),
		})
		if err != nil {
			return "", wrapError(err)
		}
		is.logger.WithField("KeyPairName", name).Info("imported key pair")
	}
	is.keys[fingerprint] = name
	return name, nil
}

func (is *ec2InstanceSet) tags(newTags cloud.InstanceTags) []types.Tag {
	tags := []types.Tag{{
		Key:   aws.String(tagKeyInstanceSetID),
		Value: aws.String(string(is.instanceSetID)),
	}}
	for k, v := range is.sharedTags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	for k, v := range newTags {
		tags = append(tags, types.Tag{Key: aws.String(tagPrefix + k), Value: aws.String(v)})
	}
	return tags
}

func (is *ec2InstanceSet) Create(
	instanceType jobexec.InstanceType,
	imageID cloud.ImageID,
	newTags cloud.InstanceTags,
	initCommand cloud.InitCommand,
	publicKey ssh.PublicKey) (cloud.Instance, error) {

	ctx := context.Background()
	rii := &ec2.RunInstancesInput{
		ImageId:                           aws.String(string(imageID)),
		InstanceType:                      types.InstanceType(instanceType.ProviderType),
		MaxCount:                          aws.Int32(1),
		MinCount:                          aws.Int32(1),
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\n" + initCommand + "\n"))),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         is.tags(newTags),
		}},
	}
	if publicKey != nil {
		name, err := is.keyPairName(ctx, publicKey)
		if err != nil {
			return nil, err
		}
		rii.KeyName = aws.String(name)
	}

	subnets := []string(is.ec2config.SubnetID)
	if len(subnets) == 0 {
		subnets = []string{""}
	}
	var rsv *ec2.RunInstancesOutput
	var err error
	for _, subnet := range subnets {
		ni := types.InstanceNetworkInterfaceSpecification{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   is.ec2config.SecurityGroupIDs,
		}
		if subnet != "" {
			ni.SubnetId = aws.String(subnet)
		}
		rii.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{ni}
		rsv, err = is.client.RunInstances(ctx, rii)
		if err == nil || !isSubnetError(err) {
			break
		}
		is.logger.WithError(err).WithField("SubnetID", subnet).Warn("RunInstances failed, trying next subnet")
	}
	if err != nil {
		return nil, wrapError(err)
	}
	if len(rsv.Instances) == 0 {
		return nil, errors.New("RunInstances returned no instances")
	}
	return &ec2Instance{is: is, instance: rsv.Instances[0]}, nil
}

func (is *ec2InstanceSet) Instances(tags cloud.InstanceTags) ([]cloud.Instance, error) {
	dii := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("tag:" + tagKeyInstanceSetID),
			Values: []string{string(is.instanceSetID)},
		}},
	}
	for k, v := range tags {
		dii.Filters = append(dii.Filters, types.Filter{
			Name:   aws.String("tag:" + tagPrefix + k),
			Values: []string{v},
		})
	}
	var instances []cloud.Instance
	for {
		dio, err := is.client.DescribeInstances(context.Background(), dii)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
					continue
				}
				instances = append(instances, &ec2Instance{is: is, instance: inst})
			}
		}
		if dio.NextToken == nil || *dio.NextToken == "" {
			return instances, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (is *ec2InstanceSet) Stop() {
}

type ec2Instance struct {
	is       *ec2InstanceSet
	instance types.Instance
}

func (inst *ec2Instance) ID() cloud.InstanceID {
	return cloud.InstanceID(aws.ToString(inst.instance.InstanceId))
}

func (inst *ec2Instance) String() string {
	return aws.ToString(inst.instance.InstanceId)
}

func (inst *ec2Instance) ProviderType() string {
	return string(inst.instance.InstanceType)
}

func (inst *ec2Instance) SetTags(newTags cloud.InstanceTags) error {
	_, err := inst.is.client.CreateTags(context.Background(), &ec2.CreateTagsInput{
		Resources: []string{aws.ToString(inst.instance.InstanceId)},
		Tags:      inst.is.tags(newTags),
	})
	return wrapError(err)
}

func (inst *ec2Instance) Tags() cloud.InstanceTags {
	tags := cloud.InstanceTags{}
	for _, t := range inst.instance.Tags {
		if k := aws.ToString(t.Key); strings.HasPrefix(k, tagPrefix) {
			tags[k[len(tagPrefix):]] = aws.ToString(t.Value)
		}
	}
	return tags
}

func (inst *ec2Instance) Destroy() error {
	inst.is.logger.WithField("Instance", inst.String()).Info("terminating instance")
	_, err := inst.is.client.TerminateInstances(context.Background(), &ec2.TerminateInstancesInput{
		InstanceIds: []string{aws.ToString(inst.instance.InstanceId)},
	})
	return wrapError(err)
}

func (inst *ec2Instance) Address() string {
	return aws.ToString(inst.instance.PrivateIpAddress)
}

func (inst *ec2Instance) RemoteUser() string {
	return inst.is.ec2config.AdminUsername
}

func (inst *ec2Instance) VerifyHostKey(ssh.PublicKey, *ssh.Client) error {
	return cloud.ErrNotImplemented
}

var (
	throttleCodes = map[string]bool{
		"RequestLimitExceeded": true,
		"Throttling":           true,
		"ThrottlingException":  true,
	}
	quotaCodes = map[string]bool{
		"InstanceLimitExceeded":         true,
		"InsufficientInstanceCapacity":  true,
		"VcpuLimitExceeded":             true,
		"MaxSpotInstanceCountExceeded":  true,
		"InsufficientCapacityOnHost":    true,
		"InsufficientReservedInstances": true,
	}
	subnetCodes = map[string]bool{
		"InsufficientFreeAddressesInSubnet": true,
		"InvalidSubnetID.NotFound":          true,
	}

	// Time to wait after a throttling error.
	throttleDelay = 10 * time.Second
)

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isSubnetError(err error) bool {
	return subnetCodes[errorCode(err)]
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time { return err.earliestRetry }
func (err rateLimitError) Unwrap() error            { return err.error }

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool { return true }
func (err quotaError) Unwrap() error  { return err.error }

// wrapError returns err, wrapped as a cloud.RateLimitError or
// cloud.QuotaError where applicable.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	code := errorCode(err)
	switch {
	case throttleCodes[code]:
		return rateLimitError{error: err, earliestRetry: time.Now().Add(throttleDelay)}
	case quotaCodes[code]:
		return quotaError{error: err}
	case code != "":
		return fmt.Errorf("EC2 %s: %w", code, err)
	}
	return err
}
