// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud defines what the cloud provider needs from a driver:
// create one VM per job attempt, reach it over SSH, list and destroy
// the VMs it created.
package cloud

import (
	"encoding/json"
	"errors"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// RateLimitError is implemented by driver errors that mean the cloud
// API is refusing calls until EarliestRetry.
type RateLimitError interface {
	EarliestRetry() time.Time
	error
}

// QuotaError is implemented by driver errors that mean no more
// instances can be created until some are destroyed. Errors for
// which IsQuotaError returns false are ordinary failures.
type QuotaError interface {
	IsQuotaError() bool
	error
}

type (
	// SharedResourceTags are applied to resources that outlive a
	// single instance, like imported SSH key pairs.
	SharedResourceTags map[string]string
	InstanceSetID      string
	InstanceTags       map[string]string
	InstanceID         string
	ImageID            string
	// InitCommand is a shell command run once when the instance
	// boots.
	InitCommand string
)

// ErrNotImplemented is returned by VerifyHostKey when the driver has
// no way to learn the instance's host key.
var ErrNotImplemented = errors.New("not implemented")

// An ExecutorTarget is the SSH endpoint of an instance.
type ExecutorTarget interface {
	// Host or IP address. Empty while the instance is still
	// booting.
	Address() string

	RemoteUser() string

	// VerifyHostKey returns nil if the key belongs to the
	// instance. The client, if not nil, is already connected and
	// may be used to ask the instance itself.
	VerifyHostKey(ssh.PublicKey, *ssh.Client) error
}

// Instance is a VM created for one job attempt.
type Instance interface {
	ExecutorTarget

	ID() InstanceID
	String() string

	// ProviderType matches an InstanceType's ProviderType in
	// Cloud.InstanceTypes.
	ProviderType() string

	Tags() InstanceTags
	SetTags(InstanceTags) error

	Destroy() error
}

// An InstanceSet creates and lists instances. Its methods, and the
// methods of the instances it returns, are safe to call from
// concurrent job attempts.
type InstanceSet interface {
	// Create boots a new instance of the given type and image,
	// authorizing pubkey for SSH login when the driver supports
	// it. Errors should implement RateLimitError or QuotaError
	// where that applies.
	Create(it jobexec.InstanceType, image ImageID, tags InstanceTags, init InitCommand, pubkey ssh.PublicKey) (Instance, error)

	// Instances lists the set's instances, including booting and
	// shutting-down ones, that carry all of the given tags.
	Instances(InstanceTags) ([]Instance, error)

	Stop()
}

// A Driver builds an InstanceSet from the Cloud.DriverParameters
// config section. The set must only modify or delete resources it
// tagged with id, or instances the caller destroys explicitly.
type Driver interface {
	InstanceSet(config json.RawMessage, id InstanceSetID, tags SharedResourceTags, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(config json.RawMessage, id InstanceSetID, tags SharedResourceTags, logger logrus.FieldLogger) (InstanceSet, error)

func (f DriverFunc) InstanceSet(config json.RawMessage, id InstanceSetID, tags SharedResourceTags, logger logrus.FieldLogger) (InstanceSet, error) {
	return f(config, id, tags, logger)
}
