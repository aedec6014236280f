// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is a cloud driver whose single "instance" is an
// SSH server, running in the current process, that executes
// commands on the local host. It is useful for tests and for running
// cloud jobs on a workstation.
package loopback

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"syscall"

	"git.arvados.org/jobexec.git/lib/cloud"
	"git.arvados.org/jobexec.git/lib/test"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type quotaError int

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string {
	return fmt.Sprintf("loopback driver is at quota (%d instances)", int(e))
}

// Parameters are read from Cloud.DriverParameters.
type Parameters struct {
	// Number of instances that can exist at once. Default 1.
	MaxInstances int
}

type instanceSet struct {
	instanceSetID cloud.InstanceSetID
	params        Parameters
	logger        logrus.FieldLogger
	instances     []*instance
	nextID        int
	mtx           sync.Mutex
}

func newInstanceSet(config json.RawMessage, instanceSetID cloud.InstanceSetID, _ cloud.SharedResourceTags, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		instanceSetID: instanceSetID,
		logger:        logger,
	}
	if len(config) > 0 && string(config) != "null" {
		if err := json.Unmarshal(config, &is.params); err != nil {
			return nil, fmt.Errorf("loopback driver parameters: %w", err)
		}
	}
	if is.params.MaxInstances < 1 {
		is.params.MaxInstances = 1
	}
	return is, nil
}

func (is *instanceSet) Create(it jobexec.InstanceType, _ cloud.ImageID, tags cloud.InstanceTags, initCommand cloud.InitCommand, pubkey ssh.PublicKey) (cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if len(is.instances) >= is.params.MaxInstances {
		return nil, quotaError(is.params.MaxInstances)
	}
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	if initCommand != "" {
		out, err := exec.Command("sh", "-c", string(initCommand)).CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("init command failed: %s (%q)", err, out)
		}
	}
	_, hostPrivKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	hostKey, err := ssh.NewSignerFromKey(hostPrivKey)
	if err != nil {
		return nil, err
	}
	is.nextID++
	inst := &instance{
		is:           is,
		id:           cloud.InstanceID(fmt.Sprintf("%s-%d", it.ProviderType, is.nextID)),
		instanceType: it,
		loginUser:    u.Username,
		tags:         copyTags(tags),
		hostPubKey:   hostKey.PublicKey(),
		sshService: test.SSHService{
			HostKey:        hostKey,
			AuthorizedUser: u.Username,
			AuthorizedKeys: []ssh.PublicKey{pubkey},
		},
	}
	inst.sshService.Exec = inst.run
	go inst.sshService.Start()
	is.instances = append(is.instances, inst)
	is.logger.WithFields(logrus.Fields{
		"Instance":     inst.id,
		"InstanceType": it.Name,
	}).Debug("created loopback instance")
	return inst, nil
}

func (is *instanceSet) Instances(filter cloud.InstanceTags) ([]cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var ret []cloud.Instance
	for _, inst := range is.instances {
		if inst.hasTags(filter) {
			ret = append(ret, inst)
		}
	}
	return ret, nil
}

// Stop shuts down the SSH servers of all instances. The instances
// stay listed until destroyed.
func (is *instanceSet) Stop() {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	for _, inst := range is.instances {
		inst.sshService.Close()
	}
}

func copyTags(tags cloud.InstanceTags) cloud.InstanceTags {
	if tags == nil {
		return nil
	}
	cp := make(cloud.InstanceTags, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	return cp
}

type instance struct {
	is           *instanceSet
	id           cloud.InstanceID
	instanceType jobexec.InstanceType
	loginUser    string
	hostPubKey   ssh.PublicKey
	sshService   test.SSHService

	mtx  sync.Mutex
	tags cloud.InstanceTags
}

func (i *instance) ID() cloud.InstanceID { return i.id }
func (i *instance) String() string       { return string(i.id) }
func (i *instance) ProviderType() string { return i.instanceType.ProviderType }
func (i *instance) Address() string      { return i.sshService.Address() }
func (i *instance) RemoteUser() string   { return i.loginUser }

func (i *instance) Tags() cloud.InstanceTags {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return copyTags(i.tags)
}

func (i *instance) SetTags(tags cloud.InstanceTags) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.tags = copyTags(tags)
	return nil
}

func (i *instance) hasTags(filter cloud.InstanceTags) bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	for k, v := range filter {
		if i.tags[k] != v {
			return false
		}
	}
	return true
}

func (i *instance) Destroy() error {
	i.is.mtx.Lock()
	defer i.is.mtx.Unlock()
	for n, inst := range i.is.instances {
		if inst == i {
			i.is.instances = append(i.is.instances[:n], i.is.instances[n+1:]...)
			i.sshService.Close()
			break
		}
	}
	return nil
}

func (i *instance) VerifyHostKey(pubkey ssh.PublicKey, _ *ssh.Client) error {
	if !bytes.Equal(pubkey.Marshal(), i.hostPubKey.Marshal()) {
		return errors.New("host key mismatch")
	}
	return nil
}

// run executes a command received over SSH as the current user. A
// leading "sudo " is dropped, since the process already runs with
// whatever privileges the service has.
func (i *instance) run(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	cmd := exec.Command("sh", "-c", strings.TrimPrefix(command, "sudo "))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Detach from our controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	var exiterr *exec.ExitError
	switch err := cmd.Run(); {
	case err == nil:
		return 0
	case errors.As(err, &exiterr) && exiterr.ExitCode() > 0:
		return uint32(exiterr.ExitCode())
	default:
		i.is.logger.WithError(err).WithField("Instance", i.id).Debug("command did not run")
		return 1
	}
}
