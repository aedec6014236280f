// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"git.arvados.org/jobexec.git/lib/sshexecutor"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errNoPrivateKey = errors.New("credential has no private key")

type sshTarget struct {
	addr    string
	user    string
	hostKey ssh.HostKeyCallback
	logger  logrus.FieldLogger
}

func (t sshTarget) Address() string    { return t.addr }
func (t sshTarget) RemoteUser() string { return t.user }

func (t sshTarget) VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error {
	if t.hostKey == nil {
		t.logger.WithField("Address", t.addr).Debugf("accepting host key %s", ssh.FingerprintSHA256(key))
		return nil
	}
	return t.hostKey(t.addr, client.RemoteAddr(), key)
}

// Signer returns an ssh.Signer for the credential's private key.
func Signer(cred *jobexec.Credential) (ssh.Signer, error) {
	if cred == nil || len(cred.PrivateKey) == 0 {
		return nil, errNoPrivateKey
	}
	if cred.Passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, []byte(cred.Passphrase))
	}
	return ssh.ParsePrivateKey(cred.PrivateKey)
}

// SSHDialer returns a Dialer that logs in to cluster login nodes with
// the credential's private key. If cfg.ClusterPool.KnownHostsFile is
// set, host keys are checked against it.
//
// The connection is established (and the liveness command run) before
// the dialer returns, so authentication failures are reported to the
// caller of Acquire rather than the first command.
func SSHDialer(cfg *jobexec.Config, logger logrus.FieldLogger) Dialer {
	return func(ctx context.Context, t Target, cred *jobexec.Credential) (Executor, error) {
		signer, err := Signer(cred)
		if err != nil {
			return nil, err
		}
		target := sshTarget{
			addr:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
			user:   t.User,
			logger: logger,
		}
		if fnm := cfg.ClusterPool.KnownHostsFile; fnm != "" {
			target.hostKey, err = knownhosts.New(fnm)
			if err != nil {
				return nil, &jobexec.ConfigError{Err: fmt.Errorf("loading known hosts: %w", err)}
			}
		}
		exr := sshexecutor.New(target)
		exr.SetSigners(signer)
		exr.SetTimeout(cfg.ClusterPool.ConnectTimeout.Duration())
		liveness := cfg.ClusterPool.LivenessCommand
		if liveness == "" {
			liveness = "ls"
		}
		_, stderr, err := exr.Execute(ctx, nil, liveness, nil)
		if err != nil {
			exr.Close()
			return nil, &CommandError{Command: liveness, Stderr: string(stderr), Err: err}
		}
		return exr, nil
	}
}
