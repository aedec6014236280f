// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credential

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

// MyProxyRenewer obtains a new grid proxy certificate by running
// myproxy-logon with the credential's username and passphrase.
type MyProxyRenewer struct {
	Server   string
	Port     int
	Command  string
	Lifetime time.Duration
	Logger   logrus.FieldLogger
}

// NewMyProxyRenewer returns a MyProxyRenewer using the given
// configuration. It returns nil if no MyProxy server is configured.
func NewMyProxyRenewer(cfg *jobexec.Config, logger logrus.FieldLogger) *MyProxyRenewer {
	mp := cfg.Credentials.MyProxy
	if mp.Server == "" {
		return nil
	}
	return &MyProxyRenewer{
		Server:   mp.Server,
		Port:     mp.Port,
		Command:  mp.Command,
		Lifetime: mp.Lifetime.Duration(),
		Logger:   logger,
	}
}

// Renew implements Renewer.
func (r *MyProxyRenewer) Renew(ctx context.Context, cred *jobexec.Credential) (*jobexec.Credential, error) {
	if cred.Username == "" || cred.Passphrase == "" {
		return nil, fmt.Errorf("myproxy renewal needs a username and passphrase")
	}
	tmpdir, err := os.MkdirTemp("", "jobexec-myproxy-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpdir)
	outfile := filepath.Join(tmpdir, "proxy.pem")

	command := r.Command
	if command == "" {
		command = "myproxy-logon"
	}
	hours := int(r.Lifetime.Hours())
	if hours < 1 {
		hours = 12
	}
	args := []string{
		"-s", r.Server,
		"-l", cred.Username,
		"-t", strconv.Itoa(hours),
		"-o", outfile,
		"-S",
	}
	if r.Port > 0 {
		args = append(args, "-p", strconv.Itoa(r.Port))
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = strings.NewReader(cred.Passphrase + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	r.Logger.WithFields(logrus.Fields{
		"Server":   r.Server,
		"Username": cred.Username,
	}).Debug("running myproxy-logon")
	err = cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("%s: %w (stderr: %q)", command, err, strings.TrimSpace(stderr.String()))
	}
	pemData, err := os.ReadFile(outfile)
	if err != nil {
		return nil, err
	}
	notAfter, err := ProxyNotAfter(pemData)
	if err != nil {
		return nil, err
	}
	renewed := *cred
	renewed.Kind = jobexec.CredentialX509Proxy
	renewed.Certificate = pemData
	renewed.PrivateKey = pemData
	renewed.NotAfter = notAfter
	return &renewed, nil
}
