// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credential

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"golang.org/x/crypto/ssh"
)

var errNoCertificate = errors.New("no CERTIFICATE block found")

// ProxyNotAfter returns the expiry time of a PEM-encoded proxy
// certificate chain, i.e., the earliest NotAfter of the certificates
// in the chain.
func ProxyNotAfter(data []byte) (time.Time, error) {
	var notAfter time.Time
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing proxy certificate: %w", err)
		}
		if notAfter.IsZero() || cert.NotAfter.Before(notAfter) {
			notAfter = cert.NotAfter
		}
	}
	if notAfter.IsZero() {
		return notAfter, errNoCertificate
	}
	return notAfter, nil
}

// SSHKeyNotAfter returns the expiry time of an SSH public key in
// authorized_keys format. Plain keys do not expire (zero time);
// certificates expire at ValidBefore.
func SSHKeyNotAfter(authorizedKey []byte) (time.Time, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return time.Time{}, err
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok || cert.ValidBefore == ssh.CertTimeInfinity {
		return time.Time{}, nil
	}
	return time.Unix(int64(cert.ValidBefore), 0), nil
}

// SetLifetime fills in cred.NotAfter from the credential material, if
// it is not already set.
func SetLifetime(cred *jobexec.Credential) error {
	if !cred.NotAfter.IsZero() {
		return nil
	}
	var err error
	switch cred.Kind {
	case jobexec.CredentialX509Proxy:
		data := cred.Certificate
		if len(data) == 0 {
			// Grid proxies are often stored as one PEM
			// file with the key and chain together.
			data = cred.PrivateKey
		}
		cred.NotAfter, err = ProxyNotAfter(data)
	case jobexec.CredentialSSHKey:
		if len(cred.PublicKey) > 0 {
			cred.NotAfter, err = SSHKeyNotAfter(cred.PublicKey)
		}
	default:
		err = fmt.Errorf("unknown credential kind %q", cred.Kind)
	}
	return err
}
