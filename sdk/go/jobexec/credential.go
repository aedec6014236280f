// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"time"
)

// CredentialKind distinguishes delegated grid proxies from SSH keys.
type CredentialKind string

const (
	CredentialX509Proxy = CredentialKind("x509-proxy")
	CredentialSSHKey    = CredentialKind("ssh-key")
)

// A Credential is a delegated identity used to reach a compute
// resource on behalf of a gateway user.
type Credential struct {
	Kind       CredentialKind
	GatewayID  string
	TokenID    string
	Username   string
	Portal     string `json:",omitempty"`
	Passphrase string `json:"-"`

	// PEM-encoded proxy certificate chain (x509-proxy).
	Certificate []byte `json:",omitempty"`
	// PEM-encoded private key (both kinds).
	PrivateKey []byte `json:"-"`
	// Authorized-keys format public key (ssh-key).
	PublicKey []byte `json:",omitempty"`

	// Expiry time. Zero means the credential does not expire.
	NotAfter time.Time
}

// RemainingLifetime returns the time left before the credential
// expires, or a very large duration if it never expires.
func (cred *Credential) RemainingLifetime(now time.Time) time.Duration {
	if cred.NotAfter.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return cred.NotAfter.Sub(now)
}

// Expired returns true if the credential's lifetime has run out.
func (cred *Credential) Expired(now time.Time) bool {
	return cred.RemainingLifetime(now) <= 0
}
