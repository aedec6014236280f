// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credential

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"git.arvados.org/jobexec.git/lib/config"
	"git.arvados.org/jobexec.git/lib/test"
	"git.arvados.org/jobexec.git/sdk/go/ctxlog"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ManagerSuite{})

// makeProxyPEM returns a self-signed certificate and key in PEM
// format, valid until notAfter.
func makeProxyPEM(c *check.C, notAfter time.Time) []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	c.Assert(err, check.IsNil)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "proxy"},
		NotBefore:    notAfter.Add(-24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	c.Assert(err, check.IsNil)
	keyDER, err := x509.MarshalECPrivateKey(key)
	c.Assert(err, check.IsNil)
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	return out
}

type stubStore struct {
	mtx         sync.Mutex
	creds       map[string]*jobexec.Credential
	unreachable bool
	gets        int
	saved       []*jobexec.Credential
}

func (s *stubStore) Get(ctx context.Context, gatewayID, tokenID string) (*jobexec.Credential, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.gets++
	if s.unreachable {
		return nil, errors.New("connection refused")
	}
	cred, ok := s.creds[cacheKey(gatewayID, tokenID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cred, nil
}

func (s *stubStore) Put(ctx context.Context, cred *jobexec.Credential) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.saved = append(s.saved, cred)
	return nil
}

type stubRenewer struct {
	renewed *jobexec.Credential
	err     error
	calls   int
}

func (r *stubRenewer) Renew(ctx context.Context, cred *jobexec.Credential) (*jobexec.Credential, error) {
	r.calls++
	return r.renewed, r.err
}

type ManagerSuite struct {
	cfg     *jobexec.Config
	now     time.Time
	store   *stubStore
	renewer *stubRenewer
	mgr     *Manager
}

func (s *ManagerSuite) SetUpTest(c *check.C) {
	cfg, err := config.LoadDefault()
	c.Assert(err, check.IsNil)
	cfg.Credentials.DefaultGatewayID = "gw1"
	cfg.Credentials.DefaultTokenID = "tok1"
	s.cfg = cfg
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = &stubStore{creds: map[string]*jobexec.Credential{}}
	s.renewer = &stubRenewer{}
	s.mgr, err = NewManager(cfg, s.store, s.renewer, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.mgr.now = func() time.Time { return s.now }
}

func (s *ManagerSuite) cred(gw, tok string, lifetime time.Duration) *jobexec.Credential {
	return &jobexec.Credential{
		Kind:      jobexec.CredentialSSHKey,
		GatewayID: gw,
		TokenID:   tok,
		Username:  "alice",
		NotAfter:  s.now.Add(lifetime),
	}
}

func (s *ManagerSuite) TestGetCached(c *check.C) {
	s.store.creds["gw1/tok1"] = s.cred("gw1", "tok1", time.Hour)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cred, err := s.mgr.Get(ctx, "gw1", "tok1")
		c.Assert(err, check.IsNil)
		c.Check(cred.Username, check.Equals, "alice")
	}
	c.Check(s.store.gets, check.Equals, 1)

	// Expired cache entries are not used.
	s.now = s.now.Add(2 * time.Hour)
	_, err := s.mgr.Get(ctx, "gw1", "tok1")
	c.Check(err, check.IsNil)
	c.Check(s.store.gets, check.Equals, 2)
}

func (s *ManagerSuite) TestGetDefaults(c *check.C) {
	s.store.creds["gw1/tok1"] = s.cred("gw1", "tok1", time.Hour)
	cred, err := s.mgr.Get(context.Background(), "", "")
	c.Assert(err, check.IsNil)
	c.Check(cred.GatewayID, check.Equals, "gw1")
}

func (s *ManagerSuite) TestGetNotFound(c *check.C) {
	_, err := s.mgr.Get(context.Background(), "gw1", "nope")
	c.Check(err, check.Equals, ErrNotFound)

	mgr, err := NewManager(s.cfg, nil, nil, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	_, err = mgr.Get(context.Background(), "gw1", "tok1")
	c.Check(err, check.Equals, ErrNotFound)
}

func (s *ManagerSuite) TestNeedsRenewal(c *check.C) {
	c.Check(s.mgr.NeedsRenewal(s.cred("gw1", "tok1", 5*time.Minute)), check.Equals, true)
	c.Check(s.mgr.NeedsRenewal(s.cred("gw1", "tok1", time.Hour)), check.Equals, false)
	c.Check(s.mgr.NeedsRenewal(&jobexec.Credential{}), check.Equals, false)
}

func (s *ManagerSuite) TestRenewFromStore(c *check.C) {
	old := s.cred("gw1", "tok1", time.Minute)
	s.store.creds["gw1/tok1"] = s.cred("gw1", "tok1", 12*time.Hour)
	renewed, err := s.mgr.Renew(context.Background(), old)
	c.Assert(err, check.IsNil)
	c.Check(renewed.NotAfter, check.Equals, s.now.Add(12*time.Hour))
	c.Check(s.renewer.calls, check.Equals, 0)
	c.Check(s.store.saved, check.HasLen, 0)
}

func (s *ManagerSuite) TestRenewFallbackWhenStoreStale(c *check.C) {
	old := s.cred("gw1", "tok1", time.Minute)
	s.store.creds["gw1/tok1"] = old
	s.renewer.renewed = s.cred("gw1", "tok1", 12*time.Hour)
	renewed, err := s.mgr.Renew(context.Background(), old)
	c.Assert(err, check.IsNil)
	c.Check(renewed, check.Equals, s.renewer.renewed)
	c.Check(s.renewer.calls, check.Equals, 1)
	c.Check(s.store.saved, check.DeepEquals, []*jobexec.Credential{s.renewer.renewed})

	// Subsequent Get returns the renewed credential from cache.
	cred, err := s.mgr.Get(context.Background(), "gw1", "tok1")
	c.Check(err, check.IsNil)
	c.Check(cred, check.Equals, s.renewer.renewed)
}

func (s *ManagerSuite) TestRenewFallbackWhenStoreUnreachable(c *check.C) {
	s.store.unreachable = true
	s.renewer.renewed = s.cred("gw1", "tok1", 12*time.Hour)
	_, err := s.mgr.Renew(context.Background(), s.cred("gw1", "tok1", time.Minute))
	c.Check(err, check.IsNil)
	c.Check(s.renewer.calls, check.Equals, 1)
}

func (s *ManagerSuite) TestRenewFailure(c *check.C) {
	s.renewer.err = errors.New("bad passphrase")
	_, err := s.mgr.Renew(context.Background(), s.cred("gw1", "tok1", time.Minute))
	c.Check(err, check.ErrorMatches, `renewing credential: bad passphrase`)

	mgr, err := NewManager(s.cfg, s.store, nil, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	_, err = mgr.Renew(context.Background(), s.cred("gw1", "tok1", time.Minute))
	c.Check(errors.Is(err, ErrNoRenewer), check.Equals, true)
}

func (s *ManagerSuite) TestProxyNotAfter(c *check.C) {
	notAfter := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	data := makeProxyPEM(c, notAfter)
	// Chain with a longer-lived issuer: the earliest expiry wins.
	data = append(data, makeProxyPEM(c, notAfter.Add(time.Hour))...)
	t, err := ProxyNotAfter(data)
	c.Check(err, check.IsNil)
	c.Check(t.Equal(notAfter), check.Equals, true)

	_, err = ProxyNotAfter([]byte("garbage"))
	c.Check(err, check.Equals, errNoCertificate)
}

func (s *ManagerSuite) TestSetLifetime(c *check.C) {
	notAfter := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	cred := &jobexec.Credential{Kind: jobexec.CredentialX509Proxy, PrivateKey: makeProxyPEM(c, notAfter)}
	c.Check(SetLifetime(cred), check.IsNil)
	c.Check(cred.NotAfter.Equal(notAfter), check.Equals, true)

	pub, signer, _ := test.GenerateKey(c)
	cred = &jobexec.Credential{Kind: jobexec.CredentialSSHKey, PublicKey: ssh.MarshalAuthorizedKey(pub)}
	c.Check(SetLifetime(cred), check.IsNil)
	c.Check(cred.NotAfter.IsZero(), check.Equals, true)

	cert := &ssh.Certificate{
		Key:         pub,
		CertType:    ssh.UserCert,
		ValidAfter:  uint64(notAfter.Add(-time.Hour).Unix()),
		ValidBefore: uint64(notAfter.Unix()),
	}
	c.Assert(cert.SignCert(rand.Reader, signer), check.IsNil)
	cred = &jobexec.Credential{Kind: jobexec.CredentialSSHKey, PublicKey: ssh.MarshalAuthorizedKey(cert)}
	c.Check(SetLifetime(cred), check.IsNil)
	c.Check(cred.NotAfter.Equal(notAfter), check.Equals, true)

	c.Check(SetLifetime(&jobexec.Credential{Kind: "password"}), check.ErrorMatches, `unknown credential kind "password"`)
}

func (s *ManagerSuite) TestMyProxyRenewer(c *check.C) {
	tmpdir := c.MkDir()
	notAfter := time.Now().Add(12 * time.Hour).Truncate(time.Second).UTC()
	certfile := filepath.Join(tmpdir, "issued.pem")
	c.Assert(os.WriteFile(certfile, makeProxyPEM(c, notAfter), 0600), check.IsNil)
	script := filepath.Join(tmpdir, "myproxy-logon")
	c.Assert(os.WriteFile(script, []byte(`#!/bin/sh
read pass
[ "$pass" = "s3cret" ] || { echo "bad passphrase" >&2; exit 1; }
while [ $# -gt 0 ]; do
  case "$1" in -o) out="$2"; shift;; esac
  shift
done
cp `+certfile+` "$out"
`), 0755), check.IsNil)

	s.cfg.Credentials.MyProxy.Server = "myproxy.example"
	s.cfg.Credentials.MyProxy.Command = script
	r := NewMyProxyRenewer(s.cfg, ctxlog.TestLogger(c))
	c.Assert(r, check.NotNil)

	cred := &jobexec.Credential{Kind: jobexec.CredentialX509Proxy, GatewayID: "gw1", TokenID: "tok1", Username: "alice", Passphrase: "s3cret"}
	renewed, err := r.Renew(context.Background(), cred)
	c.Assert(err, check.IsNil)
	c.Check(renewed.NotAfter.Equal(notAfter), check.Equals, true)
	c.Check(renewed.GatewayID, check.Equals, "gw1")
	c.Check(cred.NotAfter.IsZero(), check.Equals, true)

	cred.Passphrase = "wrong"
	_, err = r.Renew(context.Background(), cred)
	c.Check(err, check.ErrorMatches, `.*bad passphrase.*`)

	s.cfg.Credentials.MyProxy.Server = ""
	c.Check(NewMyProxyRenewer(s.cfg, ctxlog.TestLogger(c)), check.IsNil)
}
