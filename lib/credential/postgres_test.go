// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credential

import (
	"context"
	"os"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PostgresSuite{})

// PostgresSuite needs a scratch database, given by
// JOBEXEC_TEST_POSTGRESQL_DSN.
type PostgresSuite struct {
	store *PostgresStore
}

func (s *PostgresSuite) SetUpSuite(c *check.C) {
	dsn := os.Getenv("JOBEXEC_TEST_POSTGRESQL_DSN")
	if dsn == "" {
		c.Skip("JOBEXEC_TEST_POSTGRESQL_DSN not set")
	}
	var err error
	s.store, err = NewPostgresStore(dsn)
	c.Assert(err, check.IsNil)
	c.Assert(s.store.Init(context.Background()), check.IsNil)
}

func (s *PostgresSuite) TearDownSuite(c *check.C) {
	if s.store != nil {
		s.store.db.Exec(`delete from credentials where gateway_id='pgtest'`)
		s.store.Close()
	}
}

func (s *PostgresSuite) TestPutGet(c *check.C) {
	ctx := context.Background()
	_, err := s.store.Get(ctx, "pgtest", "missing")
	c.Check(err, check.Equals, ErrNotFound)

	notAfter := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := &jobexec.Credential{
		Kind:       jobexec.CredentialSSHKey,
		GatewayID:  "pgtest",
		TokenID:    "tok1",
		Username:   "alice",
		PrivateKey: []byte("not really a key"),
		NotAfter:   notAfter,
	}
	c.Assert(s.store.Put(ctx, cred), check.IsNil)
	got, err := s.store.Get(ctx, "pgtest", "tok1")
	c.Assert(err, check.IsNil)
	c.Check(got.Username, check.Equals, "alice")
	c.Check(string(got.PrivateKey), check.Equals, "not really a key")
	c.Check(got.NotAfter.Equal(notAfter), check.Equals, true)

	cred.Username = "bob"
	c.Assert(s.store.Put(ctx, cred), check.IsNil)
	got, err = s.store.Get(ctx, "pgtest", "tok1")
	c.Assert(err, check.IsNil)
	c.Check(got.Username, check.Equals, "bob")
}
