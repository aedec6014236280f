// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema is the table PostgresStore reads from.
const Schema = `create table if not exists credentials (
	gateway_id text not null,
	token_id text not null,
	kind text not null,
	username text not null default '',
	portal text not null default '',
	certificate bytea,
	private_key bytea,
	public_key bytea,
	passphrase text not null default '',
	not_after timestamp with time zone,
	primary key (gateway_id, token_id)
)`

type credentialRow struct {
	GatewayID   string       `db:"gateway_id"`
	TokenID     string       `db:"token_id"`
	Kind        string       `db:"kind"`
	Username    string       `db:"username"`
	Portal      string       `db:"portal"`
	Certificate []byte       `db:"certificate"`
	PrivateKey  []byte       `db:"private_key"`
	PublicKey   []byte       `db:"public_key"`
	Passphrase  string       `db:"passphrase"`
	NotAfter    sql.NullTime `db:"not_after"`
}

func (row *credentialRow) credential() *jobexec.Credential {
	cred := &jobexec.Credential{
		Kind:        jobexec.CredentialKind(row.Kind),
		GatewayID:   row.GatewayID,
		TokenID:     row.TokenID,
		Username:    row.Username,
		Portal:      row.Portal,
		Passphrase:  row.Passphrase,
		Certificate: row.Certificate,
		PrivateKey:  row.PrivateKey,
		PublicKey:   row.PublicKey,
	}
	if row.NotAfter.Valid {
		cred.NotAfter = row.NotAfter.Time
	}
	return cred
}

// PostgresStore is a Store backed by a PostgreSQL table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to the database given by dsn, e.g.,
// "host=localhost dbname=jobexec sslmode=disable".
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Init creates the credentials table if it does not exist.
func (ps *PostgresStore) Init(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, Schema)
	return err
}

// Get implements Store.
func (ps *PostgresStore) Get(ctx context.Context, gatewayID, tokenID string) (*jobexec.Credential, error) {
	var row credentialRow
	err := ps.db.GetContext(ctx, &row, `select gateway_id, token_id, kind, username, portal, certificate, private_key, public_key, passphrase, not_after
		from credentials where gateway_id=$1 and token_id=$2`, gatewayID, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, dbError("reading credential", err)
	}
	cred := row.credential()
	if err := SetLifetime(cred); err != nil {
		return nil, fmt.Errorf("credential %s/%s: %w", gatewayID, tokenID, err)
	}
	return cred, nil
}

// Put implements Saver.
func (ps *PostgresStore) Put(ctx context.Context, cred *jobexec.Credential) error {
	var notAfter sql.NullTime
	if !cred.NotAfter.IsZero() {
		notAfter = sql.NullTime{Time: cred.NotAfter.UTC(), Valid: true}
	}
	_, err := ps.db.NamedExecContext(ctx, `insert into credentials
		(gateway_id, token_id, kind, username, portal, certificate, private_key, public_key, passphrase, not_after)
		values (:gateway_id, :token_id, :kind, :username, :portal, :certificate, :private_key, :public_key, :passphrase, :not_after)
		on conflict (gateway_id, token_id) do update set
		kind=excluded.kind, username=excluded.username, portal=excluded.portal,
		certificate=excluded.certificate, private_key=excluded.private_key,
		public_key=excluded.public_key, passphrase=excluded.passphrase,
		not_after=excluded.not_after`,
		&credentialRow{
			GatewayID:   cred.GatewayID,
			TokenID:     cred.TokenID,
			Kind:        string(cred.Kind),
			Username:    cred.Username,
			Portal:      cred.Portal,
			Certificate: cred.Certificate,
			PrivateKey:  cred.PrivateKey,
			PublicKey:   cred.PublicKey,
			Passphrase:  cred.Passphrase,
			NotAfter:    notAfter,
		})
	if err != nil {
		return dbError("saving credential", err)
	}
	return nil
}

// Close closes the database connection pool.
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

func dbError(action string, err error) error {
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		return fmt.Errorf("%s: %s (%s): %w", action, pqerr.Message, pqerr.Code.Name(), err)
	}
	return fmt.Errorf("%s: %w", action, err)
}
