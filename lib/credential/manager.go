// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package credential supplies the delegated credentials (grid proxy
// certificates and SSH keys) used to reach compute resources, and
// renews them when they are close to expiry.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound  = errors.New("credential not found")
	ErrExpired   = errors.New("credential has expired")
	ErrNoRenewer = errors.New("no credential renewal method available")
)

// A Store is a durable source of credentials, usually populated by
// the gateway's credential service.
type Store interface {
	// Get returns the credential identified by gatewayID and
	// tokenID, or ErrNotFound. Any other error means the store
	// is unreachable.
	Get(ctx context.Context, gatewayID, tokenID string) (*jobexec.Credential, error)
}

// A Saver is a Store that can also record a renewed credential.
type Saver interface {
	Put(ctx context.Context, cred *jobexec.Credential) error
}

// A Renewer obtains a fresh credential without the store, e.g., by
// logging in to a MyProxy server with a password.
type Renewer interface {
	Renew(ctx context.Context, cred *jobexec.Credential) (*jobexec.Credential, error)
}

// Manager looks up credentials and renews them. It is safe for
// concurrent use.
type Manager struct {
	store     Store
	renewer   Renewer
	threshold time.Duration
	defaultGW string
	defaultTK string
	logger    logrus.FieldLogger
	cache     *lru.TwoQueueCache

	// Overridden by tests.
	now func() time.Time
}

// NewManager returns a Manager that reads from store (which may be
// nil) and falls back to renewer (which may also be nil).
func NewManager(cfg *jobexec.Config, store Store, renewer Renewer, logger logrus.FieldLogger) (*Manager, error) {
	size := cfg.Credentials.CacheSize
	if size < 1 {
		size = 1
	}
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:     store,
		renewer:   renewer,
		threshold: cfg.Monitor.CredentialRenewThreshold.Duration(),
		defaultGW: cfg.Credentials.DefaultGatewayID,
		defaultTK: cfg.Credentials.DefaultTokenID,
		logger:    logger,
		cache:     cache,
		now:       time.Now,
	}, nil
}

func cacheKey(gatewayID, tokenID string) string {
	return gatewayID + "/" + tokenID
}

// NeedsRenewal returns true if cred's remaining lifetime is below
// the renewal threshold.
func (m *Manager) NeedsRenewal(cred *jobexec.Credential) bool {
	return cred.RemainingLifetime(m.now()) < m.threshold
}

// Get returns the credential identified by gatewayID and tokenID. If
// either is empty, the configured default is used.
//
// Unexpired credentials are served from an in-memory cache.
func (m *Manager) Get(ctx context.Context, gatewayID, tokenID string) (*jobexec.Credential, error) {
	if gatewayID == "" {
		gatewayID = m.defaultGW
	}
	if tokenID == "" {
		tokenID = m.defaultTK
	}
	key := cacheKey(gatewayID, tokenID)
	if v, ok := m.cache.Get(key); ok {
		cred := v.(*jobexec.Credential)
		if !cred.Expired(m.now()) {
			return cred, nil
		}
		m.cache.Remove(key)
	}
	if m.store == nil {
		return nil, ErrNotFound
	}
	cred, err := m.store.Get(ctx, gatewayID, tokenID)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, cred)
	return cred, nil
}

// Renew returns a replacement for cred.
//
// The store is consulted first. The fallback renewer is used only if
// the store is unreachable, or has nothing fresher than cred.
func (m *Manager) Renew(ctx context.Context, cred *jobexec.Credential) (*jobexec.Credential, error) {
	logger := m.logger.WithFields(logrus.Fields{
		"GatewayID": cred.GatewayID,
		"TokenID":   cred.TokenID,
	})
	key := cacheKey(cred.GatewayID, cred.TokenID)
	// Don't let the cache return the credential being replaced.
	m.cache.Remove(key)

	var storeErr error
	if m.store == nil {
		storeErr = ErrNotFound
	} else if fresh, err := m.store.Get(ctx, cred.GatewayID, cred.TokenID); err != nil {
		storeErr = err
	} else if fresh.RemainingLifetime(m.now()) <= m.threshold {
		storeErr = ErrNotFound
		logger.Debug("store has no fresher credential")
	} else {
		m.cache.Add(key, fresh)
		logger.WithField("NotAfter", fresh.NotAfter).Info("renewed credential from store")
		return fresh, nil
	}
	if !errors.Is(storeErr, ErrNotFound) {
		logger.WithError(storeErr).Warn("credential store unreachable, trying fallback renewal")
	}
	if m.renewer == nil {
		return nil, fmt.Errorf("%w (store: %s)", ErrNoRenewer, storeErr)
	}
	renewed, err := m.renewer.Renew(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("renewing credential: %w", err)
	}
	m.cache.Add(key, renewed)
	if saver, ok := m.store.(Saver); ok {
		if err := saver.Put(ctx, renewed); err != nil {
			logger.WithError(err).Warn("could not save renewed credential")
		}
	}
	logger.WithField("NotAfter", renewed.NotAfter).Info("renewed credential")
	return renewed, nil
}
