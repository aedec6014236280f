// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package handler runs the in-flow and out-flow handlers of a job
// attempt around its provider.
package handler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"git.arvados.org/jobexec.git/lib/output"
	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

var (
	ErrUnknownHandler = errors.New("unknown handler")
	ErrCancelled      = errors.New("execution cancelled")
)

// A Handler is one pre- or post-processing step of a job attempt.
type Handler interface {
	Invoke(ctx context.Context, jc *jobexec.ExecutionContext) error
}

// HandlerFunc makes a Handler from a plain func.
type HandlerFunc func(context.Context, *jobexec.ExecutionContext) error

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, jc *jobexec.ExecutionContext) error {
	return f(ctx, jc)
}

// Deps are the long-lived components available to handlers.
type Deps struct {
	*provider.Deps
	// Destination for collected outputs. If nil, outputs are
	// staged in Config.Output.StagingDir.
	Stager output.Stager
}

// A Factory returns a new Handler. It is called once per handler per
// attempt.
type Factory func(*Deps) (Handler, error)

// Registry maps handler names to factories.
type Registry struct {
	mtx       sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns a registry containing the built-in handlers.
func NewRegistry() *Registry {
	reg := &Registry{factories: map[string]Factory{}}
	for name, f := range builtins {
		reg.Register(name, f)
	}
	return reg
}

// Register adds or replaces the factory for the given name.
func (reg *Registry) Register(name string, f Factory) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if reg.factories == nil {
		reg.factories = map[string]Factory{}
	}
	reg.factories[name] = f
}

// Names returns the registered handler names, sorted.
func (reg *Registry) Names() []string {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	var names []string
	for name := range reg.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check returns a *jobexec.ConfigError if any of the given names is
// not registered.
func (reg *Registry) Check(names ...string) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	for _, name := range names {
		if _, ok := reg.factories[name]; !ok {
			return jobexec.Configf("%w %q", ErrUnknownHandler, name)
		}
	}
	return nil
}

// New returns a new instance of the named handler.
func (reg *Registry) New(name string, deps *Deps) (Handler, error) {
	reg.mtx.Lock()
	f, ok := reg.factories[name]
	reg.mtx.Unlock()
	if !ok {
		return nil, jobexec.Configf("%w %q", ErrUnknownHandler, name)
	}
	return f(deps)
}
