// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler chooses the provider for a job attempt.
package scheduler

import (
	"errors"
	"fmt"

	"git.arvados.org/jobexec.git/lib/provider"
	"git.arvados.org/jobexec.git/lib/provider/batch"
	"git.arvados.org/jobexec.git/lib/provider/cloud"
	"git.arvados.org/jobexec.git/lib/provider/grid"
	"git.arvados.org/jobexec.git/lib/provider/local"
	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

var ErrUnsupportedProtocol = errors.New("unsupported submission protocol")

// SelectProvider returns a new provider for the given compute
// resource. Every protocol maps to exactly one provider variant; an
// empty protocol means local execution. An unrecognized protocol is
// a configuration error.
func SelectProvider(deps *provider.Deps, cr jobexec.ComputeResource) (jobexec.Provider, error) {
	switch cr.Protocol {
	case jobexec.ProtocolGridGatekeeper:
		return grid.New(deps), nil
	case jobexec.ProtocolSSHBatch:
		return batch.New(deps), nil
	case jobexec.ProtocolCloud:
		return cloud.New(deps), nil
	case jobexec.ProtocolLocal, "":
		return local.New(deps), nil
	default:
		return nil, &jobexec.ConfigError{Err: fmt.Errorf("%w %q", ErrUnsupportedProtocol, cr.Protocol)}
	}
}
