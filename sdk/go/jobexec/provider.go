// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"context"
)

// A Provider performs the actual submission of a job to one family of
// back ends. Initialize, Execute, and Dispose are called exactly once
// each, in that order, for a given job attempt.
type Provider interface {
	// Name identifies the provider variant in logs and events.
	Name() string

	// Initialize prepares working directories and resolves the
	// submission descriptor.
	Initialize(context.Context, *ExecutionContext) error

	// Execute submits the job and, for back ends that report
	// status asynchronously, blocks until the job reaches a
	// terminal state. A FAILED terminal state is returned as an
	// error.
	Execute(context.Context, *ExecutionContext) error

	// Dispose releases transient resources acquired by Initialize
	// and Execute. It must not close pooled connections.
	Dispose(context.Context, *ExecutionContext) error
}
