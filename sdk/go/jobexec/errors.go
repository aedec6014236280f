// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"errors"
	"fmt"
)

// A ConfigError indicates the job cannot run as configured, e.g., an
// unknown handler name or compute resource protocol. Retrying will
// not help.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Configf returns a new ConfigError.
func Configf(format string, args ...interface{}) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// A SubmissionError indicates the job was rejected before or during
// remote submission.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return "submission error: " + e.Err.Error() }
func (e *SubmissionError) Unwrap() error { return e.Err }

// A RemoteJobError indicates the remote job reached the FAILED state.
type RemoteJobError struct {
	JobID  string
	Reason string
}

func (e *RemoteJobError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote job %s failed", e.JobID)
	}
	return fmt.Sprintf("remote job %s failed: %s", e.JobID, e.Reason)
}

// IsConfigError returns true if err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsSubmissionError returns true if err is, or wraps, a
// SubmissionError.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}
