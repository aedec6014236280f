// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

// JobState is the status of a submitted remote job, as reported by the
// remote scheduler or gatekeeper.
type JobState string

const (
	JobStateUnknown = JobState("")
	JobStatePending = JobState("PENDING")
	JobStateActive  = JobState("ACTIVE")
	JobStateDone    = JobState("DONE")
	JobStateFailed  = JobState("FAILED")
)

var jobStateRank = map[JobState]int{
	JobStateUnknown: 0,
	JobStatePending: 1,
	JobStateActive:  2,
	JobStateDone:    3,
	JobStateFailed:  3,
}

// Terminal returns true for DONE and FAILED.
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateFailed
}

// Valid returns true if s is one of the known states.
func (s JobState) Valid() bool {
	_, ok := jobStateRank[s]
	return ok
}

// CanBecome reports whether a job in state s may move to state next.
// States only move forward, except that ACTIVE may be reported any
// number of times while the job runs. Nothing follows a terminal
// state.
func (s JobState) CanBecome(next JobState) bool {
	if s.Terminal() || !next.Valid() || next == JobStateUnknown {
		return false
	}
	if s == JobStateActive && next == JobStateActive {
		return true
	}
	return jobStateRank[next] > jobStateRank[s]
}

func (s JobState) String() string {
	if s == JobStateUnknown {
		return "UNKNOWN"
	}
	return string(s)
}
