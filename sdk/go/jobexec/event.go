// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobexec

import (
	"time"
)

// EventType is the kind of lifecycle event published for a job
// attempt.
type EventType string

const (
	EventStepFinished    = EventType("StepFinished")
	EventStepFailed      = EventType("StepFailed")
	EventStatusChanged   = EventType("StatusChanged")
	EventExecutionFailed = EventType("ExecutionFailed")
)

// An Event is published to the notification sink as a job attempt
// makes progress.
type Event struct {
	Type         EventType
	ExperimentID string
	ProcessID    string
	JobID        string
	Step         string   `json:",omitempty"`
	Status       JobState `json:",omitempty"`
	Err          error    `json:"-"`
	Error        string   `json:",omitempty"`
	Time         time.Time
}

// A Notifier delivers lifecycle events to whoever is orchestrating
// the experiment. Publish must be safe to call from multiple
// goroutines, and must not block for long.
type Notifier interface {
	Publish(Event)
}

// NotifierFunc makes a Notifier from a plain func.
type NotifierFunc func(Event)

// Publish implements Notifier.
func (f NotifierFunc) Publish(ev Event) { f(ev) }
