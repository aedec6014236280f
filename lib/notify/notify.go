// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package notify delivers job lifecycle events to the log, to an
// HTTP webhook, or to several sinks at once.
package notify

import (
	"sync"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
	"github.com/sirupsen/logrus"
)

// LogSink writes each event to a logger.
type LogSink struct {
	Logger logrus.FieldLogger
}

// Publish implements jobexec.Notifier.
func (ls LogSink) Publish(ev jobexec.Event) {
	logger := ls.Logger.WithFields(logrus.Fields{
		"Event":        ev.Type,
		"ExperimentID": ev.ExperimentID,
		"ProcessID":    ev.ProcessID,
	})
	if ev.JobID != "" {
		logger = logger.WithField("JobID", ev.JobID)
	}
	if ev.Step != "" {
		logger = logger.WithField("Step", ev.Step)
	}
	if ev.Status != jobexec.JobStateUnknown {
		logger = logger.WithField("Status", ev.Status)
	}
	switch ev.Type {
	case jobexec.EventStepFailed, jobexec.EventExecutionFailed:
		logger.WithField("Error", ev.Error).Warn("job event")
	case jobexec.EventStepFinished:
		logger.Debug("job event")
	default:
		logger.Info("job event")
	}
}

// Multi sends each event to all of its members, in order.
type Multi []jobexec.Notifier

// Publish implements jobexec.Notifier.
func (m Multi) Publish(ev jobexec.Event) {
	for _, n := range m {
		if n != nil {
			n.Publish(ev)
		}
	}
}

// Recorder keeps the events it receives.
type Recorder struct {
	mtx    sync.Mutex
	events []jobexec.Event
}

// Publish implements jobexec.Notifier.
func (r *Recorder) Publish(ev jobexec.Event) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the events received so far.
func (r *Recorder) Events() []jobexec.Event {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]jobexec.Event(nil), r.events...)
}

// Filter returns the events of the given type for the given
// process. An empty processID matches all processes.
func (r *Recorder) Filter(processID string, typ jobexec.EventType) []jobexec.Event {
	var out []jobexec.Event
	for _, ev := range r.Events() {
		if ev.Type == typ && (processID == "" || ev.ProcessID == processID) {
			out = append(out, ev)
		}
	}
	return out
}

// FromConfig returns the notifier described by the configuration:
// a LogSink, plus a Webhook if Notifications.WebhookURL is set. The
// returned func flushes pending webhook deliveries and should be
// called before exiting.
func FromConfig(cfg *jobexec.Config, logger logrus.FieldLogger) (jobexec.Notifier, func()) {
	sinks := Multi{LogSink{Logger: logger}}
	if cfg.Notifications.WebhookURL == "" {
		return sinks, func() {}
	}
	wh := NewWebhook(cfg.Notifications.WebhookURL, logger)
	return append(sinks, wh), wh.Close
}
