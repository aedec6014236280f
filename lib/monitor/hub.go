// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"sync"
	"time"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

const (
	// Notifications waiting to be consumed beyond this are
	// dropped; the next one carries the latest state anyway.
	hubQueueSize = 16

	// Maximum number of job IDs with held notifications.
	hubMaxPending = 1024

	DefaultHoldTime = 10 * time.Minute
)

// A Hub routes status notifications pushed by a back end (e.g., a
// gatekeeper calling back to the service's HTTP endpoint) to the
// Monitor listening for that job.
//
// A gatekeeper may report a state change before the submitting
// goroutine has learned the job ID and called Register. Such
// notifications are held for HoldTime and handed over by Register.
type Hub struct {
	// Zero means DefaultHoldTime.
	HoldTime time.Duration

	mtx     sync.Mutex
	subs    map[string]chan jobexec.JobState
	pending map[string]*heldStates
	// job IDs unregistered within HoldTime
	gone map[string]time.Time
	now  func() time.Time
}

type heldStates struct {
	since  time.Time
	states []jobexec.JobState
}

func (h *Hub) init() {
	if h.subs == nil {
		h.subs = map[string]chan jobexec.JobState{}
		h.pending = map[string]*heldStates{}
		h.gone = map[string]time.Time{}
	}
	if h.now == nil {
		h.now = time.Now
	}
}

// expire drops held notifications and forgotten job IDs older than
// HoldTime. Caller must have lock.
func (h *Hub) expire() {
	hold := h.HoldTime
	if hold <= 0 {
		hold = DefaultHoldTime
	}
	cutoff := h.now().Add(-hold)
	for id, held := range h.pending {
		if held.since.Before(cutoff) {
			delete(h.pending, id)
		}
	}
	for id, t := range h.gone {
		if t.Before(cutoff) {
			delete(h.gone, id)
		}
	}
}

// Register returns a channel that receives notifications for the
// given job ID, starting with any that arrived before Register was
// called.
func (h *Hub) Register(jobID string) <-chan jobexec.JobState {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.init()
	h.expire()
	ch := make(chan jobexec.JobState, hubQueueSize)
	if held, ok := h.pending[jobID]; ok {
		for _, st := range held.states {
			ch <- st
		}
		delete(h.pending, jobID)
	}
	delete(h.gone, jobID)
	h.subs[jobID] = ch
	return ch
}

// Unregister stops delivery for the given job ID and closes its
// channel. Later notifications for the job are rejected.
func (h *Hub) Unregister(jobID string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.init()
	if ch, ok := h.subs[jobID]; ok {
		close(ch)
		delete(h.subs, jobID)
		h.gone[jobID] = h.now()
	}
}

// Deliver sends a notification to the listener for jobID, or holds
// it until a listener registers. It returns false if the job's
// listener has already gone away, or the notification had to be
// dropped because the listener (or the holding area) is full.
func (h *Hub) Deliver(jobID string, st jobexec.JobState) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.init()
	if ch, ok := h.subs[jobID]; ok {
		select {
		case ch <- st:
			return true
		default:
			return false
		}
	}
	h.expire()
	if _, ok := h.gone[jobID]; ok {
		return false
	}
	held, ok := h.pending[jobID]
	if !ok {
		if len(h.pending) >= hubMaxPending {
			return false
		}
		held = &heldStates{since: h.now()}
		h.pending[jobID] = held
	}
	if len(held.states) >= hubQueueSize {
		return false
	}
	held.states = append(held.states, st)
	return true
}
