// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package vm

import (
	"fmt"
	"sync"
	"time"
)

// Handle identifies a spawned VM to its caller. The orchestrator
// owns the handle and everything behind it; callers only query
// status and pass the handle back to destroy. State moves through
// the [State] machine and never skips a legal check.
type Handle struct {
	// ID is the VM's unique id.
	ID string

	// Backend names the hypervisor backend that booted the VM.
	Backend string

	// ChannelAddr is the host-guest channel endpoint path.
	ChannelAddr string

	// FromSnapshot is true when the VM booted from a warm pool
	// snapshot rather than a cold boot.
	FromSnapshot bool

	// SpawnLatency is the spawn wall time, measured from validation
	// through channel readiness.
	SpawnLatency time.Duration

	// CreatedAt is when the spawn completed.
	CreatedAt time.Time

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Transition moves the handle to next, enforcing the lifecycle
// machine. Only the orchestrator calls this.
func (h *Handle) Transition(next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CanTransition(next) {
		return fmt.Errorf("vm: illegal state transition %s -> %s for %s", h.state, next, h.ID)
	}
	h.state = next
	return nil
}

// Terminated reports whether the VM has reached its final state.
func (h *Handle) Terminated() bool {
	return h.State() == Terminated
}
