// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package vm

import (
	"errors"
	"fmt"
)

// ErrConfigInvalid rejects a config before any resource is
// allocated. Wrapped around the joined per-field problems.
var ErrConfigInvalid = errors.New("vm: invalid config")

// ErrResourceExhausted means a VM hit its resource ceiling and was
// terminated gracefully. The host and every other VM stay stable.
var ErrResourceExhausted = errors.New("vm: resource limit exceeded")

// ErrPoolMiss means no warm snapshot was available. Not a failure:
// the spawn falls back to a cold boot.
var ErrPoolMiss = errors.New("vm: snapshot pool miss")

// BackendStartError reports a hypervisor that failed to come up
// after its start retries were exhausted.
type BackendStartError struct {
	// Backend is the backend name ("firecracker", "cloud-hypervisor").
	Backend string

	// Attempts is how many starts were tried before giving up.
	Attempts int

	Err error
}

func (e *BackendStartError) Error() string {
	return fmt.Sprintf("vm: %s failed to start after %d attempts: %v", e.Backend, e.Attempts, e.Err)
}

func (e *BackendStartError) Unwrap() error { return e.Err }

// IsolationError reports a failed or unverifiable isolation step.
// Always fatal to the spawn. A VM never runs with configured but
// unconfirmed isolation.
type IsolationError struct {
	VMID string

	// Stage is the isolation layer that failed ("firewall",
	// "seccomp", "quota").
	Stage string

	Err error
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("vm: %s isolation failed for %s: %v", e.Stage, e.VMID, e.Err)
}

func (e *IsolationError) Unwrap() error { return e.Err }

// ChannelError reports a host-guest channel failure. Transient
// failures are retried with backoff before one of these surfaces;
// Transient tells the caller whether another retry could help.
type ChannelError struct {
	VMID      string
	Transient bool
	Err       error
}

func (e *ChannelError) Error() string {
	kind := "persistent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("vm: %s channel error for %s: %v", kind, e.VMID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
