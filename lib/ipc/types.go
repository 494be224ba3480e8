// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"time"

	"github.com/holt-systems/holt/lib/codec"
)

// Actions accepted on the daemon control socket.
const (
	// ActionSpawnVM boots a new micro-VM from the daemon's template,
	// optionally overridden by the request's Spawn spec.
	ActionSpawnVM = "spawn-vm"

	// ActionDestroyVM tears a VM down and releases everything it
	// held. Idempotent: destroying an unknown VM succeeds.
	ActionDestroyVM = "destroy-vm"

	// ActionListVMs returns every live VM.
	ActionListVMs = "list-vms"

	// ActionPoolStats returns warm snapshot pool statistics.
	ActionPoolStats = "pool-stats"

	// ActionStatus returns daemon identity and counts.
	ActionStatus = "status"

	// ActionCall forwards a request over a VM's host-guest channel
	// and returns the guest's response payload.
	ActionCall = "call"
)

// SpawnSpec overrides the daemon's per-VM defaults for one spawn.
// Zero-valued fields keep the configured default.
type SpawnSpec struct {
	// ID names the VM. Generated when empty.
	ID string `cbor:"id,omitempty"`

	VCPUCount int `cbor:"vcpu_count,omitempty"`
	MemoryMB  int `cbor:"memory_mb,omitempty"`

	// OverlayMode is "tmpfs", "disk", or "persistent".
	OverlayMode string `cbor:"overlay_mode,omitempty"`

	// SessionKey names the persistent overlay archive. Required when
	// OverlayMode is "persistent".
	SessionKey string `cbor:"session_key,omitempty"`

	// EnableNetworking attaches a firewalled network path.
	EnableNetworking bool `cbor:"enable_networking,omitempty"`

	// SeccompLevel is "minimal", "basic", or "permissive".
	SeccompLevel string `cbor:"seccomp_level,omitempty"`

	// MemoryBytes caps guest plus hypervisor memory via the VM's
	// cgroup. Zero means unlimited.
	MemoryBytes uint64 `cbor:"memory_bytes,omitempty"`

	// CPUQuotaPercent throttles CPU: 100 is one full CPU.
	CPUQuotaPercent int `cbor:"cpu_quota_percent,omitempty"`
}

// Request is a CBOR-encoded request to the daemon, sent over its
// Unix control socket. One request, one response, per connection.
type Request struct {
	// Action is the request type; see the Action constants.
	Action string `cbor:"action"`

	// VMID selects the VM for destroy-vm and call.
	VMID string `cbor:"vm_id,omitempty"`

	// Spawn overrides spawn defaults for spawn-vm.
	Spawn *SpawnSpec `cbor:"spawn,omitempty"`

	// Method is the guest method name for call.
	Method string `cbor:"method,omitempty"`

	// Payload is the opaque CBOR payload forwarded to the guest for
	// call. Carried raw; the daemon never decodes it.
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// VMEntry describes one live VM in list-vms and spawn-vm responses.
type VMEntry struct {
	ID    string `cbor:"id"`
	State string `cbor:"state"`

	// Backend names the hypervisor backend that booted the VM.
	Backend string `cbor:"backend,omitempty"`

	// FromSnapshot is true when the VM booted from a warm pool
	// snapshot rather than a cold boot.
	FromSnapshot bool `cbor:"from_snapshot,omitempty"`

	// SpawnLatency is the spawn wall time, validation through
	// channel readiness.
	SpawnLatency time.Duration `cbor:"spawn_latency,omitempty"`

	CreatedAt time.Time `cbor:"created_at,omitempty"`
}

// PoolStats mirrors the orchestrator's pool statistics for the
// pool-stats response.
type PoolStats struct {
	Size      int           `cbor:"size"`
	OldestAge time.Duration `cbor:"oldest_age,omitempty"`
	Hits      uint64        `cbor:"hits"`
	Misses    uint64        `cbor:"misses"`
}

// Response is the daemon's reply to a Request.
type Response struct {
	// OK reports whether the action succeeded. Error carries the
	// reason when it did not.
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`

	// VM is the spawned VM for spawn-vm.
	VM *VMEntry `cbor:"vm,omitempty"`

	// VMs lists live VMs for list-vms and status.
	VMs []VMEntry `cbor:"vms,omitempty"`

	// Pool carries pool statistics for pool-stats.
	Pool *PoolStats `cbor:"pool,omitempty"`

	// Result is the guest's response payload for call.
	Result codec.RawMessage `cbor:"result,omitempty"`

	// Backend names the daemon's hypervisor backend for status.
	Backend string `cbor:"backend,omitempty"`
}
