// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package hypervisor boots and controls micro-VMs through pluggable
// backends. A [Backend] owns one hypervisor flavor (firecracker,
// cloud-hypervisor); the orchestrator selects one at configuration
// time through the [New] registry and never dispatches on type.
//
// Both backends follow the same shape: a child process per VM behind
// a private unix control socket, configured by sequential HTTP calls
// (boot source, drives, machine config, vsock) followed by a start
// action. The start wait is bounded and fails the moment the child
// exits, rather than burning the full timeout on a corpse.
//
// [OverlayManager] provides each VM's writable root layer so the
// rootfs image stays read-only and shared. [Probe] reports what the
// host can actually run before anything is spawned.
package hypervisor
