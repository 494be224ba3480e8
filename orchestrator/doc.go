// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives the full micro-VM lifecycle: spawn,
// supervise, destroy. A spawn layers every isolation mechanism in a
// fixed order before the guest runs a single instruction: seccomp
// filter serialized, overlay provisioned, firewall chain installed
// and verified, resource cgroup applied, hypervisor booted inside it,
// host-guest channel established. Any failure along the way unwinds
// whatever was already set up; a VM never runs with partial
// isolation.
//
// Spawns prefer the warm snapshot pool and fall back to a cold boot
// on a miss or an unusable snapshot, so pool trouble degrades latency
// rather than availability. Destroy runs every release step even when
// earlier ones fail, aggregating errors, so one stuck layer cannot
// leak the rest. A quota watcher and an exit watcher per VM turn
// memory-ceiling breaches and hypervisor crashes into ordinary
// teardowns.
package orchestrator
