// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Holt-vmd is the micro-VM daemon. It owns the hypervisor backend,
// the warm snapshot pool, and every live VM, and exposes lifecycle
// control over a CBOR Unix socket.
//
// # Startup
//
// The daemon loads its YAML configuration (--config, or the file
// named by HOLT_CONFIG), validates it, creates the configured
// directories, and assembles the stack: hypervisor backend, per-VM
// cgroup quotas, overlay provisioning, nftables firewall (when
// present on the host), snapshot store, and warm pool. The pool
// refresher runs for the daemon's lifetime, capturing template
// snapshots in the background so spawns hit the fast path.
//
// # Socket API
//
// Clients connect to the control socket and send one CBOR
// [ipc.Request] per connection:
//
//   - spawn-vm: boot a VM from the configured template, optionally
//     overridden per-request (CPU, memory, overlay mode, networking,
//     seccomp level, resource quotas)
//   - destroy-vm: tear a VM down; idempotent
//   - call: forward a request over a VM's host-guest channel
//   - list-vms, pool-stats, status: introspection
//
// SIGINT or SIGTERM destroys every VM and exits.
package main
