// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota pins each micro-VM's hypervisor process inside its
// own cgroup v2 group with memory, CPU, and disk-write ceilings.
//
// Groups are siblings under one holt-owned parent, so one VM's
// consumption never erodes another VM's guaranteed share: memory.max
// caps are independent, cpu.max throttles rather than starves, and
// io.max caps write throughput per device. The group is created and
// its limits written before the hypervisor process is admitted
// ([Manager.Apply] then [Cgroup.AddProcess]) — limits exist at boot,
// not after.
//
// [Watcher] polls memory.events for oom_kill escalations and invokes
// a termination callback so the orchestrator can stop the VM
// gracefully while the host and every other VM stay unaffected.
//
// The cgroup root is a plain directory parameter, which keeps the
// package testable against a scratch directory: cgroupfs control
// files are ordinary file writes.
package quota
