// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package seccomp builds the syscall allow-lists attached to every
// micro-VM at launch.
//
// Three ordered strictness levels exist: Minimal keeps only exit,
// basic I/O, and signal return; Basic adds ordinary file, process
// introspection, and timing syscalls; Permissive allows everything
// not on the always-denied list and exists for debugging only. The
// levels are strict supersets (Minimal ⊂ Basic ⊂ Permissive), which
// TestLevelNesting enforces.
//
// Regardless of level, raw networking, process creation, privilege
// changes, mount operations, tracing, and reboot are denied. Profile
// documents (commented JSON, see [LoadProfile]) can widen the
// allow-list within a level but can never touch the denied set.
//
// A [Filter] is immutable once built. [Filter.WriteFile] emits
// seccompiler-compatible JSON; the hypervisor backend hands that file
// to the child process on its command line at launch. Building a
// filter and not passing it through is a correctness bug in the
// caller, not a hardening gap.
//
// [AuditLog] is a fixed-capacity ring recording blocked (and
// optionally sensitive-allowed) syscalls per VM. When full, the
// oldest entry is evicted; it never grows past its capacity.
package seccomp
