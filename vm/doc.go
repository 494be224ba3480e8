// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package vm holds the core micro-VM data model shared by the
// orchestrator, the hypervisor backends, and the snapshot pool:
// the immutable spawn [Config], the [Handle] the orchestrator hands
// to callers, the lifecycle [State] machine, and the error taxonomy
// spawn and destroy report through.
//
// Config is validated once, before any resource is allocated, and
// never mutated afterward. Handles are owned exclusively by the
// orchestrator; callers treat them as opaque.
package vm
