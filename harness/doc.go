// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package harness batters an orchestrator with the failures production
// will eventually produce: hypervisor crashes, network partitions on
// the host-guest channel, memory-ceiling breaches, rapid spawn/destroy
// churn. Each [Scenario] injects one fault class and measures how the
// system absorbs it; the aggregated [Report] is judged against
// [Thresholds] so a regression in fault handling fails loudly instead
// of shipping.
//
// The harness runs against a [StubBackend], an in-memory hypervisor
// whose machines can be killed on demand, so the battery needs neither
// KVM nor root and finishes in seconds.
package harness
