// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Holt-harness runs the reliability battery: a fixed set of fault
// scenarios (hypervisor crash, network partition, flaky boot, memory
// pressure, lifecycle churn) against a fully wired orchestrator on
// the stub backend. It prints the scenario report and exits nonzero
// when the run misses the readiness thresholds.
//
// The battery needs no hypervisor, no root, and no cgroup mount; all
// faults are injected. It is the same [harness] package the tests
// use, packaged for CI gates and soak runs.
package main
