// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by holt's tests:
// channel operations with timeout safety valves and unique temporary
// directories for pool and overlay tests.
package testutil
