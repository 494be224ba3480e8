// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code takes
// a [Clock] and gets [Real]; tests inject [Fake] and advance it
// explicitly, making pool refresh intervals, start deadlines, and
// backoff schedules deterministic.
package clock
