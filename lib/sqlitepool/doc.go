// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool
// with holt-standard pragmas (WAL, NORMAL sync, busy timeout). The
// snapshot catalog is its only consumer today, but the pragmas and
// Take/Put discipline are the same for any future store.
package sqlitepool
