// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot maintains the warm snapshot pool that makes VM
// spawns fast. A [Store] persists captured memory and machine state
// under <pool-root>/<snapshot-id>/, with the memory image compressed
// behind a one-byte format tag and integrity-checked with a keyed
// BLAKE3 checksum on every load. Snapshot metadata is CBOR, written
// atomically; a SQLite catalog row per snapshot lets the pool
// recover its inventory after a daemon restart.
//
// A [Pool] keeps a bounded set of fresh snapshots and hands them out
// round-robin. An empty pool is not an error: Acquire returns
// [vm.ErrPoolMiss] and the spawn cold-boots. The background
// refresher replaces stale entries create-first, delete-second, so
// the pool never dips below its size just because an entry aged out,
// and it never blocks a spawn.
package snapshot
