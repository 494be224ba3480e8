// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package firewall confines each networked micro-VM behind its own
// nftables chain.
//
// Chain names are derived by hashing the full VM identifier with a
// keyed BLAKE3 digest ([ChainName]). Hashing is load-bearing:
// truncating or character-substituting the id to fit nft's name
// limit collides for ids that share a prefix or differ only in
// punctuation ("task-1" vs "task_1"), and a collision means one VM's
// teardown removes another VM's isolation.
//
// [Manager.ConfigureIsolation] creates the chain, populates the deny
// rules, and links the chain into the live input and forward hook
// paths — then verifies the linkage. A chain that exists but is not
// linked filters nothing; that state is a hard configuration error
// ([ErrNotLinked]) and the caller must fail the spawn, never proceed.
// [Manager.Cleanup] unlinks and deletes and may be called repeatedly.
//
// The manager drives the nft binary through an injectable [Runner],
// the same way holt drives every privileged host tool; tests swap in
// a fake.
package firewall
