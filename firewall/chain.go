// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// chainDomainKey separates chain-name hashing from every other BLAKE3
// use in holt. ASCII, zero-padded to the 32 bytes keyed mode requires.
var chainDomainKey = [32]byte{
	'h', 'o', 'l', 't', '.', 'f', 'i', 'r', 'e', 'w', 'a', 'l', 'l', '.',
	'c', 'h', 'a', 'i', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ChainName derives the nftables chain name for a VM. The full id is
// hashed, never truncated or sanitized: near-duplicate ids (shared
// prefixes, '-' vs '_') must produce distinct chains, and 16 hex
// characters of keyed BLAKE3 make accidental collision negligible.
// The result is 21 characters, comfortably inside nft's name limit.
func ChainName(vmID string) string {
	digest := idDigest(vmID)
	return "holt-" + hex.EncodeToString(digest[:8])
}

// TapName derives the host tap device name for a VM from the same
// digest. Linux interface names cap at 15 characters; 10 hex digits
// of the digest keep the same collision resistance rationale as
// ChainName.
func TapName(vmID string) string {
	digest := idDigest(vmID)
	return "hvm-" + hex.EncodeToString(digest[:5])
}

func idDigest(vmID string) [32]byte {
	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		// NewKeyed fails only on wrong key length, which the fixed
		// array rules out.
		panic("firewall: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write([]byte(vmID))
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}
