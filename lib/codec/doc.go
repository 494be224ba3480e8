// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is holt's single CBOR configuration point. Encoding
// uses Core Deterministic Encoding so the same logical value always
// produces identical bytes — snapshot metadata can be checksummed and
// channel frames compared byte-for-byte in tests. Decoding ignores
// unknown fields for forward compatibility. Consumers import this
// package, never fxamacker/cbor directly.
package codec
