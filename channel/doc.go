// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the host-guest channel: a framed
// request/response protocol between the orchestrator and a guest VM,
// carried over the VM's vsock-backed socket and independent of the
// firewalled network path.
//
// Wire format: each frame is a 4-byte big-endian payload length
// followed by a CBOR-encoded [Message]. [Conn] owns one buffered
// reader for the lifetime of the connection; frame boundaries never
// align with read chunks, so buffered bytes belonging to the next
// frame must survive between calls. Recreating the reader per call
// would discard them and lose messages silently.
//
// [Client] layers correlation-id request/response on a Conn: calls
// are matched to responses by id, waits are bounded by the caller's
// context, and a broken connection fails every in-flight call at
// once. Connections are independent; a partition on one never
// affects another. [Dial] establishes the connection with bounded
// exponential-backoff retries.
package channel
