// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded message types for the daemon's
// Unix control socket protocol. Both cmd/holt-vmd and clients driving
// it import this package so the wire types are defined once rather
// than mirrored.
package ipc
