// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"

	"github.com/holt-systems/holt/lib/codec"
)

// Kind discriminates the direction of a message.
type Kind uint8

const (
	// KindRequest is an orchestrator-to-guest call expecting a
	// response with the same id.
	KindRequest Kind = 1

	// KindResponse answers the request carrying the same id.
	KindResponse Kind = 2

	// KindEvent is a one-way guest notification with no response.
	KindEvent Kind = 3
)

// Message is one frame's decoded body.
type Message struct {
	// ID correlates a response to its request. Unique per connection
	// while the request is in flight.
	ID uint64 `cbor:"id"`

	Kind Kind `cbor:"kind"`

	// Method names the operation for requests and events.
	Method string `cbor:"method,omitempty"`

	// Payload is left raw until the method is known.
	Payload codec.RawMessage `cbor:"payload,omitempty"`

	// Error carries the guest's failure text on responses. Empty
	// means success.
	Error string `cbor:"error,omitempty"`
}

// RemoteError is a guest-reported failure for a specific method. The
// call itself completed; the guest refused or failed the operation.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("guest error for %s: %s", e.Method, e.Message)
}
