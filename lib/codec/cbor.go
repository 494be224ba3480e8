// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer form, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR and silently drops unknown fields.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Holt only ever uses string map keys. When decoding into an
		// any-typed target the CBOR default is map[any]any, which is
		// hostile to everything downstream; force map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// channel payloads until the message kind is known.
type RawMessage = cbor.RawMessage

// Encoder streams deterministic CBOR to a writer.
type Encoder = cbor.Encoder

// Decoder streams CBOR from a reader.
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder using holt's encoding mode.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder using holt's decoding mode.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
