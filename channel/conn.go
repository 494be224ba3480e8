// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/holt-systems/holt/lib/codec"
)

// frameHeaderLength is the fixed frame header: 4 bytes big-endian
// payload length.
const frameHeaderLength = 4

// MaxFrameSize bounds a single frame's payload. Channel messages are
// small control traffic; 16 MB leaves room for bulk transfers without
// letting a corrupt length prefix allocate the host dry.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame's declared or actual
// payload exceeds MaxFrameSize, in either direction.
var ErrFrameTooLarge = errors.New("channel: frame exceeds maximum size")

// Conn is one framed connection to a guest. Safe for one concurrent
// reader and any number of writers.
type Conn struct {
	conn net.Conn

	// reader is created once and owned for the connection's lifetime.
	// It buffers ahead of frame boundaries, so bytes belonging to the
	// next frame live here between Receive calls. A fresh reader per
	// call would discard them.
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Send encodes m and writes one frame. Concurrent Sends do not
// interleave.
func (c *Conn) Send(m Message) error {
	payload, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("channel: encoding message %d: %w", m.ID, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes outbound", ErrFrameTooLarge, len(payload))
	}

	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(header[:]); err != nil {
		return fmt.Errorf("channel: writing frame header: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("channel: writing frame payload: %w", err)
	}
	return nil
}

// Receive reads and decodes the next frame. Only one goroutine may
// call Receive.
func (c *Conn) Receive() (Message, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return Message{}, fmt.Errorf("channel: reading frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[:])
	if payloadLength > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes declared", ErrFrameTooLarge, payloadLength)
	}

	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return Message{}, fmt.Errorf("channel: reading frame payload: %w", err)
	}

	var m Message
	if err := codec.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("channel: decoding frame: %w", err)
	}
	return m, nil
}

// Close closes the underlying connection, unblocking a pending
// Receive.
func (c *Conn) Close() error {
	return c.conn.Close()
}
