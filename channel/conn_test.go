// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/holt-systems/holt/lib/codec"
)

// chunkConn is a read-only net.Conn that serves a fixed byte stream
// in chunks of at most chunkSize bytes, so frame boundaries never
// line up with read boundaries.
type chunkConn struct {
	data      *bytes.Reader
	chunkSize int
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if len(p) > c.chunkSize {
		p = p[:c.chunkSize]
	}
	return c.data.Read(p)
}

func (c *chunkConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *chunkConn) Close() error                     { return nil }
func (c *chunkConn) LocalAddr() net.Addr              { return nil }
func (c *chunkConn) RemoteAddr() net.Addr             { return nil }
func (c *chunkConn) SetDeadline(time.Time) error      { return nil }
func (c *chunkConn) SetReadDeadline(time.Time) error  { return nil }
func (c *chunkConn) SetWriteDeadline(time.Time) error { return nil }

func TestConnRoundTrip(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	client := NewConn(clientSide)
	server := NewConn(serverSide)

	payload, err := codec.Marshal(map[string]any{"task": "build"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sent := Message{ID: 7, Kind: KindRequest, Method: "exec", Payload: payload}

	go func() {
		if err := client.Send(sent); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()

	got, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.ID != 7 || got.Kind != KindRequest || got.Method != "exec" {
		t.Errorf("received %+v", got)
	}
	var decoded map[string]any
	if err := codec.Unmarshal(got.Payload, &decoded); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if decoded["task"] != "build" {
		t.Errorf("payload = %v", decoded)
	}
}

// A sequence of frames must survive reads that slice the stream at
// arbitrary offsets. The buffered reader holds bytes belonging to the
// next frame between Receive calls; this is the regression test for
// recreating it per call.
func TestConnMisalignedChunks(t *testing.T) {
	const frameCount = 50

	var stream bytes.Buffer
	writer := NewConn(&writerConn{w: &stream})
	for i := 0; i < frameCount; i++ {
		m := Message{
			ID:     uint64(i + 1),
			Kind:   KindResponse,
			Method: fmt.Sprintf("op-%d", i),
		}
		if err := writer.Send(m); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for _, chunkSize := range []int{1, 3, 7, 64} {
		t.Run(fmt.Sprintf("chunk-%d", chunkSize), func(t *testing.T) {
			conn := NewConn(&chunkConn{
				data:      bytes.NewReader(stream.Bytes()),
				chunkSize: chunkSize,
			})
			for i := 0; i < frameCount; i++ {
				got, err := conn.Receive()
				if err != nil {
					t.Fatalf("Receive %d: %v", i, err)
				}
				if got.ID != uint64(i+1) {
					t.Fatalf("frame %d arrived with id %d: out of order or lost", i, got.ID)
				}
			}
		})
	}
}

func TestConnRejectsOversizedDeclaredFrame(t *testing.T) {
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

	conn := NewConn(&chunkConn{data: bytes.NewReader(header[:]), chunkSize: 64})
	if _, err := conn.Receive(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Receive error = %v, want ErrFrameTooLarge", err)
	}
}

func TestConnRejectsOversizedOutboundFrame(t *testing.T) {
	conn := NewConn(&writerConn{w: &bytes.Buffer{}})
	payload, err := codec.Marshal(make([]byte, MaxFrameSize))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	m := Message{ID: 1, Kind: KindRequest, Payload: payload}
	if err := conn.Send(m); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Send error = %v, want ErrFrameTooLarge", err)
	}
}

// writerConn is a write-only net.Conn capturing the byte stream.
type writerConn struct {
	w *bytes.Buffer
}

func (c *writerConn) Read(p []byte) (int, error)       { return 0, errors.New("write-only") }
func (c *writerConn) Write(p []byte) (int, error)      { return c.w.Write(p) }
func (c *writerConn) Close() error                     { return nil }
func (c *writerConn) LocalAddr() net.Addr              { return nil }
func (c *writerConn) RemoteAddr() net.Addr             { return nil }
func (c *writerConn) SetDeadline(time.Time) error      { return nil }
func (c *writerConn) SetReadDeadline(time.Time) error  { return nil }
func (c *writerConn) SetWriteDeadline(time.Time) error { return nil }
