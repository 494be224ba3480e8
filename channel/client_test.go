// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// serveEcho answers every request with its own payload until the
// connection closes. Requests whose method is "fail" get an error
// response instead.
func serveEcho(conn net.Conn) {
	server := NewConn(conn)
	for {
		m, err := server.Receive()
		if err != nil {
			return
		}
		response := Message{ID: m.ID, Kind: KindResponse, Payload: m.Payload}
		if m.Method == "fail" {
			response.Payload = nil
			response.Error = "refused"
		}
		if err := server.Send(response); err != nil {
			return
		}
	}
}

func TestClientCall(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go serveEcho(serverSide)

	client := NewClient(clientSide, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result string
	if err := client.Call(ctx, "echo", "hello", &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "hello" {
		t.Errorf("result = %q, want %q", result, "hello")
	}
}

func TestClientRemoteError(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go serveEcho(serverSide)

	client := NewClient(clientSide, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "fail", nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Call error = %v, want *RemoteError", err)
	}
	if remote.Method != "fail" || remote.Message != "refused" {
		t.Errorf("remote = %+v", remote)
	}
}

// Responses arriving out of order must still reach their callers:
// correlation is by id, not arrival order.
func TestClientOutOfOrderResponses(t *testing.T) {
	clientSide, serverSide := net.Pipe()

	go func() {
		server := NewConn(serverSide)
		first, err := server.Receive()
		if err != nil {
			return
		}
		second, err := server.Receive()
		if err != nil {
			return
		}
		// Answer in reverse arrival order.
		server.Send(Message{ID: second.ID, Kind: KindResponse, Payload: second.Payload})
		server.Send(Message{ID: first.ID, Kind: KindResponse, Payload: first.Payload})
	}()

	client := NewClient(clientSide, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]string, 2)
	callErrs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			callErrs[i] = client.Call(ctx, "echo", fmt.Sprintf("call-%d", i), &results[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if callErrs[i] != nil {
			t.Fatalf("call %d: %v", i, callErrs[i])
		}
		if want := fmt.Sprintf("call-%d", i); results[i] != want {
			t.Errorf("call %d result = %q, want %q", i, results[i], want)
		}
	}
}

func TestClientCallTimeout(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	// Server reads requests but never answers.
	go func() {
		server := NewConn(serverSide)
		for {
			if _, err := server.Receive(); err != nil {
				return
			}
		}
	}()

	client := NewClient(clientSide, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := client.Call(ctx, "echo", "x", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call error = %v, want deadline exceeded", err)
	}
}

// A partition fails every in-flight call on the partitioned
// connection, leaves an unrelated connection untouched, and a fresh
// connection carries the full load afterward with zero loss.
func TestClientPartitionIsolatesConnections(t *testing.T) {
	const calls = 200

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Unrelated healthy connection, exercised throughout.
	healthySide, healthyServer := net.Pipe()
	go serveEcho(healthyServer)
	healthy := NewClient(healthySide, nil)
	defer healthy.Close()

	// Partitioned connection: the server swallows exactly `calls`
	// requests, then drops the link.
	victimSide, victimServer := net.Pipe()
	go func() {
		server := NewConn(victimServer)
		for i := 0; i < calls; i++ {
			if _, err := server.Receive(); err != nil {
				return
			}
		}
		victimServer.Close()
	}()
	victim := NewClient(victimSide, nil)
	defer victim.Close()

	var failed atomic.Int64
	var wrongErr atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := victim.Call(ctx, "echo", i, nil)
			if err == nil {
				return
			}
			failed.Add(1)
			if !errors.Is(err, ErrClientClosed) {
				wrongErr.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := failed.Load(); got != calls {
		t.Errorf("failed calls = %d, want %d (all in-flight calls fail on partition)", got, calls)
	}
	if got := wrongErr.Load(); got != 0 {
		t.Errorf("%d calls failed with something other than ErrClientClosed", got)
	}

	// The unrelated connection never noticed.
	var result string
	if err := healthy.Call(ctx, "echo", "still-here", &result); err != nil {
		t.Fatalf("healthy connection affected by unrelated partition: %v", err)
	}
	if result != "still-here" {
		t.Errorf("healthy result = %q", result)
	}

	// Recovery: a fresh connection carries all traffic with zero loss.
	recoveredSide, recoveredServer := net.Pipe()
	go serveEcho(recoveredServer)
	recovered := NewClient(recoveredSide, nil)
	defer recovered.Close()

	var succeeded atomic.Int64
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			if err := recovered.Call(ctx, "echo", i, &got); err == nil && got == i {
				succeeded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := succeeded.Load(); got != calls {
		t.Errorf("recovered calls = %d, want %d (zero loss after recovery)", got, calls)
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	client := NewClient(clientSide, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx := context.Background()
	if err := client.Call(ctx, "echo", nil, nil); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Call after Close = %v, want ErrClientClosed", err)
	}
}

func TestDialRetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int64
	dial := func(ctx context.Context) (net.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		clientSide, serverSide := net.Pipe()
		go serveEcho(serverSide)
		return clientSide, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, dial, DialOptions{Attempts: 5, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if err := client.Call(ctx, "echo", "up", nil); err != nil {
		t.Errorf("Call after Dial: %v", err)
	}
}

func TestDialExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int64
	dial := func(ctx context.Context) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := Dial(ctx, dial, DialOptions{Attempts: 3, BaseDelay: time.Millisecond}); err == nil {
		t.Fatal("Dial should fail when every attempt fails")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}
