// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holt-systems/holt/lib/clock"
	"github.com/holt-systems/holt/lib/codec"
	"github.com/holt-systems/holt/lib/netutil"
)

// ErrClientClosed is returned by Call after the client is closed or
// its connection broke.
var ErrClientClosed = errors.New("channel: client closed")

// Client multiplexes request/response calls over one Conn. A single
// reader goroutine dispatches responses to waiting callers by id, so
// calls can run concurrently and responses may arrive out of order.
type Client struct {
	conn   *Conn
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	closed  bool

	// readErr holds the reader's terminal error once done is closed.
	readErr error
	done    chan struct{}

	closeOnce sync.Once
}

// NewClient starts a client over conn. A nil logger discards.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		conn:    NewConn(conn),
		logger:  logger,
		pending: make(map[uint64]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop is the connection's only reader. A read error is terminal:
// every in-flight call fails at once, and later calls fail fast.
func (c *Client) readLoop() {
	for {
		m, err := c.conn.Receive()
		if err != nil {
			c.fail(err)
			return
		}

		switch m.Kind {
		case KindResponse:
			c.mu.Lock()
			waiter, ok := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if !ok {
				// Caller gave up (context expired) before the
				// response arrived.
				c.logger.Debug("response for abandoned call", "id", m.ID)
				continue
			}
			waiter <- m
		case KindEvent:
			c.logger.Debug("guest event", "method", m.Method)
		default:
			c.logger.Warn("unexpected message kind", "kind", m.Kind, "id", m.ID)
		}
	}
}

// fail marks the client broken and wakes every waiter empty-handed.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.readErr = err
		close(c.done)
	}
	waiters := c.pending
	c.pending = make(map[uint64]chan Message)
	c.mu.Unlock()

	for _, waiter := range waiters {
		close(waiter)
	}
}

// Call sends a request and waits for its response. The wait is
// bounded by ctx; an abandoned call's late response is discarded.
// A guest-reported failure surfaces as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, payload any, result any) error {
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return c.closedError(err)
	}
	id := c.nextID.Add(1)
	waiter := make(chan Message, 1)
	c.pending[id] = waiter
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	var raw codec.RawMessage
	if payload != nil {
		data, err := codec.Marshal(payload)
		if err != nil {
			abandon()
			return fmt.Errorf("channel: encoding %s payload: %w", method, err)
		}
		raw = data
	}

	if err := c.conn.Send(Message{ID: id, Kind: KindRequest, Method: method, Payload: raw}); err != nil {
		abandon()
		return err
	}

	select {
	case <-ctx.Done():
		abandon()
		return fmt.Errorf("channel: %s: %w", method, ctx.Err())
	case response, ok := <-waiter:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return c.closedError(err)
		}
		if response.Error != "" {
			return &RemoteError{Method: method, Message: response.Error}
		}
		if result != nil && len(response.Payload) > 0 {
			if err := codec.Unmarshal(response.Payload, result); err != nil {
				return fmt.Errorf("channel: decoding %s response: %w", method, err)
			}
		}
		return nil
	}
}

// closedError wraps the reader's terminal error so callers can both
// errors.Is(err, ErrClientClosed) and see the underlying cause.
func (c *Client) closedError(cause error) error {
	if cause == nil || netutil.IsExpectedCloseError(cause) {
		return ErrClientClosed
	}
	return fmt.Errorf("%w: %w", ErrClientClosed, cause)
}

// Close tears the connection down and fails in-flight calls.
// Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.fail(net.ErrClosed)
	})
	return err
}

// Done is closed when the connection breaks or the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// DialFunc establishes one connection attempt.
type DialFunc func(ctx context.Context) (net.Conn, error)

// DialOptions tune Dial's retry behavior. Zero values pick defaults.
type DialOptions struct {
	// Attempts is the total number of connection attempts (default 5).
	Attempts int

	// BaseDelay seeds the exponential backoff between attempts
	// (default 50ms, doubling each retry).
	BaseDelay time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dial connects with bounded exponential-backoff retries. The guest's
// channel listener races VM boot, so the first attempts routinely
// lose; retrying here keeps that race out of every caller.
func Dial(ctx context.Context, dial DialFunc, opts DialOptions) (*Client, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 50 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	var lastErr error
	delay := opts.BaseDelay
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("channel: dial: %w", errors.Join(ctx.Err(), lastErr))
			case <-opts.Clock.After(delay):
			}
			delay *= 2
		}

		conn, err := dial(ctx)
		if err == nil {
			return NewClient(conn, opts.Logger), nil
		}
		lastErr = err
		opts.Logger.Debug("channel dial attempt failed",
			"attempt", attempt,
			"attempts", opts.Attempts,
			"error", err,
		)
	}
	return nil, fmt.Errorf("channel: dial failed after %d attempts: %w", opts.Attempts, lastErr)
}
