// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only when
// Advance is called; pending After, Sleep, and Ticker operations fire
// when the clock passes their deadline, in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a manually driven Clock for tests.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*pendingWait
	registered *sync.Cond
}

type pendingWait struct {
	deadline time.Time
	ch       chan time.Time

	// interval is non-zero for tickers; the wait is rescheduled at
	// deadline+interval after firing instead of being removed.
	interval time.Duration

	stopped bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot wait. Non-positive d delivers
// immediately without registering.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &pendingWait{deadline: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// NewTicker registers a repeating wait. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	wait := &pendingWait{deadline: c.now.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, wait)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			wait.stopped = true
		},
	}
}

// Sleep blocks until the clock is advanced past d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every wait whose
// deadline falls inside the advance. Channel sends are non-blocking:
// ticks the buffer cannot hold are dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, wait := range expired {
			select {
			case wait.ch <- target:
			default:
			}
		}
	}
}

// WaitForPending blocks until at least n waits are registered and
// live. Call this before Advance when the waiter runs on another
// goroutine, otherwise Advance can race the registration.
func (c *FakeClock) WaitForPending(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.livePendingLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of live registered waits.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.livePendingLocked()
}

func (c *FakeClock) livePendingLocked() int {
	n := 0
	for _, wait := range c.pending {
		if !wait.stopped {
			n++
		}
	}
	return n
}

// takeExpired removes waits due at or before target, rescheduling
// tickers for their next interval.
func (c *FakeClock) takeExpired(target time.Time) []*pendingWait {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, live []*pendingWait
	for _, wait := range c.pending {
		switch {
		case wait.stopped:
		case !wait.deadline.After(target):
			expired = append(expired, wait)
		default:
			live = append(live, wait)
		}
	}
	for _, wait := range expired {
		if wait.interval > 0 {
			wait.deadline = wait.deadline.Add(wait.interval)
			live = append(live, wait)
		}
	}
	c.pending = live
	return expired
}
