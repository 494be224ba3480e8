// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
)

// PartitionMode selects how a network partition manifests on the
// host-guest channel.
type PartitionMode int

const (
	// PartitionNone passes all traffic.
	PartitionNone PartitionMode = iota

	// PartitionFull refuses new connections and resets established
	// ones on their next byte.
	PartitionFull

	// PartitionIntermittent refuses every other new connection but
	// leaves established ones alone, modeling the flaky window around
	// guest boot that dial retries exist for.
	PartitionIntermittent

	// PartitionLossy delivers connections but drops a fraction of the
	// bytes crossing established ones, modeling a degraded link
	// rather than a severed one.
	PartitionLossy
)

// defaultLossRate is the PartitionLossy drop fraction when StartLossy
// is not given one.
const defaultLossRate = 0.5

// Partition is a switchable fault on channel connections. Scoped to a
// victim set, or to every VM when the set is empty, which gives the
// full, partial, intermittent, and lossy partition flavors from one
// knob.
type Partition struct {
	mu       sync.Mutex
	mode     PartitionMode
	victims  map[string]struct{}
	lossRate float64

	dials atomic.Uint64
}

// NewPartition starts with no fault active.
func NewPartition() *Partition {
	return &Partition{victims: make(map[string]struct{}), lossRate: defaultLossRate}
}

// Start activates mode for the named VMs, or for every VM when none
// are named.
func (p *Partition) Start(mode PartitionMode, vmIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	p.victims = make(map[string]struct{}, len(vmIDs))
	for _, id := range vmIDs {
		p.victims[id] = struct{}{}
	}
}

// StartLossy activates PartitionLossy dropping the given fraction of
// traffic, scoped like Start.
func (p *Partition) StartLossy(rate float64, vmIDs ...string) {
	p.Start(PartitionLossy, vmIDs...)
	p.mu.Lock()
	p.lossRate = rate
	p.mu.Unlock()
}

// Heal clears the fault.
func (p *Partition) Heal() {
	p.Start(PartitionNone)
}

// active returns the mode applying to one VM right now.
func (p *Partition) active(vmID string) PartitionMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == PartitionNone {
		return PartitionNone
	}
	if len(p.victims) > 0 {
		if _, hit := p.victims[vmID]; !hit {
			return PartitionNone
		}
	}
	return p.mode
}

// dialAllowed decides whether a fresh connection attempt gets through.
func (p *Partition) dialAllowed(vmID string) bool {
	switch p.active(vmID) {
	case PartitionFull:
		return false
	case PartitionIntermittent:
		return p.dials.Add(1)%2 == 0
	default:
		return true
	}
}

// errPartitioned is what a severed connection reports.
var errPartitioned = syscall.ECONNRESET

// wrap puts a connection behind the partition: under a full partition
// its next read or write fails and the connection is closed, exactly
// like a peer that stopped acking.
func (p *Partition) wrap(vmID string, conn net.Conn) net.Conn {
	return &faultConn{Conn: conn, vmID: vmID, p: p}
}

type faultConn struct {
	net.Conn
	vmID string
	p    *Partition
}

func (c *faultConn) Read(b []byte) (int, error) {
	switch c.p.active(c.vmID) {
	case PartitionFull:
		c.Conn.Close()
		return 0, errPartitioned
	case PartitionLossy:
		// Read and discard: the bytes left the peer but never
		// arrive.
		n, err := c.Conn.Read(b)
		if err == nil && c.p.dropTraffic() {
			return 0, nil
		}
		return n, err
	}
	return c.Conn.Read(b)
}

func (c *faultConn) Write(b []byte) (int, error) {
	switch c.p.active(c.vmID) {
	case PartitionFull:
		c.Conn.Close()
		return 0, errPartitioned
	case PartitionLossy:
		if c.p.dropTraffic() {
			return len(b), nil
		}
	}
	return c.Conn.Write(b)
}

// dropTraffic rolls the lossy link's dice for one read or write.
func (p *Partition) dropTraffic() bool {
	p.mu.Lock()
	rate := p.lossRate
	p.mu.Unlock()
	return rand.Float64() < rate
}
