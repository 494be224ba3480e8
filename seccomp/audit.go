// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package seccomp

import (
	"sync"
	"time"

	"github.com/holt-systems/holt/lib/clock"
)

// DefaultAuditCapacity is the ring size used when a caller passes a
// non-positive capacity.
const DefaultAuditCapacity = 10000

// AuditEventKind classifies an audit entry.
type AuditEventKind string

const (
	// EventBlocked records a syscall the filter denied.
	EventBlocked AuditEventKind = "blocked"

	// EventSensitiveAllowed records an allowed syscall the filter
	// flags as worth logging (only when the filter's audit flag is
	// set).
	EventSensitiveAllowed AuditEventKind = "sensitive-allowed"
)

// AuditEntry is one recorded syscall event.
type AuditEntry struct {
	Kind      AuditEventKind
	Syscall   string
	VMID      string
	Timestamp time.Time
}

// AuditLog is a fixed-capacity ring of syscall events. When the ring
// is full the oldest entry is evicted; the log never grows beyond its
// capacity no matter the event volume.
//
// Safe for concurrent use.
type AuditLog struct {
	clk clock.Clock

	mu       sync.Mutex
	entries  []AuditEntry // ring storage, len == capacity once full
	start    int          // index of oldest entry
	size     int          // live entries, <= capacity
	capacity int
	dropped  uint64 // evicted entry count, for diagnostics
}

// NewAuditLog creates a ring with the given capacity. Non-positive
// capacity uses DefaultAuditCapacity.
func NewAuditLog(capacity int, clk clock.Clock) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &AuditLog{
		clk:      clk,
		entries:  make([]AuditEntry, capacity),
		capacity: capacity,
	}
}

// Record appends an event, evicting the oldest entry when full.
func (l *AuditLog) Record(kind AuditEventKind, syscallName, vmID string) {
	entry := AuditEntry{
		Kind:      kind,
		Syscall:   syscallName,
		VMID:      vmID,
		Timestamp: l.clk.Now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size < l.capacity {
		l.entries[(l.start+l.size)%l.capacity] = entry
		l.size++
		return
	}
	// Full: overwrite the oldest slot and advance the start.
	l.entries[l.start] = entry
	l.start = (l.start + 1) % l.capacity
	l.dropped++
}

// Len returns the number of live entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Dropped returns how many entries have been evicted since creation.
func (l *AuditLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Entries returns a copy of the live entries, oldest first.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]AuditEntry, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.entries[(l.start+i)%l.capacity])
	}
	return out
}

// EntriesForVM returns a copy of the live entries for one VM, oldest
// first.
func (l *AuditLog) EntriesForVM(vmID string) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []AuditEntry
	for i := 0; i < l.size; i++ {
		entry := l.entries[(l.start+i)%l.capacity]
		if entry.VMID == vmID {
			out = append(out, entry)
		}
	}
	return out
}
