// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package seccomp

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holt-systems/holt/lib/clock"
)

func TestAuditLogNeverExceedsCapacity(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	log := NewAuditLog(100, fake)

	for i := 0; i < 10000; i++ {
		log.Record(EventBlocked, "socket", fmt.Sprintf("vm-%d", i%7))
		if log.Len() > 100 {
			t.Fatalf("length %d exceeds capacity 100 after %d events", log.Len(), i+1)
		}
	}

	if log.Len() != 100 {
		t.Errorf("final length = %d, want 100", log.Len())
	}
	if log.Dropped() != 9900 {
		t.Errorf("dropped = %d, want 9900", log.Dropped())
	}
}

func TestAuditLogEvictsOldestFirst(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	log := NewAuditLog(3, fake)

	for i := 0; i < 5; i++ {
		fake.Advance(time.Second)
		log.Record(EventBlocked, fmt.Sprintf("syscall-%d", i), "vm-a")
	}

	entries := log.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	// Events 0 and 1 were evicted; 2, 3, 4 remain in order.
	for i, entry := range entries {
		want := fmt.Sprintf("syscall-%d", i+2)
		if entry.Syscall != want {
			t.Errorf("entry %d = %q, want %q", i, entry.Syscall, want)
		}
	}
}

func TestAuditLogPerVMFilter(t *testing.T) {
	log := NewAuditLog(10, clock.Fake(time.Unix(0, 0)))

	log.Record(EventBlocked, "socket", "vm-a")
	log.Record(EventBlocked, "execve", "vm-b")
	log.Record(EventSensitiveAllowed, "openat", "vm-a")

	forA := log.EntriesForVM("vm-a")
	if len(forA) != 2 {
		t.Fatalf("vm-a entries = %d, want 2", len(forA))
	}
	if forA[0].Syscall != "socket" || forA[1].Syscall != "openat" {
		t.Errorf("vm-a entries out of order: %v", forA)
	}
	if len(log.EntriesForVM("vm-c")) != 0 {
		t.Error("unknown VM should have no entries")
	}
}

func TestAuditLogConcurrentRecording(t *testing.T) {
	log := NewAuditLog(500, clock.Real())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				log.Record(EventBlocked, "connect", fmt.Sprintf("vm-%d", g))
			}
		}(g)
	}
	wg.Wait()

	if log.Len() != 500 {
		t.Errorf("length = %d, want capacity 500", log.Len())
	}
	if total := log.Dropped() + uint64(log.Len()); total != 8000 {
		t.Errorf("dropped+live = %d, want 8000", total)
	}
}

func TestAuditLogDefaultCapacity(t *testing.T) {
	log := NewAuditLog(0, clock.Fake(time.Unix(0, 0)))
	for i := 0; i < DefaultAuditCapacity+50; i++ {
		log.Record(EventBlocked, "bpf", "vm-x")
	}
	if log.Len() != DefaultAuditCapacity {
		t.Errorf("length = %d, want %d", log.Len(), DefaultAuditCapacity)
	}
}
