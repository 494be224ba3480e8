// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holt-systems/holt/lib/clock"
	"github.com/holt-systems/holt/lib/testutil"
)

func readControl(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading %s: %v", name, err)
	}
	return string(data)
}

func TestApplyWritesCeilings(t *testing.T) {
	manager := NewManager(t.TempDir(), nil)

	group, err := manager.Apply("vm-a", Limits{
		MemoryBytes:     64 << 20,
		CPUQuotaPercent: 150,
		DiskWriteBPS:    10 << 20,
		DiskDevice:      "254:0",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := readControl(t, group.Path, "memory.max"); got != "67108864" {
		t.Errorf("memory.max = %q", got)
	}
	if got := readControl(t, group.Path, "memory.swap.max"); got != "0" {
		t.Errorf("memory.swap.max = %q, want 0", got)
	}
	if got := readControl(t, group.Path, "cpu.max"); got != "150000 100000" {
		t.Errorf("cpu.max = %q", got)
	}
	if got := readControl(t, group.Path, "io.max"); got != "254:0 wbps=10485760" {
		t.Errorf("io.max = %q", got)
	}
}

func TestApplyIndependentGroups(t *testing.T) {
	manager := NewManager(t.TempDir(), nil)

	a, err := manager.Apply("vm-a", Limits{MemoryBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Apply a: %v", err)
	}
	b, err := manager.Apply("vm-b", Limits{MemoryBytes: 2 << 20})
	if err != nil {
		t.Fatalf("Apply b: %v", err)
	}

	if a.Path == b.Path {
		t.Fatal("groups share a directory")
	}
	if readControl(t, a.Path, "memory.max") == readControl(t, b.Path, "memory.max") {
		t.Error("one VM's ceiling leaked into another's group")
	}
}

func TestApplyDiskLimitRequiresDevice(t *testing.T) {
	manager := NewManager(t.TempDir(), nil)
	if _, err := manager.Apply("vm-a", Limits{DiskWriteBPS: 1024}); err == nil {
		t.Fatal("disk limit without device should fail")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	manager := NewManager(t.TempDir(), nil)
	group, err := manager.Apply("vm-a", Limits{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Drop the control files the fake filesystem accumulated so the
	// group directory is removable, as it is on a real cgroup mount.
	entries, err := os.ReadDir(group.Path)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		os.Remove(filepath.Join(group.Path, entry.Name()))
	}

	if err := manager.Release(group); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := manager.Release(group); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if err := manager.Release(nil); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
}

func TestOOMKillsParsesMemoryEvents(t *testing.T) {
	manager := NewManager(t.TempDir(), nil)
	group, err := manager.Apply("vm-a", Limits{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if kills, err := group.OOMKills(); err != nil || kills != 0 {
		t.Fatalf("missing memory.events: kills=%d err=%v, want 0, nil", kills, err)
	}

	events := "low 0\nhigh 4\nmax 12\noom 3\noom_kill 2\noom_group_kill 0\n"
	if err := os.WriteFile(filepath.Join(group.Path, "memory.events"), []byte(events), 0o644); err != nil {
		t.Fatalf("writing memory.events: %v", err)
	}

	kills, err := group.OOMKills()
	if err != nil {
		t.Fatalf("OOMKills: %v", err)
	}
	if kills != 2 {
		t.Errorf("oom_kill = %d, want 2", kills)
	}
}

func TestWatcherFiresOncePerEscalation(t *testing.T) {
	manager := NewManager(t.TempDir(), nil)
	group, err := manager.Apply("vm-a", Limits{MemoryBytes: 64 << 20})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	writeEvents := func(kills string) {
		t.Helper()
		content := "oom_kill " + kills + "\n"
		if err := os.WriteFile(filepath.Join(group.Path, "memory.events"), []byte(content), 0o644); err != nil {
			t.Fatalf("writing memory.events: %v", err)
		}
	}
	writeEvents("0")

	fake := clock.Fake(time.Unix(0, 0))
	breaches := make(chan uint64, 16)
	watcher := NewWatcher(group, fake, time.Second, func(vmID string, kills uint64) {
		breaches <- kills
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	fake.WaitForPending(1)

	// No breach yet: a poll sees zero kills.
	fake.Advance(time.Second)
	select {
	case kills := <-breaches:
		t.Fatalf("breach reported with no oom_kill: %d", kills)
	case <-time.After(50 * time.Millisecond):
	}

	// First kill: exactly one report, then quiet on repeat polls.
	writeEvents("1")
	fake.Advance(time.Second)
	if kills := testutil.RequireReceive(t, breaches, 5*time.Second, "first breach"); kills != 1 {
		t.Errorf("breach kills = %d, want 1", kills)
	}
	fake.Advance(time.Second)
	select {
	case kills := <-breaches:
		t.Fatalf("duplicate breach report: %d", kills)
	case <-time.After(50 * time.Millisecond):
	}

	// Escalation fires again.
	writeEvents("2")
	fake.Advance(time.Second)
	if kills := testutil.RequireReceive(t, breaches, 5*time.Second, "second breach"); kills != 2 {
		t.Errorf("breach kills = %d, want 2", kills)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "watcher exit")
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{"", 0, false},
		{"infinity", 0, false},
		{"512", 512, false},
		{"64K", 64 << 10, false},
		{"512M", 512 << 20, false},
		{"2G", 2 << 30, false},
		{"1T", 1 << 40, false},
		{"garbage", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMemoryLimit(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseCPUQuota(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"infinity", 0, false},
		{"100%", 100, false},
		{"50", 50, false},
		{"250%", 250, false},
		{"-10%", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCPUQuota(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
