// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// cpuPeriod is the cgroup v2 cpu.max accounting period in
// microseconds. 100ms is the kernel default.
const cpuPeriod = 100000

// Limits are one VM's resource ceilings. Zero values mean unlimited
// for that dimension.
type Limits struct {
	// MemoryBytes caps guest plus hypervisor memory. Swap is always
	// pinned to zero so the cap is real.
	MemoryBytes uint64

	// CPUQuotaPercent throttles CPU: 100 is one full CPU, 50 half.
	// Throttling, not starvation — the scheduler still runs the
	// group every period.
	CPUQuotaPercent int

	// DiskWriteBPS caps write throughput to DiskDevice in bytes per
	// second.
	DiskWriteBPS uint64

	// DiskDevice is the "major:minor" of the device DiskWriteBPS
	// applies to. Required when DiskWriteBPS is set.
	DiskDevice string
}

// Cgroup is one VM's applied group.
type Cgroup struct {
	// VMID is the owning VM.
	VMID string

	// Path is the group directory under the manager root.
	Path string
}

// Manager creates and releases per-VM cgroups. Safe for concurrent
// use across distinct VMs; each VM gets its own sibling directory.
type Manager struct {
	// Root is the parent directory for holt groups, normally
	// /sys/fs/cgroup/holt. Tests point it at a scratch directory.
	Root string

	logger *slog.Logger
}

// NewManager creates a Manager rooted at root. A nil logger discards.
func NewManager(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{Root: root, logger: logger}
}

// GroupPath returns the directory a VM's group occupies under the
// manager root, whether or not it exists yet.
func (m *Manager) GroupPath(vmID string) string {
	return filepath.Join(m.Root, "vm-"+vmID)
}

// Apply creates the VM's group and writes every configured ceiling.
// The group must exist with limits in place before the hypervisor
// process is admitted; callers Apply first, then AddProcess.
func (m *Manager) Apply(vmID string, limits Limits) (*Cgroup, error) {
	if limits.DiskWriteBPS > 0 && limits.DiskDevice == "" {
		return nil, fmt.Errorf("quota: disk write limit for %s needs a device (major:minor)", vmID)
	}

	path := m.GroupPath(vmID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("quota: creating group for %s: %w", vmID, err)
	}

	group := &Cgroup{VMID: vmID, Path: path}

	if limits.MemoryBytes > 0 {
		if err := writeControl(path, "memory.max", strconv.FormatUint(limits.MemoryBytes, 10)); err != nil {
			return nil, err
		}
		// Without this, a memory.max breach silently spills to swap
		// and the ceiling is fiction.
		if err := writeControl(path, "memory.swap.max", "0"); err != nil {
			return nil, err
		}
	}

	if limits.CPUQuotaPercent > 0 {
		quotaMicros := limits.CPUQuotaPercent * cpuPeriod / 100
		value := fmt.Sprintf("%d %d", quotaMicros, cpuPeriod)
		if err := writeControl(path, "cpu.max", value); err != nil {
			return nil, err
		}
	}

	if limits.DiskWriteBPS > 0 {
		value := fmt.Sprintf("%s wbps=%d", limits.DiskDevice, limits.DiskWriteBPS)
		if err := writeControl(path, "io.max", value); err != nil {
			return nil, err
		}
	}

	m.logger.Info("resource quota applied",
		"vm_id", vmID,
		"memory_bytes", limits.MemoryBytes,
		"cpu_percent", limits.CPUQuotaPercent,
		"disk_wbps", limits.DiskWriteBPS,
	)
	return group, nil
}

// AddProcess admits pid into the group. Call after Apply so the
// process never runs a cycle outside its ceilings.
func (g *Cgroup) AddProcess(pid int) error {
	if err := writeControl(g.Path, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("quota: admitting pid %d to %s: %w", pid, g.VMID, err)
	}
	return nil
}

// OOMKills reads the oom_kill counter from memory.events. Zero when
// the file is absent (no memory controller or no events yet).
func (g *Cgroup) OOMKills() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(g.Path, "memory.events"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("quota: reading memory.events for %s: %w", g.VMID, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			count, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("quota: parsing oom_kill count %q: %w", fields[1], err)
			}
			return count, nil
		}
	}
	return 0, nil
}

// Release kills any stragglers and removes the group. Idempotent: an
// already-removed group is success.
func (m *Manager) Release(group *Cgroup) error {
	if group == nil {
		return nil
	}

	// cgroup.kill takes the whole subtree down in one write. Best
	// effort, and only where the kernel provides it (5.14+); the
	// hypervisor is normally dead by now anyway.
	if _, err := os.Stat(filepath.Join(group.Path, "cgroup.kill")); err == nil {
		_ = writeControl(group.Path, "cgroup.kill", "1")
	}

	err := os.Remove(group.Path)
	if errors.Is(err, syscall.ENOTEMPTY) {
		// Lingering entries the rmdir will not sweep, such as
		// sub-groups the hypervisor created. Clear them and retry
		// once.
		entries, readErr := os.ReadDir(group.Path)
		if readErr != nil {
			return fmt.Errorf("quota: inspecting group for %s: %w", group.VMID, readErr)
		}
		for _, entry := range entries {
			_ = os.Remove(filepath.Join(group.Path, entry.Name()))
		}
		err = os.Remove(group.Path)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("quota: removing group for %s: %w", group.VMID, err)
	}
	m.logger.Info("resource quota released", "vm_id", group.VMID)
	return nil
}

func writeControl(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("quota: writing %s: %w", path, err)
	}
	return nil
}
