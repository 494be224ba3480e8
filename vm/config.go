// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package vm

import (
	"errors"
	"fmt"

	"github.com/holt-systems/holt/quota"
	"github.com/holt-systems/holt/seccomp"
)

// OverlayMode selects where a VM's writable root layer lives. The
// rootfs image itself is always attached read-only and shared.
type OverlayMode string

const (
	// OverlayTmpfs backs the overlay with a tmpfs sparse file,
	// discarded on stop. The default.
	OverlayTmpfs OverlayMode = "tmpfs"

	// OverlayDisk backs the overlay with a disk file, discarded on
	// stop. For workloads whose writes exceed comfortable RAM.
	OverlayDisk OverlayMode = "disk"

	// OverlayPersistent archives the overlay on stop and restores it
	// on the next spawn with the same session key. Explicit opt-in.
	OverlayPersistent OverlayMode = "persistent"
)

// minMemoryMB is the smallest guest a kernel will meaningfully boot.
const minMemoryMB = 128

// Config describes one micro-VM. Validate before use; the
// orchestrator rejects invalid configs before allocating anything.
type Config struct {
	// ID uniquely names the VM. Generated by the orchestrator when
	// empty.
	ID string

	VCPUCount int
	MemoryMB  int

	// KernelPath and RootfsPath point at the boot kernel image and
	// the shared read-only root filesystem.
	KernelPath string
	RootfsPath string

	// OverlayMode defaults to OverlayTmpfs when empty.
	OverlayMode OverlayMode

	// SessionKey names the persistent overlay archive. Required for
	// OverlayPersistent, ignored otherwise.
	SessionKey string

	// EnableNetworking attaches a firewalled network path. Off by
	// default; the host-guest channel works without it.
	EnableNetworking bool

	SeccompLevel seccomp.Level

	// Quota ceilings applied at boot. Zero values are unlimited.
	Quota quota.Limits
}

// Validate reports every problem with the config at once.
func (c Config) Validate() error {
	var errs []error

	if c.VCPUCount <= 0 {
		errs = append(errs, fmt.Errorf("vcpu_count must be positive, got %d", c.VCPUCount))
	}
	if c.MemoryMB < minMemoryMB {
		errs = append(errs, fmt.Errorf("memory_mb must be at least %d, got %d", minMemoryMB, c.MemoryMB))
	}
	if c.KernelPath == "" {
		errs = append(errs, errors.New("kernel_path is required"))
	}
	if c.RootfsPath == "" {
		errs = append(errs, errors.New("rootfs_path is required"))
	}

	switch c.OverlayMode {
	case "", OverlayTmpfs, OverlayDisk:
	case OverlayPersistent:
		if c.SessionKey == "" {
			errs = append(errs, errors.New("persistent overlay requires a session key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown overlay mode %q", c.OverlayMode))
	}

	if !c.SeccompLevel.Valid() {
		errs = append(errs, fmt.Errorf("unknown seccomp level %q", c.SeccompLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Overlay returns the effective overlay mode with the default
// applied.
func (c Config) Overlay() OverlayMode {
	if c.OverlayMode == "" {
		return OverlayTmpfs
	}
	return c.OverlayMode
}
