// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/holt-systems/holt/hypervisor"
	"github.com/holt-systems/holt/seccomp"
	"github.com/holt-systems/holt/snapshot"
	"github.com/holt-systems/holt/vm"
)

// captureTemplate returns the pool's snapshot producer: boot a
// pristine template VM, pause it into the staging directory, stop it.
// The template VM runs without networking but gets a scratch tmpfs
// overlay, discarded after the capture; restored VMs have the drive
// re-pointed at their own overlay by the backend's restore sequence.
func captureTemplate(backend hypervisor.Backend, overlays *hypervisor.OverlayManager, template vm.Config, runtimeDir string, logger *slog.Logger) snapshot.CreateFunc {
	return func(ctx context.Context, stagingDir string) (snapshot.Metadata, error) {
		id := "pool-" + uuid.NewString()
		dir := filepath.Join(runtimeDir, id)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return snapshot.Metadata{}, err
		}
		defer os.RemoveAll(dir)

		filter, err := seccomp.NewFilter(template.SeccompLevel, nil, false)
		if err != nil {
			return snapshot.Metadata{}, err
		}
		filterPath := filepath.Join(dir, "seccomp-filter.json")
		if err := filter.WriteFile(filterPath); err != nil {
			return snapshot.Metadata{}, err
		}

		overlayPath, err := overlays.Create(id, vm.OverlayTmpfs, "")
		if err != nil {
			return snapshot.Metadata{}, fmt.Errorf("template overlay: %w", err)
		}
		defer func() {
			if err := overlays.Cleanup(id, overlayPath, vm.OverlayTmpfs, ""); err != nil {
				logger.Warn("cleaning template overlay", "vm_id", id, "error", err)
			}
		}()

		machine, err := backend.Spawn(ctx, hypervisor.BootSpec{
			VMID:              id,
			VCPUCount:         template.VCPUCount,
			MemoryMB:          template.MemoryMB,
			KernelPath:        template.KernelPath,
			RootfsPath:        template.RootfsPath,
			OverlayPath:       overlayPath,
			SeccompFilterPath: filterPath,
			RuntimeDir:        dir,
		})
		if err != nil {
			return snapshot.Metadata{}, fmt.Errorf("booting template: %w", err)
		}
		defer func() {
			if err := backend.Stop(context.WithoutCancel(ctx), machine); err != nil {
				logger.Warn("stopping template VM", "vm_id", id, "error", err)
			}
		}()

		if err := backend.CreateSnapshot(ctx, machine, stagingDir); err != nil {
			return snapshot.Metadata{}, err
		}
		return snapshot.Metadata{
			KernelPath: template.KernelPath,
			RootfsPath: template.RootfsPath,
			VCPUCount:  template.VCPUCount,
			MemoryMB:   template.MemoryMB,
		}, nil
	}
}
