// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/holt-systems/holt/vm"
)

func init() {
	Register("cloud-hypervisor", newCloudHypervisor)
}

// cloudHypervisor drives one cloud-hypervisor child per VM behind a
// private --api-socket. Same capability set as firecracker over a
// different API surface: one vm.create with the full config, then
// vm.boot.
type cloudHypervisor struct {
	binary string
	opts   Options
	logger *slog.Logger
}

func newCloudHypervisor(opts Options) (Backend, error) {
	opts.applyDefaults()
	binary := opts.BinaryPath
	if binary == "" {
		path, err := exec.LookPath("cloud-hypervisor")
		if err != nil {
			return nil, fmt.Errorf("hypervisor: cloud-hypervisor binary not found: %w", err)
		}
		binary = path
	}
	return &cloudHypervisor{
		binary: binary,
		opts:   opts,
		logger: opts.Logger.With("backend", "cloud-hypervisor"),
	}, nil
}

func (c *cloudHypervisor) Name() string { return "cloud-hypervisor" }

// Cloud Hypervisor API request bodies, matching its v1 API schema.
type clhVMConfig struct {
	Payload clhPayload `json:"payload"`
	Cpus    clhCpus    `json:"cpus"`
	Memory  clhMemory  `json:"memory"`
	Disks   []clhDisk  `json:"disks"`
	Net     []clhNet   `json:"net,omitempty"`
	Vsock   *clhVsock  `json:"vsock,omitempty"`
	Serial  clhConsole `json:"serial"`
	Console clhConsole `json:"console"`
}

type clhPayload struct {
	Kernel  string `json:"kernel"`
	CmdLine string `json:"cmdline"`
}

type clhCpus struct {
	BootVcpus int `json:"boot_vcpus"`
	MaxVcpus  int `json:"max_vcpus"`
}

type clhMemory struct {
	Size int64 `json:"size"`
}

type clhDisk struct {
	ID       string `json:"id,omitempty"`
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type clhDeviceRemove struct {
	ID string `json:"id"`
}

// overlayDiskID names the overlay disk so restore can find and swap
// it.
const overlayDiskID = "overlay"

type clhNet struct {
	Tap string `json:"tap"`
}

type clhVsock struct {
	CID    uint64 `json:"cid"`
	Socket string `json:"socket"`
}

type clhConsole struct {
	Mode string `json:"mode"`
}

type clhVMInfo struct {
	State string `json:"state"`
}

type clhRestore struct {
	SourceURL string `json:"source_url"`
}

type clhSnapshot struct {
	DestinationURL string `json:"destination_url"`
}

func (c *cloudHypervisor) Spawn(ctx context.Context, spec BootSpec) (*Machine, error) {
	return c.boot(ctx, spec, func(ctx context.Context, client *controlClient, spec BootSpec, m *Machine) error {
		if err := client.put(ctx, "/api/v1/vm.create", c.vmConfig(spec, m)); err != nil {
			return err
		}
		return client.put(ctx, "/api/v1/vm.boot", nil)
	})
}

func (c *cloudHypervisor) LoadSnapshot(ctx context.Context, spec BootSpec, dir string) (*Machine, error) {
	return c.boot(ctx, spec, func(ctx context.Context, client *controlClient, spec BootSpec, m *Machine) error {
		return c.configureRestore(ctx, client, spec, dir)
	})
}

// configureRestore restores the snapshot paused, swaps the overlay
// disk for this spawn's overlay, then resumes. Cloud Hypervisor has
// no drive-update call, so the swap is a hotplug remove and add; the
// restored guest must never run against the template's scratch
// overlay.
func (c *cloudHypervisor) configureRestore(ctx context.Context, client *controlClient, spec BootSpec, dir string) error {
	if err := client.put(ctx, "/api/v1/vm.restore", clhRestore{
		SourceURL: "file://" + dir,
	}); err != nil {
		return err
	}
	if err := client.put(ctx, "/api/v1/vm.remove-device", clhDeviceRemove{ID: overlayDiskID}); err != nil {
		return err
	}
	if err := client.put(ctx, "/api/v1/vm.add-disk", clhDisk{ID: overlayDiskID, Path: spec.OverlayPath}); err != nil {
		return err
	}
	return client.put(ctx, "/api/v1/vm.resume", nil)
}

func (c *cloudHypervisor) vmConfig(spec BootSpec, m *Machine) clhVMConfig {
	cfg := clhVMConfig{
		Payload: clhPayload{
			Kernel:  spec.KernelPath,
			CmdLine: "console=ttyS0 reboot=k panic=1",
		},
		Cpus:   clhCpus{BootVcpus: spec.VCPUCount, MaxVcpus: spec.VCPUCount},
		Memory: clhMemory{Size: int64(spec.MemoryMB) << 20},
		Disks: []clhDisk{
			{ID: "rootfs", Path: spec.RootfsPath, Readonly: true},
			{ID: overlayDiskID, Path: spec.OverlayPath},
		},
		Vsock:   &clhVsock{CID: guestCID, Socket: m.VsockPath},
		Serial:  clhConsole{Mode: "File"},
		Console: clhConsole{Mode: "Off"},
	}
	if spec.TapDevice != "" {
		cfg.Net = []clhNet{{Tap: spec.TapDevice}}
	}
	return cfg
}

func (c *cloudHypervisor) boot(ctx context.Context, spec BootSpec, configure func(context.Context, *controlClient, BootSpec, *Machine) error) (*Machine, error) {
	if spec.SeccompFilterPath == "" {
		return nil, &vm.IsolationError{
			VMID:  spec.VMID,
			Stage: "seccomp",
			Err:   errors.New("no syscall filter supplied"),
		}
	}
	if spec.OverlayPath == "" {
		return nil, fmt.Errorf("hypervisor: %s has no overlay path; the guest needs a writable layer", spec.VMID)
	}

	var lastErr error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		machine, err := c.bootOnce(ctx, spec, configure)
		if err == nil {
			return machine, nil
		}
		lastErr = err
		c.logger.Warn("boot attempt failed",
			"vm_id", spec.VMID,
			"attempt", attempt,
			"attempts", startAttempts,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &vm.BackendStartError{Backend: c.Name(), Attempts: startAttempts, Err: lastErr}
}

func (c *cloudHypervisor) bootOnce(ctx context.Context, spec BootSpec, configure func(context.Context, *controlClient, BootSpec, *Machine) error) (*Machine, error) {
	socketPath := filepath.Join(spec.RuntimeDir, "cloud-hypervisor.sock")
	vsockPath := filepath.Join(spec.RuntimeDir, "channel.vsock")

	args := []string{
		"--api-socket", socketPath,
		"--seccomp", spec.SeccompFilterPath,
	}

	machine, err := launchChild(ctx, spec.VMID, c.binary, args, spec.RuntimeDir)
	if err != nil {
		return nil, err
	}
	machine.SocketPath = socketPath
	machine.VsockPath = vsockPath

	client := newControlClient(socketPath)
	defer client.close()

	ready := func(ctx context.Context) error {
		return client.get(ctx, "/api/v1/vmm.ping", nil)
	}
	if err := waitReady(ctx, c.opts.Clock, c.opts.StartTimeout, machine, ready); err != nil {
		c.reap(machine)
		return nil, err
	}

	if err := configure(ctx, client, spec, machine); err != nil {
		c.reap(machine)
		return nil, err
	}

	c.logger.Info("machine booted", "vm_id", spec.VMID, "pid", machine.PID)
	return machine, nil
}

func (c *cloudHypervisor) Stop(ctx context.Context, m *Machine) error {
	select {
	case <-m.Done():
		return nil
	default:
	}

	client := newControlClient(m.SocketPath)
	defer client.close()
	if err := client.put(ctx, "/api/v1/vm.shutdown", nil); err != nil {
		c.logger.Debug("graceful shutdown request failed", "vm_id", m.VMID, "error", err)
	}

	if err := stopChild(m, c.opts.Clock, stopGrace); err != nil {
		return err
	}
	c.logger.Info("machine stopped", "vm_id", m.VMID)
	return nil
}

func (c *cloudHypervisor) Status(ctx context.Context, m *Machine) (vm.State, error) {
	select {
	case <-m.Done():
		return vm.Terminated, nil
	default:
	}

	client := newControlClient(m.SocketPath)
	defer client.close()
	var info clhVMInfo
	if err := client.get(ctx, "/api/v1/vm.info", &info); err != nil {
		return vm.Terminated, fmt.Errorf("hypervisor: querying %s: %w", m.VMID, err)
	}
	switch info.State {
	case "Running":
		return vm.Running, nil
	case "Created", "Paused":
		return vm.Booting, nil
	default:
		return vm.Terminated, nil
	}
}

func (c *cloudHypervisor) CreateSnapshot(ctx context.Context, m *Machine, dir string) error {
	client := newControlClient(m.SocketPath)
	defer client.close()

	if err := client.put(ctx, "/api/v1/vm.pause", nil); err != nil {
		return fmt.Errorf("hypervisor: pausing %s: %w", m.VMID, err)
	}

	captureErr := client.put(ctx, "/api/v1/vm.snapshot", clhSnapshot{
		DestinationURL: "file://" + dir,
	})

	if err := client.put(ctx, "/api/v1/vm.resume", nil); err != nil {
		return errors.Join(captureErr, fmt.Errorf("hypervisor: resuming %s: %w", m.VMID, err))
	}
	if captureErr != nil {
		return fmt.Errorf("hypervisor: snapshotting %s: %w", m.VMID, captureErr)
	}
	return nil
}

func (c *cloudHypervisor) reap(m *Machine) {
	if err := stopChild(m, c.opts.Clock, time.Second); err != nil {
		c.logger.Warn("reaping failed boot", "vm_id", m.VMID, "error", err)
	}
}
