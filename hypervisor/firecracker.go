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
	Register("firecracker", newFirecracker)
}

// startAttempts is how many boots are tried before giving up. Start
// failures are usually deterministic (bad kernel path, missing KVM),
// so a long retry loop only delays the error.
const startAttempts = 2

// stopGrace is how long a graceful shutdown gets before SIGKILL.
const stopGrace = 3 * time.Second

// firecracker drives one firecracker child per VM behind a private
// --api-sock unix socket.
type firecracker struct {
	binary string
	opts   Options
	logger *slog.Logger
}

func newFirecracker(opts Options) (Backend, error) {
	opts.applyDefaults()
	binary := opts.BinaryPath
	if binary == "" {
		path, err := exec.LookPath("firecracker")
		if err != nil {
			return nil, fmt.Errorf("hypervisor: firecracker binary not found: %w", err)
		}
		binary = path
	}
	return &firecracker{
		binary: binary,
		opts:   opts,
		logger: opts.Logger.With("backend", "firecracker"),
	}, nil
}

func (f *firecracker) Name() string { return "firecracker" }

// Firecracker API request bodies. Field names follow the firecracker
// OpenAPI schema.
type fcBootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type fcDrive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type fcMachineConfig struct {
	VCPUCount  int  `json:"vcpu_count"`
	MemSizeMiB int  `json:"mem_size_mib"`
	SMT        bool `json:"smt"`
}

type fcVsock struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type fcNetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
}

type fcAction struct {
	ActionType string `json:"action_type"`
}

type fcVMState struct {
	State string `json:"state"`
}

type fcSnapshotCreate struct {
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
}

type fcSnapshotLoad struct {
	SnapshotPath string       `json:"snapshot_path"`
	MemBackend   fcMemBackend `json:"mem_backend"`
	ResumeVM     bool         `json:"resume_vm"`
}

type fcDriveUpdate struct {
	DriveID    string `json:"drive_id"`
	PathOnHost string `json:"path_on_host"`
}

type fcMemBackend struct {
	BackendType string `json:"backend_type"`
	BackendPath string `json:"backend_path"`
}

// guestCID is the fixed vsock context id for the single guest. CID 3
// is the first available guest id.
const guestCID = 3

func (f *firecracker) Spawn(ctx context.Context, spec BootSpec) (*Machine, error) {
	return f.boot(ctx, spec, func(ctx context.Context, client *controlClient, spec BootSpec, m *Machine) error {
		return f.configureBoot(ctx, client, spec, m)
	})
}

func (f *firecracker) LoadSnapshot(ctx context.Context, spec BootSpec, dir string) (*Machine, error) {
	return f.boot(ctx, spec, func(ctx context.Context, client *controlClient, spec BootSpec, m *Machine) error {
		return f.configureRestore(ctx, client, spec, dir)
	})
}

// configureRestore loads the snapshot paused, points the overlay
// drive at this spawn's overlay, then resumes. The snapshot was
// captured against the template's scratch overlay; the guest must
// never run against that shared file.
func (f *firecracker) configureRestore(ctx context.Context, client *controlClient, spec BootSpec, dir string) error {
	if err := client.put(ctx, "/snapshot/load", fcSnapshotLoad{
		SnapshotPath: filepath.Join(dir, "vm-state"),
		MemBackend: fcMemBackend{
			BackendType: "File",
			BackendPath: filepath.Join(dir, "memory-state"),
		},
	}); err != nil {
		return err
	}
	if err := client.patch(ctx, "/drives/overlay", fcDriveUpdate{
		DriveID:    "overlay",
		PathOnHost: spec.OverlayPath,
	}); err != nil {
		return err
	}
	return client.put(ctx, "/vm", fcVMState{State: "Resumed"})
}

// boot launches the child, waits for its control socket, and runs
// configure to bring the guest up. Retried once on failure; the
// retry gets a fresh process and socket.
func (f *firecracker) boot(ctx context.Context, spec BootSpec, configure func(context.Context, *controlClient, BootSpec, *Machine) error) (*Machine, error) {
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
		machine, err := f.bootOnce(ctx, spec, configure)
		if err == nil {
			return machine, nil
		}
		lastErr = err
		f.logger.Warn("boot attempt failed",
			"vm_id", spec.VMID,
			"attempt", attempt,
			"attempts", startAttempts,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &vm.BackendStartError{Backend: f.Name(), Attempts: startAttempts, Err: lastErr}
}

func (f *firecracker) bootOnce(ctx context.Context, spec BootSpec, configure func(context.Context, *controlClient, BootSpec, *Machine) error) (*Machine, error) {
	socketPath := filepath.Join(spec.RuntimeDir, "firecracker.sock")
	vsockPath := filepath.Join(spec.RuntimeDir, "channel.vsock")

	args := []string{
		"--api-sock", socketPath,
		// The syscall filter binds at exec; there is no window where
		// the VMM runs unfiltered.
		"--seccomp-filter", spec.SeccompFilterPath,
	}

	machine, err := launchChild(ctx, spec.VMID, f.binary, args, spec.RuntimeDir)
	if err != nil {
		return nil, err
	}
	machine.SocketPath = socketPath
	machine.VsockPath = vsockPath

	client := newControlClient(socketPath)
	defer client.close()

	ready := func(ctx context.Context) error {
		var state fcVMState
		return client.get(ctx, "/", &state)
	}
	if err := waitReady(ctx, f.opts.Clock, f.opts.StartTimeout, machine, ready); err != nil {
		f.reap(machine)
		return nil, err
	}

	if err := configure(ctx, client, spec, machine); err != nil {
		f.reap(machine)
		return nil, err
	}

	f.logger.Info("machine booted", "vm_id", spec.VMID, "pid", machine.PID)
	return machine, nil
}

// configureBoot issues the boot sequence: boot source, drives,
// machine config, vsock, then InstanceStart. Order matters; the API
// rejects a start before the boot source and root drive exist.
func (f *firecracker) configureBoot(ctx context.Context, client *controlClient, spec BootSpec, m *Machine) error {
	if err := client.put(ctx, "/boot-source", fcBootSource{
		KernelImagePath: spec.KernelPath,
		BootArgs:        "console=ttyS0 reboot=k panic=1 pci=off",
	}); err != nil {
		return err
	}

	// The rootfs is shared across every VM and is never writable;
	// guest writes land on the overlay drive.
	if err := client.put(ctx, "/drives/rootfs", fcDrive{
		DriveID:      "rootfs",
		PathOnHost:   spec.RootfsPath,
		IsRootDevice: true,
		IsReadOnly:   true,
	}); err != nil {
		return err
	}
	if err := client.put(ctx, "/drives/overlay", fcDrive{
		DriveID:    "overlay",
		PathOnHost: spec.OverlayPath,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/machine-config", fcMachineConfig{
		VCPUCount:  spec.VCPUCount,
		MemSizeMiB: spec.MemoryMB,
	}); err != nil {
		return err
	}

	if err := client.put(ctx, "/vsock", fcVsock{
		GuestCID: guestCID,
		UDSPath:  m.VsockPath,
	}); err != nil {
		return err
	}

	if spec.TapDevice != "" {
		if err := client.put(ctx, "/network-interfaces/eth0", fcNetworkInterface{
			IfaceID:     "eth0",
			HostDevName: spec.TapDevice,
		}); err != nil {
			return err
		}
	}

	return client.put(ctx, "/actions", fcAction{ActionType: "InstanceStart"})
}

func (f *firecracker) Stop(ctx context.Context, m *Machine) error {
	select {
	case <-m.Done():
		return nil
	default:
	}

	// Graceful first: Ctrl-Alt-Del lets the guest flush and halt.
	client := newControlClient(m.SocketPath)
	defer client.close()
	if err := client.put(ctx, "/actions", fcAction{ActionType: "SendCtrlAltDel"}); err != nil {
		f.logger.Debug("graceful shutdown request failed", "vm_id", m.VMID, "error", err)
	}

	if err := stopChild(m, f.opts.Clock, stopGrace); err != nil {
		return err
	}
	f.logger.Info("machine stopped", "vm_id", m.VMID)
	return nil
}

func (f *firecracker) Status(ctx context.Context, m *Machine) (vm.State, error) {
	select {
	case <-m.Done():
		return vm.Terminated, nil
	default:
	}

	client := newControlClient(m.SocketPath)
	defer client.close()
	var state fcVMState
	if err := client.get(ctx, "/", &state); err != nil {
		return vm.Terminated, fmt.Errorf("hypervisor: querying %s: %w", m.VMID, err)
	}
	switch state.State {
	case "Running":
		return vm.Running, nil
	case "Paused", "Not started":
		return vm.Booting, nil
	default:
		return vm.Terminated, nil
	}
}

func (f *firecracker) CreateSnapshot(ctx context.Context, m *Machine, dir string) error {
	client := newControlClient(m.SocketPath)
	defer client.close()

	// Pause, capture, resume. The guest is frozen for the capture so
	// memory and device state agree.
	if err := client.put(ctx, "/vm", fcVMState{State: "Paused"}); err != nil {
		return fmt.Errorf("hypervisor: pausing %s: %w", m.VMID, err)
	}

	captureErr := client.put(ctx, "/snapshot/create", fcSnapshotCreate{
		SnapshotPath: filepath.Join(dir, "vm-state"),
		MemFilePath:  filepath.Join(dir, "memory-state"),
	})

	if err := client.put(ctx, "/vm", fcVMState{State: "Resumed"}); err != nil {
		return errors.Join(captureErr, fmt.Errorf("hypervisor: resuming %s: %w", m.VMID, err))
	}
	if captureErr != nil {
		return fmt.Errorf("hypervisor: snapshotting %s: %w", m.VMID, captureErr)
	}
	return nil
}

// reap tears down a half-started child after a failed boot attempt.
func (f *firecracker) reap(m *Machine) {
	if err := stopChild(m, f.opts.Clock, time.Second); err != nil {
		f.logger.Warn("reaping failed boot", "vm_id", m.VMID, "error", err)
	}
}
