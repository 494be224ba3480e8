// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/holt-systems/holt/vm"
)

func testFirecracker(binary string) *firecracker {
	opts := Options{BinaryPath: binary, StartTimeout: 5 * time.Second}
	opts.applyDefaults()
	return &firecracker{binary: binary, opts: opts, logger: slog.New(slog.DiscardHandler)}
}

func testBootSpec(t *testing.T) BootSpec {
	t.Helper()
	return BootSpec{
		VMID:              "vm-test",
		VCPUCount:         2,
		MemoryMB:          256,
		KernelPath:        "/srv/vmlinux",
		RootfsPath:        "/srv/rootfs.ext4",
		OverlayPath:       "/srv/overlay.img",
		SeccompFilterPath: "/srv/filter.json",
		RuntimeDir:        t.TempDir(),
	}
}

// The boot sequence is ordered: the API rejects InstanceStart before
// the boot source and drives exist, so the order is part of the
// contract.
func TestConfigureBootSequence(t *testing.T) {
	recorder, socketPath := newControlRecorder(t)
	client := newControlClient(socketPath)
	defer client.close()

	fc := testFirecracker("")
	spec := testBootSpec(t)
	machine := &Machine{VMID: spec.VMID, VsockPath: "/run/holt/vm-test/channel.vsock", done: make(chan struct{})}

	if err := fc.configureBoot(testContext(t), client, spec, machine); err != nil {
		t.Fatalf("configureBoot: %v", err)
	}

	want := []string{
		"PUT /boot-source",
		"PUT /drives/rootfs",
		"PUT /drives/overlay",
		"PUT /machine-config",
		"PUT /vsock",
		"PUT /actions",
	}
	if got := recorder.paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("call sequence = %v, want %v", got, want)
	}
}

func TestConfigureBootRootfsReadOnly(t *testing.T) {
	recorder, socketPath := newControlRecorder(t)
	client := newControlClient(socketPath)
	defer client.close()

	fc := testFirecracker("")
	spec := testBootSpec(t)
	machine := &Machine{VMID: spec.VMID, done: make(chan struct{})}

	if err := fc.configureBoot(testContext(t), client, spec, machine); err != nil {
		t.Fatalf("configureBoot: %v", err)
	}

	for _, req := range recorder.recorded() {
		if req.Path != "/drives/rootfs" {
			continue
		}
		var drive fcDrive
		if err := json.Unmarshal([]byte(req.Body), &drive); err != nil {
			t.Fatalf("drive body: %v", err)
		}
		if !drive.IsReadOnly {
			t.Error("rootfs drive attached writable; it must be read-only")
		}
		if !drive.IsRootDevice {
			t.Error("rootfs drive not marked as root device")
		}
		return
	}
	t.Fatal("no rootfs drive configured")
}

func TestConfigureBootAttachesTapWhenNetworked(t *testing.T) {
	recorder, socketPath := newControlRecorder(t)
	client := newControlClient(socketPath)
	defer client.close()

	fc := testFirecracker("")
	spec := testBootSpec(t)
	spec.TapDevice = "hvm-0a1b2c3d4e"
	machine := &Machine{VMID: spec.VMID, done: make(chan struct{})}

	if err := fc.configureBoot(testContext(t), client, spec, machine); err != nil {
		t.Fatalf("configureBoot: %v", err)
	}

	found := false
	for _, path := range recorder.paths() {
		if path == "PUT /network-interfaces/eth0" {
			found = true
		}
	}
	if !found {
		t.Error("networked spec did not attach a tap interface")
	}
}

// A restored VM must run against the claiming spawn's overlay, not
// the scratch overlay the snapshot was captured with: load paused,
// re-point the drive, then resume.
func TestConfigureRestoreRepointsOverlay(t *testing.T) {
	recorder, socketPath := newControlRecorder(t)
	client := newControlClient(socketPath)
	defer client.close()

	fc := testFirecracker("")
	spec := testBootSpec(t)
	spec.OverlayPath = "/dev/shm/holt/vm-test.overlay"

	if err := fc.configureRestore(testContext(t), client, spec, "/srv/holt/snapshots/snap-1"); err != nil {
		t.Fatalf("configureRestore: %v", err)
	}

	want := []string{
		"PUT /snapshot/load",
		"PATCH /drives/overlay",
		"PUT /vm",
	}
	if got := recorder.paths(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call sequence = %v, want %v", got, want)
	}

	for _, req := range recorder.recorded() {
		switch req.Path {
		case "/snapshot/load":
			var load fcSnapshotLoad
			if err := json.Unmarshal([]byte(req.Body), &load); err != nil {
				t.Fatalf("load body: %v", err)
			}
			if load.ResumeVM {
				t.Error("snapshot loaded resumed; the overlay re-point needs a paused guest")
			}
		case "/drives/overlay":
			var update fcDriveUpdate
			if err := json.Unmarshal([]byte(req.Body), &update); err != nil {
				t.Fatalf("drive update body: %v", err)
			}
			if update.PathOnHost != spec.OverlayPath {
				t.Errorf("overlay re-pointed to %q, want %q", update.PathOnHost, spec.OverlayPath)
			}
		case "/vm":
			var state fcVMState
			if err := json.Unmarshal([]byte(req.Body), &state); err != nil {
				t.Fatalf("vm state body: %v", err)
			}
			if state.State != "Resumed" {
				t.Errorf("final state = %q, want Resumed", state.State)
			}
		}
	}
}

func TestSpawnRequiresOverlay(t *testing.T) {
	fc := testFirecracker("/bin/false")
	spec := testBootSpec(t)
	spec.OverlayPath = ""

	_, err := fc.Spawn(testContext(t), spec)
	if err == nil || !strings.Contains(err.Error(), "overlay") {
		t.Fatalf("Spawn error = %v, want overlay path rejection", err)
	}
}

func TestSpawnRequiresSeccompFilter(t *testing.T) {
	fc := testFirecracker("/bin/false")
	spec := testBootSpec(t)
	spec.SeccompFilterPath = ""

	_, err := fc.Spawn(testContext(t), spec)
	var iso *vm.IsolationError
	if !errors.As(err, &iso) {
		t.Fatalf("Spawn error = %v, want *vm.IsolationError", err)
	}
	if iso.Stage != "seccomp" {
		t.Errorf("stage = %q, want seccomp", iso.Stage)
	}
}

// A child that exits immediately must fail the spawn as soon as the
// exit is observed, not after burning the full start timeout.
func TestSpawnFailsFastOnChildExit(t *testing.T) {
	fc := testFirecracker("/bin/false")
	fc.opts.StartTimeout = 30 * time.Second

	start := time.Now()
	_, err := fc.Spawn(testContext(t), testBootSpec(t))
	elapsed := time.Since(start)

	var startErr *vm.BackendStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("Spawn error = %v, want *vm.BackendStartError", err)
	}
	if startErr.Attempts != startAttempts {
		t.Errorf("attempts = %d, want %d", startErr.Attempts, startAttempts)
	}
	if !errors.Is(err, errChildExited) {
		t.Errorf("error chain %v does not mark the child exit", err)
	}
	// Two attempts, each failing the moment the child dies. Far
	// under the 30s-per-attempt deadline.
	if elapsed > 10*time.Second {
		t.Errorf("spawn took %v; the start wait did not fail fast on child exit", elapsed)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		apiState string
		want     vm.State
	}{
		{"Running", vm.Running},
		{"Paused", vm.Booting},
		{"Not started", vm.Booting},
	}
	for _, tt := range tests {
		t.Run(tt.apiState, func(t *testing.T) {
			recorder, socketPath := newControlRecorder(t)
			recorder.respond("GET", "/", http.StatusOK, `{"state":"`+tt.apiState+`"}`)

			fc := testFirecracker("")
			machine := &Machine{VMID: "vm-test", SocketPath: socketPath, done: make(chan struct{})}
			got, err := fc.Status(testContext(t), machine)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}

	t.Run("exited machine", func(t *testing.T) {
		fc := testFirecracker("")
		done := make(chan struct{})
		close(done)
		machine := &Machine{VMID: "vm-test", done: done}
		got, err := fc.Status(testContext(t), machine)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if got != vm.Terminated {
			t.Errorf("state = %s, want terminated", got)
		}
	})
}

func TestBackendRegistry(t *testing.T) {
	names := Backends()
	wantNames := map[string]bool{"firecracker": false, "cloud-hypervisor": false}
	for _, name := range names {
		if _, ok := wantNames[name]; ok {
			wantNames[name] = true
		}
	}
	for name, seen := range wantNames {
		if !seen {
			t.Errorf("backend %q not registered", name)
		}
	}

	if _, err := New("xen", Options{}); err == nil {
		t.Error("unknown backend should error")
	}
}
