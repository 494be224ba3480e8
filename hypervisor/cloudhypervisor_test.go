// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func testCloudHypervisor(binary string) *cloudHypervisor {
	opts := Options{BinaryPath: binary, StartTimeout: 5 * time.Second}
	opts.applyDefaults()
	return &cloudHypervisor{binary: binary, opts: opts, logger: slog.New(slog.DiscardHandler)}
}

func TestCLHVMConfigDisks(t *testing.T) {
	clh := testCloudHypervisor("")
	spec := testBootSpec(t)
	machine := &Machine{VMID: spec.VMID, VsockPath: "/run/holt/vm-test/channel.vsock", done: make(chan struct{})}

	cfg := clh.vmConfig(spec, machine)
	if len(cfg.Disks) != 2 {
		t.Fatalf("disks = %d, want rootfs + overlay", len(cfg.Disks))
	}
	if !cfg.Disks[0].Readonly || cfg.Disks[0].Path != spec.RootfsPath {
		t.Errorf("rootfs disk = %+v; it must be read-only", cfg.Disks[0])
	}
	if cfg.Disks[1].ID != overlayDiskID || cfg.Disks[1].Readonly {
		t.Errorf("overlay disk = %+v; it must be named and writable", cfg.Disks[1])
	}
}

// Restore swaps the overlay disk by hotplug: the snapshot carries the
// template's scratch overlay, and the claiming spawn's overlay must
// be attached before the guest resumes.
func TestCLHConfigureRestoreSwapsOverlay(t *testing.T) {
	recorder, socketPath := newControlRecorder(t)
	client := newControlClient(socketPath)
	defer client.close()

	clh := testCloudHypervisor("")
	spec := testBootSpec(t)
	spec.OverlayPath = "/dev/shm/holt/vm-test.overlay"

	if err := clh.configureRestore(testContext(t), client, spec, "/srv/holt/snapshots/snap-1"); err != nil {
		t.Fatalf("configureRestore: %v", err)
	}

	want := []string{
		"PUT /api/v1/vm.restore",
		"PUT /api/v1/vm.remove-device",
		"PUT /api/v1/vm.add-disk",
		"PUT /api/v1/vm.resume",
	}
	if got := recorder.paths(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call sequence = %v, want %v", got, want)
	}

	for _, req := range recorder.recorded() {
		switch req.Path {
		case "/api/v1/vm.remove-device":
			var remove clhDeviceRemove
			if err := json.Unmarshal([]byte(req.Body), &remove); err != nil {
				t.Fatalf("remove body: %v", err)
			}
			if remove.ID != overlayDiskID {
				t.Errorf("removed device %q, want %q", remove.ID, overlayDiskID)
			}
		case "/api/v1/vm.add-disk":
			var disk clhDisk
			if err := json.Unmarshal([]byte(req.Body), &disk); err != nil {
				t.Fatalf("add-disk body: %v", err)
			}
			if disk.Path != spec.OverlayPath || disk.ID != overlayDiskID {
				t.Errorf("attached disk = %+v, want %q at %q", disk, overlayDiskID, spec.OverlayPath)
			}
		}
	}
}
