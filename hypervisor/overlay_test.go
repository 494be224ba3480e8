// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/holt-systems/holt/vm"
)

func testOverlayManager(t *testing.T) *OverlayManager {
	t.Helper()
	root := t.TempDir()
	return NewOverlayManager(OverlayOptions{
		TmpfsDir:      filepath.Join(root, "tmpfs"),
		DiskDir:       filepath.Join(root, "disk"),
		ArchiveDir:    filepath.Join(root, "archive"),
		SizeMB:        1,
		ArchiveSecret: "test-archive-secret",
	})
}

func TestOverlayCreateSparse(t *testing.T) {
	manager := testOverlayManager(t)

	path, err := manager.Create("vm-a", vm.OverlayTmpfs, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat overlay: %v", err)
	}
	if info.Size() != 1<<20 {
		t.Errorf("overlay size = %d, want %d", info.Size(), 1<<20)
	}

	if err := manager.Cleanup("vm-a", path, vm.OverlayTmpfs, ""); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("overlay survived cleanup")
	}
	// Repeat cleanup is a no-op.
	if err := manager.Cleanup("vm-a", path, vm.OverlayTmpfs, ""); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

func TestOverlayDiskModeUsesDiskDir(t *testing.T) {
	manager := testOverlayManager(t)

	path, err := manager.Create("vm-a", vm.OverlayDisk, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if filepath.Dir(path) != manager.opts.DiskDir {
		t.Errorf("disk overlay landed in %s", filepath.Dir(path))
	}
}

// A persistent session's overlay contents must survive the
// archive/restore cycle, and the archive on disk must not contain
// the plaintext.
func TestOverlayPersistentRoundTrip(t *testing.T) {
	manager := testOverlayManager(t)
	const session = "session-alpha"
	secret := []byte("the guest wrote this")

	path, err := manager.Create("vm-a", vm.OverlayPersistent, session)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	if err := manager.Cleanup("vm-a", path, vm.OverlayPersistent, session); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("overlay file survived cleanup")
	}

	archive, err := os.ReadFile(manager.archivePath(session))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if bytes.Contains(archive, secret) {
		t.Error("archive contains overlay plaintext; it must be encrypted")
	}

	// A new spawn with the same session key gets the data back.
	restored, err := manager.Create("vm-b", vm.OverlayPersistent, session)
	if err != nil {
		t.Fatalf("restore Create: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("reading restored overlay: %v", err)
	}
	if string(got) != string(secret) {
		t.Errorf("restored contents = %q, want %q", got, secret)
	}
}

func TestOverlayPersistentSessionsIndependent(t *testing.T) {
	manager := testOverlayManager(t)

	pathA, err := manager.Create("vm-a", vm.OverlayPersistent, "session-a")
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := os.WriteFile(pathA, []byte("data-a"), 0o600); err != nil {
		t.Fatalf("writing a: %v", err)
	}
	if err := manager.Cleanup("vm-a", pathA, vm.OverlayPersistent, "session-a"); err != nil {
		t.Fatalf("Cleanup a: %v", err)
	}

	// A different session gets a fresh overlay, not session-a's data.
	pathB, err := manager.Create("vm-b", vm.OverlayPersistent, "session-b")
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	info, err := os.Stat(pathB)
	if err != nil {
		t.Fatalf("stat b: %v", err)
	}
	if info.Size() != 1<<20 {
		t.Errorf("session-b overlay size = %d, want fresh sparse image", info.Size())
	}
}

func TestOverlayPersistentRequiresSecret(t *testing.T) {
	manager := NewOverlayManager(OverlayOptions{
		TmpfsDir: t.TempDir(),
		DiskDir:  t.TempDir(),
	})
	if _, err := manager.Create("vm-a", vm.OverlayPersistent, "session"); err == nil {
		t.Fatal("persistent overlay without archive config should fail")
	}
}
