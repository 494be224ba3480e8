// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T, compression Compression) *Store {
	t.Helper()
	store, err := OpenStore(StoreConfig{
		Root:        t.TempDir(),
		Compression: compression,
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// writeStaging fakes a backend capture: raw memory and machine state
// files in a staging directory.
func writeStaging(t *testing.T, memory, machine []byte) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, memoryFile), memory, 0o644); err != nil {
		t.Fatalf("writing staging memory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, machineFile), machine, 0o644); err != nil {
		t.Fatalf("writing staging machine state: %v", err)
	}
	return dir
}

func testMeta(id string) Metadata {
	return Metadata{
		ID:         id,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
		KernelPath: "/srv/vmlinux",
		RootfsPath: "/srv/rootfs.ext4",
		VCPUCount:  2,
		MemoryMB:   256,
	}
}

func TestStoreCommitMaterializeRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			store := testStore(t, compression)
			ctx := context.Background()

			memory := bytes.Repeat([]byte("guest memory page "), 4096)
			machine := []byte("machine state blob")
			staging := writeStaging(t, memory, machine)

			committed, err := store.Commit(ctx, testMeta("snap-1"), staging)
			if err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if committed.Compression != compression {
				t.Errorf("compression = %s, want %s", committed.Compression, compression)
			}
			if committed.MemoryBytes != int64(len(memory)) {
				t.Errorf("memory bytes = %d, want %d", committed.MemoryBytes, len(memory))
			}
			if len(committed.Checksum) == 0 {
				t.Error("no checksum recorded")
			}

			// Layout: memory-state, vm-state, vm-metadata under the id.
			for _, name := range []string{memoryFile, machineFile, metadataFile} {
				if _, err := os.Stat(filepath.Join(store.Dir("snap-1"), name)); err != nil {
					t.Errorf("missing %s: %v", name, err)
				}
			}

			// The stored memory image is compressed, with its tag first.
			stored, err := os.ReadFile(filepath.Join(store.Dir("snap-1"), memoryFile))
			if err != nil {
				t.Fatalf("reading stored image: %v", err)
			}
			if Compression(stored[0]) != compression {
				t.Errorf("format tag = %d, want %d", stored[0], compression)
			}
			if len(stored) >= len(memory) {
				t.Errorf("stored image %d bytes, raw %d; compression had no effect", len(stored), len(memory))
			}

			workDir := t.TempDir()
			meta, err := store.Materialize("snap-1", workDir)
			if err != nil {
				t.Fatalf("Materialize: %v", err)
			}
			if meta.ID != "snap-1" || meta.VCPUCount != 2 {
				t.Errorf("materialized meta = %+v", meta)
			}

			gotMemory, err := os.ReadFile(filepath.Join(workDir, memoryFile))
			if err != nil {
				t.Fatalf("reading materialized memory: %v", err)
			}
			if !bytes.Equal(gotMemory, memory) {
				t.Error("materialized memory differs from capture")
			}
			gotMachine, err := os.ReadFile(filepath.Join(workDir, machineFile))
			if err != nil {
				t.Fatalf("reading materialized machine state: %v", err)
			}
			if !bytes.Equal(gotMachine, machine) {
				t.Error("materialized machine state differs from capture")
			}
		})
	}
}

// "None" must be selectable, not just the unset zero value that
// defaults to lz4.
func TestStoreDisableCompression(t *testing.T) {
	store, err := OpenStore(StoreConfig{
		Root:               t.TempDir(),
		DisableCompression: true,
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	memory := bytes.Repeat([]byte("guest memory page "), 64)
	staging := writeStaging(t, memory, []byte("machine state blob"))

	committed, err := store.Commit(ctx, testMeta("snap-raw"), staging)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed.Compression != CompressionNone {
		t.Fatalf("compression = %s, want none", committed.Compression)
	}

	stored, err := os.ReadFile(filepath.Join(store.Dir("snap-raw"), memoryFile))
	if err != nil {
		t.Fatalf("reading stored image: %v", err)
	}
	if Compression(stored[0]) != CompressionNone {
		t.Errorf("format tag = %d, want %d", stored[0], CompressionNone)
	}
	if !bytes.Equal(stored[1:], memory) {
		t.Error("stored image altered; uncompressed storage must be verbatim")
	}

	workDir := t.TempDir()
	if _, err := store.Materialize("snap-raw", workDir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	gotMemory, err := os.ReadFile(filepath.Join(workDir, memoryFile))
	if err != nil {
		t.Fatalf("reading materialized memory: %v", err)
	}
	if !bytes.Equal(gotMemory, memory) {
		t.Error("materialized memory differs from capture")
	}
}

func TestStoreDetectsCorruptMemoryImage(t *testing.T) {
	store := testStore(t, CompressionLZ4)
	ctx := context.Background()

	staging := writeStaging(t, []byte("original memory"), []byte("machine"))
	if _, err := store.Commit(ctx, testMeta("snap-1"), staging); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Swap the stored image for different content that still decodes
	// cleanly. Only the checksum can catch this.
	tampered := append([]byte{byte(CompressionNone)}, []byte("attacker memory!")...)
	if err := os.WriteFile(filepath.Join(store.Dir("snap-1"), memoryFile), tampered, 0o644); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	_, err := store.Materialize("snap-1", t.TempDir())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Materialize error = %v, want ErrChecksumMismatch", err)
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	store := testStore(t, CompressionLZ4)
	ctx := context.Background()

	staging := writeStaging(t, []byte("memory"), []byte("machine"))
	if _, err := store.Commit(ctx, testMeta("snap-1"), staging); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := store.Delete(ctx, "snap-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "snap-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	snapshots, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("catalog still lists %d snapshots", len(snapshots))
	}
}

// The catalog is the restart-recovery source: a new store over the
// same root must list what the old one committed.
func TestStoreCatalogSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	store, err := OpenStore(StoreConfig{Root: root})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	for _, id := range []string{"snap-a", "snap-b"} {
		staging := writeStaging(t, []byte("memory "+id), []byte("machine"))
		meta := testMeta(id)
		if _, err := store.Commit(ctx, meta, staging); err != nil {
			t.Fatalf("Commit %s: %v", id, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenStore(StoreConfig{Root: root})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	snapshots, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("recovered %d snapshots, want 2", len(snapshots))
	}
	if _, err := reopened.Materialize(snapshots[0].ID, t.TempDir()); err != nil {
		t.Errorf("recovered snapshot unusable: %v", err)
	}
}
