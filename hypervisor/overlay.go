// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/holt-systems/holt/vm"
)

// archiveDomainKey separates overlay-archive naming from every other
// BLAKE3 use in holt.
var archiveDomainKey = [32]byte{
	'h', 'o', 'l', 't', '.', 'o', 'v', 'e', 'r', 'l', 'a', 'y', '.',
	'a', 'r', 'c', 'h', 'i', 'v', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// OverlayOptions configure an OverlayManager.
type OverlayOptions struct {
	// TmpfsDir backs ephemeral overlays (default /dev/shm/holt).
	TmpfsDir string

	// DiskDir backs disk-mode overlays.
	DiskDir string

	// ArchiveDir holds persistent-session overlay archives.
	ArchiveDir string

	// SizeMB is the overlay image size (default 1024). Sparse, so
	// only written blocks consume space.
	SizeMB int

	// ArchiveSecret is the passphrase encrypting persistent archives
	// at rest. Required for persistent overlays.
	ArchiveSecret string

	Logger *slog.Logger
}

// OverlayManager provisions each VM's writable root layer. The
// rootfs image never takes a write; everything the guest changes
// lands on its overlay. Ephemeral overlays (tmpfs, disk) are
// discarded on cleanup; persistent overlays are compressed and
// encrypted into the archive dir keyed by session, and restored on
// the next spawn with the same session key.
type OverlayManager struct {
	opts   OverlayOptions
	logger *slog.Logger
}

// NewOverlayManager creates a manager. Zero-value options pick
// defaults.
func NewOverlayManager(opts OverlayOptions) *OverlayManager {
	if opts.TmpfsDir == "" {
		opts.TmpfsDir = "/dev/shm/holt"
	}
	if opts.SizeMB <= 0 {
		opts.SizeMB = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &OverlayManager{opts: opts, logger: opts.Logger}
}

// Create provisions the overlay image for a VM and returns its path.
func (m *OverlayManager) Create(vmID string, mode vm.OverlayMode, sessionKey string) (string, error) {
	dir := m.opts.TmpfsDir
	switch mode {
	case vm.OverlayDisk, vm.OverlayPersistent:
		if m.opts.DiskDir == "" {
			return "", fmt.Errorf("hypervisor: %s overlay requested but no disk dir configured", mode)
		}
		dir = m.opts.DiskDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("hypervisor: creating overlay dir: %w", err)
	}
	path := filepath.Join(dir, vmID+".overlay")

	if mode == vm.OverlayPersistent {
		restored, err := m.restore(path, sessionKey)
		if err != nil {
			return "", err
		}
		if restored {
			m.logger.Info("overlay restored from archive", "vm_id", vmID, "path", path)
			return path, nil
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("hypervisor: creating overlay image: %w", err)
	}
	defer file.Close()
	// Sparse: size without allocation.
	if err := file.Truncate(int64(m.opts.SizeMB) << 20); err != nil {
		return "", fmt.Errorf("hypervisor: sizing overlay image: %w", err)
	}
	return path, nil
}

// Cleanup disposes of an overlay. Persistent overlays are archived
// first; the archive write is atomic so a crash mid-archive leaves
// the previous archive intact. Idempotent.
func (m *OverlayManager) Cleanup(vmID, path string, mode vm.OverlayMode, sessionKey string) error {
	if path == "" {
		return nil
	}
	if mode == vm.OverlayPersistent {
		if err := m.archive(path, sessionKey); err != nil {
			return err
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("hypervisor: removing overlay for %s: %w", vmID, err)
	}
	return nil
}

// archivePath names a session's archive. The session key is hashed:
// caller-supplied keys never become path components.
func (m *OverlayManager) archivePath(sessionKey string) string {
	hasher, err := blake3.NewKeyed(archiveDomainKey[:])
	if err != nil {
		panic("hypervisor: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write([]byte(sessionKey))
	name := hex.EncodeToString(hasher.Sum(nil)[:16])
	return filepath.Join(m.opts.ArchiveDir, name+".overlay.zst.age")
}

func (m *OverlayManager) archive(path, sessionKey string) error {
	if m.opts.ArchiveDir == "" || m.opts.ArchiveSecret == "" {
		return errors.New("hypervisor: persistent overlay needs an archive dir and secret")
	}
	if err := os.MkdirAll(m.opts.ArchiveDir, 0o700); err != nil {
		return fmt.Errorf("hypervisor: creating archive dir: %w", err)
	}

	source, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hypervisor: opening overlay for archive: %w", err)
	}
	defer source.Close()

	target := m.archivePath(sessionKey)
	tmp, err := os.CreateTemp(m.opts.ArchiveDir, ".archive-*")
	if err != nil {
		return fmt.Errorf("hypervisor: creating archive temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	recipient, err := age.NewScryptRecipient(m.opts.ArchiveSecret)
	if err != nil {
		return fmt.Errorf("hypervisor: building archive recipient: %w", err)
	}
	encrypted, err := age.Encrypt(tmp, recipient)
	if err != nil {
		return fmt.Errorf("hypervisor: starting archive encryption: %w", err)
	}
	compressor, err := zstd.NewWriter(encrypted)
	if err != nil {
		return fmt.Errorf("hypervisor: starting archive compression: %w", err)
	}

	if _, err := io.Copy(compressor, source); err != nil {
		return fmt.Errorf("hypervisor: archiving overlay: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("hypervisor: finishing archive compression: %w", err)
	}
	if err := encrypted.Close(); err != nil {
		return fmt.Errorf("hypervisor: finishing archive encryption: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("hypervisor: syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hypervisor: closing archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("hypervisor: publishing archive: %w", err)
	}
	m.logger.Info("overlay archived", "archive", filepath.Base(target))
	return nil
}

// restore rebuilds an overlay image from its session archive.
// Returns false with no error when no archive exists.
func (m *OverlayManager) restore(path, sessionKey string) (bool, error) {
	if m.opts.ArchiveDir == "" || m.opts.ArchiveSecret == "" {
		return false, errors.New("hypervisor: persistent overlay needs an archive dir and secret")
	}

	source, err := os.Open(m.archivePath(sessionKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("hypervisor: opening overlay archive: %w", err)
	}
	defer source.Close()

	identity, err := age.NewScryptIdentity(m.opts.ArchiveSecret)
	if err != nil {
		return false, fmt.Errorf("hypervisor: building archive identity: %w", err)
	}
	decrypted, err := age.Decrypt(source, identity)
	if err != nil {
		return false, fmt.Errorf("hypervisor: decrypting overlay archive: %w", err)
	}
	decompressor, err := zstd.NewReader(decrypted)
	if err != nil {
		return false, fmt.Errorf("hypervisor: decompressing overlay archive: %w", err)
	}
	defer decompressor.Close()

	target, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("hypervisor: creating restored overlay: %w", err)
	}
	defer target.Close()

	if _, err := io.Copy(target, decompressor); err != nil {
		return false, fmt.Errorf("hypervisor: restoring overlay: %w", err)
	}
	return true, nil
}
