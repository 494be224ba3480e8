// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/holt-systems/holt/lib/codec"
	"github.com/holt-systems/holt/lib/sqlitepool"
)

// Compression is the memory image format tag, stored as the file's
// first byte so the loader never guesses.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// checksumDomainKey separates snapshot integrity hashing from every
// other BLAKE3 use in holt.
var checksumDomainKey = [32]byte{
	'h', 'o', 'l', 't', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '.',
	'i', 'm', 'a', 'g', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ErrChecksumMismatch means a memory image failed integrity
// verification on load. The snapshot is unusable.
var ErrChecksumMismatch = errors.New("snapshot: memory image checksum mismatch")

// Snapshot directory file names.
const (
	memoryFile   = "memory-state"
	machineFile  = "vm-state"
	metadataFile = "vm-metadata"
)

// Metadata describes one stored snapshot. Persisted as CBOR in the
// snapshot directory and mirrored into the catalog.
type Metadata struct {
	ID        string    `cbor:"id"`
	CreatedAt time.Time `cbor:"created_at"`

	// Compression is the memory image format.
	Compression Compression `cbor:"compression"`

	// Checksum is the keyed BLAKE3 digest of the uncompressed
	// memory image.
	Checksum []byte `cbor:"checksum"`

	// MemoryBytes is the uncompressed memory image size.
	MemoryBytes int64 `cbor:"memory_bytes"`

	// Boot parameters the snapshot was captured with. A snapshot
	// only fast-paths spawns with a matching shape.
	KernelPath string `cbor:"kernel_path"`
	RootfsPath string `cbor:"rootfs_path"`
	VCPUCount  int    `cbor:"vcpu_count"`
	MemoryMB   int    `cbor:"memory_mb"`
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	checksum BLOB NOT NULL,
	memory_bytes INTEGER NOT NULL,
	kernel_path TEXT NOT NULL,
	rootfs_path TEXT NOT NULL,
	vcpu_count INTEGER NOT NULL,
	memory_mb INTEGER NOT NULL
);
`

// StoreConfig configures a Store.
type StoreConfig struct {
	// Root is the pool root directory; each snapshot gets a
	// subdirectory.
	Root string

	// CatalogPath is the SQLite catalog file (default
	// <root>/catalog.db).
	CatalogPath string

	// Compression for new snapshots (default lz4: load speed is the
	// point of the pool). The zero value means "default", not
	// "none"; set DisableCompression for uncompressed images.
	Compression Compression

	// DisableCompression stores memory images raw.
	DisableCompression bool

	Logger *slog.Logger
}

// Store persists snapshots and their catalog.
type Store struct {
	root        string
	compression Compression
	catalog     *sqlitepool.Pool
	logger      *slog.Logger
}

// OpenStore opens (creating if needed) the snapshot store at
// cfg.Root.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("snapshot: store root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: creating pool root: %w", err)
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.Root, "catalog.db")
	}
	if cfg.DisableCompression {
		cfg.Compression = CompressionNone
	} else if cfg.Compression == CompressionNone {
		cfg.Compression = CompressionLZ4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	catalog, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.CatalogPath,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, catalogSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		root:        cfg.Root,
		compression: cfg.Compression,
		catalog:     catalog,
		logger:      logger,
	}, nil
}

// Close closes the catalog.
func (s *Store) Close() error {
	return s.catalog.Close()
}

// Dir returns the directory for a snapshot id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// Commit ingests a raw capture from stagingDir (the backend's
// memory-state and vm-state dumps) into the store: the memory image
// is compressed and checksummed, metadata is written atomically, and
// the catalog row is inserted last so a crash mid-commit leaves an
// orphan directory rather than a catalog entry pointing at garbage.
func (s *Store) Commit(ctx context.Context, meta Metadata, stagingDir string) (Metadata, error) {
	dir := s.Dir(meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("snapshot: creating %s: %w", dir, err)
	}

	checksum, rawSize, err := s.compressMemory(
		filepath.Join(stagingDir, memoryFile),
		filepath.Join(dir, memoryFile),
	)
	if err != nil {
		return Metadata{}, err
	}
	meta.Compression = s.compression
	meta.Checksum = checksum
	meta.MemoryBytes = rawSize

	if err := copyFile(filepath.Join(stagingDir, machineFile), filepath.Join(dir, machineFile)); err != nil {
		return Metadata{}, fmt.Errorf("snapshot: copying machine state: %w", err)
	}

	encoded, err := codec.Marshal(meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("snapshot: encoding metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metadataFile), encoded); err != nil {
		return Metadata{}, err
	}

	if err := s.catalogInsert(ctx, meta); err != nil {
		return Metadata{}, err
	}

	s.logger.Info("snapshot committed",
		"snapshot_id", meta.ID,
		"compression", meta.Compression.String(),
		"memory_bytes", meta.MemoryBytes,
	)
	return meta, nil
}

// Materialize reconstructs a snapshot's raw files into workDir for a
// backend load, verifying the memory image checksum as it
// decompresses. Returns the snapshot's metadata.
func (s *Store) Materialize(id, workDir string) (Metadata, error) {
	dir := s.Dir(id)

	encoded, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return Metadata{}, fmt.Errorf("snapshot: reading metadata for %s: %w", id, err)
	}
	var meta Metadata
	if err := codec.Unmarshal(encoded, &meta); err != nil {
		return Metadata{}, fmt.Errorf("snapshot: decoding metadata for %s: %w", id, err)
	}

	if err := s.decompressMemory(
		filepath.Join(dir, memoryFile),
		filepath.Join(workDir, memoryFile),
		meta.Checksum,
	); err != nil {
		return Metadata{}, err
	}
	if err := copyFile(filepath.Join(dir, machineFile), filepath.Join(workDir, machineFile)); err != nil {
		return Metadata{}, fmt.Errorf("snapshot: copying machine state: %w", err)
	}
	return meta, nil
}

// Delete removes a snapshot and its catalog row. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	conn, err := s.catalog.Take(ctx)
	if err != nil {
		return err
	}
	defer s.catalog.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM snapshots WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("snapshot: deleting catalog row for %s: %w", id, err)
	}
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("snapshot: removing %s: %w", id, err)
	}
	return nil
}

// List returns the catalog's snapshots, oldest first. Restart
// recovery reads the pool's inventory from here.
func (s *Store) List(ctx context.Context) ([]Metadata, error) {
	conn, err := s.catalog.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.catalog.Put(conn)

	var snapshots []Metadata
	err = sqlitex.Execute(conn, `
		SELECT id, created_at, compression, checksum, memory_bytes,
		       kernel_path, rootfs_path, vcpu_count, memory_mb
		FROM snapshots ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				checksum := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, checksum)
				snapshots = append(snapshots, Metadata{
					ID:          stmt.ColumnText(0),
					CreatedAt:   time.Unix(stmt.ColumnInt64(1), 0).UTC(),
					Compression: Compression(stmt.ColumnInt64(2)),
					Checksum:    checksum,
					MemoryBytes: stmt.ColumnInt64(4),
					KernelPath:  stmt.ColumnText(5),
					RootfsPath:  stmt.ColumnText(6),
					VCPUCount:   int(stmt.ColumnInt64(7)),
					MemoryMB:    int(stmt.ColumnInt64(8)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot: listing catalog: %w", err)
	}
	return snapshots, nil
}

func (s *Store) catalogInsert(ctx context.Context, meta Metadata) error {
	conn, err := s.catalog.Take(ctx)
	if err != nil {
		return err
	}
	defer s.catalog.Put(conn)

	if err := sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO snapshots
		(id, created_at, compression, checksum, memory_bytes,
		 kernel_path, rootfs_path, vcpu_count, memory_mb)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				meta.ID,
				meta.CreatedAt.Unix(),
				int64(meta.Compression),
				meta.Checksum,
				meta.MemoryBytes,
				meta.KernelPath,
				meta.RootfsPath,
				meta.VCPUCount,
				meta.MemoryMB,
			},
		}); err != nil {
		return fmt.Errorf("snapshot: inserting catalog row for %s: %w", meta.ID, err)
	}
	return nil
}

// compressMemory writes dst as a one-byte tag followed by the
// compressed stream, returning the keyed checksum and size of the
// raw content.
func (s *Store) compressMemory(src, dst string) ([]byte, int64, error) {
	source, err := os.Open(src)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot: opening memory image: %w", err)
	}
	defer source.Close()

	target, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot: creating memory image: %w", err)
	}
	defer target.Close()

	if _, err := target.Write([]byte{byte(s.compression)}); err != nil {
		return nil, 0, fmt.Errorf("snapshot: writing format tag: %w", err)
	}

	var compressed io.WriteCloser
	switch s.compression {
	case CompressionLZ4:
		compressed = lz4.NewWriter(target)
	case CompressionZstd:
		zw, err := zstd.NewWriter(target)
		if err != nil {
			return nil, 0, fmt.Errorf("snapshot: starting zstd: %w", err)
		}
		compressed = zw
	default:
		compressed = nopWriteCloser{target}
	}

	hasher := newChecksumHasher()
	size, err := io.Copy(io.MultiWriter(compressed, hasher), source)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot: compressing memory image: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return nil, 0, fmt.Errorf("snapshot: finishing compression: %w", err)
	}
	if err := target.Sync(); err != nil {
		return nil, 0, fmt.Errorf("snapshot: syncing memory image: %w", err)
	}
	return hasher.Sum(nil), size, nil
}

// decompressMemory rebuilds the raw memory image at dst, failing
// with ErrChecksumMismatch if the content does not hash to expected.
func (s *Store) decompressMemory(src, dst string, expected []byte) error {
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("snapshot: opening memory image: %w", err)
	}
	defer source.Close()

	var tag [1]byte
	if _, err := io.ReadFull(source, tag[:]); err != nil {
		return fmt.Errorf("snapshot: reading format tag: %w", err)
	}

	var raw io.Reader
	switch Compression(tag[0]) {
	case CompressionLZ4:
		raw = lz4.NewReader(source)
	case CompressionZstd:
		zr, err := zstd.NewReader(source)
		if err != nil {
			return fmt.Errorf("snapshot: starting zstd: %w", err)
		}
		defer zr.Close()
		raw = zr
	case CompressionNone:
		raw = source
	default:
		return fmt.Errorf("snapshot: unknown memory image format tag %d", tag[0])
	}

	target, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: creating memory image: %w", err)
	}
	defer target.Close()

	hasher := newChecksumHasher()
	if _, err := io.Copy(io.MultiWriter(target, hasher), raw); err != nil {
		return fmt.Errorf("snapshot: decompressing memory image: %w", err)
	}
	if digest := hasher.Sum(nil); string(digest) != string(expected) {
		return fmt.Errorf("%w for %s", ErrChecksumMismatch, src)
	}
	return nil
}

func newChecksumHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(checksumDomainKey[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	return hasher
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return err
	}
	return target.Sync()
}

// writeFileAtomic writes data to path via a temp file, fsync, and
// rename, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("snapshot: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("snapshot: publishing %s: %w", path, err)
	}
	return nil
}
