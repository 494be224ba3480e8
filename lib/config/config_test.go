// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "holt.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
vm:
  vcpu_count: 4
  memory_mb: 1024
  kernel_path: /images/vmlinux
  rootfs_path: /images/rootfs.ext4
pool:
  pool_size: 3
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.VM.VCPUCount != 4 {
		t.Errorf("vcpu_count = %d, want 4", cfg.VM.VCPUCount)
	}
	if cfg.VM.MemoryMB != 1024 {
		t.Errorf("memory_mb = %d, want 1024", cfg.VM.MemoryMB)
	}
	// Unset fields keep defaults.
	if cfg.VM.SeccompLevel != "basic" {
		t.Errorf("seccomp_level = %q, want default basic", cfg.VM.SeccompLevel)
	}
	if cfg.Pool.RefreshIntervalSecs != 300 {
		t.Errorf("refresh_interval_secs = %d, want default 300", cfg.Pool.RefreshIntervalSecs)
	}
	if cfg.VM.EnableNetworking {
		t.Error("enable_networking should default to false")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("HOLT_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without HOLT_CONFIG should fail")
	}
}

func TestPathExpansion(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /srv/holt
  pool_root: ${HOLT_ROOT}/pool
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.PoolRoot != "/srv/holt/pool" {
		t.Errorf("pool_root = %q, want /srv/holt/pool", cfg.Paths.PoolRoot)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero vcpus", func(c *Config) { c.VM.VCPUCount = 0 }, "vcpu_count"},
		{"tiny memory", func(c *Config) { c.VM.MemoryMB = 64 }, "memory_mb"},
		{"bad level", func(c *Config) { c.VM.SeccompLevel = "open" }, "seccomp_level"},
		{"pool too big", func(c *Config) { c.Pool.Size = 21 }, "pool_size"},
		{"pool zero", func(c *Config) { c.Pool.Size = 0 }, "pool_size"},
		{"refresh too fast", func(c *Config) { c.Pool.RefreshIntervalSecs = 30 }, "refresh_interval_secs"},
		{"unknown backend", func(c *Config) { c.Backend.Name = "qemu" }, "backend.name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.VM.VCPUCount = 0
	cfg.VM.MemoryMB = 1
	cfg.Pool.Size = 99

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"vcpu_count", "memory_mb", "pool_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}
