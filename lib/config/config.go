// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// VM holds the defaults applied to every spawn request unless the
	// caller overrides them.
	VM VMConfig `yaml:"vm"`

	// Pool configures the warm snapshot pool.
	Pool PoolConfig `yaml:"pool"`

	// Backend selects the hypervisor backend ("firecracker" or
	// "cloud-hypervisor") and where to find it.
	Backend BackendConfig `yaml:"backend"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for holt state.
	Root string `yaml:"root"`

	// PoolRoot is where snapshot directories live. Defaults to
	// <root>/snapshots.
	PoolRoot string `yaml:"pool_root"`

	// RuntimeDir holds per-VM sockets and overlay scratch space.
	// Defaults to <root>/run.
	RuntimeDir string `yaml:"runtime_dir"`

	// CatalogPath is the snapshot catalog database. Defaults to
	// <root>/catalog.db.
	CatalogPath string `yaml:"catalog_path"`
}

// VMConfig holds per-VM defaults.
type VMConfig struct {
	// VCPUCount is the number of virtual CPUs. Must be > 0.
	VCPUCount int `yaml:"vcpu_count"`

	// MemoryMB is guest memory in MiB. Must be >= 128.
	MemoryMB int `yaml:"memory_mb"`

	// KernelPath is the guest kernel image.
	KernelPath string `yaml:"kernel_path"`

	// RootfsPath is the read-only base root filesystem image.
	RootfsPath string `yaml:"rootfs_path"`

	// SeccompLevel is "minimal", "basic", or "permissive".
	// Permissive is refused outside explicit debugging use.
	SeccompLevel string `yaml:"seccomp_level"`

	// EnableNetworking allows guest networking behind per-VM
	// firewall isolation. Off by default.
	EnableNetworking bool `yaml:"enable_networking"`
}

// PoolConfig configures the snapshot pool.
type PoolConfig struct {
	// Size is the number of warm snapshots to maintain, 1-20.
	Size int `yaml:"pool_size"`

	// RefreshIntervalSecs is how often the refresher scans for stale
	// entries. Minimum 60.
	RefreshIntervalSecs int `yaml:"refresh_interval_secs"`

	// MaxAgeSecs is the age past which a snapshot is replaced.
	// Defaults to 30 minutes.
	MaxAgeSecs int `yaml:"max_age_secs"`
}

// BackendConfig selects and locates the hypervisor.
type BackendConfig struct {
	// Name is "firecracker" or "cloud-hypervisor".
	Name string `yaml:"name"`

	// BinaryPath overrides PATH lookup of the hypervisor binary.
	BinaryPath string `yaml:"binary_path"`

	// StartTimeoutSecs bounds the wait for the control socket after
	// the child starts. Defaults to 5.
	StartTimeoutSecs int `yaml:"start_timeout_secs"`
}

// Default returns the base configuration merged under the loaded
// file. These are zero-surprise values, not a substitute for a config
// file.
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".cache", "holt")

	return &Config{
		Paths: PathsConfig{
			Root:        root,
			PoolRoot:    filepath.Join(root, "snapshots"),
			RuntimeDir:  filepath.Join(root, "run"),
			CatalogPath: filepath.Join(root, "catalog.db"),
		},
		VM: VMConfig{
			VCPUCount:    1,
			MemoryMB:     256,
			SeccompLevel: "basic",
		},
		Pool: PoolConfig{
			Size:                5,
			RefreshIntervalSecs: 300,
			MaxAgeSecs:          1800,
		},
		Backend: BackendConfig{
			Name:             "firecracker",
			StartTimeoutSecs: 5,
		},
	}
}

// Load loads configuration from the file named by HOLT_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("HOLT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("HOLT_CONFIG environment variable not set; " +
			"point it at your holt.yaml, or pass --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, merging over Default and
// expanding ${VAR} patterns in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// Validate checks the configuration. All problems are reported, not
// just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.VM.VCPUCount <= 0 {
		errs = append(errs, fmt.Errorf("vm.vcpu_count must be positive, got %d", c.VM.VCPUCount))
	}
	if c.VM.MemoryMB < 128 {
		errs = append(errs, fmt.Errorf("vm.memory_mb must be at least 128, got %d", c.VM.MemoryMB))
	}
	switch c.VM.SeccompLevel {
	case "minimal", "basic", "permissive":
	default:
		errs = append(errs, fmt.Errorf("vm.seccomp_level must be minimal, basic, or permissive, got %q", c.VM.SeccompLevel))
	}
	if c.Pool.Size < 1 || c.Pool.Size > 20 {
		errs = append(errs, fmt.Errorf("pool.pool_size must be 1-20, got %d", c.Pool.Size))
	}
	if c.Pool.RefreshIntervalSecs < 60 {
		errs = append(errs, fmt.Errorf("pool.refresh_interval_secs must be at least 60, got %d", c.Pool.RefreshIntervalSecs))
	}
	switch c.Backend.Name {
	case "firecracker", "cloud-hypervisor":
	default:
		errs = append(errs, fmt.Errorf("backend.name must be firecracker or cloud-hypervisor, got %q", c.Backend.Name))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.PoolRoot, c.Paths.RuntimeDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) expandPaths() {
	vars := map[string]string{
		"HOLT_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expand(c.Paths.Root, vars)
	vars["HOLT_ROOT"] = c.Paths.Root

	c.Paths.PoolRoot = expand(c.Paths.PoolRoot, vars)
	c.Paths.RuntimeDir = expand(c.Paths.RuntimeDir, vars)
	c.Paths.CatalogPath = expand(c.Paths.CatalogPath, vars)
	c.VM.KernelPath = expand(c.VM.KernelPath, vars)
	c.VM.RootfsPath = expand(c.VM.RootfsPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expand(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		return os.Getenv(name)
	})
}
