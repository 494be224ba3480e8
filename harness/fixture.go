// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/holt-systems/holt/channel"
	"github.com/holt-systems/holt/hypervisor"
	"github.com/holt-systems/holt/lib/netutil"
	"github.com/holt-systems/holt/orchestrator"
	"github.com/holt-systems/holt/quota"
	"github.com/holt-systems/holt/snapshot"
	"github.com/holt-systems/holt/vm"
)

// guestAgent is the stub guest's channel server. It answers every
// request and counts the operations it processed, which is the ground
// truth for data-loss accounting: a call the harness believes
// succeeded must show up here.
type guestAgent struct {
	processed atomic.Uint64
}

func (g *guestAgent) serve(conn net.Conn) {
	c := channel.NewConn(conn)
	for {
		m, err := c.Receive()
		if err != nil {
			return
		}
		if m.Kind != channel.KindRequest {
			continue
		}
		if m.Method != "ping" {
			g.processed.Add(1)
		}
		if err := c.Send(channel.Message{ID: m.ID, Kind: channel.KindResponse}); err != nil {
			return
		}
	}
}

// FixtureConfig configures a harness fixture.
type FixtureConfig struct {
	// WorkDir holds the fixture's runtime dirs, overlays, fake cgroup
	// root, and snapshot store. Required.
	WorkDir string

	// Template is the config each spawn starts from. Zero value picks
	// a small default.
	Template vm.Config

	// PoolSize enables a warm snapshot pool of that size; zero runs
	// every spawn as a cold boot.
	PoolSize int

	// WatchInterval is the quota watcher poll interval (default 25ms,
	// short so breach scenarios settle quickly).
	WatchInterval time.Duration

	Logger *slog.Logger
}

// Fixture is a fully wired orchestrator over the stub backend, with a
// partition injector spliced into every channel connection.
type Fixture struct {
	Orch      *orchestrator.Orchestrator
	Backend   *StubBackend
	Partition *Partition

	template   vm.Config
	quota      *quota.Manager
	runtimeDir string
	logger     *slog.Logger

	store      *snapshot.Store
	poolCancel context.CancelFunc
	poolDone   chan struct{}

	mu     sync.Mutex
	guests map[string]*guestAgent
}

// NewFixture assembles the fixture under cfg.WorkDir.
func NewFixture(cfg FixtureConfig) (*Fixture, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("harness: work dir is required")
	}
	if cfg.Template == (vm.Config{}) {
		cfg.Template = vm.Config{
			VCPUCount:  1,
			MemoryMB:   128,
			KernelPath: "/srv/holt/vmlinux",
			RootfsPath: "/srv/holt/rootfs.ext4",
		}
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 25 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	f := &Fixture{
		Backend:    NewStubBackend(),
		Partition:  NewPartition(),
		template:   cfg.Template,
		quota:      quota.NewManager(filepath.Join(cfg.WorkDir, "cgroup"), cfg.Logger),
		runtimeDir: filepath.Join(cfg.WorkDir, "run"),
		logger:     cfg.Logger,
		guests:     make(map[string]*guestAgent),
	}

	opts := orchestrator.Options{
		Backend: f.Backend,
		Quota:   f.quota,
		Overlays: hypervisor.NewOverlayManager(hypervisor.OverlayOptions{
			TmpfsDir: filepath.Join(cfg.WorkDir, "overlay"),
			SizeMB:   1,
			Logger:   cfg.Logger,
		}),
		RuntimeDir:    f.runtimeDir,
		DialChannel:   f.dialChannel,
		WatchInterval: cfg.WatchInterval,
		Logger:        cfg.Logger,
	}

	if cfg.PoolSize > 0 {
		store, err := snapshot.OpenStore(snapshot.StoreConfig{
			Root:   filepath.Join(cfg.WorkDir, "snapshots"),
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		pool, err := snapshot.NewPool(context.Background(), snapshot.PoolConfig{
			Store:  store,
			Size:   cfg.PoolSize,
			Create: f.captureTemplate,
			Logger: cfg.Logger,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		poolCtx, cancel := context.WithCancel(context.Background())
		f.store = store
		f.poolCancel = cancel
		f.poolDone = make(chan struct{})
		go func() {
			pool.Run(poolCtx)
			close(f.poolDone)
		}()
		opts.Pool = pool
		opts.Store = store
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		return nil, err
	}
	f.Orch = orch
	return f, nil
}

// captureTemplate stands in for the pool's boot-and-snapshot cycle.
func (f *Fixture) captureTemplate(ctx context.Context, stagingDir string) (snapshot.Metadata, error) {
	m, _ := hypervisor.StubMachine("pool-template", "")
	if err := f.Backend.CreateSnapshot(ctx, m, stagingDir); err != nil {
		return snapshot.Metadata{}, err
	}
	return snapshot.Metadata{
		KernelPath: f.template.KernelPath,
		RootfsPath: f.template.RootfsPath,
		VCPUCount:  f.template.VCPUCount,
		MemoryMB:   f.template.MemoryMB,
	}, nil
}

func (f *Fixture) guest(vmID string) *guestAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[vmID]
	if !ok {
		g = &guestAgent{}
		f.guests[vmID] = g
	}
	return g
}

// GuestProcessed reports how many operations a VM's guest agent has
// processed.
func (f *Fixture) GuestProcessed(vmID string) uint64 {
	return f.guest(vmID).processed.Load()
}

// dialChannel routes every channel connection through the partition:
// a bridged proxy hop sits between the orchestrator's end and the
// guest agent, so an active fault severs the path mid-flight the way
// a real partition would.
func (f *Fixture) dialChannel(m *hypervisor.Machine) channel.DialFunc {
	vmID := m.VMID
	return func(ctx context.Context) (net.Conn, error) {
		if !f.Partition.dialAllowed(vmID) {
			return nil, fmt.Errorf("harness: dial %s: %w", vmID, syscall.ECONNREFUSED)
		}
		host, proxyHost := net.Pipe()
		proxyGuest, guestEnd := net.Pipe()
		go f.guest(vmID).serve(guestEnd)
		go func() {
			_ = netutil.BridgeConnections(f.Partition.wrap(vmID, proxyHost), proxyGuest)
		}()
		return host, nil
	}
}

// Spawn boots one VM from the template; mutate may adjust its config.
func (f *Fixture) Spawn(ctx context.Context, mutate func(*vm.Config)) (*vm.Handle, error) {
	cfg := f.template
	if mutate != nil {
		mutate(&cfg)
	}
	return f.Orch.Spawn(ctx, cfg)
}

// SimulateOOM plants an oom_kill event in a VM's cgroup, as the
// kernel would after enforcing memory.max.
func (f *Fixture) SimulateOOM(vmID string) error {
	path := filepath.Join(f.quota.GroupPath(vmID), "memory.events")
	return os.WriteFile(path, []byte("low 0\nhigh 0\nmax 7\noom 2\noom_kill 1\n"), 0o644)
}

// Released reports whether a VM is fully gone: no registry entry, no
// runtime directory.
func (f *Fixture) Released(vmID string) bool {
	if _, err := f.Orch.Status(vmID); !errors.Is(err, orchestrator.ErrUnknownVM) {
		return false
	}
	if _, err := os.Stat(filepath.Join(f.runtimeDir, vmID)); !os.IsNotExist(err) {
		return false
	}
	return true
}

// destroyClean destroys a VM and verifies everything it held was
// released.
func (f *Fixture) destroyClean(ctx context.Context, vmID string) error {
	if err := f.Orch.Destroy(ctx, vmID); err != nil {
		return err
	}
	if !f.Released(vmID) {
		return fmt.Errorf("harness: %s destroyed but not fully released", vmID)
	}
	return nil
}

// Close destroys every VM and stops the pool.
func (f *Fixture) Close(ctx context.Context) error {
	var errs []error
	if err := f.Orch.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if f.poolCancel != nil {
		f.poolCancel()
		<-f.poolDone
	}
	if f.store != nil {
		if err := f.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
