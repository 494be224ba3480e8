// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/holt-systems/holt/firewall"
	"github.com/holt-systems/holt/hypervisor"
	"github.com/holt-systems/holt/lib/config"
	"github.com/holt-systems/holt/lib/process"
	"github.com/holt-systems/holt/lib/version"
	"github.com/holt-systems/holt/orchestrator"
	"github.com/holt-systems/holt/quota"
	"github.com/holt-systems/holt/seccomp"
	"github.com/holt-systems/holt/snapshot"
	"github.com/holt-systems/holt/vm"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("holt-vmd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to holt.yaml (defaults to $HOLT_CONFIG)")
	socketPath := flags.String("socket", "", "control socket path (default <runtime_dir>/vmd.sock)")
	cgroupRoot := flags.String("cgroup-root", "/sys/fs/cgroup/holt", "cgroup v2 subtree for per-VM quotas")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("holt-vmd %s\n", version.Info())
		return nil
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	template, err := templateConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := hypervisor.New(cfg.Backend.Name, hypervisor.Options{
		BinaryPath:   cfg.Backend.BinaryPath,
		StartTimeout: time.Duration(cfg.Backend.StartTimeoutSecs) * time.Second,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	// Networking is opt-in per spawn, so a host without nftables can
	// still run the daemon. Networked spawns fail closed until nft is
	// installed.
	var fw *firewall.Manager
	if runner, err := firewall.NewExecRunner(); err != nil {
		if cfg.VM.EnableNetworking {
			return fmt.Errorf("vm.enable_networking is set: %w", err)
		}
		logger.Warn("nftables unavailable, networked spawns will be refused", "error", err)
	} else {
		fw = firewall.NewManager(runner, logger)
	}

	overlays := hypervisor.NewOverlayManager(hypervisor.OverlayOptions{
		TmpfsDir:      filepath.Join("/dev/shm", "holt"),
		DiskDir:       filepath.Join(cfg.Paths.Root, "overlay"),
		ArchiveDir:    filepath.Join(cfg.Paths.Root, "sessions"),
		ArchiveSecret: os.Getenv("HOLT_ARCHIVE_SECRET"),
		Logger:        logger,
	})

	store, err := snapshot.OpenStore(snapshot.StoreConfig{
		Root:        cfg.Paths.PoolRoot,
		CatalogPath: cfg.Paths.CatalogPath,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer store.Close()

	pool, err := snapshot.NewPool(ctx, snapshot.PoolConfig{
		Store:           store,
		Size:            cfg.Pool.Size,
		RefreshInterval: time.Duration(cfg.Pool.RefreshIntervalSecs) * time.Second,
		MaxAge:          time.Duration(cfg.Pool.MaxAgeSecs) * time.Second,
		Create:          captureTemplate(backend, overlays, template, cfg.Paths.RuntimeDir, logger),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("starting snapshot pool: %w", err)
	}
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	orch, err := orchestrator.New(orchestrator.Options{
		Backend:    backend,
		Quota:      quota.NewManager(*cgroupRoot, logger),
		Overlays:   overlays,
		Firewall:   fw,
		Pool:       pool,
		Store:      store,
		RuntimeDir: cfg.Paths.RuntimeDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	socket := *socketPath
	if socket == "" {
		socket = filepath.Join(cfg.Paths.RuntimeDir, "vmd.sock")
	}
	listener, err := listenSocket(socket)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	d := &daemon{
		orch:     orch,
		template: template,
		backend:  cfg.Backend.Name,
		logger:   logger,
	}

	logger.Info("holt-vmd ready",
		"socket", socket,
		"backend", cfg.Backend.Name,
		"pool_size", cfg.Pool.Size,
	)

	serveDone := make(chan struct{})
	go func() {
		d.serve(ctx, listener)
		close(serveDone)
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	listener.Close()
	<-serveDone
	<-poolDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := orch.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadConfig prefers the --config flag over HOLT_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// templateConfig builds the per-spawn default from the daemon
// configuration.
func templateConfig(cfg *config.Config) (vm.Config, error) {
	level, err := seccomp.ParseLevel(cfg.VM.SeccompLevel)
	if err != nil {
		return vm.Config{}, err
	}
	return vm.Config{
		VCPUCount:        cfg.VM.VCPUCount,
		MemoryMB:         cfg.VM.MemoryMB,
		KernelPath:       cfg.VM.KernelPath,
		RootfsPath:       cfg.VM.RootfsPath,
		EnableNetworking: cfg.VM.EnableNetworking,
		SeccompLevel:     level,
	}, nil
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// listenSocket creates a unix socket listener, removing any stale
// socket file from a previous run.
func listenSocket(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	// Clients run as other local users in production.
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return listener, nil
}
