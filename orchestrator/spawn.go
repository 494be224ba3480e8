// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/holt-systems/holt/channel"
	"github.com/holt-systems/holt/hypervisor"
	"github.com/holt-systems/holt/quota"
	"github.com/holt-systems/holt/seccomp"
	"github.com/holt-systems/holt/snapshot"
	"github.com/holt-systems/holt/vm"
)

// seccompFilterFile is the serialized filter's name inside a VM's
// runtime directory.
const seccompFilterFile = "seccomp-filter.json"

// Spawn boots a new VM from cfg and returns its handle once the
// host-guest channel answers. Isolation is fail-closed: if any layer
// cannot be both configured and verified, everything already set up
// is unwound and the spawn fails.
func (o *Orchestrator) Spawn(ctx context.Context, cfg vm.Config) (*vm.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	started := o.clk.Now()
	handle := &vm.Handle{ID: cfg.ID, Backend: o.opts.Backend.Name()}
	if err := handle.Transition(vm.Booting); err != nil {
		return nil, err
	}

	st := &vmState{handle: handle, cfg: cfg}
	if err := o.register(st); err != nil {
		return nil, err
	}

	if err := o.boot(ctx, st, started); err != nil {
		o.unregister(cfg.ID)
		_ = handle.Transition(vm.Terminated)
		return nil, err
	}

	o.logger.Info("vm spawned",
		"vm_id", cfg.ID,
		"backend", handle.Backend,
		"from_snapshot", handle.FromSnapshot,
		"spawn_latency", handle.SpawnLatency,
	)
	return handle, nil
}

// boot runs the spawn pipeline, recording each acquired resource in
// st and unwinding all of them in reverse order on failure.
func (o *Orchestrator) boot(ctx context.Context, st *vmState, started time.Time) (err error) {
	cfg := st.cfg

	var unwind []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i]()
		}
	}()

	st.runtimeDir = filepath.Join(o.opts.RuntimeDir, cfg.ID)
	if mkErr := os.MkdirAll(st.runtimeDir, 0o755); mkErr != nil {
		return fmt.Errorf("orchestrator: creating runtime dir: %w", mkErr)
	}
	unwind = append(unwind, func() { os.RemoveAll(st.runtimeDir) })

	// Seccomp first: the filter must exist on disk before any
	// hypervisor command line is assembled.
	filter, fErr := seccomp.NewFilter(cfg.SeccompLevel, nil, false)
	if fErr != nil {
		return &vm.IsolationError{VMID: cfg.ID, Stage: "seccomp", Err: fErr}
	}
	filterPath := filepath.Join(st.runtimeDir, seccompFilterFile)
	if wErr := filter.WriteFile(filterPath); wErr != nil {
		return &vm.IsolationError{VMID: cfg.ID, Stage: "seccomp", Err: wErr}
	}

	st.overlayPath, err = o.opts.Overlays.Create(cfg.ID, cfg.Overlay(), cfg.SessionKey)
	if err != nil {
		return err
	}
	unwind = append(unwind, func() {
		_ = o.opts.Overlays.Cleanup(cfg.ID, st.overlayPath, cfg.Overlay(), cfg.SessionKey)
	})

	var tapDevice string
	if cfg.EnableNetworking {
		if o.opts.Firewall == nil {
			return &vm.IsolationError{
				VMID:  cfg.ID,
				Stage: "firewall",
				Err:   errors.New("networking requested but no firewall manager configured"),
			}
		}
		rules, nErr := o.opts.Firewall.ConfigureIsolation(ctx, cfg.ID)
		if nErr != nil {
			return &vm.IsolationError{VMID: cfg.ID, Stage: "firewall", Err: nErr}
		}
		st.rules = rules
		tapDevice = rules.TapDevice
		unwind = append(unwind, func() {
			_ = o.opts.Firewall.Cleanup(context.Background(), rules)
		})
	}

	group, qErr := o.opts.Quota.Apply(cfg.ID, cfg.Quota)
	if qErr != nil {
		return &vm.IsolationError{VMID: cfg.ID, Stage: "quota", Err: qErr}
	}
	st.group = group
	unwind = append(unwind, func() { _ = o.opts.Quota.Release(group) })

	spec := hypervisor.BootSpec{
		VMID:              cfg.ID,
		VCPUCount:         cfg.VCPUCount,
		MemoryMB:          cfg.MemoryMB,
		KernelPath:        cfg.KernelPath,
		RootfsPath:        cfg.RootfsPath,
		OverlayPath:       st.overlayPath,
		SeccompFilterPath: filterPath,
		TapDevice:         tapDevice,
		RuntimeDir:        st.runtimeDir,
	}

	machine, fromSnapshot, bErr := o.bootMachine(ctx, spec, cfg)
	if bErr != nil {
		return bErr
	}
	st.machine = machine
	unwind = append(unwind, func() {
		_ = o.opts.Backend.Stop(context.Background(), machine)
	})

	// Admit the child into its cgroup before it does real work. A VM
	// that cannot be brought under its ceilings does not run.
	if aErr := group.AddProcess(machine.PID); aErr != nil {
		return &vm.IsolationError{VMID: cfg.ID, Stage: "quota", Err: aErr}
	}

	dialOpts := o.opts.DialOptions
	if dialOpts.Clock == nil {
		dialOpts.Clock = o.clk
	}
	if dialOpts.Logger == nil {
		dialOpts.Logger = o.logger
	}
	client, cErr := channel.Dial(ctx, o.dialFunc(machine), dialOpts)
	if cErr != nil {
		return &vm.ChannelError{VMID: cfg.ID, Err: cErr}
	}
	st.client = client
	unwind = append(unwind, func() { _ = client.Close() })

	// The spawn is complete when the guest agent answers, not when
	// the channel merely connects.
	if pErr := client.Call(ctx, "ping", nil, nil); pErr != nil {
		return &vm.ChannelError{VMID: cfg.ID, Err: pErr}
	}

	if tErr := st.handle.Transition(vm.Running); tErr != nil {
		return tErr
	}
	st.handle.FromSnapshot = fromSnapshot
	st.handle.ChannelAddr = machine.VsockPath
	st.handle.CreatedAt = o.clk.Now()
	st.handle.SpawnLatency = o.clk.Now().Sub(started)

	watchCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	if cfg.Quota.MemoryBytes > 0 {
		watcher := quota.NewWatcher(group, o.clk, o.opts.WatchInterval, o.onBreach, o.logger)
		go watcher.Run(watchCtx)
	}
	go o.watchExit(watchCtx, st)
	return nil
}

// bootMachine boots from a warm snapshot when one fits, cold-booting
// otherwise. Pool trouble is logged and degraded around, never
// surfaced: only a failed cold boot fails the spawn.
func (o *Orchestrator) bootMachine(ctx context.Context, spec hypervisor.BootSpec, cfg vm.Config) (*hypervisor.Machine, bool, error) {
	if o.opts.Pool != nil {
		meta, err := o.opts.Pool.Acquire()
		switch {
		case errors.Is(err, vm.ErrPoolMiss):
			o.logger.Info("snapshot pool miss, cold booting", "vm_id", spec.VMID)
		case err != nil:
			o.logger.Warn("snapshot pool acquire failed, cold booting", "vm_id", spec.VMID, "error", err)
		case !shapeMatches(meta, cfg):
			o.logger.Info("pool snapshot shape mismatch, cold booting",
				"vm_id", spec.VMID, "snapshot_id", meta.ID)
		default:
			if machine, ok := o.bootFromSnapshot(ctx, spec, meta); ok {
				return machine, true, nil
			}
		}
	}

	machine, err := o.opts.Backend.Spawn(ctx, spec)
	if err != nil {
		return nil, false, err
	}
	return machine, false, nil
}

// bootFromSnapshot materializes meta and restores from it. Any
// failure discards the snapshot so the pool cannot keep handing out a
// corrupt entry.
func (o *Orchestrator) bootFromSnapshot(ctx context.Context, spec hypervisor.BootSpec, meta snapshot.Metadata) (*hypervisor.Machine, bool) {
	workDir := filepath.Join(spec.RuntimeDir, "snapshot")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		o.logger.Warn("snapshot work dir failed, cold booting", "vm_id", spec.VMID, "error", err)
		return nil, false
	}

	if _, err := o.opts.Store.Materialize(meta.ID, workDir); err != nil {
		o.logger.Warn("snapshot unusable, discarding",
			"vm_id", spec.VMID, "snapshot_id", meta.ID, "error", err)
		_ = o.opts.Pool.Discard(ctx, meta.ID)
		return nil, false
	}

	machine, err := o.opts.Backend.LoadSnapshot(ctx, spec, workDir)
	if err != nil {
		o.logger.Warn("snapshot load failed, discarding",
			"vm_id", spec.VMID, "snapshot_id", meta.ID, "error", err)
		_ = o.opts.Pool.Discard(ctx, meta.ID)
		return nil, false
	}
	return machine, true
}

// shapeMatches reports whether a snapshot can stand in for cfg. A
// snapshot only fast-paths spawns with the same boot shape.
func shapeMatches(meta snapshot.Metadata, cfg vm.Config) bool {
	return meta.KernelPath == cfg.KernelPath &&
		meta.RootfsPath == cfg.RootfsPath &&
		meta.VCPUCount == cfg.VCPUCount &&
		meta.MemoryMB == cfg.MemoryMB
}

// onBreach handles a memory-ceiling breach: terminate the offender,
// leave everyone else alone.
func (o *Orchestrator) onBreach(vmID string, oomKills uint64) {
	o.logger.Warn("terminating vm over resource ceiling", "vm_id", vmID, "oom_kills", oomKills)
	go o.reap(vmID, vm.ErrResourceExhausted)
}

// watchExit reaps a VM whose hypervisor died underneath it, so a
// crashed or killed child never strands firewall chains, cgroups, or
// overlays.
func (o *Orchestrator) watchExit(ctx context.Context, st *vmState) {
	select {
	case <-ctx.Done():
	case <-st.machine.Done():
		if st.handle.Terminated() {
			return
		}
		o.logger.Warn("hypervisor exited unexpectedly",
			"vm_id", st.handle.ID, "error", st.machine.ExitErr())
		o.reap(st.handle.ID, st.machine.ExitErr())
	}
}

// reap destroys a VM on the orchestrator's own initiative, with its
// own deadline since no caller is waiting.
func (o *Orchestrator) reap(vmID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := o.destroy(ctx, vmID); err != nil {
		o.logger.Error("reaping vm failed", "vm_id", vmID, "cause", cause, "error", err)
	}
}
