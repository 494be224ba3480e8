// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/holt-systems/holt/channel"
	"github.com/holt-systems/holt/firewall"
	"github.com/holt-systems/holt/hypervisor"
	"github.com/holt-systems/holt/lib/clock"
	"github.com/holt-systems/holt/quota"
	"github.com/holt-systems/holt/snapshot"
	"github.com/holt-systems/holt/vm"
)

// ErrUnknownVM is returned when an id names no live VM.
var ErrUnknownVM = errors.New("orchestrator: unknown vm")

// ErrDestroyDenied is returned when the approval gate rejects a
// destroy request.
var ErrDestroyDenied = errors.New("orchestrator: destroy denied")

// destroyTimeout bounds teardowns the orchestrator starts on its own
// (breach and crash reaping), where no caller context exists.
const destroyTimeout = 30 * time.Second

// ApprovalGate decides whether a caller-requested destroy may
// proceed. Teardowns the orchestrator initiates itself (resource
// breaches, hypervisor crashes, shutdown) bypass the gate.
type ApprovalGate interface {
	ApproveDestroy(ctx context.Context, vmID string) error
}

// Options configure an Orchestrator.
type Options struct {
	// Backend boots and controls the VMs. Required.
	Backend hypervisor.Backend

	// Quota manages per-VM cgroups. Required.
	Quota *quota.Manager

	// Overlays provisions writable root layers. Required.
	Overlays *hypervisor.OverlayManager

	// Firewall installs per-VM network isolation. Required only when
	// a spawn enables networking.
	Firewall *firewall.Manager

	// Pool and Store provide warm snapshots. Optional; without them
	// every spawn cold-boots.
	Pool  *snapshot.Pool
	Store *snapshot.Store

	// RuntimeDir is the parent for per-VM runtime directories
	// (sockets, logs, serialized filters).
	RuntimeDir string

	// Gate approves caller-requested destroys. Nil allows all.
	Gate ApprovalGate

	// DialChannel overrides how the host-guest channel connects to a
	// machine. Nil dials the machine's vsock endpoint.
	DialChannel func(m *hypervisor.Machine) channel.DialFunc

	// DialOptions tune channel connection retries.
	DialOptions channel.DialOptions

	// WatchInterval is the quota watcher poll interval (default 1s).
	WatchInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// vmState is everything the orchestrator holds for one live VM.
// Populated during spawn, drained during teardown.
type vmState struct {
	handle  *vm.Handle
	cfg     vm.Config
	machine *hypervisor.Machine
	client  *channel.Client
	group   *quota.Cgroup
	rules   *firewall.RuleSet

	overlayPath string
	runtimeDir  string

	// cancel stops the VM's watcher goroutines.
	cancel context.CancelFunc

	destroyOnce sync.Once
	destroyErr  error
}

// Orchestrator owns every live VM and the managers beneath them. Safe
// for concurrent use; the registry mutex is held only for map
// operations, never across a boot or teardown.
type Orchestrator struct {
	opts   Options
	clk    clock.Clock
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vmState
}

// New validates options and builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, errors.New("orchestrator: backend is required")
	}
	if opts.Quota == nil {
		return nil, errors.New("orchestrator: quota manager is required")
	}
	if opts.Overlays == nil {
		return nil, errors.New("orchestrator: overlay manager is required")
	}
	if opts.RuntimeDir == "" {
		return nil, errors.New("orchestrator: runtime dir is required")
	}
	if opts.Pool != nil && opts.Store == nil {
		return nil, errors.New("orchestrator: snapshot pool requires a store")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		opts:   opts,
		clk:    opts.Clock,
		logger: opts.Logger,
		vms:    make(map[string]*vmState),
	}, nil
}

// Status returns the lifecycle state of a VM, or ErrUnknownVM.
func (o *Orchestrator) Status(vmID string) (vm.State, error) {
	o.mu.Lock()
	st, ok := o.vms[vmID]
	o.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVM, vmID)
	}
	return st.handle.State(), nil
}

// Handle returns the handle for a live VM, or ErrUnknownVM.
func (o *Orchestrator) Handle(vmID string) (*vm.Handle, error) {
	o.mu.Lock()
	st, ok := o.vms[vmID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVM, vmID)
	}
	return st.handle, nil
}

// List returns the handles of every registered VM.
func (o *Orchestrator) List() []*vm.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	handles := make([]*vm.Handle, 0, len(o.vms))
	for _, st := range o.vms {
		handles = append(handles, st.handle)
	}
	return handles
}

// Call invokes a method on a VM's guest agent over the host-guest
// channel.
func (o *Orchestrator) Call(ctx context.Context, vmID, method string, payload, result any) error {
	o.mu.Lock()
	st, ok := o.vms[vmID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVM, vmID)
	}
	if st.client == nil {
		return &vm.ChannelError{VMID: vmID, Transient: true, Err: errors.New("vm still booting")}
	}
	if err := st.client.Call(ctx, method, payload, result); err != nil {
		return &vm.ChannelError{
			VMID:      vmID,
			Transient: errors.Is(err, context.DeadlineExceeded),
			Err:       err,
		}
	}
	return nil
}

// PoolStats reports the snapshot pool's state. Zero when no pool is
// configured.
func (o *Orchestrator) PoolStats() snapshot.Stats {
	if o.opts.Pool == nil {
		return snapshot.Stats{}
	}
	return o.opts.Pool.Stats()
}

// Close destroys every live VM, for daemon shutdown. Bypasses the
// approval gate.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	for _, handle := range o.List() {
		if err := o.destroy(ctx, handle.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// register claims an id in the live registry.
func (o *Orchestrator) register(st *vmState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.vms[st.handle.ID]; exists {
		return fmt.Errorf("orchestrator: vm %s already exists", st.handle.ID)
	}
	o.vms[st.handle.ID] = st
	return nil
}

func (o *Orchestrator) unregister(vmID string) {
	o.mu.Lock()
	delete(o.vms, vmID)
	o.mu.Unlock()
}

// dialFunc builds the channel dialer for a machine.
func (o *Orchestrator) dialFunc(m *hypervisor.Machine) channel.DialFunc {
	if o.opts.DialChannel != nil {
		return o.opts.DialChannel(m)
	}
	return func(ctx context.Context) (net.Conn, error) {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "unix", m.VsockPath)
	}
}
