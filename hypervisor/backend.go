// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/holt-systems/holt/lib/clock"
	"github.com/holt-systems/holt/vm"
)

// BootSpec is everything a backend needs to boot one VM.
type BootSpec struct {
	VMID string

	VCPUCount int
	MemoryMB  int

	KernelPath string

	// RootfsPath is attached read-only; guest writes land on
	// OverlayPath. Required: a VM never boots without a writable
	// layer.
	RootfsPath  string
	OverlayPath string

	// SeccompFilterPath is the serialized syscall filter handed to
	// the hypervisor child on its command line. Required: a VM never
	// boots unfiltered.
	SeccompFilterPath string

	// TapDevice is the host tap interface, empty when networking is
	// disabled.
	TapDevice string

	// RuntimeDir holds the VM's sockets and logs.
	RuntimeDir string
}

// Machine is a booted VM process. Backends create it; the
// orchestrator holds it and passes it back for stop, status, and
// snapshot calls.
type Machine struct {
	VMID string

	// PID of the hypervisor child.
	PID int

	// SocketPath is the private control socket.
	SocketPath string

	// VsockPath is the host side of the guest vsock, where the
	// host-guest channel connects.
	VsockPath string

	cmd *exec.Cmd

	// done closes when the child exits; exitErr is valid after.
	// Any number of goroutines may watch Done.
	done    chan struct{}
	exitErr error
}

// Done is closed when the hypervisor child exits.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// ExitErr returns the child's exit error. Only valid after Done is
// closed.
func (m *Machine) ExitErr() error {
	return m.exitErr
}

// StubMachine builds a Machine not backed by a real process, plus an
// exit function that marks it dead with err. Backend fakes in tests
// and the reliability harness use it; real backends launch children.
func StubMachine(vmID, vsockPath string) (*Machine, func(error)) {
	m := &Machine{
		VMID:      vmID,
		VsockPath: vsockPath,
		done:      make(chan struct{}),
	}
	var once sync.Once
	exit := func(err error) {
		once.Do(func() {
			m.exitErr = err
			close(m.done)
		})
	}
	return m, exit
}

// Backend boots and controls VMs of one hypervisor flavor.
// Implementations are safe for concurrent use across distinct VMs;
// nothing serializes unrelated machines.
type Backend interface {
	Name() string

	// Spawn boots a fresh VM. The wait is bounded by ctx and by the
	// backend's start timeout, and fails fast if the child exits.
	Spawn(ctx context.Context, spec BootSpec) (*Machine, error)

	// Stop shuts the VM down, escalating from graceful to kill.
	// Idempotent on an already-dead machine.
	Stop(ctx context.Context, m *Machine) error

	// Status queries the hypervisor for the VM's state.
	Status(ctx context.Context, m *Machine) (vm.State, error)

	// CreateSnapshot pauses the VM and writes its memory and machine
	// state into dir, then resumes it.
	CreateSnapshot(ctx context.Context, m *Machine, dir string) error

	// LoadSnapshot boots a VM from a snapshot previously written by
	// CreateSnapshot. The fast path.
	LoadSnapshot(ctx context.Context, spec BootSpec, dir string) (*Machine, error)
}

// Options configure a backend instance.
type Options struct {
	// BinaryPath overrides PATH lookup of the hypervisor binary.
	BinaryPath string

	// StartTimeout bounds one boot attempt (default 10s).
	StartTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Factory builds a backend from options.
type Factory func(opts Options) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register installs a backend factory under name. Called from init;
// duplicate names panic.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("hypervisor: duplicate backend " + name)
	}
	registry[name] = factory
}

// New builds the named backend. Unknown names list what is
// available.
func New(name string, opts Options) (Backend, error) {
	registryMu.Lock()
	factory, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("hypervisor: unknown backend %q (available: %v)", name, Backends())
	}
	return factory(opts)
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
