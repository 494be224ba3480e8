// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/holt-systems/holt/hypervisor"
	"github.com/holt-systems/holt/vm"
)

// snapshotMemoryFile and snapshotMachineFile mirror the snapshot
// store's staging layout.
const (
	snapshotMemoryFile  = "memory-state"
	snapshotMachineFile = "vm-state"
)

// StubBackend is an in-memory hypervisor backend. Machines are
// process-less stubs that the harness can kill at will, which is the
// whole point: fault scenarios need crashes on demand.
type StubBackend struct {
	mu     sync.Mutex
	spawns int
	loads  int
	exits  map[string]func(error)
}

// NewStubBackend creates an empty stub backend.
func NewStubBackend() *StubBackend {
	return &StubBackend{exits: make(map[string]func(error))}
}

func (b *StubBackend) Name() string { return "stub" }

func (b *StubBackend) machine(spec hypervisor.BootSpec) *hypervisor.Machine {
	m, exit := hypervisor.StubMachine(spec.VMID, filepath.Join(spec.RuntimeDir, "channel.sock"))
	b.exits[spec.VMID] = exit
	return m
}

// Spawn boots a stub machine. Never fails.
func (b *StubBackend) Spawn(_ context.Context, spec hypervisor.BootSpec) (*hypervisor.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spawns++
	return b.machine(spec), nil
}

// Stop marks the machine exited. Idempotent.
func (b *StubBackend) Stop(_ context.Context, m *hypervisor.Machine) error {
	b.mu.Lock()
	exit := b.exits[m.VMID]
	b.mu.Unlock()
	if exit != nil {
		exit(nil)
	}
	return nil
}

func (b *StubBackend) Status(_ context.Context, m *hypervisor.Machine) (vm.State, error) {
	select {
	case <-m.Done():
		return vm.Terminated, nil
	default:
		return vm.Running, nil
	}
}

// CreateSnapshot writes a plausible capture into dir.
func (b *StubBackend) CreateSnapshot(_ context.Context, m *hypervisor.Machine, dir string) error {
	if err := os.WriteFile(filepath.Join(dir, snapshotMemoryFile), []byte("stub memory of "+m.VMID), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, snapshotMachineFile), []byte("stub machine state"), 0o644)
}

// LoadSnapshot restores a stub machine from a materialized capture.
func (b *StubBackend) LoadSnapshot(_ context.Context, spec hypervisor.BootSpec, dir string) (*hypervisor.Machine, error) {
	if _, err := os.Stat(filepath.Join(dir, snapshotMemoryFile)); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	return b.machine(spec), nil
}

// Kill abruptly exits a machine, simulating a hypervisor crash.
// Reports whether the VM was known.
func (b *StubBackend) Kill(vmID string, err error) bool {
	b.mu.Lock()
	exit, ok := b.exits[vmID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	if err == nil {
		err = errors.New("harness: simulated hypervisor crash")
	}
	exit(err)
	return true
}

// Boots reports cold boots and snapshot restores so far.
func (b *StubBackend) Boots() (spawns, loads int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spawns, b.loads
}
