// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/holt-systems/holt/lib/codec"
	"github.com/holt-systems/holt/lib/ipc"
	"github.com/holt-systems/holt/orchestrator"
	"github.com/holt-systems/holt/seccomp"
	"github.com/holt-systems/holt/vm"
)

// requestDeadline bounds one request/response cycle. Generous because
// spawn-vm covers a full boot, isolation setup included.
const requestDeadline = 2 * time.Minute

// daemon dispatches control socket requests to the orchestrator. The
// orchestrator is safe for concurrent use, so connections are handled
// without any daemon-level lock.
type daemon struct {
	orch     *orchestrator.Orchestrator
	template vm.Config
	backend  string
	logger   *slog.Logger
}

// serve accepts connections until the listener closes.
func (d *daemon) serve(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.logger.Error("accept error", "error", err)
			continue
		}
		go d.handleConnection(ctx, conn)
	}
}

// handleConnection processes a single request/response cycle.
func (d *daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestDeadline))

	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)

	var request ipc.Request
	if err := decoder.Decode(&request); err != nil {
		d.logger.Error("decoding control request", "error", err)
		if err := encoder.Encode(ipc.Response{Error: "invalid request"}); err != nil {
			d.logger.Error("encoding error response", "error", err)
		}
		return
	}

	d.logger.Info("control request", "action", request.Action, "vm_id", request.VMID)

	reqCtx, cancel := context.WithTimeout(ctx, requestDeadline)
	defer cancel()

	var response ipc.Response
	switch request.Action {
	case ipc.ActionSpawnVM:
		response = d.handleSpawn(reqCtx, &request)
	case ipc.ActionDestroyVM:
		response = d.handleDestroy(reqCtx, &request)
	case ipc.ActionCall:
		response = d.handleCall(reqCtx, &request)
	case ipc.ActionListVMs:
		response = ipc.Response{OK: true, VMs: d.listVMs()}
	case ipc.ActionPoolStats:
		stats := d.orch.PoolStats()
		response = ipc.Response{OK: true, Pool: &ipc.PoolStats{
			Size:      stats.Size,
			OldestAge: stats.OldestAge,
			Hits:      stats.Hits,
			Misses:    stats.Misses,
		}}
	case ipc.ActionStatus:
		response = ipc.Response{OK: true, Backend: d.backend, VMs: d.listVMs()}
	default:
		response = ipc.Response{Error: fmt.Sprintf("unknown action: %q", request.Action)}
	}

	if err := encoder.Encode(response); err != nil {
		d.logger.Error("encoding control response", "error", err)
	}
}

func (d *daemon) handleSpawn(ctx context.Context, request *ipc.Request) ipc.Response {
	cfg, err := d.spawnConfig(request.Spawn)
	if err != nil {
		return ipc.Response{Error: err.Error()}
	}
	handle, err := d.orch.Spawn(ctx, cfg)
	if err != nil {
		return ipc.Response{Error: err.Error()}
	}
	entry := vmEntry(handle)
	return ipc.Response{OK: true, VM: &entry}
}

func (d *daemon) handleDestroy(ctx context.Context, request *ipc.Request) ipc.Response {
	if request.VMID == "" {
		return ipc.Response{Error: "vm_id is required"}
	}
	if err := d.orch.Destroy(ctx, request.VMID); err != nil {
		return ipc.Response{Error: err.Error()}
	}
	return ipc.Response{OK: true}
}

func (d *daemon) handleCall(ctx context.Context, request *ipc.Request) ipc.Response {
	if request.VMID == "" {
		return ipc.Response{Error: "vm_id is required"}
	}
	if request.Method == "" {
		return ipc.Response{Error: "method is required"}
	}
	var result codec.RawMessage
	if err := d.orch.Call(ctx, request.VMID, request.Method, request.Payload, &result); err != nil {
		return ipc.Response{Error: err.Error()}
	}
	return ipc.Response{OK: true, Result: result}
}

func (d *daemon) listVMs() []ipc.VMEntry {
	handles := d.orch.List()
	entries := make([]ipc.VMEntry, 0, len(handles))
	for _, handle := range handles {
		entries = append(entries, vmEntry(handle))
	}
	return entries
}

// spawnConfig merges a request's overrides onto the daemon template.
func (d *daemon) spawnConfig(spec *ipc.SpawnSpec) (vm.Config, error) {
	cfg := d.template
	if spec == nil {
		return cfg, nil
	}
	cfg.ID = spec.ID
	if spec.VCPUCount > 0 {
		cfg.VCPUCount = spec.VCPUCount
	}
	if spec.MemoryMB > 0 {
		cfg.MemoryMB = spec.MemoryMB
	}
	if spec.OverlayMode != "" {
		cfg.OverlayMode = vm.OverlayMode(spec.OverlayMode)
	}
	cfg.SessionKey = spec.SessionKey
	if spec.EnableNetworking {
		cfg.EnableNetworking = true
	}
	if spec.SeccompLevel != "" {
		level, err := seccomp.ParseLevel(spec.SeccompLevel)
		if err != nil {
			return vm.Config{}, err
		}
		cfg.SeccompLevel = level
	}
	cfg.Quota.MemoryBytes = spec.MemoryBytes
	cfg.Quota.CPUQuotaPercent = spec.CPUQuotaPercent
	return cfg, nil
}

func vmEntry(handle *vm.Handle) ipc.VMEntry {
	return ipc.VMEntry{
		ID:           handle.ID,
		State:        handle.State().String(),
		Backend:      handle.Backend,
		FromSnapshot: handle.FromSnapshot,
		SpawnLatency: handle.SpawnLatency,
		CreatedAt:    handle.CreatedAt,
	}
}
