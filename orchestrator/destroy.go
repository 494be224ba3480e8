// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/holt-systems/holt/vm"
)

// Destroy tears a VM down and releases everything it held. Idempotent:
// destroying a VM that is already gone is success. The approval gate,
// when configured, is consulted first.
func (o *Orchestrator) Destroy(ctx context.Context, vmID string) error {
	if o.opts.Gate != nil {
		if err := o.opts.Gate.ApproveDestroy(ctx, vmID); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDestroyDenied, vmID, err)
		}
	}
	return o.destroy(ctx, vmID)
}

// destroy is Destroy without the gate, shared with breach and crash
// reaping and with shutdown.
func (o *Orchestrator) destroy(ctx context.Context, vmID string) error {
	o.mu.Lock()
	st, ok := o.vms[vmID]
	o.mu.Unlock()
	if !ok {
		// Already destroyed, or never existed. Either way there is
		// nothing to release.
		o.logger.Debug("destroy of unknown vm", "vm_id", vmID)
		return nil
	}

	// Concurrent destroys of the same VM share one teardown and its
	// result.
	st.destroyOnce.Do(func() {
		st.destroyErr = o.teardown(ctx, st)
	})
	return st.destroyErr
}

// teardown releases a VM's resources in reverse acquisition order.
// Every step runs even when earlier ones fail; errors are aggregated.
// The handle always reaches Terminated.
func (o *Orchestrator) teardown(ctx context.Context, st *vmState) error {
	vmID := st.handle.ID
	var errs []error

	if st.handle.State() == vm.Running {
		_ = st.handle.Transition(vm.Stopping)
	}
	if st.cancel != nil {
		st.cancel()
	}

	if st.client != nil {
		if err := st.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}

	if st.machine != nil {
		if err := o.opts.Backend.Stop(ctx, st.machine); err != nil {
			errs = append(errs, fmt.Errorf("stopping hypervisor: %w", err))
		}
	}

	if st.rules != nil {
		if err := o.opts.Firewall.Cleanup(ctx, st.rules); err != nil {
			errs = append(errs, fmt.Errorf("removing firewall rules: %w", err))
		}
	}

	if st.group != nil {
		if err := o.opts.Quota.Release(st.group); err != nil {
			errs = append(errs, fmt.Errorf("releasing quota: %w", err))
		}
	}

	if err := o.opts.Overlays.Cleanup(vmID, st.overlayPath, st.cfg.Overlay(), st.cfg.SessionKey); err != nil {
		errs = append(errs, fmt.Errorf("cleaning overlay: %w", err))
	}

	if st.runtimeDir != "" {
		if err := os.RemoveAll(st.runtimeDir); err != nil {
			errs = append(errs, fmt.Errorf("removing runtime dir: %w", err))
		}
	}

	_ = st.handle.Transition(vm.Terminated)
	o.unregister(vmID)

	if len(errs) > 0 {
		return fmt.Errorf("orchestrator: destroying %s: %w", vmID, errors.Join(errs...))
	}
	o.logger.Info("vm destroyed", "vm_id", vmID)
	return nil
}
