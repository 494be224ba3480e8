// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/holt-systems/holt/lib/clock"
)

// BreachHandler is invoked when a VM crosses its memory ceiling. The
// orchestrator uses it to stop the VM gracefully; the handler must
// not block the watcher for long.
type BreachHandler func(vmID string, oomKills uint64)

// Watcher polls a group's memory.events and reports ceiling breaches.
// One watcher per VM; it never touches another VM's group, so a
// misbehaving VM cannot delay its neighbors' detection.
type Watcher struct {
	group    *Cgroup
	clk      clock.Clock
	interval time.Duration
	onBreach BreachHandler
	logger   *slog.Logger
}

// NewWatcher creates a watcher for group. A non-positive interval
// defaults to one second.
func NewWatcher(group *Cgroup, clk clock.Clock, interval time.Duration, onBreach BreachHandler, logger *slog.Logger) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		group:    group,
		clk:      clk,
		interval: interval,
		onBreach: onBreach,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. The breach handler fires once per
// oom_kill escalation, not once per poll, so a single runaway burst
// produces a single termination request.
func (w *Watcher) Run(ctx context.Context) {
	ticker := w.clk.NewTicker(w.interval)
	defer ticker.Stop()

	var lastSeen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kills, err := w.group.OOMKills()
			if err != nil {
				w.logger.Warn("memory event poll failed", "vm_id", w.group.VMID, "error", err)
				continue
			}
			if kills > lastSeen {
				w.logger.Warn("memory ceiling breached",
					"vm_id", w.group.VMID,
					"oom_kills", kills,
				)
				lastSeen = kills
				if w.onBreach != nil {
					w.onBreach(w.group.VMID, kills)
				}
			}
		}
	}
}
