// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// table is the nftables table holding every holt chain. inet covers
// both IPv4 and IPv6 in one table.
const table = "holt"

// hookChains are the base chains holt's per-VM chains link into.
// input covers traffic addressed to the host; forward covers routed
// guest traffic.
var hookChains = []string{"input", "forward"}

// ErrNotLinked reports a chain that exists but is not reachable from
// any hook chain. Such a chain filters nothing; treating it as
// active isolation would be a security bypass, so callers must fail
// the operation.
var ErrNotLinked = errors.New("firewall: chain exists but is not linked into the traffic path")

// ErrChainMissing reports a chain that does not exist at all.
var ErrChainMissing = errors.New("firewall: chain does not exist")

// RuleSet describes one VM's installed isolation.
type RuleSet struct {
	// VMID is the full VM identifier the chain was derived from.
	VMID string

	// ChainName is the per-VM chain, derived by ChainName.
	ChainName string

	// TapDevice is the host interface whose traffic the chain
	// filters.
	TapDevice string

	// Linked records whether linkage was verified. A RuleSet with
	// Linked false must never be treated as active isolation.
	Linked bool
}

// Manager creates, verifies, and removes per-VM isolation chains.
// Safe for concurrent use across distinct VMs; nft serializes
// conflicting updates itself.
type Manager struct {
	runner Runner
	logger *slog.Logger
}

// NewManager creates a Manager. A nil logger discards.
func NewManager(runner Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{runner: runner, logger: logger}
}

// ConfigureIsolation installs and links the deny chain for a VM and
// returns the verified RuleSet. On any failure the partially
// installed state is removed and the error is returned — the caller
// must treat it as fatal to the spawn.
func (m *Manager) ConfigureIsolation(ctx context.Context, vmID string) (*RuleSet, error) {
	rules := &RuleSet{
		VMID:      vmID,
		ChainName: ChainName(vmID),
		TapDevice: TapName(vmID),
	}

	if err := m.ensureBase(ctx); err != nil {
		return nil, err
	}

	if err := m.install(ctx, rules); err != nil {
		// Unwind whatever was created; Cleanup is safe on partial
		// state.
		if cleanupErr := m.Cleanup(ctx, rules); cleanupErr != nil {
			err = errors.Join(err, cleanupErr)
		}
		return nil, err
	}

	// Trust nothing: confirm the chain is present AND reachable
	// before reporting isolation active.
	if err := m.VerifyIsolation(ctx, rules); err != nil {
		if cleanupErr := m.Cleanup(ctx, rules); cleanupErr != nil {
			err = errors.Join(err, cleanupErr)
		}
		return nil, err
	}

	rules.Linked = true
	m.logger.Info("network isolation configured",
		"vm_id", vmID,
		"chain", rules.ChainName,
		"tap", rules.TapDevice,
	)
	return rules, nil
}

// ensureBase creates the holt table and its hook chains. nft's add
// verb succeeds when the object already exists, so this is naturally
// idempotent.
func (m *Manager) ensureBase(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "add", "table", "inet", table); err != nil {
		return fmt.Errorf("firewall: creating table: %w", err)
	}
	for _, hook := range hookChains {
		spec := fmt.Sprintf("{ type filter hook %s priority 0 ; policy accept ; }", hook)
		if _, err := m.runner.Run(ctx, "add", "chain", "inet", table, hook, spec); err != nil {
			return fmt.Errorf("firewall: creating %s hook chain: %w", hook, err)
		}
	}
	return nil
}

// install creates the per-VM chain, its deny rules, and the jump
// rules linking it into each hook chain.
func (m *Manager) install(ctx context.Context, rules *RuleSet) error {
	if _, err := m.runner.Run(ctx, "add", "chain", "inet", table, rules.ChainName); err != nil {
		return fmt.Errorf("firewall: creating chain %s: %w", rules.ChainName, err)
	}

	// Deny everything crossing this chain. The host-guest channel
	// rides vsock, which never traverses netfilter, so a full drop
	// does not cut off control traffic.
	if _, err := m.runner.Run(ctx, "add", "rule", "inet", table, rules.ChainName,
		"counter", "drop"); err != nil {
		return fmt.Errorf("firewall: populating chain %s: %w", rules.ChainName, err)
	}

	// Link: all traffic entering or leaving the VM's tap device jumps
	// into the deny chain. Without these two rules the chain is dead
	// configuration.
	for _, hook := range hookChains {
		for _, direction := range []string{"iifname", "oifname"} {
			if _, err := m.runner.Run(ctx, "add", "rule", "inet", table, hook,
				direction, rules.TapDevice, "jump", rules.ChainName); err != nil {
				return fmt.Errorf("firewall: linking chain %s into %s: %w", rules.ChainName, hook, err)
			}
		}
	}
	return nil
}

// VerifyIsolation confirms the chain exists and is linked into every
// hook chain. Returns ErrChainMissing or ErrNotLinked accordingly.
func (m *Manager) VerifyIsolation(ctx context.Context, rules *RuleSet) error {
	if _, err := m.runner.Run(ctx, "list", "chain", "inet", table, rules.ChainName); err != nil {
		return fmt.Errorf("%w: %s", ErrChainMissing, rules.ChainName)
	}

	for _, hook := range hookChains {
		output, err := m.runner.Run(ctx, "-a", "list", "chain", "inet", table, hook)
		if err != nil {
			return fmt.Errorf("firewall: listing %s hook chain: %w", hook, err)
		}
		if !strings.Contains(string(output), "jump "+rules.ChainName) {
			return fmt.Errorf("%w: no jump from %s to %s", ErrNotLinked, hook, rules.ChainName)
		}
	}
	return nil
}

// Cleanup unlinks and deletes a VM's chain. Idempotent: missing
// rules and a missing chain are success, and every removal step runs
// even when earlier ones fail, with errors aggregated.
func (m *Manager) Cleanup(ctx context.Context, rules *RuleSet) error {
	var errs []error

	for _, hook := range hookChains {
		handles, err := m.jumpHandles(ctx, hook, rules.ChainName)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, handle := range handles {
			if _, err := m.runner.Run(ctx, "delete", "rule", "inet", table, hook,
				"handle", strconv.Itoa(handle)); err != nil && !isMissing(err) {
				errs = append(errs, fmt.Errorf("firewall: unlinking from %s: %w", hook, err))
			}
		}
	}

	// Flush before delete so the chain removal cannot fail on
	// leftover rules.
	if _, err := m.runner.Run(ctx, "flush", "chain", "inet", table, rules.ChainName); err != nil && !isMissing(err) {
		errs = append(errs, fmt.Errorf("firewall: flushing chain %s: %w", rules.ChainName, err))
	}
	if _, err := m.runner.Run(ctx, "delete", "chain", "inet", table, rules.ChainName); err != nil && !isMissing(err) {
		errs = append(errs, fmt.Errorf("firewall: deleting chain %s: %w", rules.ChainName, err))
	}

	rules.Linked = false
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info("network isolation removed", "vm_id", rules.VMID, "chain", rules.ChainName)
	return nil
}

// jumpHandles finds the rule handles in hook that jump to chainName.
// nft -a suffixes each rule with "# handle N".
func (m *Manager) jumpHandles(ctx context.Context, hook, chainName string) ([]int, error) {
	output, err := m.runner.Run(ctx, "-a", "list", "chain", "inet", table, hook)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("firewall: listing %s for cleanup: %w", hook, err)
	}

	var handles []int
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "jump "+chainName) {
			continue
		}
		marker := strings.LastIndex(line, "# handle ")
		if marker < 0 {
			continue
		}
		handle, err := strconv.Atoi(strings.TrimSpace(line[marker+len("# handle "):]))
		if err != nil {
			continue
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// isMissing reports whether an nft error means the object is already
// gone. nft reports both flavors depending on version.
func isMissing(err error) bool {
	message := err.Error()
	return strings.Contains(message, "No such file or directory") ||
		strings.Contains(message, "does not exist")
}
