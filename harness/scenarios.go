// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holt-systems/holt/quota"
	"github.com/holt-systems/holt/vm"
)

// settleTimeout bounds how long a scenario waits for reaping and
// other background convergence.
const settleTimeout = 10 * time.Second

// callTimeout bounds a single guest call inside a scenario.
const callTimeout = 2 * time.Second

// Scenario injects one fault class and measures the fallout. A
// returned error means the scenario could not run at all; measured
// misbehavior belongs in the result.
type Scenario interface {
	Name() string
	Run(ctx context.Context, f *Fixture) (ScenarioResult, error)
}

// DefaultScenarios is the standard battery.
func DefaultScenarios() []Scenario {
	return []Scenario{
		&CrashScenario{VMs: 5, Kills: 2},
		&PartitionScenario{Calls: 200},
		&FlakyBootScenario{Spawns: 5},
		&PressureScenario{Neighbors: 2},
		&ChurnScenario{Cycles: 25, Workers: 4},
	}
}

// Runner executes scenarios sequentially against one fixture.
type Runner struct {
	Fixture   *Fixture
	Scenarios []Scenario
	Logger    *slog.Logger
}

// Run executes the battery and aggregates the report. Stops at the
// first scenario that cannot run.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	scenarios := r.Scenarios
	if len(scenarios) == 0 {
		scenarios = DefaultScenarios()
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	started := time.Now()
	report := &Report{}
	for _, scenario := range scenarios {
		logger.Info("scenario starting", "scenario", scenario.Name())
		result, err := scenario.Run(ctx, r.Fixture)
		if err != nil {
			return nil, fmt.Errorf("harness: scenario %s: %w", scenario.Name(), err)
		}
		result.Scenario = scenario.Name()
		report.Results = append(report.Results, result)
		logger.Info("scenario finished",
			"scenario", scenario.Name(),
			"vms", result.VMs,
			"clean", result.CleanTerminations,
			"data_loss", result.DataLoss,
			"cascading", result.CascadingFailures,
			"recovery", result.Recovery,
		)
	}
	report.Elapsed = time.Since(started)
	return report, nil
}

// waitUntil polls condition until it holds, timeout passes, or ctx
// ends.
func waitUntil(ctx context.Context, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
	return condition()
}

// CrashScenario kills hypervisors out from under running VMs and
// checks that the victims are fully reaped, the survivors keep
// running, and new spawns still work.
type CrashScenario struct {
	// VMs is the population size (default 5).
	VMs int

	// Kills is how many of them get their hypervisor killed
	// (default 2).
	Kills int
}

func (s *CrashScenario) Name() string { return "hypervisor-crash" }

func (s *CrashScenario) Run(ctx context.Context, f *Fixture) (ScenarioResult, error) {
	population := s.VMs
	if population <= 0 {
		population = 5
	}
	kills := s.Kills
	if kills <= 0 || kills >= population {
		kills = 1
	}

	handles := make([]*vm.Handle, 0, population)
	for i := 0; i < population; i++ {
		handle, err := f.Spawn(ctx, nil)
		if err != nil {
			return ScenarioResult{}, fmt.Errorf("spawning population: %w", err)
		}
		handles = append(handles, handle)
	}
	victims, survivors := handles[:kills], handles[kills:]

	// Replacement spawn below makes it population+1 lifecycles.
	result := ScenarioResult{VMs: population + 1}

	faultAt := time.Now()
	for _, victim := range victims {
		f.Backend.Kill(victim.ID, nil)
	}

	reaped := waitUntil(ctx, settleTimeout, func() bool {
		for _, victim := range victims {
			if !f.Released(victim.ID) {
				return false
			}
		}
		return true
	})
	if reaped {
		result.CleanTerminations += len(victims)
	} else {
		result.Failures = append(result.Failures, "crash victims not fully reaped")
	}

	// The system must still spawn while and after reaping.
	replacement, err := f.Spawn(ctx, nil)
	if err != nil {
		result.CascadingFailures++
		result.Failures = append(result.Failures, fmt.Sprintf("replacement spawn failed: %v", err))
	} else {
		result.Recovery = time.Since(faultAt)
		survivors = append(survivors, replacement)
	}

	for _, survivor := range survivors {
		if survivor.State() != vm.Running {
			result.CascadingFailures++
			result.Failures = append(result.Failures,
				fmt.Sprintf("bystander %s left %s", survivor.ID, survivor.State()))
			continue
		}
		if err := f.destroyClean(ctx, survivor.ID); err != nil {
			result.Failures = append(result.Failures, err.Error())
			continue
		}
		result.CleanTerminations++
	}
	return result, nil
}

// PartitionScenario severs one VM's channel under concurrent load:
// every in-flight call must fail cleanly, none may be falsely
// acknowledged, an unrelated VM must not notice, and after healing a
// fresh VM must carry the same load with zero loss.
type PartitionScenario struct {
	// Calls is the concurrent load (default 200).
	Calls int
}

func (s *PartitionScenario) Name() string { return "channel-partition" }

func (s *PartitionScenario) Run(ctx context.Context, f *Fixture) (ScenarioResult, error) {
	calls := s.Calls
	if calls <= 0 {
		calls = 200
	}

	victim, err := f.Spawn(ctx, nil)
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("spawning victim: %w", err)
	}
	bystander, err := f.Spawn(ctx, nil)
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("spawning bystander: %w", err)
	}
	result := ScenarioResult{VMs: 3}

	// Partial partition: only the victim is cut off.
	f.Partition.Start(PartitionFull, victim.ID)

	processedBefore := f.GuestProcessed(victim.ID)
	var falseAcks atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()
			if err := f.Orch.Call(callCtx, victim.ID, "exec", map[string]string{"cmd": "true"}, nil); err == nil {
				falseAcks.Add(1)
			}
		}()
	}
	wg.Wait()

	processedDelta := int64(f.GuestProcessed(victim.ID) - processedBefore)
	if loss := falseAcks.Load() - processedDelta; loss > 0 {
		result.DataLoss += int(loss)
	}

	// The unrelated connection keeps working through the partition.
	for i := 0; i < 20; i++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := f.Orch.Call(callCtx, bystander.ID, "exec", map[string]string{"cmd": "true"}, nil)
		cancel()
		if err != nil {
			result.CascadingFailures++
			result.Failures = append(result.Failures,
				fmt.Sprintf("bystander call failed during partition: %v", err))
			break
		}
	}

	f.Partition.Heal()
	healedAt := time.Now()

	// The victim's connection is gone for good; recovery means a
	// fresh VM carries the same load losslessly.
	if err := f.destroyClean(ctx, victim.ID); err != nil {
		result.Failures = append(result.Failures, err.Error())
	} else {
		result.CleanTerminations++
	}

	successor, err := f.Spawn(ctx, nil)
	if err != nil {
		result.CascadingFailures++
		result.Failures = append(result.Failures, fmt.Sprintf("post-partition spawn failed: %v", err))
	} else {
		successorBefore := f.GuestProcessed(successor.ID)
		var succeeded atomic.Int64
		for i := 0; i < calls; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				callCtx, cancel := context.WithTimeout(ctx, callTimeout)
				defer cancel()
				if err := f.Orch.Call(callCtx, successor.ID, "exec", map[string]string{"cmd": "true"}, nil); err == nil {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()
		result.Recovery = time.Since(healedAt)

		if got := succeeded.Load(); got != int64(calls) {
			result.Failures = append(result.Failures,
				fmt.Sprintf("only %d/%d calls succeeded after recovery", got, calls))
		}
		if loss := succeeded.Load() - int64(f.GuestProcessed(successor.ID)-successorBefore); loss > 0 {
			result.DataLoss += int(loss)
		}
		if err := f.destroyClean(ctx, successor.ID); err != nil {
			result.Failures = append(result.Failures, err.Error())
		} else {
			result.CleanTerminations++
		}
	}

	if err := f.destroyClean(ctx, bystander.ID); err != nil {
		result.Failures = append(result.Failures, err.Error())
	} else {
		result.CleanTerminations++
	}
	return result, nil
}

// FlakyBootScenario spawns through an intermittent partition, where
// every other connection attempt is refused. Channel dial retries
// must absorb the flakiness without failing a single spawn.
type FlakyBootScenario struct {
	// Spawns is how many VMs to boot under flaky dialing (default 5).
	Spawns int
}

func (s *FlakyBootScenario) Name() string { return "flaky-boot" }

func (s *FlakyBootScenario) Run(ctx context.Context, f *Fixture) (ScenarioResult, error) {
	spawns := s.Spawns
	if spawns <= 0 {
		spawns = 5
	}
	result := ScenarioResult{VMs: spawns}

	f.Partition.Start(PartitionIntermittent)
	defer f.Partition.Heal()

	for i := 0; i < spawns; i++ {
		handle, err := f.Spawn(ctx, nil)
		if err != nil {
			result.Failures = append(result.Failures,
				fmt.Sprintf("spawn under intermittent partition failed: %v", err))
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err = f.Orch.Call(callCtx, handle.ID, "exec", map[string]string{"cmd": "true"}, nil)
		cancel()
		if err != nil {
			result.Failures = append(result.Failures,
				fmt.Sprintf("call on %s failed: %v", handle.ID, err))
		}
		if err := f.destroyClean(ctx, handle.ID); err != nil {
			result.Failures = append(result.Failures, err.Error())
			continue
		}
		result.CleanTerminations++
	}
	return result, nil
}

// PressureScenario pushes one VM over its memory ceiling and checks
// that exactly that VM is terminated and reaped while its neighbors
// run on.
type PressureScenario struct {
	// Neighbors is how many unaffected VMs run alongside the
	// offender (default 2).
	Neighbors int
}

func (s *PressureScenario) Name() string { return "memory-pressure" }

func (s *PressureScenario) Run(ctx context.Context, f *Fixture) (ScenarioResult, error) {
	neighborCount := s.Neighbors
	if neighborCount <= 0 {
		neighborCount = 2
	}

	offender, err := f.Spawn(ctx, func(cfg *vm.Config) {
		cfg.Quota = quota.Limits{MemoryBytes: 64 << 20}
	})
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("spawning offender: %w", err)
	}
	neighbors := make([]*vm.Handle, 0, neighborCount)
	for i := 0; i < neighborCount; i++ {
		handle, err := f.Spawn(ctx, nil)
		if err != nil {
			return ScenarioResult{}, fmt.Errorf("spawning neighbor: %w", err)
		}
		neighbors = append(neighbors, handle)
	}
	result := ScenarioResult{VMs: 1 + neighborCount}

	faultAt := time.Now()
	if err := f.SimulateOOM(offender.ID); err != nil {
		return ScenarioResult{}, fmt.Errorf("injecting memory pressure: %w", err)
	}

	if waitUntil(ctx, settleTimeout, func() bool { return f.Released(offender.ID) }) {
		result.CleanTerminations++
		result.Recovery = time.Since(faultAt)
	} else {
		result.Failures = append(result.Failures, "offender not terminated after breach")
	}

	for _, neighbor := range neighbors {
		if neighbor.State() != vm.Running {
			result.CascadingFailures++
			result.Failures = append(result.Failures,
				fmt.Sprintf("neighbor %s left %s", neighbor.ID, neighbor.State()))
			continue
		}
		if err := f.destroyClean(ctx, neighbor.ID); err != nil {
			result.Failures = append(result.Failures, err.Error())
			continue
		}
		result.CleanTerminations++
	}
	return result, nil
}

// ChurnScenario runs rapid concurrent spawn/call/destroy cycles and
// checks that nothing is left behind.
type ChurnScenario struct {
	// Cycles per worker (default 25).
	Cycles int

	// Workers running cycles concurrently (default 4).
	Workers int
}

func (s *ChurnScenario) Name() string { return "spawn-destroy-churn" }

func (s *ChurnScenario) Run(ctx context.Context, f *Fixture) (ScenarioResult, error) {
	cycles := s.Cycles
	if cycles <= 0 {
		cycles = 25
	}
	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}

	var (
		mu     sync.Mutex
		result = ScenarioResult{VMs: cycles * workers}
	)
	record := func(failure string) {
		mu.Lock()
		result.Failures = append(result.Failures, failure)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < cycles; i++ {
				handle, err := f.Spawn(ctx, nil)
				if err != nil {
					record(fmt.Sprintf("churn spawn failed: %v", err))
					continue
				}
				callCtx, cancel := context.WithTimeout(ctx, callTimeout)
				err = f.Orch.Call(callCtx, handle.ID, "exec", map[string]string{"cmd": "true"}, nil)
				cancel()
				if err != nil {
					record(fmt.Sprintf("churn call failed: %v", err))
				}
				if err := f.destroyClean(ctx, handle.ID); err != nil {
					record(err.Error())
					continue
				}
				mu.Lock()
				result.CleanTerminations++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if leftover := len(f.Orch.List()); leftover > 0 {
		result.CascadingFailures += leftover
		result.Failures = append(result.Failures,
			fmt.Sprintf("%d VMs left registered after churn", leftover))
	}
	return result, nil
}
