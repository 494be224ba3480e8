// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"fmt"
	"strings"
	"time"
)

// Thresholds are the pass criteria for a battery run.
type Thresholds struct {
	// MinCleanTerminationRate is the fraction of VMs that must end
	// fully released.
	MinCleanTerminationRate float64

	// MaxCascadingFailures caps faults that spread beyond their
	// target VM.
	MaxCascadingFailures int

	// MaxDataLoss caps acknowledged-but-unprocessed operations.
	MaxDataLoss int

	// MaxRecovery caps how long any scenario took to return to a
	// working system after its fault.
	MaxRecovery time.Duration
}

// DefaultThresholds are the readiness bar: at least 95% clean
// terminations, no cascading failures, no data loss, recovery within
// 30 seconds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCleanTerminationRate: 0.95,
		MaxCascadingFailures:    0,
		MaxDataLoss:             0,
		MaxRecovery:             30 * time.Second,
	}
}

// ScenarioResult is one scenario's measurements.
type ScenarioResult struct {
	Scenario string

	// VMs is how many VMs the scenario put through a full lifecycle.
	VMs int

	// CleanTerminations counts VMs that ended fully released,
	// whether destroyed on request or reaped after a fault.
	CleanTerminations int

	// DataLoss counts operations reported successful that the guest
	// never processed.
	DataLoss int

	// CascadingFailures counts damage outside the fault's target:
	// bystander VMs disturbed, spawns that stopped working.
	CascadingFailures int

	// Recovery is how long the system took to come back after the
	// fault. Zero for scenarios without a recovery phase.
	Recovery time.Duration

	// Failures lists behavior deviations observed along the way.
	Failures []string
}

// Report aggregates a battery run.
type Report struct {
	Results []ScenarioResult
	Elapsed time.Duration
}

// TotalVMs sums lifecycles across scenarios.
func (r *Report) TotalVMs() int {
	total := 0
	for _, result := range r.Results {
		total += result.VMs
	}
	return total
}

// CleanTerminations sums clean lifecycle endings.
func (r *Report) CleanTerminations() int {
	total := 0
	for _, result := range r.Results {
		total += result.CleanTerminations
	}
	return total
}

// CleanTerminationRate is clean terminations over total VMs, 1 when
// nothing ran.
func (r *Report) CleanTerminationRate() float64 {
	total := r.TotalVMs()
	if total == 0 {
		return 1
	}
	return float64(r.CleanTerminations()) / float64(total)
}

// DataLoss sums acknowledged-but-unprocessed operations.
func (r *Report) DataLoss() int {
	total := 0
	for _, result := range r.Results {
		total += result.DataLoss
	}
	return total
}

// CascadingFailures sums cross-VM damage.
func (r *Report) CascadingFailures() int {
	total := 0
	for _, result := range r.Results {
		total += result.CascadingFailures
	}
	return total
}

// WorstRecovery is the slowest recovery across scenarios.
func (r *Report) WorstRecovery() time.Duration {
	var worst time.Duration
	for _, result := range r.Results {
		if result.Recovery > worst {
			worst = result.Recovery
		}
	}
	return worst
}

// Evaluate returns every threshold violation, empty on a pass.
func (r *Report) Evaluate(t Thresholds) []string {
	var violations []string
	if rate := r.CleanTerminationRate(); rate < t.MinCleanTerminationRate {
		violations = append(violations, fmt.Sprintf(
			"clean termination rate %.1f%% below %.1f%%",
			rate*100, t.MinCleanTerminationRate*100))
	}
	if loss := r.DataLoss(); loss > t.MaxDataLoss {
		violations = append(violations, fmt.Sprintf(
			"data loss %d exceeds %d", loss, t.MaxDataLoss))
	}
	if cascades := r.CascadingFailures(); cascades > t.MaxCascadingFailures {
		violations = append(violations, fmt.Sprintf(
			"cascading failures %d exceed %d", cascades, t.MaxCascadingFailures))
	}
	if t.MaxRecovery > 0 {
		if worst := r.WorstRecovery(); worst > t.MaxRecovery {
			violations = append(violations, fmt.Sprintf(
				"recovery time %s exceeds %s", worst, t.MaxRecovery))
		}
	}
	for _, result := range r.Results {
		for _, failure := range result.Failures {
			violations = append(violations, fmt.Sprintf("%s: %s", result.Scenario, failure))
		}
	}
	return violations
}

// Pass reports whether the run meets every threshold.
func (r *Report) Pass(t Thresholds) bool {
	return len(r.Evaluate(t)) == 0
}

// String renders the human-readable summary the harness binary
// prints.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reliability battery: %d scenarios, %d VM lifecycles in %s\n",
		len(r.Results), r.TotalVMs(), r.Elapsed.Round(time.Millisecond))
	for _, result := range r.Results {
		fmt.Fprintf(&b, "  %-22s vms=%-3d clean=%-3d loss=%-2d cascades=%-2d recovery=%s\n",
			result.Scenario, result.VMs, result.CleanTerminations,
			result.DataLoss, result.CascadingFailures,
			result.Recovery.Round(time.Millisecond))
		for _, failure := range result.Failures {
			fmt.Fprintf(&b, "      ! %s\n", failure)
		}
	}
	fmt.Fprintf(&b, "  clean termination rate: %.1f%%\n", r.CleanTerminationRate()*100)
	return b.String()
}
