// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package vm

// State is a VM lifecycle phase.
type State int

const (
	Uninitialized State = iota
	Booting
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Booting:
		return "booting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is legal. The
// lifecycle is strictly forward; Terminated is reachable from any
// state so a fatal error or destroy always converges, and is final.
func (s State) CanTransition(next State) bool {
	if next == Terminated {
		return true
	}
	switch s {
	case Uninitialized:
		return next == Booting
	case Booting:
		return next == Running
	case Running:
		return next == Stopping
	default:
		return false
	}
}
