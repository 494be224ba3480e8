// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes nft with the given arguments and returns combined
// output. Production uses [ExecRunner]; tests inject a fake that
// records the command stream.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner drives the real nft binary.
type ExecRunner struct {
	// Binary is the nft path. Empty means PATH lookup.
	Binary string
}

// NewExecRunner locates nft and returns a runner, or an error with
// installation guidance. Failing here, before any VM spawns, beats
// discovering mid-spawn that isolation cannot be configured.
func NewExecRunner() (*ExecRunner, error) {
	path, err := exec.LookPath("nft")
	if err != nil {
		return nil, fmt.Errorf("nft not found: %w\n\n"+
			"Network isolation requires nftables. Install with:\n"+
			"  sudo apt install nftables", err)
	}
	return &ExecRunner{Binary: path}, nil
}

// Run executes nft and returns combined output. The error includes
// the command line and output because nft's stderr is the only
// diagnostic available.
func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "nft"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("nft %s: %w\noutput: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}
