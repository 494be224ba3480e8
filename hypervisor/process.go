// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/holt-systems/holt/lib/clock"
)

// startPollInterval is how often the start wait re-probes the
// control socket.
const startPollInterval = 50 * time.Millisecond

// launchChild starts the hypervisor binary with a minimal
// environment and its own process group, returning a Machine whose
// Done channel closes on exit. Output goes to log files in the
// runtime dir.
func launchChild(ctx context.Context, vmID, binary string, args []string, runtimeDir string) (*Machine, error) {
	stdout, err := os.Create(filepath.Join(runtimeDir, "hypervisor.stdout.log"))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: creating stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(runtimeDir, "hypervisor.stderr.log"))
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("hypervisor: creating stderr log: %w", err)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// The child inherits nothing from the daemon's environment
	// except PATH. Secrets in the environment stay out of the VM
	// process.
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	// Own process group, so an escalated kill takes the child and
	// anything it forked without touching the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("hypervisor: starting %s: %w", binary, err)
	}

	m := &Machine{
		VMID: vmID,
		PID:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		m.exitErr = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(m.done)
	}()
	return m, nil
}

// errChildExited marks a start wait that lost to the child dying.
var errChildExited = errors.New("hypervisor: child exited during start")

// waitReady polls ready until it succeeds, racing three ways: the
// child exiting (fail immediately, carrying the exit error), the
// deadline, and the caller's context. Waiting out a full timeout
// after the child is already dead helps nobody.
func waitReady(ctx context.Context, clk clock.Clock, timeout time.Duration, m *Machine, ready func(context.Context) error) error {
	deadline := clk.After(timeout)
	var lastProbe error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, startPollInterval*4)
		err := ready(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastProbe = err

		select {
		case <-m.Done():
			exitErr := m.ExitErr()
			if exitErr == nil {
				exitErr = errors.New("clean exit before ready")
			}
			return fmt.Errorf("%w: %w", errChildExited, exitErr)
		case <-deadline:
			return fmt.Errorf("hypervisor: not ready after %v: %w", timeout, lastProbe)
		case <-ctx.Done():
			return fmt.Errorf("hypervisor: start wait: %w", ctx.Err())
		case <-clk.After(startPollInterval):
		}
	}
}

// stopChild escalates: SIGTERM to the process group, a grace period,
// then SIGKILL. Idempotent on an already-dead child.
func stopChild(m *Machine, clk clock.Clock, grace time.Duration) error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	select {
	case <-m.Done():
		return nil
	default:
	}
	pid := m.cmd.Process.Pid

	// Negative pid targets the whole process group.
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("hypervisor: terminating %d: %w", pid, err)
	}

	select {
	case <-m.Done():
		return nil
	case <-clk.After(grace):
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("hypervisor: killing %d: %w", pid, err)
	}
	<-m.Done()
	return nil
}
