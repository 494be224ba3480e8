// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Capabilities reports what the host can actually run. Probed once
// at daemon startup so a missing prerequisite surfaces as one clear
// error instead of a failed spawn later.
type Capabilities struct {
	// KVM is true when /dev/kvm exists and is accessible.
	KVM bool

	// BinaryPath is the resolved hypervisor binary, empty when not
	// found.
	BinaryPath string

	// Vsock is true when the vhost-vsock device is present, which
	// the host-guest channel requires.
	Vsock bool
}

// Probe inspects the host for the named backend's prerequisites.
// binary overrides PATH lookup when non-empty.
func Probe(backendName, binary string) Capabilities {
	caps := Capabilities{}

	if _, err := os.Stat("/dev/kvm"); err == nil {
		caps.KVM = true
	}
	if _, err := os.Stat("/dev/vhost-vsock"); err == nil {
		caps.Vsock = true
	}

	if binary != "" {
		if _, err := os.Stat(binary); err == nil {
			caps.BinaryPath = binary
		}
	} else if path, err := exec.LookPath(backendName); err == nil {
		caps.BinaryPath = path
	}

	return caps
}

// Check returns an error listing every missing prerequisite, or nil
// when the host can boot VMs.
func (c Capabilities) Check(backendName string) error {
	var missing []string
	if !c.KVM {
		missing = append(missing, "/dev/kvm (enable virtualization, load the kvm module)")
	}
	if c.BinaryPath == "" {
		missing = append(missing, backendName+" binary (not on PATH)")
	}
	if !c.Vsock {
		missing = append(missing, "/dev/vhost-vsock (load the vhost_vsock module)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("hypervisor: host cannot run micro-VMs, missing: %s", strings.Join(missing, "; "))
	}
	return nil
}
