// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"strings"
	"testing"
)

func TestCapabilitiesCheck(t *testing.T) {
	t.Run("all present", func(t *testing.T) {
		caps := Capabilities{KVM: true, BinaryPath: "/usr/bin/firecracker", Vsock: true}
		if err := caps.Check("firecracker"); err != nil {
			t.Fatalf("Check: %v", err)
		}
	})

	t.Run("everything missing", func(t *testing.T) {
		err := Capabilities{}.Check("firecracker")
		if err == nil {
			t.Fatal("empty capabilities should fail")
		}
		for _, want := range []string{"/dev/kvm", "firecracker binary", "vhost-vsock"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not name %q", err, want)
			}
		}
	})
}

func TestProbeMissingBinary(t *testing.T) {
	caps := Probe("definitely-not-a-hypervisor-binary", "")
	if caps.BinaryPath != "" {
		t.Errorf("BinaryPath = %q for a nonexistent binary", caps.BinaryPath)
	}
}
