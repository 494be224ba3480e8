// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package seccomp

import (
	"strings"
	"testing"
)

func TestParseProfileWithComments(t *testing.T) {
	document := `{
	// Image builder needs mknodat for device nodes in the staging
	// tree; harmless inside the VM.
	"level": "basic",
	"extra_allow": [
		"mknodat",
		"umask", // set by the build script
	],
	"audit": true,
}`

	profile, err := ParseProfile([]byte(document))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if profile.Level != "basic" {
		t.Errorf("level = %q, want basic", profile.Level)
	}
	if len(profile.ExtraAllow) != 2 {
		t.Fatalf("extra_allow = %v, want 2 entries", profile.ExtraAllow)
	}
	if !profile.Audit {
		t.Error("audit flag lost")
	}

	filter, err := profile.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !filter.Allows("mknodat") {
		t.Error("profile extension not applied")
	}
	if filter.Allows("clone3") {
		t.Error("profile must not unlock process creation")
	}
}

func TestParseProfileRejectsBadLevel(t *testing.T) {
	_, err := ParseProfile([]byte(`{"level": "wide-open"}`))
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
	if !strings.Contains(err.Error(), "wide-open") {
		t.Errorf("error should name the bad level: %v", err)
	}
}

func TestParseProfileRequiresLevel(t *testing.T) {
	if _, err := ParseProfile([]byte(`{"extra_allow": ["openat"]}`)); err == nil {
		t.Fatal("expected error for missing level")
	}
}

func TestProfileBuildRejectsDeniedExtras(t *testing.T) {
	profile := &Profile{Level: "permissive", ExtraAllow: []string{"mount"}}
	if _, err := profile.Build(); err == nil {
		t.Fatal("profile allowing mount should fail to build")
	}
}
