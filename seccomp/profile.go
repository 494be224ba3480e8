// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package seccomp

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Profile is a commented-JSON filter description. Operators keep
// these beside the image definitions; comments document why each
// extra syscall is needed.
type Profile struct {
	// Level names the base tier: "minimal", "basic", "permissive".
	Level string `json:"level"`

	// ExtraAllow widens the allow-list. Names on the always-denied
	// list make the profile invalid.
	ExtraAllow []string `json:"extra_allow"`

	// Audit logs sensitive-allowed syscalls, not just blocked ones.
	Audit bool `json:"audit"`
}

// ParseProfile parses a profile document. The input may contain //
// and /* */ comments and trailing commas.
func ParseProfile(data []byte) (*Profile, error) {
	var profile Profile
	if err := json.Unmarshal(jsonc.ToJSON(data), &profile); err != nil {
		return nil, fmt.Errorf("seccomp: parsing profile: %w", err)
	}
	if profile.Level == "" {
		return nil, fmt.Errorf("seccomp: profile missing level")
	}
	if _, err := ParseLevel(profile.Level); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadProfile reads and parses a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seccomp: reading profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

// Build resolves the profile into an immutable Filter.
func (p *Profile) Build() (*Filter, error) {
	level, err := ParseLevel(p.Level)
	if err != nil {
		return nil, err
	}
	return NewFilter(level, p.ExtraAllow, p.Audit)
}
