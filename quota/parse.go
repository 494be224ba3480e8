// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"fmt"
	"strings"
)

// ParseMemoryLimit parses a human memory limit ("512M", "2G") into
// bytes. Empty and "infinity" mean unlimited (0).
func ParseMemoryLimit(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "infinity" {
		return 0, nil
	}

	var multiplier uint64 = 1
	number := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		number = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		number = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		number = s[:len(s)-1]
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
		number = s[:len(s)-1]
	}

	var value uint64
	if _, err := fmt.Sscanf(number, "%d", &value); err != nil {
		return 0, fmt.Errorf("quota: invalid memory limit %q: %w", s, err)
	}
	return value * multiplier, nil
}

// ParseCPUQuota parses a CPU quota percentage ("150%", "50") where
// 100 means one full CPU. Empty and "infinity" mean unlimited (0).
func ParseCPUQuota(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "infinity" {
		return 0, nil
	}
	s = strings.TrimSuffix(s, "%")

	var value int
	if _, err := fmt.Sscanf(s, "%d", &value); err != nil {
		return 0, fmt.Errorf("quota: invalid CPU quota %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("quota: negative CPU quota %q", s)
	}
	return value, nil
}
