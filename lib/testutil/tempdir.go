// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"sync/atomic"
)

// tempDirCounter makes names unique within a process even when two
// tests create directories in the same nanosecond.
var tempDirCounter atomic.Uint64

// tempDirT is the subset of *testing.T TempDirUnder needs.
type tempDirT interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
	Name() string
}

// TempDirUnder creates a unique directory under parent and removes it
// when the test finishes. Unlike t.TempDir, the caller picks the
// parent, which matters for tests that need the directory on a
// specific filesystem (pool roots, overlay scratch space).
func TempDirUnder(t tempDirT, parent string) string {
	t.Helper()

	name := filepath.Join(parent, "holt-test-"+itoa(tempDirCounter.Add(1)))
	if err := os.MkdirAll(name, 0o700); err != nil {
		t.Fatalf("creating temp dir under %s: %v", parent, err)
	}
	t.Cleanup(func() { os.RemoveAll(name) })
	return name
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
